package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alexisbeaulieu97/nfvo/internal/config"
	"github.com/alexisbeaulieu97/nfvo/internal/store"
)

func newListCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List deployed instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, root)
		},
	}
}

// runList reads the store directly; no worker is started.
func runList(cmd *cobra.Command, root *rootFlags) error {
	settings, err := config.LoadSettings(root.configPath)
	if err != nil {
		return err
	}
	db, err := store.Open(settings.Store.Path)
	if err != nil {
		return err
	}

	rows, err := db.List(cmd.Context(), store.TableInstances, "")
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No instances deployed.")
		return nil
	}

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tNAME\tSCENARIO\tDATACENTER\tSTATUS")
	for _, r := range rows {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n", r.UUID, r.Name, r.Fields["scenario"], r.Datacenter, r.Status)
	}
	return writer.Flush()
}
