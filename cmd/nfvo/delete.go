package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

func newDeleteCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <instance>",
		Short: "Delete a deployed instance by id or name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(cmd, root, args[0])
		},
	}
}

func runDelete(cmd *cobra.Command, root *rootFlags, ref string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	a, err := newApp(ctx, root, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck

	report, err := a.orch.Delete(ctx, ref)
	if report != nil {
		p := newPainter(cmd.OutOrStdout())
		style := successStyle
		if !report.OK() {
			style = failureStyle
		}
		fmt.Fprintln(cmd.OutOrStdout(), p.paint(style, report.String()))
	}
	if err != nil {
		return err
	}
	if !report.OK() {
		return fmt.Errorf("instance %s: %d resources may be left behind", report.Name, len(report.Failed))
	}
	return nil
}
