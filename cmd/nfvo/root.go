package main

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "nfvo.yaml"

type rootFlags struct {
	configPath string
	logLevel   string
	human      bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "nfvo",
		Short:         "nfvo deploys network service scenarios onto virtual infrastructure",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", defaultConfigPath, "Path to the service settings file")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override the configured log level")
	cmd.PersistentFlags().BoolVar(&flags.human, "human", false, "Force human readable logs")

	cmd.AddCommand(newResolveCmd(flags))
	cmd.AddCommand(newDeployCmd(flags))
	cmd.AddCommand(newDeleteCmd(flags))
	cmd.AddCommand(newListCmd(flags))
	cmd.AddCommand(newVersionCmd())

	return cmd
}
