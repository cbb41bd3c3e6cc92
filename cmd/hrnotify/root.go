package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configFlag string

	rootCmd := &cobra.Command{
		Use:           "hrnotify",
		Short:         "HR dashboard notification client",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "./hrnotify.yaml", "Configuration file path (json, yaml or toml)")

	rootCmd.AddCommand(newRunCommand(&configFlag))
	rootCmd.AddCommand(newListCommand(&configFlag))
	rootCmd.AddCommand(newReadCommand(&configFlag))
	rootCmd.AddCommand(newReadAllCommand(&configFlag))
	rootCmd.AddCommand(newDeleteCommand(&configFlag))
	rootCmd.AddCommand(newStatusCommand(&configFlag))
	return rootCmd
}
