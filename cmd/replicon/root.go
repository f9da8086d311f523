package main

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
}

// NewRootCommand creates the root command for the replicon CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "replicon",
		Short: "Entity component replication toolkit",
		Long:  "Replicates component state from a server world to client worlds over websockets.",
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override log.level from the config")

	cmd.AddCommand(NewDemoCommand(opts))
	cmd.AddCommand(NewHashCommand(opts))

	return cmd
}
