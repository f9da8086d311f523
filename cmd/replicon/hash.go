package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zeusync/replication/internal/core/models"
	"github.com/zeusync/replication/internal/core/observability/log"
	"github.com/zeusync/replication/internal/core/replication/registry"
	"github.com/zeusync/replication/internal/demo"
)

type hashOptions struct {
	json bool
}

type ruleOutput struct {
	FnsID    registry.FnsID     `json:"fns_id"`
	SchemaID models.ComponentID `json:"schema_id"`
	Schema   string             `json:"schema"`
}

type hashOutput struct {
	Hash  string       `json:"hash"`
	Rules []ruleOutput `json:"rules"`
}

// NewHashCommand creates the hash command.
func NewHashCommand(_ *RootOptions) *cobra.Command {
	opts := &hashOptions{}

	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Print the protocol hash of the demo registrations",
		Long: `Prints the fingerprint a server sends before its first batch, followed
by the replication function table. Clients built from different
registrations print different hashes.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHash(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.json, "json", false, "print JSON instead of text")

	return cmd
}

func runHash(cmd *cobra.Command, opts *hashOptions) error {
	components := models.NewComponents()
	reg := registry.New(components, log.Nop())
	demo.Register(reg, nil)

	output := hashOutput{Hash: fmt.Sprintf("%016x", reg.ProtocolHash())}
	for _, info := range reg.Rules() {
		output.Rules = append(output.Rules, ruleOutput{
			FnsID:    info.FnsID,
			SchemaID: info.SchemaID,
			Schema:   components.Name(info.SchemaID),
		})
	}

	out := cmd.OutOrStdout()
	if opts.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(output)
	}
	fmt.Fprintln(out, output.Hash)
	for _, rule := range output.Rules {
		fmt.Fprintf(out, "%4d  schema %-3d %s\n", rule.FnsID, rule.SchemaID, rule.Schema)
	}
	return nil
}
