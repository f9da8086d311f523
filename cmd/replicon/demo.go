package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/zeusync/replication/internal/core/observability/log"
	"github.com/zeusync/replication/internal/demo"
	"github.com/zeusync/replication/internal/injector"
)

type demoOptions struct {
	steps     int
	addr      string
	transport string
}

// NewDemoCommand creates the demo command.
func NewDemoCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &demoOptions{}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Replicate a simulated world to a client over a loopback transport",
		Long: `Runs a server world with walking, fighting and respawning players,
streams it to a client world through the replication registry and reports
whether the client converged to the server state.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd, rootOpts, opts)
		},
	}

	cmd.Flags().IntVar(&opts.steps, "steps", 100, "simulation steps to replicate")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "override transport.addr from the config")
	cmd.Flags().StringVar(&opts.transport, "transport", "", "override transport.kind from the config (websocket or quic)")

	return cmd
}

func runDemo(cmd *cobra.Command, rootOpts *RootOptions, opts *demoOptions) error {
	app, err := injector.InitializeApp(injector.ConfigPath(rootOpts.ConfigPath))
	if err != nil {
		return err
	}
	defer func() { _ = app.Logger.Sync() }()

	if rootOpts.LogLevel != "" {
		level, err := log.ParseLevel(rootOpts.LogLevel)
		if err != nil {
			return err
		}
		app.Logger.SetLevel(level)
	}
	if opts.addr != "" {
		app.Config.Transport.Addr = opts.addr
	}
	if opts.transport != "" {
		app.Config.Transport.Kind = opts.transport
	}
	if err = app.Config.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := demo.Run(ctx, app.Config, opts.steps, app.Metrics, app.Logger)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "listened on     %s://%s\n", report.Transport, report.Addr)
	fmt.Fprintf(out, "steps           %d\n", report.Steps)
	fmt.Fprintf(out, "client tick     %s\n", report.ClientTick)
	fmt.Fprintf(out, "entities        %d server / %d client\n", report.ServerEntities, report.ClientEntities)
	fmt.Fprintf(out, "bytes received  %d\n", report.BytesReceived)
	fmt.Fprintf(out, "in sync         %t\n", report.InSync)
	if !report.InSync {
		return errors.New("client did not converge to the server state")
	}
	return nil
}
