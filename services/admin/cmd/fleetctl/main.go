package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fleetauth/pkg/config"
	"fleetauth/pkg/telemetry"
	"fleetauth/services/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(openApp).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// opener builds the service graph for one command invocation.
type opener func(ctx context.Context, logLevel string) (*app.App, error)

func openApp(ctx context.Context, logLevel string) (*app.App, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := telemetry.NewLogger("fleetctl", logLevel, "console", os.Stderr)
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg, logger, app.Options{})
}

type rootOptions struct {
	open     opener
	logLevel string
	output   string
}

func newRootCommand(open opener) *cobra.Command {
	opts := &rootOptions{open: open}

	cmd := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Administer the fleetauth credential coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level for diagnostic output")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "Output format: table, json or yaml")

	cmd.AddCommand(newHostsCommand(opts))
	cmd.AddCommand(newPruneCommand(opts))
	cmd.AddCommand(newSecretsCommand(opts))
	cmd.AddCommand(newRateLimitCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newSettingsCommand(opts))
	cmd.AddCommand(newDBCommand())
	return cmd
}

// withApp opens the graph, runs fn and closes it again.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := o.open(ctx, o.logLevel)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func groupCommand(use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
}
