// Package run implements the run command: execute the configured pipeline
// once and exit.
package run

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sitemill/sitemill/cmd/common"
	"github.com/sitemill/sitemill/internal/config"
)

// Options are the run command flags.
type Options struct {
	ConfigFile string
	Debug      bool
	Resume     bool
}

// Command creates the run command.
func Command(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the ingestion pipeline",
		Long:  "Crawl the configured site and run the enabled processing stages over its content.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Resume, "resume", false, "resume from the saved checkpoint")

	return cmd
}

func execute(ctx context.Context, opts *Options) error {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return err
	}

	log, err := common.NewLogger(cfg, opts.Debug)
	if err != nil {
		return err
	}

	app, err := common.BuildApp(cfg, log, opts.Resume)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return app.Orchestrator.Run(ctx)
}
