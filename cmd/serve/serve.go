// Package serve implements the serve command: run the pipeline while
// exposing status and live events over HTTP.
package serve

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sitemill/sitemill/cmd/common"
	"github.com/sitemill/sitemill/internal/api"
	"github.com/sitemill/sitemill/internal/config"
)

// Options are the serve command flags.
type Options struct {
	ConfigFile string
	Debug      bool
	Resume     bool
	Addr       string
	NoRun      bool
}

// Command creates the serve command.
func Command(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the pipeline",
		Long: "Start the HTTP API, stream pipeline events over SSE, and kick off " +
			"a pipeline run unless --no-run is given.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Resume, "resume", false, "resume from the saved checkpoint")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from config)")
	cmd.Flags().BoolVar(&opts.NoRun, "no-run", false, "serve the API without starting a pipeline run")

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

	addr := opts.Addr
	if addr == "" {
		addr = cfg.Server.Addr
	}

	server := api.NewServer(app.Bus, app.Orchestrator, app.Frontier, log)

	var wg sync.WaitGroup
	var runErr error

	if !opts.NoRun {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := app.Orchestrator.Run(ctx); err != nil {
				log.Error("Pipeline run failed", "error", err.Error())
				runErr = err
			}
		}()
	}

	serveErr := server.Start(ctx, addr)
	wg.Wait()

	if serveErr != nil {
		return serveErr
	}
	return runErr
}
