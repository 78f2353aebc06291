// Package common wires configuration into the pipeline components shared by
// the CLI commands.
package common

import (
	"fmt"

	"github.com/sitemill/sitemill/internal/archive"
	"github.com/sitemill/sitemill/internal/checkpoint"
	"github.com/sitemill/sitemill/internal/classify"
	"github.com/sitemill/sitemill/internal/config"
	"github.com/sitemill/sitemill/internal/crawl"
	"github.com/sitemill/sitemill/internal/embed"
	"github.com/sitemill/sitemill/internal/events"
	"github.com/sitemill/sitemill/internal/extract"
	"github.com/sitemill/sitemill/internal/fetch"
	"github.com/sitemill/sitemill/internal/frontier"
	"github.com/sitemill/sitemill/internal/logger"
	"github.com/sitemill/sitemill/internal/pipeline"
	"github.com/sitemill/sitemill/internal/rewrite"
)

// App bundles the wired components of one pipeline instance.
type App struct {
	Config       *config.Config
	Logger       logger.Interface
	Bus          *events.Bus
	Frontier     *frontier.Store
	Checkpoints  *checkpoint.Store
	Orchestrator *pipeline.Orchestrator
	Mirror       *archive.Mirror
}

// Close releases background resources, draining pending mirror uploads.
func (a *App) Close() {
	if a.Mirror != nil {
		a.Mirror.Close()
	}
}

// NewLogger builds the application logger from config, with debug forcing
// verbose console output.
func NewLogger(cfg *config.Config, debug bool) (logger.Interface, error) {
	level := cfg.Logging.LogLevel
	development := cfg.Logging.Verbose
	if debug {
		level = "debug"
		development = true
	}
	return logger.New(&logger.Config{Level: level, Development: development})
}

// BuildApp assembles the pipeline from configuration. When resume is true a
// saved checkpoint, if any, is loaded into the frontier before the crawl.
func BuildApp(cfg *config.Config, log logger.Interface, resume bool) (*App, error) {
	bus := events.NewBus(log)

	classifier := classify.New(classify.Config{
		DownloadPDF:   cfg.Crawler.DownloadPDF,
		DownloadDoc:   cfg.Crawler.DownloadDoc,
		DownloadImage: cfg.Crawler.DownloadImage,
		DownloadOther: cfg.Crawler.DownloadOther,
		ExcludedPaths: cfg.Crawler.ExcludedPaths,
	}, cfg.Crawler.StartURL)

	store := frontier.NewStore(frontier.Config{
		StartURL:      cfg.Crawler.StartURL,
		MaxDepth:      cfg.Crawler.MaxDepth,
		MaxURLs:       cfg.Crawler.MaxURLs,
		ExcludedPaths: cfg.Crawler.ExcludedPaths,
	}, classifier, log)

	checkpoints := checkpoint.NewStore(cfg.CheckpointFile, log)
	if resume {
		snap, found, err := checkpoints.Load()
		if err != nil {
			return nil, fmt.Errorf("load checkpoint: %w", err)
		}
		if found {
			store.Restore(snap)
			log.Info("Resumed from checkpoint",
				"pending", store.PendingCount(),
				"visited", store.VisitedCount(),
			)
		}
	}

	fetcher, err := fetch.New(cfg.FetchEngine, fetch.HTTPConfig{}, log)
	if err != nil {
		return nil, err
	}

	crawler := crawl.NewStage(crawl.Config{
		StartURL:    cfg.Crawler.StartURL,
		OutputDir:   cfg.Directories.CrawlerOutputDir,
		MaxDepth:    cfg.Crawler.MaxDepth,
		MaxURLs:     cfg.Crawler.MaxURLs,
		Concurrency: cfg.Crawler.Concurrency,
	}, store, classifier, fetcher, checkpoints, bus, log)

	mirror, err := archive.NewMirror(cfg.Minio, log)
	if err != nil {
		return nil, fmt.Errorf("artifact mirror: %w", err)
	}
	if mirror.Enabled() {
		crawler.UseMirror(mirror)
	}

	extractor := extract.NewStage(extract.StageConfig{
		OutputDir: cfg.Directories.PDFDocOutputDir,
		MaxTokens: cfg.Model.MaxTokens,
	}, store, bus, log)

	embedder, err := buildEmbedder(cfg, store, bus, log)
	if err != nil {
		return nil, err
	}

	rewriter, err := buildRewriter(cfg, store, bus, log)
	if err != nil {
		return nil, err
	}

	orchestrator := pipeline.New(
		pipeline.Config{Steps: cfg.PipelineSteps},
		crawler,
		extractor,
		embedder,
		rewriter,
		bus,
		log,
	)
	orchestrator.UseStates(store)

	return &App{
		Config:       cfg,
		Logger:       log,
		Bus:          bus,
		Frontier:     store,
		Checkpoints:  checkpoints,
		Orchestrator: orchestrator,
		Mirror:       mirror,
	}, nil
}

func buildEmbedder(cfg *config.Config, store *frontier.Store, bus *events.Bus, log logger.Interface) (pipeline.ChunkConsumer, error) {
	if !stepEnabled(cfg, pipeline.StepEmbedding) {
		return nil, nil
	}

	client, err := embed.New(embed.Config{
		Provider:  cfg.EmbeddingProvider,
		APIKeys:   cfg.EmbeddingKeys(),
		MaxTokens: cfg.Model.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}

	return embed.NewStage(embed.StageConfig{
		OutputDir: cfg.Directories.EmbeddingOutputDir,
		Workers:   config.DefaultEmbedWorkers,
	}, client, store, bus, log), nil
}

func buildRewriter(cfg *config.Config, store *frontier.Store, bus *events.Bus, log logger.Interface) (pipeline.ChunkConsumer, error) {
	if !stepEnabled(cfg, pipeline.StepRewriter) {
		return nil, nil
	}

	client, err := rewrite.New(rewrite.Config{
		Provider: cfg.LLMProvider,
		Model:    cfg.ContentRewriter.Model,
		APIKeys:  cfg.RewriteKeys(),
	})
	if err != nil {
		return nil, fmt.Errorf("rewrite provider: %w", err)
	}

	return rewrite.NewStage(rewrite.StageConfig{
		OutputDir: cfg.Directories.ContentRewriterOutputDir,
		Workers:   config.DefaultRewriteWorkers,
	}, client, store, bus, log), nil
}

func stepEnabled(cfg *config.Config, step string) bool {
	for _, s := range cfg.PipelineSteps {
		if s == step {
			return true
		}
	}
	return false
}
