package rewrite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sitemill/sitemill/internal/domain"
	"github.com/sitemill/sitemill/internal/events"
	"github.com/sitemill/sitemill/internal/logger"
	"github.com/sitemill/sitemill/internal/provider"
)

const defaultWorkers = 10

// Publisher emits pipeline events.
type Publisher interface {
	Publish(event events.Event)
}

// StateMarker records per-URL pipeline progress.
type StateMarker interface {
	MarkState(url string, state domain.URLState, errMsg string) error
}

// StageConfig configures the rewrite stage.
type StageConfig struct {
	// OutputDir receives one rewritten text file per chunk.
	OutputDir string
	// Workers is the concurrent request count.
	Workers int
	// Retry bounds per-chunk retries on transient provider errors.
	Retry provider.RetryConfig
}

// Stage consumes extracted chunks and writes rewritten text files. Failure
// semantics mirror the embedding stage: transient errors retry, fatal
// provider errors abort, everything else is contained per chunk.
type Stage struct {
	cfg      StageConfig
	rewriter Rewriter
	states   StateMarker
	bus      Publisher
	logger   logger.Interface

	mu        sync.Mutex
	processed int
	skipped   int
	marked    map[string]struct{}
}

// NewStage creates a rewrite stage.
func NewStage(cfg StageConfig, rewriter Rewriter, states StateMarker, bus Publisher, log logger.Interface) *Stage {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	return &Stage{
		cfg:      cfg,
		rewriter: rewriter,
		states:   states,
		bus:      bus,
		logger:   log,
		marked:   make(map[string]struct{}),
	}
}

// Counts returns how many chunks were rewritten and skipped.
func (s *Stage) Counts() (processed, skipped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed, s.skipped
}

// Run consumes chunks until in closes or ctx ends. The first fatal provider
// error stops the stage and is returned.
func (s *Stage) Run(ctx context.Context, in <-chan domain.Chunk) error {
	if err := os.MkdirAll(s.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create rewrite output dir: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		fatalMu  sync.Mutex
		fatalErr error
	)

	for range s.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case chunk, ok := <-in:
					if !ok {
						return
					}
					if err := s.process(ctx, chunk); err != nil {
						fatalMu.Lock()
						if fatalErr == nil {
							fatalErr = err
						}
						fatalMu.Unlock()
						cancel()
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	processed, skipped := s.Counts()
	s.logger.Info("Rewriting finished", "processed", processed, "skipped", skipped)

	return fatalErr
}

func (s *Stage) process(ctx context.Context, chunk domain.Chunk) error {
	var rewritten domain.RewrittenText

	err := provider.Retry(ctx, s.cfg.Retry, func() error {
		var rwErr error
		rewritten, rwErr = s.rewriter.Rewrite(ctx, chunk)
		return rwErr
	}, func(attempt int, retryErr error) {
		msg := fmt.Sprintf("Rewrite retry %d for %s chunk %d: %v", attempt, chunk.Document, chunk.ID, retryErr)
		s.logger.Warn(msg)
		s.bus.Publish(events.NewLogEvent("warning", msg))
	})

	switch {
	case err == nil:
	case provider.IsFatal(err):
		s.bus.Publish(events.NewLogEvent("error",
			fmt.Sprintf("Rewriting aborted on %s chunk %d: %v", chunk.Document, chunk.ID, err)))
		return err
	default:
		s.skip(chunk, err)
		return nil
	}

	name := fmt.Sprintf("%s_chunk%04d_rewritten.txt", chunk.Document, chunk.ID)
	if err := os.WriteFile(filepath.Join(s.cfg.OutputDir, name), []byte(rewritten.Text), 0o644); err != nil {
		s.skip(chunk, fmt.Errorf("write rewritten text: %w", err))
		return nil
	}

	s.markRewritten(chunk)

	s.mu.Lock()
	s.processed++
	s.mu.Unlock()

	s.bus.Publish(events.NewContentRewrittenEvent(name))
	s.logger.Debug("Chunk rewritten", "document", chunk.Document, "chunk", chunk.ID)

	return nil
}

// markRewritten advances the source URL once per document.
func (s *Stage) markRewritten(chunk domain.Chunk) {
	if chunk.SourceURL == "" {
		return
	}

	s.mu.Lock()
	_, seen := s.marked[chunk.SourceURL]
	if !seen {
		s.marked[chunk.SourceURL] = struct{}{}
	}
	s.mu.Unlock()
	if seen {
		return
	}

	if err := s.states.MarkState(chunk.SourceURL, domain.StateRewritten, ""); err != nil {
		s.logger.Warn("Mark rewritten failed", "url", chunk.SourceURL, "error", err.Error())
	}
}

func (s *Stage) skip(chunk domain.Chunk, cause error) {
	s.mu.Lock()
	s.skipped++
	s.mu.Unlock()

	msg := fmt.Sprintf("Skipped rewrite for %s chunk %d: %v", chunk.Document, chunk.ID, cause)
	s.logger.Warn(msg)
	s.bus.Publish(events.NewLogEvent("warning", msg))
}
