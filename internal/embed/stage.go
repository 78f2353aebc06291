package embed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sitemill/sitemill/internal/domain"
	"github.com/sitemill/sitemill/internal/events"
	"github.com/sitemill/sitemill/internal/frontier"
	"github.com/sitemill/sitemill/internal/logger"
	"github.com/sitemill/sitemill/internal/provider"
)

const defaultWorkers = 4

// Publisher emits pipeline events.
type Publisher interface {
	Publish(event events.Event)
}

// StateMarker records per-URL pipeline progress.
type StateMarker interface {
	MarkState(url string, state domain.URLState, errMsg string) error
}

// StageConfig configures the embedding stage.
type StageConfig struct {
	// OutputDir receives one JSON file per chunk embedding.
	OutputDir string
	// Workers is the concurrent request count.
	Workers int
	// Retry bounds per-chunk retries on transient provider errors.
	Retry provider.RetryConfig
}

// Stage consumes extracted chunks and persists their embeddings. Transient
// provider errors are retried with backoff; a fatal provider error aborts
// the stage. Over-budget chunks are skipped and reported, never fatal.
type Stage struct {
	cfg      StageConfig
	embedder Embedder
	states   StateMarker
	bus      Publisher
	logger   logger.Interface

	mu        sync.Mutex
	processed int
	skipped   int
	marked    map[string]struct{}
}

// NewStage creates an embedding stage.
func NewStage(cfg StageConfig, embedder Embedder, states StateMarker, bus Publisher, log logger.Interface) *Stage {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	return &Stage{
		cfg:      cfg,
		embedder: embedder,
		states:   states,
		bus:      bus,
		logger:   log,
		marked:   make(map[string]struct{}),
	}
}

// Counts returns how many chunks were embedded and skipped.
func (s *Stage) Counts() (processed, skipped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed, s.skipped
}

// Run consumes chunks until in closes or ctx ends. The first fatal provider
// error stops the stage and is returned.
func (s *Stage) Run(ctx context.Context, in <-chan domain.Chunk) error {
	if err := os.MkdirAll(s.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create embedding output dir: %w", err)
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
	s.logger.Info("Embedding finished", "processed", processed, "skipped", skipped)

	return fatalErr
}

// process embeds one chunk. The returned error is non-nil only for fatal
// provider failures; contained failures are logged and counted.
func (s *Stage) process(ctx context.Context, chunk domain.Chunk) error {
	var embedding domain.Embedding

	err := provider.Retry(ctx, s.cfg.Retry, func() error {
		var embedErr error
		embedding, embedErr = s.embedder.Embed(ctx, chunk)
		return embedErr
	}, func(attempt int, retryErr error) {
		msg := fmt.Sprintf("Embedding retry %d for %s chunk %d: %v", attempt, chunk.Document, chunk.ID, retryErr)
		s.logger.Warn(msg)
		s.bus.Publish(events.NewLogEvent("warning", msg))
	})

	switch {
	case err == nil:
	case errors.Is(err, provider.ErrBudgetExceeded):
		s.skip(chunk, err)
		return nil
	case provider.IsFatal(err):
		s.bus.Publish(events.NewLogEvent("error",
			fmt.Sprintf("Embedding aborted on %s chunk %d: %v", chunk.Document, chunk.ID, err)))
		return err
	default:
		// Retries exhausted or cancelled: contained at chunk granularity.
		s.skip(chunk, err)
		return nil
	}

	if err := s.write(embedding); err != nil {
		s.skip(chunk, err)
		return nil
	}

	s.markEmbedded(chunk)

	s.mu.Lock()
	s.processed++
	s.mu.Unlock()

	s.bus.Publish(events.NewEmbeddingProcessedEvent(chunk.Document, chunk.ID))
	s.logger.Debug("Chunk embedded", "document", chunk.Document, "chunk", chunk.ID)

	return nil
}

// write persists one embedding as JSON named after its chunk.
func (s *Stage) write(embedding domain.Embedding) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}

	name := fmt.Sprintf("%s_chunk%04d.json", embedding.Document, embedding.ChunkID)
	if err := os.WriteFile(filepath.Join(s.cfg.OutputDir, name), data, 0o644); err != nil {
		return fmt.Errorf("write embedding: %w", err)
	}
	return nil
}

// markEmbedded advances the source URL once per document.
func (s *Stage) markEmbedded(chunk domain.Chunk) {
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

	// A concurrent rewrite may have marked the URL Rewritten already; the
	// record being further along is not a failure.
	err := s.states.MarkState(chunk.SourceURL, domain.StateEmbedded, "")
	if err != nil && !errors.Is(err, frontier.ErrStateAdvanced) {
		s.logger.Warn("Mark embedded failed", "url", chunk.SourceURL, "error", err.Error())
	}
}

// skip contains a per-chunk failure.
func (s *Stage) skip(chunk domain.Chunk, cause error) {
	s.mu.Lock()
	s.skipped++
	s.mu.Unlock()

	msg := fmt.Sprintf("Skipped embedding for %s chunk %d: %v", chunk.Document, chunk.ID, cause)
	s.logger.Warn(msg)
	s.bus.Publish(events.NewLogEvent("warning", msg))
}
