package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sitemill/sitemill/internal/domain"
	"github.com/sitemill/sitemill/internal/events"
	"github.com/sitemill/sitemill/internal/logger"
)

// defaultWorkers is the extraction worker count.
const defaultWorkers = 2

const outputFilePerm = 0o644

// Publisher emits pipeline events.
type Publisher interface {
	Publish(event events.Event)
}

// StateMarker records per-URL pipeline progress.
type StateMarker interface {
	MarkState(url string, state domain.URLState, errMsg string) error
}

// StageConfig configures the extraction stage.
type StageConfig struct {
	// OutputDir receives one extracted .txt file per document.
	OutputDir string
	// MaxTokens bounds chunk size for downstream provider requests.
	MaxTokens int
	// Workers is the number of concurrent extraction goroutines.
	Workers int
}

// Stage converts downloaded documents into text chunks. It consumes document
// artifacts from the crawler and feeds chunks to the embedding and rewrite
// stages.
type Stage struct {
	cfg    StageConfig
	states StateMarker
	bus    Publisher
	logger logger.Interface

	mu        sync.Mutex
	extracted int
	skipped   int
}

// NewStage creates an extraction stage.
func NewStage(cfg StageConfig, states StateMarker, bus Publisher, log logger.Interface) *Stage {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	return &Stage{cfg: cfg, states: states, bus: bus, logger: log}
}

// Counts returns how many documents were extracted and skipped.
func (s *Stage) Counts() (extracted, skipped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extracted, s.skipped
}

// Run consumes document artifacts until in closes or ctx ends, emitting
// chunks on out. out is closed when processing finishes. Malformed documents
// are skipped and never abort the stage.
func (s *Stage) Run(ctx context.Context, in <-chan domain.Artifact, out chan<- domain.Chunk) error {
	defer close(out)

	if err := os.MkdirAll(s.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create extract output dir: %w", err)
	}

	var wg sync.WaitGroup
	for range s.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx, in, out)
		}()
	}
	wg.Wait()

	extracted, skipped := s.Counts()
	s.logger.Info("Extraction finished", "extracted", extracted, "skipped", skipped)

	return nil
}

func (s *Stage) worker(ctx context.Context, in <-chan domain.Artifact, out chan<- domain.Chunk) {
	for {
		select {
		case <-ctx.Done():
			return
		case artifact, ok := <-in:
			if !ok {
				return
			}
			s.process(ctx, artifact, out)
		}
	}
}

// process extracts one document and emits its chunks.
func (s *Stage) process(ctx context.Context, artifact domain.Artifact, out chan<- domain.Chunk) {
	name := filepath.Base(artifact.Path)
	docName := strings.TrimSuffix(name, filepath.Ext(name))

	text, err := Document(artifact.Path)
	if err != nil {
		s.skip(artifact, err)
		return
	}
	if strings.TrimSpace(text) == "" {
		s.skip(artifact, fmt.Errorf("%w: %s is empty", ErrExtraction, name))
		return
	}

	outPath := filepath.Join(s.cfg.OutputDir, docName+".txt")
	if err := os.WriteFile(outPath, []byte(text), outputFilePerm); err != nil {
		s.skip(artifact, fmt.Errorf("write extracted text: %w", err))
		return
	}

	if artifact.SourceURL != "" {
		if err := s.states.MarkState(artifact.SourceURL, domain.StateExtracted, ""); err != nil {
			s.logger.Warn("Mark extracted failed", "url", artifact.SourceURL, "error", err.Error())
		}
	}

	s.bus.Publish(events.NewContentExtractedEvent(docName + ".txt"))
	s.logger.Info("Document extracted", "file", name, "chars", len(text))

	s.mu.Lock()
	s.extracted++
	s.mu.Unlock()

	for _, chunk := range Chunks(docName, text, s.cfg.MaxTokens) {
		chunk.SourceURL = artifact.SourceURL
		select {
		case <-ctx.Done():
			return
		case out <- chunk:
		}
	}
}

// skip contains a per-document failure: mark Skipped, log and move on.
func (s *Stage) skip(artifact domain.Artifact, cause error) {
	s.mu.Lock()
	s.skipped++
	s.mu.Unlock()

	if artifact.SourceURL != "" {
		if err := s.states.MarkState(artifact.SourceURL, domain.StateSkipped, cause.Error()); err != nil {
			s.logger.Warn("Mark skipped failed", "url", artifact.SourceURL, "error", err.Error())
		}
	}

	s.logger.Warn("Document skipped", "file", filepath.Base(artifact.Path), "error", cause.Error())
	s.bus.Publish(events.NewLogEvent("warning",
		fmt.Sprintf("Skipped %s: %v", filepath.Base(artifact.Path), cause)))
}
