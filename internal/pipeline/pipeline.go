// Package pipeline wires the crawl, extraction, embedding and rewrite stages
// into one run connected by channels.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sitemill/sitemill/internal/domain"
	"github.com/sitemill/sitemill/internal/events"
	"github.com/sitemill/sitemill/internal/logger"
)

// Pipeline step names as they appear in configuration.
const (
	StepCrawler   = "crawler"
	StepExtractor = "pdf_doc_extractor"
	StepEmbedding = "embedding"
	StepRewriter  = "content_rewriter"
)

// Run statuses reported in the run_completed event.
const (
	StatusSuccess   = events.StatusSuccess
	StatusPartial   = events.StatusPartial
	StatusFailed    = events.StatusFailed
	StatusCancelled = events.StatusCancelled
)

const defaultChannelBuffer = 64

// stepOrder is the canonical stage order; enabled steps must respect it.
var stepOrder = []string{StepCrawler, StepExtractor, StepEmbedding, StepRewriter}

// stepDeps maps each step to the step that feeds it.
var stepDeps = map[string]string{
	StepExtractor: StepCrawler,
	StepEmbedding: StepExtractor,
	StepRewriter:  StepExtractor,
}

// ValidateSteps checks that steps are known, listed in canonical order, and
// that every step's upstream producer is enabled. A step with no producer
// present has nothing to consume, so e.g. embedding alone is rejected.
func ValidateSteps(steps []string) error {
	if len(steps) == 0 {
		return errors.New("pipeline: no steps configured")
	}

	enabled := make(map[string]struct{}, len(steps))
	pos := make(map[string]int, len(stepOrder))
	for i, name := range stepOrder {
		pos[name] = i
	}

	prev := -1
	for _, step := range steps {
		at, known := pos[step]
		if !known {
			return fmt.Errorf("pipeline: unknown step %q", step)
		}
		if _, dup := enabled[step]; dup {
			return fmt.Errorf("pipeline: duplicate step %q", step)
		}
		if at < prev {
			return fmt.Errorf("pipeline: step %q is out of order", step)
		}
		prev = at
		enabled[step] = struct{}{}
	}

	for step := range enabled {
		dep, hasDep := stepDeps[step]
		if !hasDep {
			continue
		}
		if _, ok := enabled[dep]; !ok {
			return fmt.Errorf("pipeline: step %q requires %q", step, dep)
		}
	}

	return nil
}

// Crawler walks a site and emits downloaded document artifacts.
type Crawler interface {
	Run(ctx context.Context, out chan<- domain.Artifact) error
}

// Extractor turns document artifacts into text chunks.
type Extractor interface {
	Run(ctx context.Context, in <-chan domain.Artifact, out chan<- domain.Chunk) error
}

// ChunkConsumer drains a chunk stream to completion.
type ChunkConsumer interface {
	Run(ctx context.Context, in <-chan domain.Chunk) error
}

// Publisher emits pipeline events.
type Publisher interface {
	Publish(event events.Event)
}

// StateSource reports per-URL outcomes recorded during a run.
type StateSource interface {
	Records(states ...domain.URLState) []domain.URLRecord
}

// ItemCounter is implemented by stages that contain per-item failures
// instead of returning them as errors.
type ItemCounter interface {
	Counts() (processed, skipped int)
}

// Config selects and parameterizes the stages of a run.
type Config struct {
	// Steps are the enabled stage names, in canonical order.
	Steps []string
	// ChannelBuffer sizes the inter-stage channels.
	ChannelBuffer int
}

// WithDefaults returns a copy with defaults applied.
func (c Config) WithDefaults() Config {
	if c.ChannelBuffer <= 0 {
		c.ChannelBuffer = defaultChannelBuffer
	}
	return c
}

// Orchestrator runs the enabled stages concurrently, connected by channels,
// and reports the run outcome on the event bus exactly once.
type Orchestrator struct {
	cfg       Config
	crawler   Crawler
	extractor Extractor
	embedder  ChunkConsumer
	rewriter  ChunkConsumer
	bus       Publisher
	logger    logger.Interface
	states    StateSource

	mu     sync.Mutex
	runID  string
	status string
}

// New creates an orchestrator. Stages for disabled steps may be nil.
func New(
	cfg Config,
	crawler Crawler,
	extractor Extractor,
	embedder ChunkConsumer,
	rewriter ChunkConsumer,
	bus Publisher,
	log logger.Interface,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg.WithDefaults(),
		crawler:   crawler,
		extractor: extractor,
		embedder:  embedder,
		rewriter:  rewriter,
		bus:       bus,
		logger:    log,
	}
}

// UseStates lets the orchestrator inspect per-URL outcomes after the stages
// finish, so contained failures downgrade a clean run to partial.
func (o *Orchestrator) UseStates(src StateSource) {
	o.states = src
}

// Status returns the current run id and status. Status is empty before the
// first run starts.
func (o *Orchestrator) Status() (runID, status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runID, o.status
}

func (o *Orchestrator) setStatus(runID, status string) {
	o.mu.Lock()
	o.runID = runID
	o.status = status
	o.mu.Unlock()
}

// Run executes the configured steps and blocks until every stage finishes.
// The run_completed event is published exactly once, whatever the outcome.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := ValidateSteps(o.cfg.Steps); err != nil {
		return err
	}

	enabled := make(map[string]struct{}, len(o.cfg.Steps))
	for _, step := range o.cfg.Steps {
		if o.stage(step) == nil {
			return fmt.Errorf("pipeline: step %q enabled but not provided", step)
		}
		enabled[step] = struct{}{}
	}

	runID := uuid.NewString()
	started := time.Now()
	o.setStatus(runID, "running")
	o.logger.Info("Pipeline run started", "run_id", runID, "steps", fmt.Sprintf("%v", o.cfg.Steps))

	stageErrs := o.runStages(ctx, enabled)

	status, runErr := o.outcome(ctx, stageErrs)
	duration := time.Since(started)
	o.setStatus(runID, status)

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	o.bus.Publish(events.NewRunCompletedEvent(runID, duration, status, errMsg))
	o.logger.Info("Pipeline run finished", "run_id", runID, "status", status, "duration", duration.String())

	return runErr
}

// stageErrors records which stage failed, keyed by step name.
type stageErrors struct {
	mu   sync.Mutex
	errs map[string]error
}

func (e *stageErrors) set(step string, err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	e.errs[step] = err
	e.mu.Unlock()
}

// runStages starts the enabled stages, connects them and waits for all of
// them. Disabled consumers are replaced by drains so producers never block.
func (o *Orchestrator) runStages(ctx context.Context, enabled map[string]struct{}) *stageErrors {
	errs := &stageErrors{errs: make(map[string]error)}

	artifacts := make(chan domain.Artifact, o.cfg.ChannelBuffer)
	chunks := make(chan domain.Chunk, o.cfg.ChannelBuffer)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs.set(StepCrawler, o.crawler.Run(ctx, artifacts))
	}()

	if _, ok := enabled[StepExtractor]; ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs.set(StepExtractor, o.extractor.Run(ctx, artifacts, chunks))
		}()
	} else {
		close(chunks)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range artifacts {
			}
		}()
	}

	_, embedOn := enabled[StepEmbedding]
	_, rewriteOn := enabled[StepRewriter]

	switch {
	case embedOn && rewriteOn:
		embedIn := make(chan domain.Chunk, o.cfg.ChannelBuffer)
		rewriteIn := make(chan domain.Chunk, o.cfg.ChannelBuffer)
		wg.Add(3)
		go func() {
			defer wg.Done()
			tee(ctx, chunks, embedIn, rewriteIn)
		}()
		go func() {
			defer wg.Done()
			errs.set(StepEmbedding, o.embedder.Run(ctx, embedIn))
		}()
		go func() {
			defer wg.Done()
			errs.set(StepRewriter, o.rewriter.Run(ctx, rewriteIn))
		}()
	case embedOn:
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs.set(StepEmbedding, o.embedder.Run(ctx, chunks))
		}()
	case rewriteOn:
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs.set(StepRewriter, o.rewriter.Run(ctx, chunks))
		}()
	default:
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range chunks {
			}
		}()
	}

	wg.Wait()
	return errs
}

// tee copies every chunk from in to each out channel, closing all outs when
// in closes or the context ends.
func tee(ctx context.Context, in <-chan domain.Chunk, outs ...chan domain.Chunk) {
	defer func() {
		for _, out := range outs {
			close(out)
		}
	}()

	for chunk := range in {
		for _, out := range outs {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}
}

// outcome folds stage errors into a run status. A crawler failure fails the
// run; downstream stage failures leave crawl output intact and count as
// partial, as do failures contained inside a stage (URLs marked Failed or
// Skipped, chunks skipped by a consumer). Cancellation wins over both.
func (o *Orchestrator) outcome(ctx context.Context, errs *stageErrors) (string, error) {
	errs.mu.Lock()
	defer errs.mu.Unlock()

	var all []error
	for step, err := range errs.errs {
		all = append(all, fmt.Errorf("%s: %w", step, err))
	}
	joined := errors.Join(all...)

	switch {
	case ctx.Err() != nil:
		if joined == nil {
			joined = ctx.Err()
		}
		return StatusCancelled, joined
	case errs.errs[StepCrawler] != nil:
		return StatusFailed, joined
	case joined != nil:
		return StatusPartial, joined
	case o.containedFailures() > 0:
		return StatusPartial, nil
	default:
		return StatusSuccess, nil
	}
}

// containedFailures counts per-item failures the stages absorbed: URLs that
// ended Failed or Skipped, plus chunks a consumer skipped.
func (o *Orchestrator) containedFailures() int {
	n := 0
	if o.states != nil {
		n += len(o.states.Records(domain.StateFailed, domain.StateSkipped))
	}
	for _, stage := range []any{o.extractor, o.embedder, o.rewriter} {
		if counter, ok := stage.(ItemCounter); ok {
			_, skipped := counter.Counts()
			n += skipped
		}
	}
	return n
}

func (o *Orchestrator) stage(step string) any {
	switch step {
	case StepCrawler:
		if o.crawler == nil {
			return nil
		}
		return o.crawler
	case StepExtractor:
		if o.extractor == nil {
			return nil
		}
		return o.extractor
	case StepEmbedding:
		if o.embedder == nil {
			return nil
		}
		return o.embedder
	case StepRewriter:
		if o.rewriter == nil {
			return nil
		}
		return o.rewriter
	default:
		return nil
	}
}
