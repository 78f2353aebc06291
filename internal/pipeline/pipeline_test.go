package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitemill/sitemill/internal/domain"
	"github.com/sitemill/sitemill/internal/events"
	"github.com/sitemill/sitemill/internal/logger"
	"github.com/sitemill/sitemill/testutils"
)

func TestValidateSteps(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		steps   []string
		wantErr string
	}{
		{"full pipeline", []string{StepCrawler, StepExtractor, StepEmbedding, StepRewriter}, ""},
		{"crawler only", []string{StepCrawler}, ""},
		{"crawl and extract", []string{StepCrawler, StepExtractor}, ""},
		{"rewrite without embedding", []string{StepCrawler, StepExtractor, StepRewriter}, ""},
		{"empty", nil, "no steps"},
		{"unknown step", []string{StepCrawler, "ocr"}, "unknown step"},
		{"duplicate", []string{StepCrawler, StepCrawler}, "duplicate"},
		{"out of order", []string{StepExtractor, StepCrawler}, "out of order"},
		{"embedding alone", []string{StepEmbedding}, `requires "pdf_doc_extractor"`},
		{"extractor without crawler", []string{StepExtractor}, `requires "crawler"`},
		{"embedding without extractor", []string{StepCrawler, StepEmbedding}, `requires "pdf_doc_extractor"`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateSteps(tc.steps)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

// fakeCrawler emits the given artifacts and returns err.
type fakeCrawler struct {
	artifacts []domain.Artifact
	err       error
}

func (f *fakeCrawler) Run(_ context.Context, out chan<- domain.Artifact) error {
	defer close(out)
	for _, a := range f.artifacts {
		out <- a
	}
	return f.err
}

// fakeExtractor emits one chunk per artifact and returns err.
type fakeExtractor struct {
	err error
}

func (f *fakeExtractor) Run(_ context.Context, in <-chan domain.Artifact, out chan<- domain.Chunk) error {
	defer close(out)
	i := 0
	for artifact := range in {
		out <- domain.Chunk{Document: artifact.Path, ID: i, Text: "text", SourceURL: artifact.SourceURL}
		i++
	}
	return f.err
}

// fakeConsumer drains its input, recording every chunk.
type fakeConsumer struct {
	mu      sync.Mutex
	chunks  []domain.Chunk
	err     error
	skipped int
}

func (f *fakeConsumer) Counts() (processed, skipped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chunks), f.skipped
}

func (f *fakeConsumer) Run(_ context.Context, in <-chan domain.Chunk) error {
	for chunk := range in {
		f.mu.Lock()
		f.chunks = append(f.chunks, chunk)
		f.mu.Unlock()
	}
	return f.err
}

func (f *fakeConsumer) seen() []domain.Chunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Chunk, len(f.chunks))
	copy(out, f.chunks)
	return out
}

// fakeStates serves canned per-URL outcome records.
type fakeStates struct {
	records []domain.URLRecord
}

func (f *fakeStates) Records(states ...domain.URLState) []domain.URLRecord {
	want := make(map[domain.URLState]struct{}, len(states))
	for _, st := range states {
		want[st] = struct{}{}
	}
	var out []domain.URLRecord
	for _, rec := range f.records {
		if _, ok := want[rec.State]; ok || len(states) == 0 {
			out = append(out, rec)
		}
	}
	return out
}

func sampleArtifacts(n int) []domain.Artifact {
	out := make([]domain.Artifact, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.Artifact{
			Kind:      domain.ArtifactRawDocument,
			SourceURL: "https://example.com/doc",
			Path:      "doc.pdf",
		})
	}
	return out
}

func runCompleted(t *testing.T, sink *testutils.EventSink) events.RunCompletedData {
	t.Helper()
	completed := sink.ByType(events.TypeRunCompleted)
	require.Len(t, completed, 1)
	data, ok := completed[0].Data.(events.RunCompletedData)
	require.True(t, ok)
	return data
}

func TestOrchestrator_FullPipeline(t *testing.T) {
	sink := testutils.NewEventSink()
	embedder := &fakeConsumer{}
	rewriter := &fakeConsumer{}

	o := New(
		Config{Steps: []string{StepCrawler, StepExtractor, StepEmbedding, StepRewriter}},
		&fakeCrawler{artifacts: sampleArtifacts(3)},
		&fakeExtractor{},
		embedder,
		rewriter,
		sink,
		logger.NewNoOp(),
	)
	o.UseStates(&fakeStates{records: []domain.URLRecord{
		{URL: "https://example.com/doc", State: domain.StateEmbedded},
	}})

	require.NoError(t, o.Run(context.Background()))

	// Both consumers see every chunk.
	assert.Len(t, embedder.seen(), 3)
	assert.Len(t, rewriter.seen(), 3)

	data := runCompleted(t, sink)
	assert.Equal(t, StatusSuccess, data.Status)
	assert.Empty(t, data.Error)
	assert.NotEmpty(t, data.RunID)

	runID, status := o.Status()
	assert.Equal(t, data.RunID, runID)
	assert.Equal(t, StatusSuccess, status)
}

func TestOrchestrator_RewriterDisabled(t *testing.T) {
	sink := testutils.NewEventSink()
	embedder := &fakeConsumer{}

	o := New(
		Config{Steps: []string{StepCrawler, StepExtractor, StepEmbedding}},
		&fakeCrawler{artifacts: sampleArtifacts(2)},
		&fakeExtractor{},
		embedder,
		nil,
		sink,
		logger.NewNoOp(),
	)

	require.NoError(t, o.Run(context.Background()))
	assert.Len(t, embedder.seen(), 2)
	assert.Equal(t, StatusSuccess, runCompleted(t, sink).Status)
}

func TestOrchestrator_CrawlerOnly(t *testing.T) {
	sink := testutils.NewEventSink()

	o := New(
		Config{Steps: []string{StepCrawler}},
		&fakeCrawler{artifacts: sampleArtifacts(2)},
		nil, nil, nil,
		sink,
		logger.NewNoOp(),
	)

	require.NoError(t, o.Run(context.Background()))
	assert.Equal(t, StatusSuccess, runCompleted(t, sink).Status)
}

func TestOrchestrator_RejectsEmbeddingAlone(t *testing.T) {
	sink := testutils.NewEventSink()

	o := New(
		Config{Steps: []string{StepEmbedding}},
		nil, nil, &fakeConsumer{}, nil,
		sink,
		logger.NewNoOp(),
	)

	err := o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `requires "pdf_doc_extractor"`)

	// No run started, so no completion event.
	assert.Empty(t, sink.ByType(events.TypeRunCompleted))
}

func TestOrchestrator_CrawlerFailureFailsRun(t *testing.T) {
	sink := testutils.NewEventSink()

	o := New(
		Config{Steps: []string{StepCrawler, StepExtractor}},
		&fakeCrawler{err: errors.New("network down")},
		&fakeExtractor{},
		nil, nil,
		sink,
		logger.NewNoOp(),
	)

	err := o.Run(context.Background())
	require.Error(t, err)

	data := runCompleted(t, sink)
	assert.Equal(t, StatusFailed, data.Status)
	assert.Contains(t, data.Error, "network down")
}

func TestOrchestrator_DownstreamFailureIsPartial(t *testing.T) {
	sink := testutils.NewEventSink()

	o := New(
		Config{Steps: []string{StepCrawler, StepExtractor, StepEmbedding}},
		&fakeCrawler{artifacts: sampleArtifacts(1)},
		&fakeExtractor{},
		&fakeConsumer{err: errors.New("provider quota")},
		nil,
		sink,
		logger.NewNoOp(),
	)

	err := o.Run(context.Background())
	require.Error(t, err)

	data := runCompleted(t, sink)
	assert.Equal(t, StatusPartial, data.Status)
	assert.Contains(t, data.Error, "provider quota")
}

func TestOrchestrator_FailedURLsMakeRunPartial(t *testing.T) {
	sink := testutils.NewEventSink()

	o := New(
		Config{Steps: []string{StepCrawler}},
		&fakeCrawler{artifacts: sampleArtifacts(1)},
		nil, nil, nil,
		sink,
		logger.NewNoOp(),
	)
	o.UseStates(&fakeStates{records: []domain.URLRecord{
		{URL: "https://example.com/ok", State: domain.StateFetched},
		{URL: "https://example.com/bad", State: domain.StateFailed, LastError: "500"},
	}})

	// Per-URL failures are contained inside the crawl, so the run itself
	// returns nil but must not report success.
	require.NoError(t, o.Run(context.Background()))

	data := runCompleted(t, sink)
	assert.Equal(t, StatusPartial, data.Status)
	assert.Empty(t, data.Error)

	_, status := o.Status()
	assert.Equal(t, StatusPartial, status)
}

func TestOrchestrator_SkippedChunksMakeRunPartial(t *testing.T) {
	sink := testutils.NewEventSink()

	o := New(
		Config{Steps: []string{StepCrawler, StepExtractor, StepEmbedding}},
		&fakeCrawler{artifacts: sampleArtifacts(1)},
		&fakeExtractor{},
		&fakeConsumer{skipped: 2},
		nil,
		sink,
		logger.NewNoOp(),
	)

	require.NoError(t, o.Run(context.Background()))
	assert.Equal(t, StatusPartial, runCompleted(t, sink).Status)
}

func TestOrchestrator_CancelledRun(t *testing.T) {
	sink := testutils.NewEventSink()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := New(
		Config{Steps: []string{StepCrawler}},
		&fakeCrawler{artifacts: sampleArtifacts(1)},
		nil, nil, nil,
		sink,
		logger.NewNoOp(),
	)

	err := o.Run(ctx)
	require.Error(t, err)

	data := runCompleted(t, sink)
	assert.Equal(t, StatusCancelled, data.Status)
	assert.Contains(t, data.Error, context.Canceled.Error())
}
