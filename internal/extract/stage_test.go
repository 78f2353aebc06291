package extract_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitemill/sitemill/internal/domain"
	"github.com/sitemill/sitemill/internal/events"
	"github.com/sitemill/sitemill/internal/extract"
	"github.com/sitemill/sitemill/internal/logger"
	"github.com/sitemill/sitemill/testutils"
)

func runStage(t *testing.T, outputDir string, artifacts ...domain.Artifact) ([]domain.Chunk, *extract.Stage, *testutils.StateRecorder, *testutils.EventSink) {
	t.Helper()

	states := testutils.NewStateRecorder()
	sink := testutils.NewEventSink()
	stage := extract.NewStage(extract.StageConfig{OutputDir: outputDir, MaxTokens: 100, Workers: 1}, states, sink, logger.NewNoOp())

	in := make(chan domain.Artifact, len(artifacts))
	for _, a := range artifacts {
		in <- a
	}
	close(in)

	out := make(chan domain.Chunk, 64)
	require.NoError(t, stage.Run(context.Background(), in, out))

	var chunks []domain.Chunk
	for chunk := range out {
		chunks = append(chunks, chunk)
	}
	return chunks, stage, states, sink
}

func TestStage_ExtractsDocument(t *testing.T) {
	dir := t.TempDir()
	docPath := filepath.Join(dir, "guide_ab12cd34.docx")
	writeDOCX(t, docPath, "First paragraph.", "Second paragraph.")

	outputDir := filepath.Join(dir, "extracted")
	chunks, stage, states, sink := runStage(t, outputDir, domain.Artifact{
		Kind:      domain.ArtifactRawDocument,
		SourceURL: "https://example.com/guide.docx",
		Path:      docPath,
	})

	extracted, skipped := stage.Counts()
	assert.Equal(t, 1, extracted)
	assert.Zero(t, skipped)

	// Extracted text lands next to the chunks sent downstream.
	text, err := os.ReadFile(filepath.Join(outputDir, "guide_ab12cd34.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(text), "First paragraph.")

	require.NotEmpty(t, chunks)
	for i, chunk := range chunks {
		assert.Equal(t, "guide_ab12cd34", chunk.Document)
		assert.Equal(t, i, chunk.ID)
		assert.Equal(t, "https://example.com/guide.docx", chunk.SourceURL)
	}

	assert.Equal(t,
		[]domain.URLState{domain.StateExtracted},
		states.States("https://example.com/guide.docx"),
	)
	assert.Len(t, sink.ByType(events.TypeContentExtracted), 1)
}

func TestStage_SkipsMalformedDocument(t *testing.T) {
	dir := t.TempDir()
	badPath := filepath.Join(dir, "broken_12345678.pdf")
	require.NoError(t, os.WriteFile(badPath, []byte("not a pdf"), 0o644))

	chunks, stage, states, sink := runStage(t, filepath.Join(dir, "extracted"), domain.Artifact{
		Kind:      domain.ArtifactRawDocument,
		SourceURL: "https://example.com/broken.pdf",
		Path:      badPath,
	})

	extracted, skipped := stage.Counts()
	assert.Zero(t, extracted)
	assert.Equal(t, 1, skipped)
	assert.Empty(t, chunks)

	assert.Equal(t,
		[]domain.URLState{domain.StateSkipped},
		states.States("https://example.com/broken.pdf"),
	)
	assert.Len(t, sink.ByType(events.TypeLog), 1)
	assert.Empty(t, sink.ByType(events.TypeContentExtracted))
}

func TestStage_MixedBatchContainsFailures(t *testing.T) {
	dir := t.TempDir()

	goodPath := filepath.Join(dir, "good_ab12cd34.docx")
	writeDOCX(t, goodPath, "Usable content.")
	badPath := filepath.Join(dir, "bad_ab12cd34.docx")
	require.NoError(t, os.WriteFile(badPath, []byte("not a zip"), 0o644))

	chunks, stage, _, _ := runStage(t, filepath.Join(dir, "extracted"),
		domain.Artifact{Kind: domain.ArtifactRawDocument, SourceURL: "https://example.com/good.docx", Path: goodPath},
		domain.Artifact{Kind: domain.ArtifactRawDocument, SourceURL: "https://example.com/bad.docx", Path: badPath},
	)

	extracted, skipped := stage.Counts()
	assert.Equal(t, 1, extracted)
	assert.Equal(t, 1, skipped)
	require.NotEmpty(t, chunks)
	assert.Equal(t, "good_ab12cd34", chunks[0].Document)
}
