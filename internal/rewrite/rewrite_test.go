package rewrite_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitemill/sitemill/internal/domain"
	"github.com/sitemill/sitemill/internal/events"
	"github.com/sitemill/sitemill/internal/logger"
	"github.com/sitemill/sitemill/internal/provider"
	"github.com/sitemill/sitemill/internal/rewrite"
	"github.com/sitemill/sitemill/testutils"
)

func chatServer(t *testing.T, reply string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "user", req.Messages[1].Role)

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": reply}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestChatClient_Rewrite(t *testing.T) {
	t.Parallel()

	srv := chatServer(t, "Texte reformulé.")

	rw, err := rewrite.New(rewrite.Config{
		Provider: provider.OpenAI,
		APIKeys:  []string{"sk-test"},
		Endpoint: srv.URL,
	})
	require.NoError(t, err)

	got, err := rw.Rewrite(context.Background(), domain.Chunk{Document: "guide", ID: 3, Text: "Texte original."})
	require.NoError(t, err)

	assert.Equal(t, "guide", got.Document)
	assert.Equal(t, 3, got.ChunkID)
	assert.Equal(t, "Texte reformulé.", got.Text)
	assert.Equal(t, provider.OpenAI, got.Provider)
	assert.Equal(t, rewrite.DefaultOpenAIModel, got.Model)
}

func TestChatClient_MistralDefaults(t *testing.T) {
	t.Parallel()

	srv := chatServer(t, "ok")

	rw, err := rewrite.New(rewrite.Config{
		Provider: provider.Mistral,
		APIKeys:  []string{"k"},
		Endpoint: srv.URL,
	})
	require.NoError(t, err)

	got, err := rw.Rewrite(context.Background(), domain.Chunk{Document: "d", Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, rewrite.DefaultMistralModel, got.Model)
}

func TestChatClient_ErrorClassification(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	rw, err := rewrite.New(rewrite.Config{
		Provider: provider.OpenAI,
		APIKeys:  []string{"k"},
		Endpoint: srv.URL,
	})
	require.NoError(t, err)

	_, err = rw.Rewrite(context.Background(), domain.Chunk{Document: "d", Text: "x"})
	assert.True(t, provider.IsTransient(err))
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := rewrite.New(rewrite.Config{Provider: "acme", APIKeys: []string{"k"}})
	assert.Error(t, err)

	_, err = rewrite.New(rewrite.Config{Provider: provider.Mistral})
	assert.ErrorIs(t, err, provider.ErrNoAPIKeys)

	_, err = rewrite.New(rewrite.Config{Provider: provider.Anthropic})
	assert.ErrorIs(t, err, provider.ErrNoAPIKeys)
}

// scriptedRewriter fails with the scripted errors before succeeding.
type scriptedRewriter struct {
	failures []error
	calls    int
}

func (r *scriptedRewriter) Rewrite(_ context.Context, chunk domain.Chunk) (domain.RewrittenText, error) {
	r.calls++
	if r.calls <= len(r.failures) {
		return domain.RewrittenText{}, r.failures[r.calls-1]
	}
	return domain.RewrittenText{
		Document: chunk.Document,
		ChunkID:  chunk.ID,
		Text:     "rewritten: " + chunk.Text,
		Provider: provider.OpenAI,
		Model:    "test-model",
	}, nil
}

func runStage(t *testing.T, rw rewrite.Rewriter, chunks ...domain.Chunk) (*rewrite.Stage, *testutils.EventSink, string, error) {
	t.Helper()

	dir := t.TempDir()
	sink := testutils.NewEventSink()

	stage := rewrite.NewStage(rewrite.StageConfig{
		OutputDir: dir,
		Workers:   1,
		Retry: provider.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
		},
	}, rw, testutils.NewStateRecorder(), sink, logger.NewNoOp())

	in := make(chan domain.Chunk, len(chunks))
	for _, c := range chunks {
		in <- c
	}
	close(in)

	err := stage.Run(context.Background(), in)
	return stage, sink, dir, err
}

func TestStage_TransientRetriesThenSuccess(t *testing.T) {
	t.Parallel()

	rw := &scriptedRewriter{failures: []error{
		provider.NewTransient(provider.OpenAI, "rewrite", "rate limited"),
		provider.NewTransient(provider.OpenAI, "rewrite", "rate limited"),
	}}

	stage, sink, dir, err := runStage(t, rw, domain.Chunk{Document: "guide", ID: 0, Text: "bonjour"})
	require.NoError(t, err)

	processed, skipped := stage.Counts()
	assert.Equal(t, 1, processed)
	assert.Zero(t, skipped)
	assert.Len(t, sink.ByType(events.TypeLog), 2)
	assert.Len(t, sink.ByType(events.TypeContentRewritten), 1)

	data, err := os.ReadFile(dir + "/guide_chunk0000_rewritten.txt")
	require.NoError(t, err)
	assert.Equal(t, "rewritten: bonjour", string(data))
}

func TestStage_FatalAborts(t *testing.T) {
	t.Parallel()

	rw := &scriptedRewriter{failures: []error{
		provider.NewFatal(provider.OpenAI, "rewrite", "invalid key"),
	}}

	stage, _, _, err := runStage(t, rw, domain.Chunk{Document: "guide", Text: "x"})
	require.Error(t, err)
	assert.True(t, provider.IsFatal(err))

	processed, _ := stage.Counts()
	assert.Zero(t, processed)
}
