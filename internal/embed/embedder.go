// Package embed computes embedding vectors for extracted chunks through
// pluggable provider APIs.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sitemill/sitemill/internal/domain"
	"github.com/sitemill/sitemill/internal/provider"
)

// Default models per provider.
const (
	DefaultOpenAIModel  = "text-embedding-3-small"
	DefaultMistralModel = "mistral-embed"
	DefaultVoyageModel  = "voyage-2"
)

// Provider API endpoints, overridable for tests.
const (
	openAIEndpoint  = "https://api.openai.com/v1/embeddings"
	mistralEndpoint = "https://api.mistral.ai/v1/embeddings"
	voyageEndpoint  = "https://api.voyageai.com/v1/embeddings"
)

const requestTimeout = 60 * time.Second

// maxErrorBodyBytes caps how much of an API error response is kept.
const maxErrorBodyBytes = 2048

// Embedder computes one embedding per chunk.
type Embedder interface {
	Embed(ctx context.Context, chunk domain.Chunk) (domain.Embedding, error)
}

// Config selects and parameterizes an embedding provider.
type Config struct {
	// Provider is one of openai, mistral, voyage.
	Provider string
	// Model overrides the provider default when set.
	Model string
	// APIKeys rotate round-robin across requests.
	APIKeys []string
	// MaxTokens bounds a single request; over-budget chunks are rejected
	// with a budget error, never silently truncated.
	MaxTokens int
	// Endpoint overrides the provider API URL, for tests.
	Endpoint string
}

// Client is an HTTP embedding client. All three supported providers speak
// the same request and response shape.
type Client struct {
	providerName string
	model        string
	endpoint     string
	maxTokens    int
	keys         *provider.KeyRing
	httpClient   *http.Client
}

// New creates an embedding client for the configured provider.
func New(cfg Config) (*Client, error) {
	c := &Client{
		providerName: cfg.Provider,
		model:        cfg.Model,
		endpoint:     cfg.Endpoint,
		maxTokens:    cfg.MaxTokens,
		keys:         provider.NewKeyRing(cfg.APIKeys),
		httpClient:   &http.Client{Timeout: requestTimeout},
	}

	switch cfg.Provider {
	case provider.OpenAI:
		c.defaults(DefaultOpenAIModel, openAIEndpoint)
	case provider.Mistral:
		c.defaults(DefaultMistralModel, mistralEndpoint)
	case provider.Voyage:
		c.defaults(DefaultVoyageModel, voyageEndpoint)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}

	if c.keys.Len() == 0 {
		return nil, fmt.Errorf("embedding provider %s: %w", cfg.Provider, provider.ErrNoAPIKeys)
	}

	return c, nil
}

func (c *Client) defaults(model, endpoint string) {
	if c.model == "" {
		c.model = model
	}
	if c.endpoint == "" {
		c.endpoint = endpoint
	}
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed computes the vector for one chunk. Chunks over the token budget are
// rejected with a budget error so the orchestrator can decide policy.
func (c *Client) Embed(ctx context.Context, chunk domain.Chunk) (domain.Embedding, error) {
	if c.maxTokens > 0 && provider.EstimateTokens(chunk.Text) > c.maxTokens {
		return domain.Embedding{}, fmt.Errorf("%w: chunk %s#%d is ~%d tokens (budget %d)",
			provider.ErrBudgetExceeded, chunk.Document, chunk.ID,
			provider.EstimateTokens(chunk.Text), c.maxTokens)
	}

	key, err := c.keys.Next()
	if err != nil {
		return domain.Embedding{}, provider.NewFatal(c.providerName, "embed", err.Error())
	}

	payload, err := json.Marshal(embeddingRequest{Model: c.model, Input: []string{chunk.Text}})
	if err != nil {
		return domain.Embedding{}, provider.NewFatal(c.providerName, "embed", err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return domain.Embedding{}, provider.NewFatal(c.providerName, "embed", err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Embedding{}, provider.NewTransient(c.providerName, "embed", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return domain.Embedding{}, provider.FromHTTPStatus(c.providerName, "embed", resp.StatusCode, string(body))
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return domain.Embedding{}, provider.NewTransient(c.providerName, "embed", "decode response: "+err.Error())
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return domain.Embedding{}, provider.NewTransient(c.providerName, "embed", "empty embedding in response")
	}

	return domain.Embedding{
		Document: chunk.Document,
		ChunkID:  chunk.ID,
		Vector:   parsed.Data[0].Embedding,
		Provider: c.providerName,
		Model:    c.model,
	}, nil
}
