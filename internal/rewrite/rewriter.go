// Package rewrite reformulates extracted text chunks through an LLM
// provider. When rewriting is disabled in configuration the stage is absent
// from the pipeline entirely.
package rewrite

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

// systemPrompt instructs the model to reformulate while preserving meaning.
const systemPrompt = "Vous êtes un expert en réécriture de contenu. " +
	"Reformulez le texte ci-dessous pour améliorer sa clarté et sa lisibilité " +
	"tout en conservant le sens original."

// Default models per provider.
const (
	DefaultOpenAIModel  = "gpt-4"
	DefaultMistralModel = "mistral-large-latest"
)

const (
	openAIEndpoint  = "https://api.openai.com/v1/chat/completions"
	mistralEndpoint = "https://api.mistral.ai/v1/chat/completions"
)

const (
	requestTimeout = 60 * time.Second
	// maxCompletionTokens caps the rewrite response length.
	maxCompletionTokens = 3000

	maxErrorBodyBytes = 2048
)

// Rewriter rewrites one chunk of text.
type Rewriter interface {
	Rewrite(ctx context.Context, chunk domain.Chunk) (domain.RewrittenText, error)
}

// Config selects and parameterizes a rewrite provider.
type Config struct {
	// Provider is one of openai, anthropic, mistral.
	Provider string
	// Model overrides the provider default when set.
	Model string
	// APIKeys rotate round-robin across requests.
	APIKeys []string
	// Endpoint overrides the provider API URL, for tests. Ignored by the
	// anthropic provider, which goes through the official SDK.
	Endpoint string
}

// New creates a rewriter for the configured provider.
func New(cfg Config) (Rewriter, error) {
	switch cfg.Provider {
	case provider.OpenAI:
		return newChatClient(cfg, DefaultOpenAIModel, openAIEndpoint)
	case provider.Mistral:
		return newChatClient(cfg, DefaultMistralModel, mistralEndpoint)
	case provider.Anthropic:
		return newAnthropicClient(cfg)
	default:
		return nil, fmt.Errorf("unknown rewrite provider %q", cfg.Provider)
	}
}

// chatClient speaks the OpenAI-compatible chat completions shape, which
// both OpenAI and Mistral use.
type chatClient struct {
	providerName string
	model        string
	endpoint     string
	keys         *provider.KeyRing
	httpClient   *http.Client
}

func newChatClient(cfg Config, defaultModel, defaultEndpoint string) (*chatClient, error) {
	c := &chatClient{
		providerName: cfg.Provider,
		model:        cfg.Model,
		endpoint:     cfg.Endpoint,
		keys:         provider.NewKeyRing(cfg.APIKeys),
		httpClient:   &http.Client{Timeout: requestTimeout},
	}
	if c.model == "" {
		c.model = defaultModel
	}
	if c.endpoint == "" {
		c.endpoint = defaultEndpoint
	}
	if c.keys.Len() == 0 {
		return nil, fmt.Errorf("rewrite provider %s: %w", cfg.Provider, provider.ErrNoAPIKeys)
	}
	return c, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	TopP        float64       `json:"top_p"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Rewrite sends the chunk through the chat completions API.
func (c *chatClient) Rewrite(ctx context.Context, chunk domain.Chunk) (domain.RewrittenText, error) {
	key, err := c.keys.Next()
	if err != nil {
		return domain.RewrittenText{}, provider.NewFatal(c.providerName, "rewrite", err.Error())
	}

	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: chunk.Text},
		},
		Temperature: 0,
		MaxTokens:   maxCompletionTokens,
		TopP:        1,
	})
	if err != nil {
		return domain.RewrittenText{}, provider.NewFatal(c.providerName, "rewrite", err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return domain.RewrittenText{}, provider.NewFatal(c.providerName, "rewrite", err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.RewrittenText{}, provider.NewTransient(c.providerName, "rewrite", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return domain.RewrittenText{}, provider.FromHTTPStatus(c.providerName, "rewrite", resp.StatusCode, string(body))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return domain.RewrittenText{}, provider.NewTransient(c.providerName, "rewrite", "decode response: "+err.Error())
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return domain.RewrittenText{}, provider.NewTransient(c.providerName, "rewrite", "empty completion")
	}

	return domain.RewrittenText{
		Document: chunk.Document,
		ChunkID:  chunk.ID,
		Text:     parsed.Choices[0].Message.Content,
		Provider: c.providerName,
		Model:    c.model,
	}, nil
}
