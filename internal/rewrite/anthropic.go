package rewrite

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sitemill/sitemill/internal/domain"
	"github.com/sitemill/sitemill/internal/provider"
)

// DefaultAnthropicModel is used when configuration names no model.
const DefaultAnthropicModel = "claude-3-5-sonnet-latest"

// anthropicMaxTokens caps the rewrite response length.
const anthropicMaxTokens = 1024

// anthropicClient rewrites through the official Anthropic SDK.
type anthropicClient struct {
	model string
	keys  *provider.KeyRing
}

func newAnthropicClient(cfg Config) (*anthropicClient, error) {
	c := &anthropicClient{
		model: cfg.Model,
		keys:  provider.NewKeyRing(cfg.APIKeys),
	}
	if c.model == "" {
		c.model = DefaultAnthropicModel
	}
	if c.keys.Len() == 0 {
		return nil, fmt.Errorf("rewrite provider %s: %w", provider.Anthropic, provider.ErrNoAPIKeys)
	}
	return c, nil
}

// Rewrite sends the chunk through the Messages API.
func (c *anthropicClient) Rewrite(ctx context.Context, chunk domain.Chunk) (domain.RewrittenText, error) {
	key, err := c.keys.Next()
	if err != nil {
		return domain.RewrittenText{}, provider.NewFatal(provider.Anthropic, "rewrite", err.Error())
	}

	client := anthropic.NewClient(option.WithAPIKey(key))

	message, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   anthropicMaxTokens,
		Temperature: anthropic.Float(0),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(chunk.Text)),
		},
	})
	if err != nil {
		return domain.RewrittenText{}, classifyAnthropicError(err)
	}

	var sb strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return domain.RewrittenText{}, provider.NewTransient(provider.Anthropic, "rewrite", "empty completion")
	}

	return domain.RewrittenText{
		Document: chunk.Document,
		ChunkID:  chunk.ID,
		Text:     sb.String(),
		Provider: provider.Anthropic,
		Model:    c.model,
	}, nil
}

// classifyAnthropicError maps SDK errors onto the provider taxonomy.
func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return provider.FromHTTPStatus(provider.Anthropic, "rewrite", apiErr.StatusCode, apiErr.Error())
	}
	// Network-level failures are worth retrying.
	return provider.NewTransient(provider.Anthropic, "rewrite", err.Error())
}
