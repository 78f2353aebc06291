package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitemill/sitemill/internal/pipeline"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const sampleConfig = `
pipeline_steps:
  - crawler
  - pdf_doc_extractor
  - embedding
llm_provider: mistral
embedding_provider: openai
api_keys:
  openai_api_keys:
    - sk-one
    - sk-two
  mistral_api_key: mk-1
crawler_params:
  start_url: https://example.com
  max_depth: 2
  max_urls: 500
  excluded_paths:
    - product-selector
    - cart
content_rewriter:
  enabled: true
`

func TestLoad(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://example.com", cfg.Crawler.StartURL)
	assert.Equal(t, 2, cfg.Crawler.MaxDepth)
	assert.Equal(t, 500, cfg.Crawler.MaxURLs)
	assert.Equal(t, []string{"product-selector", "cart"}, cfg.Crawler.ExcludedPaths)
	assert.Equal(t, []string{"sk-one", "sk-two"}, cfg.APIKeys.OpenAIAPIKeys)

	// content_rewriter.enabled appends the rewrite step.
	assert.Contains(t, cfg.PipelineSteps, pipeline.StepRewriter)

	// Defaults fill what the file leaves out.
	assert.Equal(t, DefaultMaxTokens, cfg.Model.MaxTokens)
	assert.True(t, cfg.Crawler.DownloadPDF)
	assert.True(t, cfg.Crawler.DownloadDoc)
	assert.False(t, cfg.Crawler.DownloadImage)
	assert.Equal(t, filepath.Join("output", "crawler"), cfg.Directories.CrawlerOutputDir)
	assert.Equal(t, filepath.Join("output", "crawler", DefaultCheckpointFile), cfg.CheckpointFile)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_InvalidSteps(t *testing.T) {
	path := writeConfig(t, `
pipeline_steps:
  - embedding
crawler_params:
  start_url: https://example.com
api_keys:
  openai_api_keys: [sk-one]
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires")
}

func TestLoad_MissingStartURL(t *testing.T) {
	path := writeConfig(t, `
pipeline_steps: [crawler]
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start_url")
}

func TestLoad_MissingEmbeddingKeys(t *testing.T) {
	path := writeConfig(t, `
pipeline_steps: [crawler, pdf_doc_extractor, embedding]
embedding_provider: voyage
crawler_params:
  start_url: https://example.com
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no api keys")
}

func TestLoad_UnknownProvider(t *testing.T) {
	path := writeConfig(t, `
pipeline_steps: [crawler, pdf_doc_extractor, embedding]
embedding_provider: cohere
api_keys:
  openai_api_keys: [sk-one]
crawler_params:
  start_url: https://example.com
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding_provider")
}

func TestLoad_ContentRewriterOverrides(t *testing.T) {
	path := writeConfig(t, `
pipeline_steps: [crawler, pdf_doc_extractor]
llm_provider: anthropic
api_keys:
  anthropic_api_key: ak-global
crawler_params:
  start_url: https://example.com
content_rewriter:
  enabled: true
  model: claude-sonnet-4-20250514
  api_key: ak-stage
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "claude-sonnet-4-20250514", cfg.ContentRewriter.Model)
	// The stage credential wins over the provider's global key.
	assert.Equal(t, []string{"ak-stage"}, cfg.RewriteKeys())

	cfg.ContentRewriter.APIKey = ""
	assert.Equal(t, []string{"ak-global"}, cfg.RewriteKeys())
}

func TestConfig_ProviderKeys(t *testing.T) {
	cfg := &Config{
		LLMProvider:       "anthropic",
		EmbeddingProvider: "openai",
		APIKeys: APIKeys{
			OpenAIAPIKeys:   []string{"sk-one", "", "sk-two"},
			AnthropicAPIKey: "ak-1",
		},
	}

	assert.Equal(t, []string{"sk-one", "sk-two"}, cfg.EmbeddingKeys())
	assert.Equal(t, []string{"ak-1"}, cfg.RewriteKeys())

	cfg.LLMProvider = "mistral"
	assert.Empty(t, cfg.RewriteKeys())
}
