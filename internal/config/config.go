// Package config loads and validates the application configuration from a
// YAML file with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/sitemill/sitemill/internal/archive"
	"github.com/sitemill/sitemill/internal/pipeline"
	"github.com/sitemill/sitemill/internal/provider"
)

// Defaults applied when the config file leaves a value unset.
const (
	DefaultMaxDepth       = 1
	DefaultMaxTokens      = 10000
	DefaultOutputDir      = "output"
	DefaultCheckpointFile = "crawler_checkpoint.json"
	DefaultLogLevel       = "info"
	DefaultServerAddr     = ":8080"
	DefaultConcurrency    = 4
	DefaultRewriteWorkers = 10
	DefaultEmbedWorkers   = 4
	DefaultLLMProvider    = provider.OpenAI
	DefaultEmbedProvider  = provider.OpenAI
)

// DefaultExcludedPaths are URL path fragments skipped during crawling.
var DefaultExcludedPaths = []string{"product-selector"}

// APIKeys holds provider credentials. OpenAI accepts several keys and
// rotates between them.
type APIKeys struct {
	OpenAIAPIKeys   []string `mapstructure:"openai_api_keys"`
	AnthropicAPIKey string   `mapstructure:"anthropic_api_key"`
	MistralAPIKey   string   `mapstructure:"mistral_api_key"`
	VoyageAPIKey    string   `mapstructure:"voyage_api_key"`
}

// Model bounds provider requests.
type Model struct {
	MaxTokens int `mapstructure:"max_tokens"`
}

// Directories locates stage output on disk. Stage directories default to
// subdirectories of OutputDir.
type Directories struct {
	OutputDir                string `mapstructure:"output_dir"`
	CrawlerOutputDir         string `mapstructure:"crawler_output_dir"`
	PDFDocOutputDir          string `mapstructure:"pdf_doc_output_dir"`
	EmbeddingOutputDir       string `mapstructure:"embedding_output_dir"`
	ContentRewriterOutputDir string `mapstructure:"content_rewriter_output_dir"`
}

// Crawler holds the crawl parameters.
type Crawler struct {
	StartURL      string   `mapstructure:"start_url"`
	MaxDepth      int      `mapstructure:"max_depth"`
	MaxURLs       int      `mapstructure:"max_urls"`
	Concurrency   int      `mapstructure:"concurrency"`
	DownloadPDF   bool     `mapstructure:"download_pdf"`
	DownloadDoc   bool     `mapstructure:"download_doc"`
	DownloadImage bool     `mapstructure:"download_image"`
	DownloadOther bool     `mapstructure:"download_other"`
	ExcludedPaths []string `mapstructure:"excluded_paths"`
}

// Logging controls log output.
type Logging struct {
	Verbose  bool   `mapstructure:"verbose"`
	LogLevel string `mapstructure:"log_level"`
}

// ContentRewriter toggles the rewrite stage. Model and APIKey override the
// global llm_provider settings for this stage only; unset fields fall back.
type ContentRewriter struct {
	Enabled bool   `mapstructure:"enabled"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
}

// Server holds the HTTP API configuration.
type Server struct {
	Addr string `mapstructure:"addr"`
}

// Config is the full application configuration.
type Config struct {
	PipelineSteps     []string        `mapstructure:"pipeline_steps"`
	LLMProvider       string          `mapstructure:"llm_provider"`
	EmbeddingProvider string          `mapstructure:"embedding_provider"`
	FetchEngine       string          `mapstructure:"fetch_engine"`
	APIKeys           APIKeys         `mapstructure:"api_keys"`
	Model             Model           `mapstructure:"model"`
	Directories       Directories     `mapstructure:"directories"`
	Crawler           Crawler         `mapstructure:"crawler_params"`
	CheckpointFile    string          `mapstructure:"checkpoint_file"`
	Logging           Logging         `mapstructure:"logging"`
	ContentRewriter   ContentRewriter `mapstructure:"content_rewriter"`
	Server            Server          `mapstructure:"server"`
	Minio             archive.Config  `mapstructure:"minio"`
}

// Load reads configuration from path (or ./config.yaml when path is empty),
// applies environment variable overrides, defaults and validation. A missing
// default config file is not an error; a missing explicit path is.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyDerivedDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pipeline_steps", []string{pipeline.StepCrawler, pipeline.StepExtractor, pipeline.StepEmbedding})
	v.SetDefault("llm_provider", DefaultLLMProvider)
	v.SetDefault("embedding_provider", DefaultEmbedProvider)
	v.SetDefault("model.max_tokens", DefaultMaxTokens)
	v.SetDefault("directories.output_dir", DefaultOutputDir)
	v.SetDefault("crawler_params.max_depth", DefaultMaxDepth)
	v.SetDefault("crawler_params.concurrency", DefaultConcurrency)
	v.SetDefault("crawler_params.download_pdf", true)
	v.SetDefault("crawler_params.download_doc", true)
	v.SetDefault("crawler_params.download_image", false)
	v.SetDefault("crawler_params.download_other", false)
	v.SetDefault("crawler_params.excluded_paths", DefaultExcludedPaths)
	v.SetDefault("logging.log_level", DefaultLogLevel)
	v.SetDefault("server.addr", DefaultServerAddr)
}

// applyDerivedDefaults fills values whose defaults depend on other values.
func (c *Config) applyDerivedDefaults() {
	if c.Directories.CrawlerOutputDir == "" {
		c.Directories.CrawlerOutputDir = filepath.Join(c.Directories.OutputDir, "crawler")
	}
	if c.Directories.PDFDocOutputDir == "" {
		c.Directories.PDFDocOutputDir = filepath.Join(c.Directories.OutputDir, "extracted")
	}
	if c.Directories.EmbeddingOutputDir == "" {
		c.Directories.EmbeddingOutputDir = filepath.Join(c.Directories.OutputDir, "embeddings")
	}
	if c.Directories.ContentRewriterOutputDir == "" {
		c.Directories.ContentRewriterOutputDir = filepath.Join(c.Directories.OutputDir, "rewritten")
	}
	if c.CheckpointFile == "" {
		c.CheckpointFile = filepath.Join(c.Directories.CrawlerOutputDir, DefaultCheckpointFile)
	}

	// The rewrite stage is driven by its own toggle; keep pipeline_steps
	// and the toggle consistent.
	if c.ContentRewriter.Enabled && !c.stepEnabled(pipeline.StepRewriter) {
		c.PipelineSteps = append(c.PipelineSteps, pipeline.StepRewriter)
	}
}

func (c *Config) stepEnabled(step string) bool {
	for _, s := range c.PipelineSteps {
		if s == step {
			return true
		}
	}
	return false
}

// Validate checks the configuration for a runnable pipeline.
func (c *Config) Validate() error {
	if err := pipeline.ValidateSteps(c.PipelineSteps); err != nil {
		return err
	}

	if c.stepEnabled(pipeline.StepCrawler) && c.Crawler.StartURL == "" {
		return errors.New("config: crawler_params.start_url is required")
	}

	if c.Model.MaxTokens <= 0 {
		return errors.New("config: model.max_tokens must be positive")
	}

	if c.stepEnabled(pipeline.StepEmbedding) {
		switch c.EmbeddingProvider {
		case provider.OpenAI, provider.Mistral, provider.Voyage:
		default:
			return fmt.Errorf("config: unknown embedding_provider %q", c.EmbeddingProvider)
		}
		if len(c.EmbeddingKeys()) == 0 {
			return fmt.Errorf("config: no api keys for embedding_provider %q", c.EmbeddingProvider)
		}
	}

	if c.stepEnabled(pipeline.StepRewriter) {
		switch c.LLMProvider {
		case provider.OpenAI, provider.Mistral, provider.Anthropic:
		default:
			return fmt.Errorf("config: unknown llm_provider %q", c.LLMProvider)
		}
		if len(c.RewriteKeys()) == 0 {
			return fmt.Errorf("config: no api keys for llm_provider %q", c.LLMProvider)
		}
	}

	return nil
}

// keysFor returns the credentials configured for a provider.
func (c *Config) keysFor(name string) []string {
	switch name {
	case provider.OpenAI:
		return nonEmpty(c.APIKeys.OpenAIAPIKeys)
	case provider.Anthropic:
		return nonEmpty([]string{c.APIKeys.AnthropicAPIKey})
	case provider.Mistral:
		return nonEmpty([]string{c.APIKeys.MistralAPIKey})
	case provider.Voyage:
		return nonEmpty([]string{c.APIKeys.VoyageAPIKey})
	default:
		return nil
	}
}

// EmbeddingKeys returns the credentials for the embedding provider.
func (c *Config) EmbeddingKeys() []string {
	return c.keysFor(c.EmbeddingProvider)
}

// RewriteKeys returns the credentials for the rewrite provider. A
// content_rewriter.api_key override takes precedence over the provider keys.
func (c *Config) RewriteKeys() []string {
	if key := strings.TrimSpace(c.ContentRewriter.APIKey); key != "" {
		return []string{key}
	}
	return c.keysFor(c.LLMProvider)
}

func nonEmpty(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}
