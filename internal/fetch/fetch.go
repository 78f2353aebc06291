// Package fetch retrieves pages and binary resources. Two interchangeable
// engines implement Fetcher: a plain HTTP client and a colly-based collector.
package fetch

import (
	"context"
	"errors"
	"fmt"

	"github.com/sitemill/sitemill/internal/logger"
)

// Engine names accepted in configuration.
const (
	EngineHTTP  = "http"
	EngineColly = "colly"
)

// ErrFetch marks a network or HTTP failure on a single URL. Fetch errors are
// contained per-URL; they never abort the run.
var ErrFetch = errors.New("fetch failed")

// Error carries the URL and status of a failed fetch.
type Error struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrFetch) match any fetch error.
func (e *Error) Is(target error) bool {
	return target == ErrFetch
}

// Page is a fetched HTML page: its extracted text, title and outbound links.
type Page struct {
	URL         string
	StatusCode  int
	ContentType string
	HTML        []byte
	Title       string
	// Text is the visible body text with script/style/nav chrome stripped.
	Text string
	// Links holds absolute outbound URLs in document order.
	Links []string
}

// Probe describes a resource without committing to a full page parse.
type Probe struct {
	StatusCode  int
	ContentType string
}

// Download is a fetched binary resource.
type Download struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
}

// New selects a fetch engine by name.
func New(engine string, cfg HTTPConfig, log logger.Interface) (Fetcher, error) {
	switch engine {
	case "", EngineHTTP:
		return NewHTTPEngine(cfg, log), nil
	case EngineColly:
		return NewCollyEngine(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown fetch engine %q", engine)
	}
}

// Fetcher retrieves pages and files. Implementations must be safe for
// concurrent use by multiple crawl workers.
type Fetcher interface {
	// FetchPage retrieves and parses an HTML page.
	FetchPage(ctx context.Context, rawURL string) (*Page, error)
	// ProbeResource issues a HEAD request, falling back to GET when the
	// server rejects HEAD.
	ProbeResource(ctx context.Context, rawURL string) (*Probe, error)
	// FetchFile retrieves a binary resource.
	FetchFile(ctx context.Context, rawURL string) (*Download, error)
}
