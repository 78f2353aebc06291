package fetch

import (
	"context"
	"errors"
	"net/http"

	"github.com/gocolly/colly/v2"

	"github.com/sitemill/sitemill/internal/logger"
)

// CollyEngine fetches through a colly collector. It honors the same Fetcher
// contract as HTTPEngine; each call runs on a clone of the base collector so
// handlers never accumulate across requests.
type CollyEngine struct {
	base   *colly.Collector
	logger logger.Interface
}

// NewCollyEngine creates a colly-backed fetch engine.
func NewCollyEngine(cfg HTTPConfig, log logger.Interface) *CollyEngine {
	cfg = cfg.WithDefaults()

	base := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(maxFileBytes),
		colly.IgnoreRobotsTxt(),
	)
	base.SetRequestTimeout(cfg.RequestTimeout)

	return &CollyEngine{base: base, logger: log}
}

// FetchPage retrieves and parses an HTML page through colly.
func (e *CollyEngine) FetchPage(ctx context.Context, rawURL string) (*Page, error) {
	resp, err := e.request(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{URL: rawURL, StatusCode: resp.StatusCode}
	}

	page := &Page{
		URL:         resp.URL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.ContentType,
		HTML:        resp.Body,
	}
	if parseErr := parsePage(page); parseErr != nil {
		return nil, &Error{URL: rawURL, Err: parseErr}
	}

	return page, nil
}

// ProbeResource issues a HEAD request, falling back to GET on 405.
func (e *CollyEngine) ProbeResource(ctx context.Context, rawURL string) (*Probe, error) {
	resp, err := e.request(ctx, http.MethodHead, rawURL)
	if err == nil && resp.StatusCode != http.StatusMethodNotAllowed {
		return &Probe{StatusCode: resp.StatusCode, ContentType: resp.ContentType}, nil
	}

	resp, err = e.request(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, err
	}
	return &Probe{StatusCode: resp.StatusCode, ContentType: resp.ContentType}, nil
}

// FetchFile retrieves a binary resource.
func (e *CollyEngine) FetchFile(ctx context.Context, rawURL string) (*Download, error) {
	resp, err := e.request(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{URL: rawURL, StatusCode: resp.StatusCode}
	}

	return &Download{
		URL:         resp.URL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.ContentType,
		Body:        resp.Body,
	}, nil
}

// capturedResponse is what a single colly request produced.
type capturedResponse struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
}

// request runs one request on a collector clone and captures the response.
func (e *CollyEngine) request(ctx context.Context, method, rawURL string) (*capturedResponse, error) {
	if ctx.Err() != nil {
		return nil, &Error{URL: rawURL, Err: ctx.Err()}
	}

	c := e.base.Clone()

	var (
		captured *capturedResponse
		reqErr   error
	)

	c.OnResponse(func(r *colly.Response) {
		captured = capture(r)
	})
	c.OnError(func(r *colly.Response, err error) {
		// Non-2xx responses land here; keep the response when present so
		// callers can branch on the status code.
		if r != nil && r.StatusCode != 0 {
			captured = capture(r)
			return
		}
		reqErr = err
	})

	if err := c.Request(method, rawURL, nil, nil, nil); err != nil {
		return nil, &Error{URL: rawURL, Err: err}
	}
	c.Wait()

	if captured != nil {
		return captured, nil
	}
	if reqErr == nil {
		reqErr = errors.New("no response")
	}
	return nil, &Error{URL: rawURL, Err: reqErr}
}

func capture(r *colly.Response) *capturedResponse {
	out := &capturedResponse{
		StatusCode:  r.StatusCode,
		ContentType: r.Headers.Get("Content-Type"),
		Body:        r.Body,
	}
	if r.Request != nil && r.Request.URL != nil {
		out.URL = r.Request.URL.String()
	}
	return out
}
