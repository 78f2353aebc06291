package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/sitemill/sitemill/internal/logger"
)

// Default HTTP engine settings.
const (
	DefaultUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64)"
	DefaultRequestTimeout = 30 * time.Second

	// maxPageBytes limits HTML page bodies.
	maxPageBytes = 10 * 1024 * 1024 // 10 MB
	// maxFileBytes limits binary downloads.
	maxFileBytes = 200 * 1024 * 1024 // 200 MB
)

// nonContentSelectors lists elements stripped before extracting page text.
const nonContentSelectors = "script, style, nav, header, footer"

// HTTPConfig configures the plain HTTP engine.
type HTTPConfig struct {
	UserAgent      string
	RequestTimeout time.Duration
}

// WithDefaults returns a copy with defaults applied for zero-value fields.
func (c HTTPConfig) WithDefaults() HTTPConfig {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c
}

// HTTPEngine fetches with net/http and parses pages with goquery.
type HTTPEngine struct {
	client    *http.Client
	userAgent string
	logger    logger.Interface
}

// NewHTTPEngine creates an HTTP fetch engine.
func NewHTTPEngine(cfg HTTPConfig, log logger.Interface) *HTTPEngine {
	cfg = cfg.WithDefaults()
	return &HTTPEngine{
		client:    &http.Client{Timeout: cfg.RequestTimeout},
		userAgent: cfg.UserAgent,
		logger:    log,
	}
}

// FetchPage retrieves an HTML page, extracting its title, visible text and
// outbound links.
func (e *HTTPEngine) FetchPage(ctx context.Context, rawURL string) (*Page, error) {
	resp, err := e.do(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, &Error{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxPageBytes))
		return nil, &Error{URL: rawURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, &Error{URL: rawURL, Err: fmt.Errorf("read body: %w", err)}
	}

	page := &Page{
		URL:         resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		HTML:        body,
	}

	if err := parsePage(page); err != nil {
		return nil, &Error{URL: rawURL, Err: err}
	}

	return page, nil
}

// ProbeResource issues a HEAD request, falling back to GET when the server
// answers 405 or refuses HEAD outright.
func (e *HTTPEngine) ProbeResource(ctx context.Context, rawURL string) (*Probe, error) {
	resp, err := e.do(ctx, http.MethodHead, rawURL)
	if err == nil && resp.StatusCode != http.StatusMethodNotAllowed {
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxPageBytes))
		return &Probe{StatusCode: resp.StatusCode, ContentType: resp.Header.Get("Content-Type")}, nil
	}
	if resp != nil {
		resp.Body.Close()
	}

	resp, err = e.do(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, &Error{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxPageBytes))

	return &Probe{StatusCode: resp.StatusCode, ContentType: resp.Header.Get("Content-Type")}, nil
}

// FetchFile retrieves a binary resource in full.
func (e *HTTPEngine) FetchFile(ctx context.Context, rawURL string) (*Download, error) {
	resp, err := e.do(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, &Error{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxPageBytes))
		return nil, &Error{URL: rawURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFileBytes))
	if err != nil {
		return nil, &Error{URL: rawURL, Err: fmt.Errorf("read body: %w", err)}
	}

	return &Download{
		URL:         resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func (e *HTTPEngine) do(ctx context.Context, method, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", e.userAgent)

	return e.client.Do(req)
}

// parsePage fills in Title, Text and Links from the raw HTML.
func parsePage(page *Page) error {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.HTML))
	if err != nil {
		return fmt.Errorf("parse html: %w", err)
	}

	page.Title = extractTitle(doc)
	page.Text = extractText(doc)
	page.Links = extractLinks(doc, page.URL)

	return nil
}

// extractTitle prefers <title>, falling back to og:title.
func extractTitle(doc *goquery.Document) string {
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	if ogTitle, exists := doc.Find("meta[property='og:title']").Attr("content"); exists {
		return strings.TrimSpace(ogTitle)
	}
	return ""
}

// extractText returns the visible body text, preferring <article> content.
func extractText(doc *goquery.Document) string {
	article := doc.Find("article").First()
	if article.Length() > 0 {
		article.Find(nonContentSelectors).Remove()
		return strings.TrimSpace(article.Text())
	}

	body := doc.Find("body").First()
	if body.Length() > 0 {
		body.Find(nonContentSelectors).Remove()
		return strings.TrimSpace(body.Text())
	}

	return ""
}

// extractLinks resolves every anchor href against the page URL, in document
// order, skipping non-navigational schemes.
func extractLinks(doc *goquery.Document, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		if strings.HasPrefix(href, "mailto:") ||
			strings.HasPrefix(href, "tel:") ||
			strings.HasPrefix(href, "javascript:") {
			return
		}

		ref, parseErr := url.Parse(href)
		if parseErr != nil {
			return
		}

		resolved := base.ResolveReference(ref)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}
		links = append(links, resolved.String())
	})

	return links
}
