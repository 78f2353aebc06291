// Package frontier provides the authoritative crawl state: URL normalization,
// the visited set, and the breadth-first pending queue.
package frontier

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/purell"
)

// trackingParams lists query parameters that are stripped during
// canonicalization. These are advertising and analytics trackers that do not
// affect page content.
var trackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"fbclid":       {},
	"gclid":        {},
	"gclsrc":       {},
	"dclid":        {},
	"msclkid":      {},
}

// canonicalFlags lowercases scheme and host, removes default ports, strips
// fragments, resolves dot-segments, collapses duplicate slashes and sorts
// query parameters. Trailing slashes are normalized separately: an empty path
// becomes "/", any other trailing slash is removed.
const canonicalFlags = purell.FlagLowercaseScheme |
	purell.FlagLowercaseHost |
	purell.FlagRemoveDefaultPort |
	purell.FlagRemoveFragment |
	purell.FlagDecodeUnnecessaryEscapes |
	purell.FlagRemoveDuplicateSlashes |
	purell.FlagRemoveDotSegments |
	purell.FlagSortQuery

var (
	errEmptyInput          = errors.New("canonicalize url: empty input")
	errMissingSchemeOrHost = errors.New("canonicalize url: missing scheme or host")
)

// Canonicalize returns the canonical string form of a URL, used as the unique
// frontier key. Only absolute http(s) URLs are accepted.
func Canonicalize(rawURL string) (string, error) {
	if rawURL == "" {
		return "", errEmptyInput
	}

	normalized, err := purell.NormalizeURLString(rawURL, canonicalFlags)
	if err != nil {
		return "", fmt.Errorf("canonicalize url: %w", err)
	}

	parsed, err := url.Parse(normalized)
	if err != nil {
		return "", fmt.Errorf("canonicalize url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("canonicalize url: unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", errMissingSchemeOrHost
	}

	parsed.RawQuery = stripTrackingParams(parsed.Query())
	parsed.Path = normalizePath(parsed.Path)

	return parsed.String(), nil
}

// URLHash canonicalizes the given URL and returns its SHA-256 hex digest,
// used for deterministic artifact filenames.
func URLHash(rawURL string) (string, error) {
	canonical, err := Canonicalize(rawURL)
	if err != nil {
		return "", fmt.Errorf("url hash: %w", err)
	}

	sum := sha256.Sum256([]byte(canonical))

	return hex.EncodeToString(sum[:]), nil
}

// ExtractHost returns the hostname (without port) from a URL, lowercased.
func ExtractHost(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("extract host: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", errMissingSchemeOrHost
	}

	return strings.ToLower(parsed.Hostname()), nil
}

// stripTrackingParams removes tracking parameters and re-encodes the rest in
// sorted key order. Returns an empty string when nothing remains.
func stripTrackingParams(values url.Values) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		if _, isTracking := trackingParams[key]; !isTracking {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return ""
	}

	sort.Strings(keys)

	var b strings.Builder
	for i, key := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		for j, val := range values[key] {
			if j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(key))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(val))
		}
	}

	return b.String()
}

// normalizePath removes trailing slashes while preserving the root "/".
// An empty path becomes "/" so that host and host/ share one frontier key.
func normalizePath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}

	return strings.TrimRight(p, "/")
}
