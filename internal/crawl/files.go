package crawl

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// hashLen is the number of hash hex digits appended to artifact filenames.
const hashLen = 8

var unsafeFilenameChars = regexp.MustCompile(`[^\w\-.]`)

// SanitizeFilename derives a deterministic artifact filename from a URL:
// the last path segment with unsafe characters replaced, an 8-digit hash of
// the full URL to keep names collision-free, and the resolved extension.
// Re-runs over the same URL always produce the same name, which is how
// already-materialized downloads are detected.
func SanitizeFilename(rawURL, extension string) string {
	segment := lastSegment(rawURL)
	if segment == "" {
		segment = "index"
	}
	segment = unsafeFilenameChars.ReplaceAllString(segment, "_")

	stem := strings.TrimSuffix(segment, path.Ext(segment))
	if stem == "" {
		stem = "index"
	}

	if extension == "" {
		extension = ".txt"
	}

	sum := md5.Sum([]byte(rawURL))
	return stem + "_" + hex.EncodeToString(sum[:])[:hashLen] + extension
}

func lastSegment(rawURL string) string {
	s := rawURL
	if parsed, err := url.Parse(rawURL); err == nil && parsed.Path != "" {
		s = parsed.Path
	}
	s = strings.TrimRight(s, "/")
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	return s
}
