// Package classify decides what kind of resource a URL points at and whether
// it belongs in the crawl scope.
package classify

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/sitemill/sitemill/internal/domain"
)

// Group names a downloadable file family. Groups beyond PDF, Doc and Image
// are gated together behind the download_other flag.
type Group string

const (
	GroupPDF     Group = "PDF"
	GroupImage   Group = "Image"
	GroupDoc     Group = "Doc"
	GroupArchive Group = "Archive"
	GroupAudio   Group = "Audio"
	GroupVideo   Group = "Video"
)

// Kind maps a group to its frontier resource kind.
func (g Group) Kind() domain.ResourceKind {
	switch g {
	case GroupPDF:
		return domain.KindPDF
	case GroupDoc:
		return domain.KindDoc
	case GroupImage:
		return domain.KindImage
	default:
		return domain.KindOther
	}
}

var groupExtensions = map[Group][]string{
	GroupPDF:     {".pdf"},
	GroupImage:   {".png", ".jpg", ".jpeg", ".gif", ".svg"},
	GroupDoc:     {".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx"},
	GroupArchive: {".zip", ".rar", ".7z", ".tar", ".gz"},
	GroupAudio:   {".mp3", ".wav", ".ogg"},
	GroupVideo:   {".mp4", ".avi", ".mov", ".mkv"},
}

var groupContentTypes = map[Group]map[string]string{
	GroupPDF: {"application/pdf": ".pdf"},
	GroupImage: {
		"image/jpeg":    ".jpg",
		"image/png":     ".png",
		"image/gif":     ".gif",
		"image/svg+xml": ".svg",
	},
	GroupDoc: {
		"application/msword": ".doc",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
		"application/vnd.ms-excel": ".xls",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       ".xlsx",
		"application/vnd.ms-powerpoint":                                           ".ppt",
		"application/vnd.openxmlformats-officedocument.presentationml.presentation": ".pptx",
	},
	GroupArchive: {
		"application/zip":              ".zip",
		"application/x-rar-compressed": ".rar",
		"application/x-7z-compressed":  ".7z",
		"application/gzip":             ".gz",
		"application/x-tar":            ".tar",
	},
	GroupAudio: {
		"audio/mpeg": ".mp3",
		"audio/wav":  ".wav",
		"audio/ogg":  ".ogg",
	},
	GroupVideo: {
		"video/mp4":       ".mp4",
		"video/x-msvideo": ".avi",
		"video/quicktime": ".mov",
	},
}

// localePattern matches locale path segments like /fr-ca/ or /en-us/.
var localePattern = regexp.MustCompile(`/(fr|en)-(ca|us)/`)

// Config selects which download groups are active and what to exclude.
type Config struct {
	DownloadPDF   bool
	DownloadDoc   bool
	DownloadImage bool
	// DownloadOther gates Archive, Audio and Video together.
	DownloadOther bool
	// ExcludedPaths are matched as plain substrings of the full URL.
	ExcludedPaths []string
}

// Result is a classification outcome for a single URL.
type Result struct {
	Kind  domain.ResourceKind
	Group Group
	// Ext is the canonical file extension for downloadables, empty for pages.
	Ext string
}

// Classifier classifies URLs by extension first, content-type hint second,
// defaulting to a regular page.
type Classifier struct {
	cfg Config
	// enabled holds only the groups turned on by config, with their
	// extension suffix matchers. URLs like /report.pdf.aspx still match.
	enabled map[Group]*regexp.Regexp
	// locale is the language path segment of the start URL, when present.
	// Pages outside that locale are out of scope.
	locale string
	// host is the start URL's host; page links leaving it are out of
	// scope, downloads are not restricted.
	host string
}

// New creates a classifier scoped to startURL. When the start URL carries a
// locale segment, discovered pages outside it are rejected.
func New(cfg Config, startURL string) *Classifier {
	c := &Classifier{
		cfg:     cfg,
		enabled: make(map[Group]*regexp.Regexp),
	}

	for group, exts := range groupExtensions {
		if !c.groupEnabled(group) {
			continue
		}
		parts := make([]string, 0, len(exts))
		for _, ext := range exts {
			parts = append(parts, regexp.QuoteMeta(ext))
		}
		c.enabled[group] = regexp.MustCompile(`(?i)(` + strings.Join(parts, "|") + `)(\.[a-z0-9]+)?$`)
	}

	if m := localePattern.FindString(strings.ToLower(startURL)); m != "" {
		c.locale = m
	}
	if parsed, err := url.Parse(startURL); err == nil {
		c.host = strings.ToLower(parsed.Hostname())
	}

	return c
}

func (c *Classifier) groupEnabled(group Group) bool {
	switch group {
	case GroupPDF:
		return c.cfg.DownloadPDF
	case GroupDoc:
		return c.cfg.DownloadDoc
	case GroupImage:
		return c.cfg.DownloadImage
	case GroupArchive, GroupAudio, GroupVideo:
		return c.cfg.DownloadOther
	default:
		return false
	}
}

// Locale returns the detected locale path segment, or empty.
func (c *Classifier) Locale() string {
	return c.locale
}

// Classify determines the resource kind of a URL. The URL path extension wins;
// a Content-Type hint is consulted only when the path is inconclusive; with
// neither, the URL is treated as a regular page.
func (c *Classifier) Classify(rawURL, contentTypeHint string) Result {
	path := urlPath(rawURL)

	for group, matcher := range c.enabled {
		if matcher.MatchString(path) {
			ext := extensionFor(group, contentTypeHint)
			if ext == "" {
				ext = matchedExtension(group, path)
			}
			return Result{Kind: group.Kind(), Group: group, Ext: ext}
		}
	}

	if contentTypeHint != "" {
		hint := normalizeContentType(contentTypeHint)
		for group := range c.enabled {
			if ext, ok := groupContentTypes[group][hint]; ok {
				return Result{Kind: group.Kind(), Group: group, Ext: ext}
			}
		}
	}

	return Result{Kind: domain.KindPage}
}

// IsDownloadable reports whether the URL path carries an extension of any
// enabled download group.
func (c *Classifier) IsDownloadable(rawURL string) bool {
	path := urlPath(rawURL)
	for _, matcher := range c.enabled {
		if matcher.MatchString(path) {
			return true
		}
	}
	return false
}

// InScope implements the frontier's scope check: excluded-path substrings
// reject any URL, disabled download kinds are rejected, and when the start
// URL carries a locale segment, pages outside that locale are rejected.
// Depth limits are enforced by the frontier itself.
func (c *Classifier) InScope(rawURL string, _ int, kind domain.ResourceKind) (bool, string) {
	for _, excluded := range c.cfg.ExcludedPaths {
		if excluded != "" && strings.Contains(rawURL, excluded) {
			return false, "excluded path: " + excluded
		}
	}

	if kind == domain.KindPage {
		if !c.sameHost(rawURL) {
			return false, "outside host " + c.host
		}
		if c.locale != "" && !strings.Contains(strings.ToLower(rawURL), c.locale) {
			return false, "outside locale " + strings.Trim(c.locale, "/")
		}
		return true, ""
	}

	res := c.Classify(rawURL, "")
	if res.Kind != kind || res.Group == "" {
		return false, "download type disabled"
	}
	return true, ""
}

// sameHost reports whether rawURL stays on the start host or one of its
// subdomains. With no start host recorded, everything passes.
func (c *Classifier) sameHost(rawURL string) bool {
	if c.host == "" {
		return true
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	return host == c.host || strings.HasSuffix(host, "."+c.host)
}

// urlPath extracts the lowercased path portion of a URL without parsing
// errors mattering: for classification a raw suffix check is enough.
func urlPath(rawURL string) string {
	s := rawURL
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
		if j := strings.Index(s, "/"); j >= 0 {
			s = s[j:]
		} else {
			s = "/"
		}
	}
	return strings.ToLower(s)
}

func extensionFor(group Group, contentType string) string {
	if contentType == "" {
		return ""
	}
	return groupContentTypes[group][normalizeContentType(contentType)]
}

// matchedExtension returns the group extension that the path actually ends
// with, so .jpeg stays .jpeg rather than collapsing to the content-type default.
func matchedExtension(group Group, path string) string {
	for _, ext := range groupExtensions[group] {
		if strings.HasSuffix(path, ext) {
			return ext
		}
	}
	// Suffixed form like report.pdf.aspx: keep the group's first extension.
	return groupExtensions[group][0]
}

// normalizeContentType lowercases and strips parameters like charset.
func normalizeContentType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}
