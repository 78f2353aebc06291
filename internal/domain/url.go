// Package domain provides domain models used across the application.
package domain

import "time"

// URLState is the lifecycle state of a URL in the frontier.
type URLState string

// URL lifecycle states. Transitions only move forward in pipeline order, or
// sideways to Failed/Skipped; they never move backward.
const (
	StateDiscovered URLState = "discovered"
	StateQueued     URLState = "queued"
	StateFetching   URLState = "fetching"
	StateFetched    URLState = "fetched"
	StateExtracted  URLState = "extracted"
	StateEmbedded   URLState = "embedded"
	StateRewritten  URLState = "rewritten"
	StateFailed     URLState = "failed"
	StateSkipped    URLState = "skipped"
)

// stateRank orders states along the pipeline for forward-only checks.
var stateRank = map[URLState]int{
	StateDiscovered: 0,
	StateQueued:     1,
	StateFetching:   2,
	StateFetched:    3,
	StateExtracted:  4,
	StateEmbedded:   5,
	StateRewritten:  6,
}

// Terminal reports whether the state ends a URL's lifecycle.
func (s URLState) Terminal() bool {
	return s == StateFailed || s == StateSkipped
}

// CanTransitionTo reports whether moving from s to next is a legal forward
// transition. Failed and Skipped are reachable from any non-terminal state.
func (s URLState) CanTransitionTo(next URLState) bool {
	if s.Terminal() {
		return false
	}
	if next.Terminal() {
		return true
	}
	return stateRank[next] > stateRank[s]
}

// Reached reports whether s is at or past other in pipeline order. Terminal
// states are outside the pipeline order and never satisfy it.
func (s URLState) Reached(other URLState) bool {
	if s.Terminal() || other.Terminal() {
		return false
	}
	return stateRank[s] >= stateRank[other]
}

// ResourceKind classifies a discovered URL by what it points at.
type ResourceKind string

// Resource kinds recognized by the classifier.
const (
	KindPage  ResourceKind = "page"
	KindPDF   ResourceKind = "pdf"
	KindDoc   ResourceKind = "doc"
	KindImage ResourceKind = "image"
	KindOther ResourceKind = "other"
)

// URLRecord tracks a single canonical URL through the pipeline.
type URLRecord struct {
	// URL is the canonical absolute URL, the record's identity.
	URL string `json:"url"`
	// Depth is the link distance from the start URL. First-seen depth wins
	// across re-discovery.
	Depth int `json:"depth"`
	// Kind is the classified resource kind.
	Kind ResourceKind `json:"kind"`
	// State is the current lifecycle state.
	State URLState `json:"state"`
	// ParentURL is the URL this record was discovered from, empty for the seed.
	ParentURL string `json:"parent_url,omitempty"`
	// LastError holds the most recent failure message, if any.
	LastError string `json:"last_error,omitempty"`
	// DiscoveredAt is when the URL first entered the frontier.
	DiscoveredAt time.Time `json:"discovered_at"`
	// UpdatedAt is when the record last changed state.
	UpdatedAt time.Time `json:"updated_at"`
}

// FrontierSnapshot is the serializable state of a whole crawl. It is owned by
// the frontier store; the checkpoint manager reads and writes it as a blob.
type FrontierSnapshot struct {
	// Version guards checkpoint format evolution.
	Version int `json:"version"`
	// StartURL is the seed URL of the run.
	StartURL string `json:"start_url"`
	// MaxDepth is the depth bound active when the snapshot was taken.
	MaxDepth int `json:"max_depth"`
	// ExcludedPaths are the exclusion patterns active during the run.
	ExcludedPaths []string `json:"excluded_paths,omitempty"`
	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`
	// Records maps canonical URL to its record.
	Records map[string]*URLRecord `json:"records"`
	// Visited lists URLs that reached Fetched or a later state.
	Visited []string `json:"visited"`
	// Pending is the FIFO queue of URLs awaiting fetch, in discovery order.
	Pending []string `json:"pending"`
}
