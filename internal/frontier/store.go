package frontier

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sitemill/sitemill/internal/domain"
	"github.com/sitemill/sitemill/internal/logger"
)

// SnapshotVersion is the checkpoint format version written by this build.
const SnapshotVersion = 1

// ErrUnknownURL is returned when marking a URL the store has never seen.
var ErrUnknownURL = errors.New("frontier: unknown url")

// ErrStateAdvanced is returned when a mark targets a state the record has
// already reached or passed. Concurrent consumers racing on the same URL can
// treat it as a no-op.
var ErrStateAdvanced = errors.New("frontier: url already advanced")

// ScopeChecker decides whether a discovered URL should enter the queue.
type ScopeChecker interface {
	// InScope reports whether a URL at the given depth and of the given kind
	// is eligible for crawling, and a reason string when it is not.
	InScope(url string, depth int, kind domain.ResourceKind) (bool, string)
}

// Config bounds a store's crawl.
type Config struct {
	// StartURL is the seed URL of the run.
	StartURL string
	// MaxDepth is the maximum link distance from the start URL.
	MaxDepth int
	// MaxURLs caps the number of URLs admitted to the queue (0 = no limit).
	MaxURLs int
	// ExcludedPaths are recorded into snapshots for auditing.
	ExcludedPaths []string
}

// Store tracks discovered, queued and visited URLs with per-URL depth. All
// mutating operations are serialized behind a single mutex so discovery from
// concurrent fetch workers yields exactly one record per canonical URL, with
// the depth of first acceptance.
type Store struct {
	mu        sync.Mutex
	cfg       Config
	scope     ScopeChecker
	records   map[string]*domain.URLRecord
	pending   []string
	visited   map[string]struct{}
	accepted  int
	startedAt time.Time
	log       logger.Interface
}

// NewStore creates an empty frontier store.
func NewStore(cfg Config, scope ScopeChecker, log logger.Interface) *Store {
	return &Store{
		cfg:       cfg,
		scope:     scope,
		records:   make(map[string]*domain.URLRecord),
		visited:   make(map[string]struct{}),
		startedAt: time.Now().UTC(),
		log:       log,
	}
}

// Seed admits the start URL at depth zero. It is a no-op when the store
// already holds records (e.g. after Restore).
func (s *Store) Seed() (string, error) {
	canonical, err := Canonicalize(s.cfg.StartURL)
	if err != nil {
		return "", fmt.Errorf("seed: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.records) > 0 {
		return canonical, nil
	}

	s.insert(canonical, 0, domain.KindPage, "")
	return canonical, nil
}

// Discover offers a URL found at parentDepth to the frontier. It returns true
// when the URL was admitted to the queue. Out-of-scope URLs other than
// depth-exceeded ones are recorded as Discovered for auditing but are never
// enqueued; already-known URLs are left untouched so the first-seen depth wins.
func (s *Store) Discover(rawURL string, parentDepth int, kind domain.ResourceKind, parentURL string) bool {
	canonical, err := Canonicalize(rawURL)
	if err != nil {
		s.log.Debug("discover: unparseable url", "url", rawURL, "error", err.Error())
		return false
	}

	depth := parentDepth + 1

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, known := s.records[canonical]; known {
		return false
	}

	if depth > s.cfg.MaxDepth {
		return false
	}

	if inScope, reason := s.scope.InScope(canonical, depth, kind); !inScope {
		// Keep an audit record so observers can see what was rejected,
		// but never let it enter the queue.
		now := time.Now().UTC()
		s.records[canonical] = &domain.URLRecord{
			URL:          canonical,
			Depth:        depth,
			Kind:         kind,
			State:        domain.StateDiscovered,
			ParentURL:    parentURL,
			LastError:    reason,
			DiscoveredAt: now,
			UpdatedAt:    now,
		}
		return false
	}

	if s.cfg.MaxURLs > 0 && s.accepted >= s.cfg.MaxURLs {
		return false
	}

	s.insert(canonical, depth, kind, parentURL)
	return true
}

// insert admits a URL to the queue. Caller holds the lock.
func (s *Store) insert(canonical string, depth int, kind domain.ResourceKind, parentURL string) {
	now := time.Now().UTC()
	s.records[canonical] = &domain.URLRecord{
		URL:          canonical,
		Depth:        depth,
		Kind:         kind,
		State:        domain.StateQueued,
		ParentURL:    parentURL,
		DiscoveredAt: now,
		UpdatedAt:    now,
	}
	s.pending = append(s.pending, canonical)
	s.accepted++
}

// NextBatch pops up to n queued URLs in FIFO order and marks them Fetching.
func (s *Store) NextBatch(n int) []domain.URLRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n > len(s.pending) {
		n = len(s.pending)
	}
	if n <= 0 {
		return nil
	}

	batch := make([]domain.URLRecord, 0, n)
	now := time.Now().UTC()

	for _, canonical := range s.pending[:n] {
		rec := s.records[canonical]
		rec.State = domain.StateFetching
		rec.UpdatedAt = now
		s.visited[canonical] = struct{}{}
		batch = append(batch, *rec)
	}
	s.pending = s.pending[n:]

	return batch
}

// MarkState transitions a URL to a new state. Transitions must move forward
// in the pipeline or to Failed/Skipped; anything else is an error.
func (s *Store) MarkState(rawURL string, state domain.URLState, errMsg string) error {
	canonical, err := Canonicalize(rawURL)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[canonical]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownURL, canonical)
	}

	if !rec.State.CanTransitionTo(state) {
		if rec.State.Reached(state) {
			return fmt.Errorf("%w: %s is already %s", ErrStateAdvanced, canonical, rec.State)
		}
		return fmt.Errorf("frontier: illegal transition %s -> %s for %s", rec.State, state, canonical)
	}

	rec.State = state
	rec.LastError = errMsg
	rec.UpdatedAt = time.Now().UTC()

	return nil
}

// Snapshot returns a deep copy of the store's state for checkpointing.
func (s *Store) Snapshot() domain.FrontierSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make(map[string]*domain.URLRecord, len(s.records))
	for url, rec := range s.records {
		clone := *rec
		records[url] = &clone
	}

	visited := make([]string, 0, len(s.visited))
	for url := range s.visited {
		visited = append(visited, url)
	}

	pending := make([]string, len(s.pending))
	copy(pending, s.pending)

	return domain.FrontierSnapshot{
		Version:       SnapshotVersion,
		StartURL:      s.cfg.StartURL,
		MaxDepth:      s.cfg.MaxDepth,
		ExcludedPaths: s.cfg.ExcludedPaths,
		StartedAt:     s.startedAt,
		Records:       records,
		Visited:       visited,
		Pending:       pending,
	}
}

// Restore re-hydrates the store from a snapshot. URLs caught mid-fetch at
// crash time (state Fetching) are presumed interrupted and re-queued.
// The configured MaxDepth applies to future discovery decisions only;
// already-admitted URLs are kept regardless.
func (s *Store) Restore(snap domain.FrontierSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*domain.URLRecord, len(snap.Records))
	s.visited = make(map[string]struct{}, len(snap.Visited))
	s.pending = nil
	s.accepted = 0
	if !snap.StartedAt.IsZero() {
		s.startedAt = snap.StartedAt
	}

	for url, rec := range snap.Records {
		clone := *rec
		s.records[url] = &clone
		if clone.State != domain.StateDiscovered {
			s.accepted++
		}
	}

	enqueued := make(map[string]struct{}, len(snap.Pending))
	for _, url := range snap.Pending {
		rec, ok := s.records[url]
		if !ok {
			continue
		}
		if _, dup := enqueued[url]; dup {
			continue
		}
		rec.State = domain.StateQueued
		s.pending = append(s.pending, url)
		enqueued[url] = struct{}{}
	}

	for _, url := range snap.Visited {
		rec, ok := s.records[url]
		if !ok {
			continue
		}
		if rec.State == domain.StateFetching {
			// Interrupted mid-fetch: back to the queue.
			rec.State = domain.StateQueued
			rec.UpdatedAt = time.Now().UTC()
			if _, dup := enqueued[url]; !dup {
				s.pending = append(s.pending, url)
				enqueued[url] = struct{}{}
			}
			continue
		}
		s.visited[url] = struct{}{}
	}
}

// Record returns a copy of the record for a URL, if known.
func (s *Store) Record(rawURL string) (domain.URLRecord, bool) {
	canonical, err := Canonicalize(rawURL)
	if err != nil {
		return domain.URLRecord{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[canonical]
	if !ok {
		return domain.URLRecord{}, false
	}
	return *rec, true
}

// PendingCount returns the number of queued URLs.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// VisitedCount returns the number of URLs that left the queue.
func (s *Store) VisitedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.visited)
}

// AcceptedCount returns the number of URLs ever admitted to the queue.
func (s *Store) AcceptedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Visited returns the sorted-insensitive list of URLs that left the queue.
func (s *Store) Visited() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.visited))
	for url := range s.visited {
		out = append(out, url)
	}
	return out
}

// Records returns copies of every record with the given states, or all
// records when no states are given.
func (s *Store) Records(states ...domain.URLState) []domain.URLRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[domain.URLState]struct{}, len(states))
	for _, st := range states {
		want[st] = struct{}{}
	}

	out := make([]domain.URLRecord, 0, len(s.records))
	for _, rec := range s.records {
		if len(want) > 0 {
			if _, ok := want[rec.State]; !ok {
				continue
			}
		}
		out = append(out, *rec)
	}
	return out
}
