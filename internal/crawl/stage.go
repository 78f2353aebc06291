// Package crawl walks a site breadth-first from a start URL, saving page
// text and downloading linked documents, with a checkpoint after every
// completed batch.
package crawl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sitemill/sitemill/internal/archive"
	"github.com/sitemill/sitemill/internal/checkpoint"
	"github.com/sitemill/sitemill/internal/classify"
	"github.com/sitemill/sitemill/internal/domain"
	"github.com/sitemill/sitemill/internal/events"
	"github.com/sitemill/sitemill/internal/fetch"
	"github.com/sitemill/sitemill/internal/frontier"
	"github.com/sitemill/sitemill/internal/logger"
)

// RunState is the crawler's lifecycle state.
type RunState string

const (
	RunIdle      RunState = "idle"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
)

const (
	// DefaultConcurrency is the fetch worker count.
	DefaultConcurrency = 4

	// contentDirName holds saved page text under the output directory.
	contentDirName = "content"
	// ReportFileName is the per-run JSON report.
	ReportFileName = "crawl_report.json"

	dirPerm  = 0o755
	filePerm = 0o644
)

// Publisher emits pipeline events.
type Publisher interface {
	Publish(event events.Event)
}

// ArtifactMirror copies saved artifacts to remote storage.
type ArtifactMirror interface {
	Store(ctx context.Context, obj archive.Object) error
}

// Config bounds and parameterizes a crawl.
type Config struct {
	StartURL string
	// OutputDir is the root for page text, downloads and the report.
	OutputDir string
	// MaxDepth and MaxURLs are recorded in the report; the frontier
	// enforces them.
	MaxDepth int
	MaxURLs  int
	// Concurrency is the parallel fetch count; batches are sized to it.
	Concurrency int
}

// WithDefaults returns a copy with defaults applied.
func (c Config) WithDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	return c
}

// Stage is the crawler: it drains the frontier in batches, fans fetches out
// to workers, and checkpoints after every completed batch so a crash loses
// at most one batch of work.
type Stage struct {
	cfg         Config
	frontier    *frontier.Store
	classifier  *classify.Classifier
	fetcher     fetch.Fetcher
	checkpoints *checkpoint.Store
	bus         Publisher
	logger      logger.Interface

	mirror ArtifactMirror

	mu        sync.Mutex
	state     RunState
	pages     int
	downloads map[classify.Group]int
	failed    int
}

// NewStage creates a crawler stage.
func NewStage(
	cfg Config,
	store *frontier.Store,
	classifier *classify.Classifier,
	fetcher fetch.Fetcher,
	checkpoints *checkpoint.Store,
	bus Publisher,
	log logger.Interface,
) *Stage {
	return &Stage{
		cfg:         cfg.WithDefaults(),
		frontier:    store,
		classifier:  classifier,
		fetcher:     fetcher,
		checkpoints: checkpoints,
		bus:         bus,
		logger:      log,
		state:       RunIdle,
		downloads:   make(map[classify.Group]int),
	}
}

// UseMirror mirrors saved page text and downloads to remote storage.
func (s *Stage) UseMirror(m ArtifactMirror) {
	s.mirror = m
}

// State returns the crawler's lifecycle state.
func (s *Stage) State() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stage) setState(state RunState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Run crawls until the frontier drains or ctx is cancelled. Document
// downloads are emitted on out for the extraction stage; out is closed when
// the crawl ends. A cancelled or failed crawl still saves a final
// checkpoint before returning.
func (s *Stage) Run(ctx context.Context, out chan<- domain.Artifact) error {
	defer close(out)

	s.setState(RunRunning)
	started := time.Now()

	if err := os.MkdirAll(filepath.Join(s.cfg.OutputDir, contentDirName), dirPerm); err != nil {
		s.setState(RunFailed)
		return fmt.Errorf("create output dir: %w", err)
	}

	if _, err := s.frontier.Seed(); err != nil {
		s.setState(RunFailed)
		return err
	}

	runErr := s.drain(ctx, out)

	// Best-effort final snapshot even on failure or cancellation.
	if err := s.checkpoints.Save(s.frontier.Snapshot()); err != nil && runErr == nil {
		runErr = fmt.Errorf("final checkpoint: %w", err)
	}

	status := "Completed successfully"
	if runErr != nil {
		status = "Completed with errors"
		s.setState(RunFailed)
	} else {
		s.setState(RunCompleted)
	}
	s.writeReport(time.Since(started), status, runErr)

	return runErr
}

// drain processes frontier batches until empty or cancelled.
func (s *Stage) drain(ctx context.Context, out chan<- domain.Artifact) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch := s.frontier.NextBatch(s.cfg.Concurrency)
		if len(batch) == 0 {
			return nil
		}

		var wg sync.WaitGroup
		for _, rec := range batch {
			wg.Add(1)
			go func(rec domain.URLRecord) {
				defer wg.Done()
				s.process(ctx, rec, out)
			}(rec)
		}
		wg.Wait()

		// Checkpoint integrity is what resumability rests on; failing
		// to save is fatal to the run.
		if err := s.checkpoints.Save(s.frontier.Snapshot()); err != nil {
			return err
		}
	}
}

func (s *Stage) process(ctx context.Context, rec domain.URLRecord, out chan<- domain.Artifact) {
	if ctx.Err() != nil {
		return
	}

	if rec.Kind == domain.KindPage && !s.classifier.IsDownloadable(rec.URL) {
		s.processPage(ctx, rec)
		return
	}
	s.processDownload(ctx, rec, out)
}

// processPage fetches a page, saves its text and feeds discovered links to
// the frontier.
func (s *Stage) processPage(ctx context.Context, rec domain.URLRecord) {
	page, err := s.fetcher.FetchPage(ctx, rec.URL)
	if err != nil {
		s.fail(rec, err)
		return
	}

	if err := s.savePageText(ctx, rec.URL, page); err != nil {
		s.fail(rec, err)
		return
	}

	if err := s.frontier.MarkState(rec.URL, domain.StateFetched, ""); err != nil {
		s.logger.Warn("Mark fetched failed", "url", rec.URL, "error", err.Error())
	}

	s.mu.Lock()
	s.pages++
	s.mu.Unlock()

	s.bus.Publish(events.NewProgressEvent(events.ProgressPageCrawled, rec.URL))
	s.logger.Info("Page crawled", "url", rec.URL, "depth", rec.Depth, "links", len(page.Links))

	for _, link := range page.Links {
		res := s.classifier.Classify(link, "")
		if s.frontier.Discover(link, rec.Depth, res.Kind, rec.URL) {
			s.bus.Publish(events.NewProgressEvent(events.ProgressNewURL, link))
		}
	}
}

// savePageText writes the page's visible text with a title and source header.
func (s *Stage) savePageText(ctx context.Context, pageURL string, page *fetch.Page) error {
	if strings.TrimSpace(page.Text) == "" {
		return fmt.Errorf("no text content at %s", pageURL)
	}

	var sb strings.Builder
	if page.Title != "" {
		sb.WriteString("# " + page.Title + "\n\n")
	}
	sb.WriteString("**Source:** " + pageURL + "\n\n")
	sb.WriteString(page.Text)

	name := SanitizeFilename(pageURL, ".txt")
	body := []byte(sb.String())
	if err := os.WriteFile(filepath.Join(s.cfg.OutputDir, contentDirName, name), body, filePerm); err != nil {
		return err
	}

	s.mirrorArtifact(ctx, archive.Object{
		URL:         pageURL,
		Kind:        contentDirName,
		Name:        name,
		Body:        body,
		ContentType: "text/plain; charset=utf-8",
		FetchedAt:   time.Now().UTC(),
	})
	return nil
}

// mirrorArtifact copies an artifact to remote storage when a mirror is wired
// in. Mirroring is best-effort and never fails the crawl.
func (s *Stage) mirrorArtifact(ctx context.Context, obj archive.Object) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Store(ctx, obj); err != nil {
		s.logger.Warn("Artifact mirror failed", "url", obj.URL, "name", obj.Name, "error", err.Error())
	}
}

// processDownload probes a binary resource, downloads it unless already on
// disk, and hands document artifacts to the extraction stage.
func (s *Stage) processDownload(ctx context.Context, rec domain.URLRecord, out chan<- domain.Artifact) {
	contentType := ""
	if probe, err := s.fetcher.ProbeResource(ctx, rec.URL); err == nil {
		contentType = probe.ContentType
	}

	res := s.classifier.Classify(rec.URL, contentType)
	if res.Group == "" {
		s.skip(rec, fmt.Sprintf("could not determine file type for %s", rec.URL))
		return
	}

	dir := filepath.Join(s.cfg.OutputDir, string(res.Group))
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		s.fail(rec, err)
		return
	}

	name := SanitizeFilename(rec.URL, res.Ext)
	savePath := filepath.Join(dir, name)

	if _, err := os.Stat(savePath); err == nil {
		// Already materialized by a previous run.
		s.logger.Info("File already downloaded, skipping", "file", name)
		s.bus.Publish(events.NewLogEvent("info", fmt.Sprintf("File already downloaded, skipping: %s", name)))
		s.finishDownload(ctx, rec, res, savePath, out, false)
		return
	}

	dl, err := s.fetcher.FetchFile(ctx, rec.URL)
	if err != nil {
		s.fail(rec, err)
		return
	}

	if err := os.WriteFile(savePath, dl.Body, filePerm); err != nil {
		s.fail(rec, err)
		return
	}

	s.mirrorArtifact(ctx, archive.Object{
		URL:         rec.URL,
		Kind:        string(res.Group),
		Name:        name,
		Body:        dl.Body,
		ContentType: dl.ContentType,
		FetchedAt:   time.Now().UTC(),
	})

	s.bus.Publish(events.NewDownloadEvent(string(res.Group), name))
	s.logger.Info("File downloaded", "type", string(res.Group), "file", name)
	s.finishDownload(ctx, rec, res, savePath, out, true)
}

// finishDownload marks the URL fetched, counts it, and emits an artifact
// for extractable documents.
func (s *Stage) finishDownload(ctx context.Context, rec domain.URLRecord, res classify.Result, savePath string, out chan<- domain.Artifact, counted bool) {
	if err := s.frontier.MarkState(rec.URL, domain.StateFetched, ""); err != nil {
		s.logger.Warn("Mark fetched failed", "url", rec.URL, "error", err.Error())
	}

	if counted {
		s.mu.Lock()
		s.downloads[res.Group]++
		s.mu.Unlock()
	}

	if res.Group == classify.GroupPDF || res.Group == classify.GroupDoc {
		// The consumer stops reading on cancellation, so the send must not
		// outlive the context or workers wedge here.
		select {
		case out <- domain.Artifact{
			Kind:      domain.ArtifactRawDocument,
			SourceURL: rec.URL,
			Path:      savePath,
		}:
		case <-ctx.Done():
		}
	}
}

// fail contains a per-URL fetch failure: mark Failed, report, continue.
func (s *Stage) fail(rec domain.URLRecord, cause error) {
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()

	if err := s.frontier.MarkState(rec.URL, domain.StateFailed, cause.Error()); err != nil {
		s.logger.Warn("Mark failed failed", "url", rec.URL, "error", err.Error())
	}

	s.logger.Warn("URL failed", "url", rec.URL, "error", cause.Error())
	s.bus.Publish(events.NewLogEvent("warning", fmt.Sprintf("Failed %s: %v", rec.URL, cause)))
}

// skip marks a URL Skipped without counting it as a failure.
func (s *Stage) skip(rec domain.URLRecord, reason string) {
	if err := s.frontier.MarkState(rec.URL, domain.StateSkipped, reason); err != nil {
		s.logger.Warn("Mark skipped failed", "url", rec.URL, "error", err.Error())
	}
	s.logger.Warn("URL skipped", "url", rec.URL, "reason", reason)
	s.bus.Publish(events.NewLogEvent("warning", reason))
}

// Report summarizes a finished crawl.
type Report struct {
	StartURL             string         `json:"start_url"`
	Locale               string         `json:"language_pattern,omitempty"`
	MaxDepth             int            `json:"max_depth"`
	MaxURLs              int            `json:"max_urls,omitempty"`
	DurationSeconds      float64        `json:"duration_seconds"`
	TotalURLsFound       int            `json:"total_urls_found"`
	PagesProcessed       int            `json:"pages_processed"`
	FilesDownloaded      map[string]int `json:"files_downloaded"`
	TotalFilesDownloaded int            `json:"total_files_downloaded"`
	FailedURLs           int            `json:"failed_urls"`
	Status               string         `json:"status"`
	Error                string         `json:"error,omitempty"`
	VisitedPages         []string       `json:"visited_pages"`
}

// writeReport persists the per-run JSON report next to the crawl output.
func (s *Stage) writeReport(duration time.Duration, status string, runErr error) {
	visited := s.frontier.Visited()
	sort.Strings(visited)

	s.mu.Lock()
	report := Report{
		StartURL:        s.cfg.StartURL,
		Locale:          s.classifier.Locale(),
		MaxDepth:        s.cfg.MaxDepth,
		MaxURLs:         s.cfg.MaxURLs,
		DurationSeconds: duration.Seconds(),
		TotalURLsFound:  len(visited),
		PagesProcessed:  s.pages,
		FilesDownloaded: make(map[string]int, len(s.downloads)),
		FailedURLs:      s.failed,
		Status:          status,
		VisitedPages:    visited,
	}
	for group, n := range s.downloads {
		report.FilesDownloaded[string(group)] = n
		report.TotalFilesDownloaded += n
	}
	s.mu.Unlock()

	if runErr != nil {
		report.Error = runErr.Error()
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		s.logger.Error("Marshal crawl report failed", "error", err.Error())
		return
	}

	path := filepath.Join(s.cfg.OutputDir, ReportFileName)
	if err := os.WriteFile(path, data, filePerm); err != nil {
		s.logger.Error("Write crawl report failed", "path", path, "error", err.Error())
		return
	}

	s.logger.Info("Crawl report written", "path", path)
}
