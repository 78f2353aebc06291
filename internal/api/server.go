// Package api exposes the pipeline over HTTP: a status endpoint and a
// Server-Sent Events stream of pipeline events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sitemill/sitemill/internal/events"
	"github.com/sitemill/sitemill/internal/logger"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"

	heartbeatInterval = 15 * time.Second
	shutdownTimeout   = 5 * time.Second

	sseContentType = "text/event-stream"
)

// StatusSource reports the current pipeline run.
type StatusSource interface {
	Status() (runID, status string)
}

// FrontierStats reports frontier queue counters.
type FrontierStats interface {
	PendingCount() int
	VisitedCount() int
	AcceptedCount() int
}

// Server serves the HTTP API.
type Server struct {
	engine   *gin.Engine
	bus      *events.Bus
	status   StatusSource
	frontier FrontierStats
	logger   logger.Interface
}

// NewServer creates the API server and registers its routes. status and
// frontier may be nil when the pipeline is not wired in.
func NewServer(bus *events.Bus, status StatusSource, frontier FrontierStats, log logger.Interface) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:   engine,
		bus:      bus,
		status:   status,
		frontier: frontier,
		logger:   log,
	}

	engine.GET("/health", s.handleHealth)
	apiGroup := engine.Group("/api")
	{
		apiGroup.GET("/status", s.handleStatus)
		apiGroup.GET("/events", s.handleEvents)
	}

	return s
}

// Router returns the underlying handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.engine
}

// Start serves HTTP on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	s.logger.Info("API server listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown api server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// statusResponse is the /api/status payload.
type statusResponse struct {
	RunID       string          `json:"run_id,omitempty"`
	Status      string          `json:"status"`
	Frontier    *frontierCounts `json:"frontier,omitempty"`
	Subscribers int             `json:"subscribers"`
}

type frontierCounts struct {
	Pending  int `json:"pending"`
	Visited  int `json:"visited"`
	Accepted int `json:"accepted"`
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := statusResponse{
		Status:      "idle",
		Subscribers: s.bus.SubscriberCount(),
	}

	if s.status != nil {
		runID, status := s.status.Status()
		resp.RunID = runID
		if status != "" {
			resp.Status = status
		}
	}

	if s.frontier != nil {
		resp.Frontier = &frontierCounts{
			Pending:  s.frontier.PendingCount(),
			Visited:  s.frontier.VisitedCount(),
			Accepted: s.frontier.AcceptedCount(),
		}
	}

	c.JSON(http.StatusOK, resp)
}

// handleEvents streams bus events as Server-Sent Events until the client
// disconnects. A heartbeat comment keeps intermediaries from closing idle
// connections.
func (s *Server) handleEvents(c *gin.Context) {
	w := c.Writer
	w.Header().Set("Content-Type", sseContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Flush()

	ch, cancel := s.bus.Subscribe()
	defer cancel()

	s.logger.Debug("SSE client connected", "remote_addr", c.ClientIP())

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, event); err != nil {
				s.logger.Debug("SSE write failed, client likely disconnected", "error", err.Error())
				return
			}
			w.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			w.Flush()
		case <-c.Request.Context().Done():
			s.logger.Debug("SSE client disconnected")
			return
		}
	}
}

// writeEvent writes one event in SSE wire format.
func writeEvent(w gin.ResponseWriter, event events.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
