package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitemill/sitemill/internal/events"
	"github.com/sitemill/sitemill/internal/logger"
)

type fakeStatus struct {
	runID  string
	status string
}

func (f *fakeStatus) Status() (string, string) { return f.runID, f.status }

type fakeFrontier struct {
	pending, visited, accepted int
}

func (f *fakeFrontier) PendingCount() int  { return f.pending }
func (f *fakeFrontier) VisitedCount() int  { return f.visited }
func (f *fakeFrontier) AcceptedCount() int { return f.accepted }

func TestServer_Health(t *testing.T) {
	bus := events.NewBus(logger.NewNoOp())
	s := NewServer(bus, nil, nil, logger.NewNoOp())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_Status(t *testing.T) {
	bus := events.NewBus(logger.NewNoOp())
	s := NewServer(
		bus,
		&fakeStatus{runID: "run-1", status: "running"},
		&fakeFrontier{pending: 2, visited: 5, accepted: 7},
		logger.NewNoOp(),
	)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, "running", resp.Status)
	require.NotNil(t, resp.Frontier)
	assert.Equal(t, 2, resp.Frontier.Pending)
	assert.Equal(t, 5, resp.Frontier.Visited)
	assert.Equal(t, 7, resp.Frontier.Accepted)
}

func TestServer_StatusIdleWithoutPipeline(t *testing.T) {
	bus := events.NewBus(logger.NewNoOp())
	s := NewServer(bus, nil, nil, logger.NewNoOp())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	s.Router().ServeHTTP(rec, req)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "idle", resp.Status)
	assert.Nil(t, resp.Frontier)
}

func TestServer_EventStream(t *testing.T) {
	bus := events.NewBus(logger.NewNoOp())
	s := NewServer(bus, nil, nil, logger.NewNoOp())

	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, sseContentType, resp.Header.Get("Content-Type"))

	// Wait for the handler to register its subscription before publishing.
	require.Eventually(t, func() bool {
		return bus.SubscriberCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	bus.Publish(events.NewLogEvent("info", "crawl started"))

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = line
		case strings.HasPrefix(line, "data: "):
			dataLine = line
		}
		if eventLine != "" && dataLine != "" {
			break
		}
	}

	assert.Equal(t, "event: log", eventLine)

	var got events.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &got))
	assert.Equal(t, events.TypeLog, got.Type)

	payload, err := json.Marshal(got.Data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"level":"info","message":"crawl started"}`, string(payload))
}

func TestServer_EventStreamClientDisconnect(t *testing.T) {
	bus := events.NewBus(logger.NewNoOp())
	s := NewServer(bus, nil, nil, logger.NewNoOp())

	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Eventually(t, func() bool {
		return bus.SubscriberCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	// The handler unsubscribes once the request context ends.
	require.Eventually(t, func() bool {
		return bus.SubscriberCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
