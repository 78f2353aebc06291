// Package testutils provides hand-rolled fakes shared by package tests.
package testutils

import (
	"sync"

	"github.com/sitemill/sitemill/internal/domain"
	"github.com/sitemill/sitemill/internal/events"
)

// EventSink records published events in order.
type EventSink struct {
	mu     sync.Mutex
	events []events.Event
}

// NewEventSink creates an empty sink.
func NewEventSink() *EventSink {
	return &EventSink{}
}

// Publish implements the stage Publisher interfaces.
func (s *EventSink) Publish(event events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// Events returns a copy of everything published so far.
func (s *EventSink) Events() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByType returns the published events of one type, in publish order.
func (s *EventSink) ByType(eventType string) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// StateRecorder records MarkState calls.
type StateRecorder struct {
	mu    sync.Mutex
	calls []StateCall
	// Err, when set, is returned from every MarkState call.
	Err error
}

// StateCall is one recorded MarkState invocation.
type StateCall struct {
	URL   string
	State domain.URLState
	Error string
}

// NewStateRecorder creates an empty recorder.
func NewStateRecorder() *StateRecorder {
	return &StateRecorder{}
}

// MarkState implements the stage StateMarker interfaces.
func (r *StateRecorder) MarkState(url string, state domain.URLState, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, StateCall{URL: url, State: state, Error: errMsg})
	return r.Err
}

// Calls returns a copy of every recorded call.
func (r *StateRecorder) Calls() []StateCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StateCall, len(r.calls))
	copy(out, r.calls)
	return out
}

// States returns the recorded states for one URL, in call order.
func (r *StateRecorder) States(url string) []domain.URLState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.URLState
	for _, call := range r.calls {
		if call.URL == url {
			out = append(out, call.State)
		}
	}
	return out
}
