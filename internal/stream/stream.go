// Package stream fan-outs tracked-state change events to subscribers,
// typically SSE clients watching for timers and extraction updates.
package stream

import (
	"context"
	"sync"
	"time"

	"moonwatch.org/internal/tracker"
)

// EventType names what changed.
type EventType string

const (
	StructureStateChanged EventType = "structure_state_changed"
	StructureRetired      EventType = "structure_retired"
	ExtractionScheduled   EventType = "extraction_scheduled"
	ExtractionCompleted   EventType = "extraction_completed"
)

// Event is one observed change. Exactly one of Structure/Extraction is
// set, depending on the type.
type Event struct {
	Type       EventType           `json:"type"`
	Structure  *tracker.Structure  `json:"structure,omitempty"`
	Extraction *tracker.Extraction `json:"extraction,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
}

// Stream fan-outs events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will
// receive events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// PublishStructure emits a structure change event.
func (s *Stream) PublishStructure(t EventType, st tracker.Structure, at time.Time) {
	s.Publish(Event{Type: t, Structure: &st, Timestamp: at})
}

// PublishExtraction emits an extraction change event.
func (s *Stream) PublishExtraction(t EventType, x tracker.Extraction, at time.Time) {
	s.Publish(Event{Type: t, Extraction: &x, Timestamp: at})
}
