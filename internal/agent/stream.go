package agent

import (
	"context"
	"sync"
)

// Stream carries the events of one query from the producer to a single
// consumer. The producer calls Emit for each event and Finish exactly once
// when the query ends; the consumer ranges over Events and then calls Wait
// for the terminal error.
type Stream struct {
	events chan Event
	done   chan struct{}
	once   sync.Once
	err    error
}

// NewStream creates a Stream with the given event buffer size.
func NewStream(buffer int) *Stream {
	return &Stream{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

// Events returns the event channel. It is closed by Finish.
func (s *Stream) Events() <-chan Event { return s.events }

// Emit delivers ev to the consumer. It returns false if ctx ended first.
func (s *Stream) Emit(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Finish closes the stream and records the terminal error. Calls after the
// first are ignored. The producer must not Emit after Finish.
func (s *Stream) Finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.events)
		close(s.done)
	})
}

// Done is closed once the stream finishes.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Wait blocks until the stream finishes and returns its terminal error.
func (s *Stream) Wait() error {
	<-s.done
	return s.err
}
