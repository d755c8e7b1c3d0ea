package audit

import (
	"context"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mareiko/lifeline/backend/internal/model/event"
)

// Sink receives every state transition, dispatch attempt and failure the
// core produces. Record is fire-and-forget; the core never blocks on log
// durability except through RecordDurable, which gates call closure.
type Sink interface {
	Record(e event.Event)
	RecordDurable(ctx context.Context, e event.Event) error
}

// LogSink writes events as structured JSON lines.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink builds a sink writing one JSON event per line to w.
func NewLogSink(w io.Writer) *LogSink {
	return &LogSink{logger: zerolog.New(w)}
}

func (s *LogSink) Record(e event.Event) {
	s.write(e)
}

// RecordDurable writes the event and reports completion. The line is
// flushed to the writer before returning, which is as durable as the
// configured destination gets.
func (s *LogSink) RecordDurable(ctx context.Context, e event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.write(e)
	return nil
}

func (s *LogSink) write(e event.Event) {
	entry := s.logger.Log().
		Str("eventId", e.ID).
		Str("type", string(e.Type)).
		Str("callId", e.CallID).
		Time("at", e.At)

	if e.From != "" {
		entry = entry.Str("from", e.From)
	}
	if e.To != "" {
		entry = entry.Str("to", e.To)
	}
	if e.Action != "" {
		entry = entry.Str("action", e.Action)
	}
	if e.Attempt > 0 {
		entry = entry.Int("attempt", e.Attempt)
	}
	if e.Status != "" {
		entry = entry.Str("status", e.Status)
	}
	if e.SnapshotVersion > 0 {
		entry = entry.Int("snapshotVersion", e.SnapshotVersion)
	}
	if e.Urgency != "" {
		entry = entry.Str("urgency", e.Urgency)
	}
	if e.Category != "" {
		entry = entry.Str("category", e.Category)
	}
	if e.Reason != "" {
		entry = entry.Str("reason", e.Reason)
	}
	if e.Detail != "" {
		entry = entry.Str("detail", e.Detail)
	}
	entry.Send()
}

// MemorySink retains events in order, for tests and inspection.
type MemorySink struct {
	mu     sync.Mutex
	events []event.Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Record(e event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *MemorySink) RecordDurable(_ context.Context, e event.Event) error {
	s.Record(e)
	return nil
}

// Events returns a copy of everything recorded so far.
func (s *MemorySink) Events() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByCall filters recorded events for one call.
func (s *MemorySink) ByCall(callID string) []event.Event {
	var out []event.Event
	for _, e := range s.Events() {
		if e.CallID == callID {
			out = append(out, e)
		}
	}
	return out
}

// Count tallies events of one type for one call.
func (s *MemorySink) Count(callID string, t event.Type) int {
	n := 0
	for _, e := range s.ByCall(callID) {
		if e.Type == t {
			n++
		}
	}
	return n
}
