package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/payrail/payrail/internal/withdrawal"
)

// Event records one state transition or ledger mutation. The sink is
// append-only; the settlement engine emits exactly one event per transition.
type Event struct {
	WithdrawalID string
	FromState    withdrawal.State
	ToState      withdrawal.State
	Actor        string
	Detail       string
	At           time.Time
}

// Sink receives audit events for downstream retention. Implementations must
// tolerate being called from concurrent handlers.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// LoggerSink writes audit events to the structured logger. It stands in for
// the external audit pipeline, which is out of scope.
type LoggerSink struct {
	logger *slog.Logger
}

// NewLoggerSink constructs a logging audit sink.
func NewLoggerSink(logger *slog.Logger) *LoggerSink {
	return &LoggerSink{logger: logger}
}

// Record writes the event to the structured logger.
func (s *LoggerSink) Record(_ context.Context, event Event) error {
	if s == nil || s.logger == nil {
		return nil
	}
	s.logger.Info("audit",
		"withdrawal_id", event.WithdrawalID,
		"from", string(event.FromState),
		"to", string(event.ToState),
		"actor", event.Actor,
		"detail", event.Detail,
	)
	return nil
}

// MemorySink collects events for assertions in tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink constructs an in-memory audit sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record appends the event.
func (s *MemorySink) Record(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of everything recorded so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
