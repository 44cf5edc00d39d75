// Package notify carries task and negotiation events to members. Delivery is
// fire-and-forget: a failing sink never undoes the change that raised the
// event.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Kind string

const (
	TaskCreated         Kind = "task_created"
	TaskApproved        Kind = "task_approved"
	TaskRejected        Kind = "task_rejected"
	TaskPenalized       Kind = "task_penalized"
	InstanceGenerated   Kind = "instance_generated"
	NegotiationOffer    Kind = "negotiation_offer"
	NegotiationResponse Kind = "negotiation_response"
	NegotiationExpired  Kind = "negotiation_expired"
)

type Event struct {
	Kind          Kind      `json:"kind"`
	FamilyID      int64     `json:"family_id"`
	TaskID        int64     `json:"task_id,omitempty"`
	NegotiationID int64     `json:"negotiation_id,omitempty"`
	Recipients    []int64   `json:"recipients,omitempty"`
	Title         string    `json:"title"`
	Body          string    `json:"body"`
	At            time.Time `json:"at"`
}

// Sink delivers an event. Implementations may fail; callers go through
// Deliver so failures are only logged.
type Sink interface {
	Notify(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Fanout sends each event to every sink, logging individual failures.
type Fanout struct {
	sinks  []Sink
	logger *slog.Logger
}

func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, logger: logger}
}

func (f *Fanout) Notify(ctx context.Context, e Event) error {
	for _, s := range f.sinks {
		if err := s.Notify(ctx, e); err != nil {
			f.logger.Error("notification sink failed", "kind", e.Kind, "family_id", e.FamilyID, "error", err)
		}
	}
	return nil
}

// Deliver sends e through sink and logs any failure instead of returning it.
func Deliver(ctx context.Context, logger *slog.Logger, sink Sink, e Event) {
	if sink == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if err := sink.Notify(ctx, e); err != nil {
		logger.Error("notification failed", "kind", e.Kind, "task_id", e.TaskID, "error", err)
	}
}

// Recorder keeps every event in memory. It is used by tests and by the CLI
// to print what a command triggered.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds lists the kinds of the recorded events in order.
func (r *Recorder) Kinds() []Kind {
	events := r.Events()
	kinds := make([]Kind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	return kinds
}
