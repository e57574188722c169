package production

import (
	"context"
	"time"
)

// EventKind names a workflow outcome.
type EventKind string

const (
	EventValidated EventKind = "entry.validated"
	EventRejected  EventKind = "entry.rejected"
	EventReverted  EventKind = "entry.reverted"
)

// Event is emitted after every Submit and Revert.
type Event struct {
	Kind     EventKind     `json:"kind"`
	EntryID  EntryID       `json:"entry_id"`
	TenantID TenantID      `json:"tenant_id"`
	Code     Code          `json:"code,omitempty"` // failure code for rejections
	Totals   *Totals       `json:"totals,omitempty"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration_ns"`
}

// Observer receives workflow events. Implementations must not block; they
// run on the caller's goroutine after the outcome is final.
type Observer interface {
	Observe(ctx context.Context, e Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, e Event)

func (f ObserverFunc) Observe(ctx context.Context, e Event) { f(ctx, e) }
