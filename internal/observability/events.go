// Package observability emits workflow events and builds the process logger.
package observability

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event names emitted by the workflow.
const (
	EventOrderCreated         = "order_created"
	EventInventoryReservedSKU = "inventory_reserved_sku"
	EventInventoryReserved    = "inventory_reserved"
	EventOutOfInventory       = "out_of_inventory"
	EventPaymentProcessed     = "payment_processed"
	EventPaymentDeclined      = "payment_declined"
	EventConfirmationSent     = "confirmation_sent"
	EventOrderFailed          = "order_failed"
	EventRequestNotFound      = "request_not_found"
	EventWriteOnceConflict    = "write_once_conflict"
	EventJobDeadLettered      = "job_dead_lettered"
)

// Event is one structured workflow event. Empty fields are omitted downstream.
type Event struct {
	Name           string
	OrderRequestID string
	CustomerID     int64
	OrderID        string
	PaymentID      string
	SKU            string
	MessageID      string
	Step           string
	JobID          string
	Detail         string
	At             time.Time
}

// Sink receives workflow events. Emit must not block the caller on slow backends for long
// and never fails the workflow.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// Fields adds the non-empty event keys to a zerolog event.
func (ev Event) Fields(e *zerolog.Event) *zerolog.Event {
	e = e.Str("event", ev.Name)
	if ev.OrderRequestID != "" {
		e = e.Str("order_request_id", ev.OrderRequestID)
	}
	if ev.CustomerID != 0 {
		e = e.Int64("customer_id", ev.CustomerID)
	}
	if ev.OrderID != "" {
		e = e.Str("order_id", ev.OrderID)
	}
	if ev.PaymentID != "" {
		e = e.Str("payment_id", ev.PaymentID)
	}
	if ev.SKU != "" {
		e = e.Str("sku", ev.SKU)
	}
	if ev.MessageID != "" {
		e = e.Str("message_id", ev.MessageID)
	}
	if ev.Step != "" {
		e = e.Str("step", ev.Step)
	}
	if ev.JobID != "" {
		e = e.Str("job_id", ev.JobID)
	}
	if ev.Detail != "" {
		e = e.Str("detail", ev.Detail)
	}
	return e
}

// LogSink writes events to a zerolog logger. Failure events are logged at warn level,
// integrity problems at error level.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink returns a sink writing to logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, ev Event) {
	var e *zerolog.Event
	switch ev.Name {
	case EventRequestNotFound, EventWriteOnceConflict, EventJobDeadLettered:
		e = s.logger.Error()
	case EventOutOfInventory, EventPaymentDeclined, EventOrderFailed:
		e = s.logger.Warn()
	default:
		e = s.logger.Info()
	}
	ev.Fields(e).Msg(ev.Name)
}

// Multi fans an event out to several sinks in order.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}

// Recorder keeps emitted events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(ctx context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything emitted so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events named name were emitted.
func (r *Recorder) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}
