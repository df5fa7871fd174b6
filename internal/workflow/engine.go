// Package workflow runs the fulfillment steps for an order request. Each step is driven by a
// queue job that carries only the order request id, re-reads the stored state and is safe to
// run any number of times.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-idempotent-workflow/internal/observability"
	"github.com/imrishuroy/go-idempotent-workflow/internal/orderrequests"
	"github.com/imrishuroy/go-idempotent-workflow/internal/queue"
	"github.com/imrishuroy/go-idempotent-workflow/internal/services"
)

// Enqueuer publishes a job and returns its id.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) (string, error)
}

// Engine dispatches step jobs and enqueues each successor once the current step has persisted
// its progress.
type Engine struct {
	store       orderrequests.Store
	svc         services.Services
	queue       Enqueuer
	retry       queue.RetryPolicy
	sink        observability.Sink
	logger      zerolog.Logger
	compensator *Compensator
	nowFunc     func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithRetryPolicy sets the retry budget stamped on every enqueued job.
func WithRetryPolicy(p queue.RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithSink sets where workflow events go.
func WithSink(s observability.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine wires an engine. Every capability in svc is required.
func NewEngine(store orderrequests.Store, svc services.Services, q Enqueuer, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("workflow: store is required")
	}
	if q == nil {
		return nil, errors.New("workflow: queue is required")
	}
	if err := svc.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		store:   store,
		svc:     svc,
		queue:   q,
		retry:   queue.DefaultRetryPolicy(),
		logger:  zerolog.Nop(),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.sink == nil {
		e.sink = observability.NewLogSink(e.logger)
	}
	e.compensator = NewCompensator(store, svc.Orders, e.sink)
	return e, nil
}

// Start enqueues the first step for an order request and returns the job id.
func (e *Engine) Start(ctx context.Context, orderRequestID, correlationID string) (string, error) {
	return e.enqueue(withCorrelation(ctx, correlationID), queue.StepCreateOrder, orderRequestID)
}

// Run executes one delivery of job. Business failures are handled inside the step and
// return nil; any returned error should be retried by the queue unless IsPermanent says otherwise.
func (e *Engine) Run(ctx context.Context, job queue.Job) error {
	ctx = withCorrelation(ctx, job.CorrelationID)

	var err error
	switch job.Step {
	case queue.StepCreateOrder:
		err = e.CreateOrder(ctx, job.OrderRequestID)
	case queue.StepCheckInventory:
		err = e.CheckInventory(ctx, job.OrderRequestID)
	case queue.StepProcessPayment:
		err = e.ProcessPayment(ctx, job.OrderRequestID)
	case queue.StepSendConfirmation:
		err = e.SendConfirmation(ctx, job.OrderRequestID)
	default:
		return fmt.Errorf("%w: %q", queue.ErrUnknownStep, job.Step)
	}

	if errors.Is(err, orderrequests.ErrNotFound) {
		e.sink.Emit(ctx, observability.Event{
			Name:           observability.EventRequestNotFound,
			OrderRequestID: job.OrderRequestID,
			Step:           string(job.Step),
			At:             e.nowFunc().UTC(),
		})
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", job.Step, job.OrderRequestID, err)
	}
	return nil
}

// IsPermanent reports whether err can never succeed on redelivery.
func IsPermanent(err error) bool {
	return errors.Is(err, orderrequests.ErrNotFound) ||
		errors.Is(err, queue.ErrUnknownStep) ||
		errors.Is(err, orderrequests.ErrUnknownSKU)
}

func (e *Engine) enqueue(ctx context.Context, step queue.Step, orderRequestID string) (string, error) {
	jobID, err := e.queue.Enqueue(ctx, queue.Job{
		Step:           step,
		OrderRequestID: orderRequestID,
		Retry:          e.retry,
		CorrelationID:  correlationFrom(ctx),
		EnqueuedAt:     e.nowFunc().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", step, err)
	}
	e.logger.Debug().
		Str("step", string(step)).
		Str("order_request_id", orderRequestID).
		Str("job_id", jobID).
		Msg("job enqueued")
	return jobID, nil
}

func (e *Engine) emit(ctx context.Context, name string, rec *orderrequests.OrderRequest, step queue.Step, fn func(*observability.Event)) {
	ev := observability.Event{
		Name:           name,
		OrderRequestID: rec.ID,
		CustomerID:     rec.CustomerID,
		OrderID:        rec.OrderID,
		PaymentID:      rec.PaymentID,
		MessageID:      rec.MessageID,
		Step:           string(step),
		At:             e.nowFunc().UTC(),
	}
	if fn != nil {
		fn(&ev)
	}
	e.sink.Emit(ctx, ev)
}

// writeOnceConflict reports that the store kept a different value than this run produced.
// The persisted value stays authoritative.
func (e *Engine) writeOnceConflict(ctx context.Context, rec *orderrequests.OrderRequest, step queue.Step, field, attempted, persisted string) {
	e.logger.Error().
		Str("order_request_id", rec.ID).
		Str("step", string(step)).
		Str("field", field).
		Str("attempted", attempted).
		Str("persisted", persisted).
		Msg("write-once field already set to a different value")
	e.emit(ctx, observability.EventWriteOnceConflict, rec, step, func(ev *observability.Event) {
		ev.Detail = fmt.Sprintf("%s: attempted %q, kept %q", field, attempted, persisted)
	})
}

type correlationKey struct{}

func withCorrelation(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
