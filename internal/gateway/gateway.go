// Package gateway maps client idempotency keys onto order requests and starts each
// workflow at most once.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/imrishuroy/go-idempotent-workflow/internal/orderrequests"
)

// ErrIdempotencyKeyRequired is returned when a submission carries no idempotency key.
var ErrIdempotencyKeyRequired = errors.New("idempotency key is required")

// Starter enqueues the first workflow step for an order request and returns the job id.
type Starter interface {
	Start(ctx context.Context, orderRequestID, correlationID string) (string, error)
}

// Request is one inbound fulfillment request.
type Request struct {
	IdempotencyKey  string
	CustomerID      int64
	PaymentMethodID string
	SKUs            []string
	CorrelationID   string
}

// Result identifies the order request and the workflow job serving a submission.
type Result struct {
	OrderRequestID string               `json:"order_request_id"`
	JobID          string               `json:"job_id"`
	Status         orderrequests.Status `json:"status"`
}

// Gateway is the ingress side of the workflow.
type Gateway struct {
	store   orderrequests.Store
	starter Starter
	logger  zerolog.Logger
	// inflight collapses concurrent submissions of one key in this process into a single
	// record-and-start. Across processes the FIFO deduplication id and SaveJobID cover it.
	inflight singleflight.Group
}

// New returns a gateway.
func New(store orderrequests.Store, starter Starter, logger zerolog.Logger) *Gateway {
	return &Gateway{store: store, starter: starter, logger: logger}
}

// Submit records the request under its idempotency key and starts the workflow if it has not
// been started yet. Repeating a key returns the original request and job, whatever the other
// inputs are.
func (g *Gateway) Submit(ctx context.Context, req Request) (Result, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return Result{}, ErrIdempotencyKeyRequired
	}

	v, err, _ := g.inflight.Do(key, func() (any, error) {
		return g.submit(ctx, key, req)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (g *Gateway) submit(ctx context.Context, key string, req Request) (Result, error) {
	rec, err := g.store.RecordOrCreate(ctx, orderrequests.NewRequest{
		IdempotencyKey:  key,
		CustomerID:      req.CustomerID,
		PaymentMethodID: req.PaymentMethodID,
		SKUs:            req.SKUs,
	})
	if err != nil {
		return Result{}, fmt.Errorf("record order request: %w", err)
	}

	if rec.JobID == "" {
		jobID, err := g.starter.Start(ctx, rec.ID, req.CorrelationID)
		if err != nil {
			// the request stays without a job id, so a client retry starts it again
			return Result{}, fmt.Errorf("start workflow: %w", err)
		}
		saved, err := g.store.SaveJobID(ctx, rec.ID, jobID)
		if err != nil {
			return Result{}, fmt.Errorf("save job id: %w", err)
		}
		if saved.JobID != jobID {
			g.logger.Warn().
				Str("order_request_id", rec.ID).
				Str("job_id", saved.JobID).
				Str("extra_job_id", jobID).
				Msg("concurrent submission started a second job")
		}
		rec = saved
	}

	g.logger.Info().
		Str("order_request_id", rec.ID).
		Str("job_id", rec.JobID).
		Int64("customer_id", rec.CustomerID).
		Msg("order request accepted")

	return Result{OrderRequestID: rec.ID, JobID: rec.JobID, Status: rec.Status}, nil
}
