package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/imrishuroy/go-idempotent-workflow/internal/observability"
	"github.com/imrishuroy/go-idempotent-workflow/internal/orderrequests"
	"github.com/imrishuroy/go-idempotent-workflow/internal/services"
)

// Compensator undoes a partially fulfilled order: it cancels the downstream order and marks the
// request FAILED. Reserved inventory is released by the order service as part of cancellation.
type Compensator struct {
	store   orderrequests.Store
	orders  services.OrderService
	sink    observability.Sink
	nowFunc func() time.Time
}

// NewCompensator returns a compensator.
func NewCompensator(store orderrequests.Store, orders services.OrderService, sink observability.Sink) *Compensator {
	return &Compensator{store: store, orders: orders, sink: sink, nowFunc: time.Now}
}

// Compensate cancels rec's order (if one was created) and marks rec FAILED. Both calls are
// idempotent, so an error here is safe to retry.
func (c *Compensator) Compensate(ctx context.Context, rec *orderrequests.OrderRequest, reason string) (*orderrequests.OrderRequest, error) {
	if rec.OrderID != "" {
		if err := c.orders.CancelOrder(ctx, rec.OrderID); err != nil {
			return nil, fmt.Errorf("cancel order %s: %w", rec.OrderID, err)
		}
	}

	failed, err := c.store.MarkOrderFailed(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("mark order failed: %w", err)
	}

	c.sink.Emit(ctx, observability.Event{
		Name:           observability.EventOrderFailed,
		OrderRequestID: failed.ID,
		CustomerID:     failed.CustomerID,
		OrderID:        failed.OrderID,
		PaymentID:      failed.PaymentID,
		Detail:         reason,
		At:             c.nowFunc().UTC(),
	})
	return failed, nil
}
