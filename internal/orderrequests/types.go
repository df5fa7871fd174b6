package orderrequests

import (
	"context"
	"errors"
	"slices"
	"time"
)

// Status is the fulfillment progress of an OrderRequest.
type Status string

// Order request statuses, in workflow order. FAILED may follow any non-terminal status.
const (
	StatusPending           Status = "PENDING"
	StatusOrderCreated      Status = "ORDER_CREATED"
	StatusInventoryReserved Status = "INVENTORY_RESERVED"
	StatusPaymentProcessed  Status = "PAYMENT_PROCESSED"
	StatusConfirmed         Status = "CONFIRMED"
	StatusFailed            Status = "FAILED"
)

var statusRank = map[Status]int{
	StatusPending:           0,
	StatusOrderCreated:      1,
	StatusInventoryReserved: 2,
	StatusPaymentProcessed:  3,
	StatusConfirmed:         4,
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// CanAdvanceTo reports whether moving from s to next keeps the status machine monotonic.
func (s Status) CanAdvanceTo(next Status) bool {
	if s.Terminal() {
		return s == next && s == StatusFailed
	}
	if next == StatusFailed {
		return true
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	return ok && to > from
}

var (
	// ErrNotFound is returned when no order request exists for an id.
	ErrNotFound = errors.New("order request not found")
	// ErrUnknownSKU is returned when a SKU outside the request's SKU list is marked processed.
	ErrUnknownSKU = errors.New("sku is not part of the order request")
	// ErrEmptyValue is returned when a write-once field would be set to the empty string.
	ErrEmptyValue = errors.New("write-once value must not be empty")
	// ErrInventoryIncomplete is returned when inventory is marked reserved before every SKU is processed.
	ErrInventoryIncomplete = errors.New("not every sku has been reserved")
)

// OrderRequest is the persisted record of one fulfillment attempt.
// Empty strings stand for unset write-once fields.
type OrderRequest struct {
	ID              string    `dynamodbav:"id" json:"id"` // PK
	IdempotencyKey  string    `dynamodbav:"idempotency_key" json:"idempotency_key"`
	CustomerID      int64     `dynamodbav:"customer_id" json:"customer_id"`
	PaymentMethodID string    `dynamodbav:"payment_method_id" json:"payment_method_id"`
	SKUs            []string  `dynamodbav:"skus" json:"skus"`
	OrderID         string    `dynamodbav:"order_id,omitempty" json:"order_id,omitempty"`
	ProcessedSKUs   []string  `dynamodbav:"processed_skus,stringset,omitempty" json:"processed_skus"`
	PaymentID       string    `dynamodbav:"payment_id,omitempty" json:"payment_id,omitempty"`
	MessageID       string    `dynamodbav:"message_id,omitempty" json:"message_id,omitempty"`
	JobID           string    `dynamodbav:"job_id,omitempty" json:"job_id,omitempty"`
	Status          Status    `dynamodbav:"status" json:"status"`
	CreatedAt       time.Time `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt       time.Time `dynamodbav:"updated_at" json:"updated_at"`
}

// NewRequest carries the immutable inputs of an order request.
type NewRequest struct {
	IdempotencyKey  string
	CustomerID      int64
	PaymentMethodID string
	SKUs            []string
}

// HasSKU reports whether sku is one of the requested SKUs.
func (r *OrderRequest) HasSKU(sku string) bool {
	return slices.Contains(r.SKUs, sku)
}

// HasProcessedSKU reports whether sku has already been reserved.
func (r *OrderRequest) HasProcessedSKU(sku string) bool {
	return slices.Contains(r.ProcessedSKUs, sku)
}

// AllSKUsProcessed reports whether every requested SKU has been reserved.
func (r *OrderRequest) AllSKUsProcessed() bool {
	for _, sku := range r.SKUs {
		if !r.HasProcessedSKU(sku) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so callers never share slices with a store.
func (r *OrderRequest) Clone() *OrderRequest {
	out := *r
	out.SKUs = slices.Clone(r.SKUs)
	out.ProcessedSKUs = slices.Clone(r.ProcessedSKUs)
	return &out
}

// Store is the durable, keyed record of order requests. Every mutation is an atomic
// conditional update; a mutation whose guard does not hold returns the current record unchanged.
type Store interface {
	RecordOrCreate(ctx context.Context, in NewRequest) (*OrderRequest, error)
	Get(ctx context.Context, id string) (*OrderRequest, error)
	SaveOrderID(ctx context.Context, id, orderID string) (*OrderRequest, error)
	MarkSKUProcessed(ctx context.Context, id, sku string) (*OrderRequest, error)
	HasProcessedSKU(ctx context.Context, id, sku string) (bool, error)
	MarkInventoryReserved(ctx context.Context, id string) (*OrderRequest, error)
	SavePayment(ctx context.Context, id, paymentID string) (*OrderRequest, error)
	MarkEmailSent(ctx context.Context, id, messageID string) (*OrderRequest, error)
	MarkOrderFailed(ctx context.Context, id string) (*OrderRequest, error)
	SaveJobID(ctx context.Context, id, jobID string) (*OrderRequest, error)
}
