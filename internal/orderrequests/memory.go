package orderrequests

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps order requests in process memory. It backs RUN_LOCAL mode and tests;
// a single mutex makes every check-then-set atomic.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]*OrderRequest
	byKey   map[string]string
	nowFunc func() time.Time
	newID   func() string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    map[string]*OrderRequest{},
		byKey:   map[string]string{},
		nowFunc: time.Now,
		newID:   uuid.NewString,
	}
}

func (s *MemoryStore) RecordOrCreate(ctx context.Context, in NewRequest) (*OrderRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[in.IdempotencyKey]; ok {
		return s.byID[id].Clone(), nil
	}

	now := s.nowFunc().UTC()
	rec := &OrderRequest{
		ID:              s.newID(),
		IdempotencyKey:  in.IdempotencyKey,
		CustomerID:      in.CustomerID,
		PaymentMethodID: in.PaymentMethodID,
		SKUs:            slices.Clone(in.SKUs),
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.byID[rec.ID] = rec
	s.byKey[in.IdempotencyKey] = rec.ID
	return rec.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*OrderRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) SaveOrderID(ctx context.Context, id, orderID string) (*OrderRequest, error) {
	if orderID == "" {
		return nil, ErrEmptyValue
	}
	return s.update(id, func(r *OrderRequest) (bool, error) {
		if r.OrderID != "" || r.Status == StatusFailed {
			return false, nil
		}
		r.OrderID = orderID
		r.Status = StatusOrderCreated
		return true, nil
	})
}

func (s *MemoryStore) MarkSKUProcessed(ctx context.Context, id, sku string) (*OrderRequest, error) {
	return s.update(id, func(r *OrderRequest) (bool, error) {
		if !r.HasSKU(sku) {
			return false, ErrUnknownSKU
		}
		if r.HasProcessedSKU(sku) || r.Status == StatusFailed {
			return false, nil
		}
		r.ProcessedSKUs = append(r.ProcessedSKUs, sku)
		return true, nil
	})
}

func (s *MemoryStore) HasProcessedSKU(ctx context.Context, id, sku string) (bool, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return rec.HasProcessedSKU(sku), nil
}

func (s *MemoryStore) MarkInventoryReserved(ctx context.Context, id string) (*OrderRequest, error) {
	return s.update(id, func(r *OrderRequest) (bool, error) {
		if r.Status != StatusOrderCreated {
			return false, nil
		}
		if !r.AllSKUsProcessed() {
			return false, ErrInventoryIncomplete
		}
		r.Status = StatusInventoryReserved
		return true, nil
	})
}

func (s *MemoryStore) SavePayment(ctx context.Context, id, paymentID string) (*OrderRequest, error) {
	if paymentID == "" {
		return nil, ErrEmptyValue
	}
	return s.update(id, func(r *OrderRequest) (bool, error) {
		if r.PaymentID != "" || r.Status == StatusFailed {
			return false, nil
		}
		r.PaymentID = paymentID
		r.Status = StatusPaymentProcessed
		return true, nil
	})
}

func (s *MemoryStore) MarkEmailSent(ctx context.Context, id, messageID string) (*OrderRequest, error) {
	if messageID == "" {
		return nil, ErrEmptyValue
	}
	return s.update(id, func(r *OrderRequest) (bool, error) {
		if r.MessageID != "" || r.Status == StatusFailed {
			return false, nil
		}
		r.MessageID = messageID
		r.Status = StatusConfirmed
		return true, nil
	})
}

func (s *MemoryStore) MarkOrderFailed(ctx context.Context, id string) (*OrderRequest, error) {
	return s.update(id, func(r *OrderRequest) (bool, error) {
		if r.Status == StatusConfirmed {
			return false, nil
		}
		r.Status = StatusFailed
		return true, nil
	})
}

func (s *MemoryStore) SaveJobID(ctx context.Context, id, jobID string) (*OrderRequest, error) {
	if jobID == "" {
		return nil, ErrEmptyValue
	}
	return s.update(id, func(r *OrderRequest) (bool, error) {
		if r.JobID != "" {
			return false, nil
		}
		r.JobID = jobID
		return true, nil
	})
}

// update applies fn to the stored record under the lock. fn reports whether it changed anything.
func (s *MemoryStore) update(id string, fn func(r *OrderRequest) (bool, error)) (*OrderRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	changed, err := fn(rec)
	if err != nil {
		return nil, err
	}
	if changed {
		rec.UpdatedAt = s.nowFunc().UTC()
	}
	return rec.Clone(), nil
}

var _ Store = (*MemoryStore)(nil)
