package orderrequests

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func storeFactories() map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"dynamodb": func() Store {
			return NewDynamoStore(newMockDynamo(), "order-requests", "order-request-keys")
		},
	}
}

func sampleRequest(key string) NewRequest {
	return NewRequest{
		IdempotencyKey:  key,
		CustomerID:      42,
		PaymentMethodID: "pm-visa",
		SKUs:            []string{"sku-a", "sku-b"},
	}
}

func TestRecordOrCreate_IsIdempotentPerKey(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := context.Background()

			first, err := s.RecordOrCreate(ctx, sampleRequest("key-1"))
			if err != nil {
				t.Fatalf("RecordOrCreate error: %v", err)
			}
			if first.Status != StatusPending {
				t.Fatalf("expected PENDING, got %s", first.Status)
			}
			if first.ID == "" {
				t.Fatalf("expected generated id")
			}

			// same key, different inputs: the original request wins
			again := sampleRequest("key-1")
			again.CustomerID = 7
			second, err := s.RecordOrCreate(ctx, again)
			if err != nil {
				t.Fatalf("second RecordOrCreate error: %v", err)
			}
			if second.ID != first.ID {
				t.Fatalf("expected same id %s, got %s", first.ID, second.ID)
			}
			if second.CustomerID != 42 {
				t.Fatalf("expected original customer id, got %d", second.CustomerID)
			}

			other, err := s.RecordOrCreate(ctx, sampleRequest("key-2"))
			if err != nil {
				t.Fatalf("RecordOrCreate key-2 error: %v", err)
			}
			if other.ID == first.ID {
				t.Fatalf("distinct keys must produce distinct requests")
			}
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			_, err := newStore().Get(context.Background(), "missing")
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestWriteOnceFields_FirstValueWins(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := context.Background()
			rec, _ := s.RecordOrCreate(ctx, sampleRequest("key-w"))

			got, err := s.SaveOrderID(ctx, rec.ID, "order-1")
			if err != nil {
				t.Fatalf("SaveOrderID error: %v", err)
			}
			if got.OrderID != "order-1" || got.Status != StatusOrderCreated {
				t.Fatalf("unexpected record after SaveOrderID: %+v", got)
			}

			got, err = s.SaveOrderID(ctx, rec.ID, "order-2")
			if err != nil {
				t.Fatalf("second SaveOrderID error: %v", err)
			}
			if got.OrderID != "order-1" {
				t.Fatalf("order id overwritten: %s", got.OrderID)
			}

			for _, sku := range rec.SKUs {
				if _, err := s.MarkSKUProcessed(ctx, rec.ID, sku); err != nil {
					t.Fatalf("MarkSKUProcessed(%s) error: %v", sku, err)
				}
			}
			got, err = s.MarkInventoryReserved(ctx, rec.ID)
			if err != nil {
				t.Fatalf("MarkInventoryReserved error: %v", err)
			}
			if got.Status != StatusInventoryReserved {
				t.Fatalf("expected INVENTORY_RESERVED, got %s", got.Status)
			}

			if _, err := s.SavePayment(ctx, rec.ID, "pay-1"); err != nil {
				t.Fatalf("SavePayment error: %v", err)
			}
			got, _ = s.SavePayment(ctx, rec.ID, "pay-2")
			if got.PaymentID != "pay-1" || got.Status != StatusPaymentProcessed {
				t.Fatalf("unexpected record after SavePayment: %+v", got)
			}

			if _, err := s.MarkEmailSent(ctx, rec.ID, "msg-1"); err != nil {
				t.Fatalf("MarkEmailSent error: %v", err)
			}
			got, _ = s.MarkEmailSent(ctx, rec.ID, "msg-2")
			if got.MessageID != "msg-1" || got.Status != StatusConfirmed {
				t.Fatalf("unexpected record after MarkEmailSent: %+v", got)
			}

			// a confirmed request can't be failed
			got, err = s.MarkOrderFailed(ctx, rec.ID)
			if err != nil {
				t.Fatalf("MarkOrderFailed error: %v", err)
			}
			if got.Status != StatusConfirmed {
				t.Fatalf("expected CONFIRMED to stick, got %s", got.Status)
			}
		})
	}
}

func TestMarkSKUProcessed(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := context.Background()
			rec, _ := s.RecordOrCreate(ctx, sampleRequest("key-sku"))

			if _, err := s.MarkSKUProcessed(ctx, rec.ID, "sku-a"); err != nil {
				t.Fatalf("MarkSKUProcessed error: %v", err)
			}
			got, err := s.MarkSKUProcessed(ctx, rec.ID, "sku-a")
			if err != nil {
				t.Fatalf("repeat MarkSKUProcessed error: %v", err)
			}
			if len(got.ProcessedSKUs) != 1 {
				t.Fatalf("expected one processed sku, got %v", got.ProcessedSKUs)
			}

			ok, err := s.HasProcessedSKU(ctx, rec.ID, "sku-a")
			if err != nil || !ok {
				t.Fatalf("expected sku-a processed, ok=%v err=%v", ok, err)
			}
			ok, _ = s.HasProcessedSKU(ctx, rec.ID, "sku-b")
			if ok {
				t.Fatalf("sku-b should not be processed")
			}

			if _, err := s.MarkSKUProcessed(ctx, rec.ID, "sku-zzz"); !errors.Is(err, ErrUnknownSKU) {
				t.Fatalf("expected ErrUnknownSKU, got %v", err)
			}
			if _, err := s.MarkSKUProcessed(ctx, "missing", "sku-a"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestMarkInventoryReserved_RequiresAllSKUs(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := context.Background()
			rec, _ := s.RecordOrCreate(ctx, sampleRequest("key-inv"))

			// before the order exists the transition is a no-op
			got, err := s.MarkInventoryReserved(ctx, rec.ID)
			if err != nil {
				t.Fatalf("MarkInventoryReserved on PENDING error: %v", err)
			}
			if got.Status != StatusPending {
				t.Fatalf("expected PENDING, got %s", got.Status)
			}

			_, _ = s.SaveOrderID(ctx, rec.ID, "order-1")
			_, _ = s.MarkSKUProcessed(ctx, rec.ID, "sku-a")
			if _, err := s.MarkInventoryReserved(ctx, rec.ID); !errors.Is(err, ErrInventoryIncomplete) {
				t.Fatalf("expected ErrInventoryIncomplete, got %v", err)
			}
		})
	}
}

func TestFailedIsTerminal(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := context.Background()
			rec, _ := s.RecordOrCreate(ctx, sampleRequest("key-fail"))

			got, err := s.MarkOrderFailed(ctx, rec.ID)
			if err != nil {
				t.Fatalf("MarkOrderFailed error: %v", err)
			}
			if got.Status != StatusFailed {
				t.Fatalf("expected FAILED, got %s", got.Status)
			}
			// idempotent
			if got, _ = s.MarkOrderFailed(ctx, rec.ID); got.Status != StatusFailed {
				t.Fatalf("expected FAILED after repeat, got %s", got.Status)
			}

			got, _ = s.SaveOrderID(ctx, rec.ID, "order-late")
			if got.OrderID != "" || got.Status != StatusFailed {
				t.Fatalf("FAILED request must not advance: %+v", got)
			}
			got, _ = s.MarkSKUProcessed(ctx, rec.ID, "sku-a")
			if len(got.ProcessedSKUs) != 0 {
				t.Fatalf("FAILED request must not record skus: %v", got.ProcessedSKUs)
			}
			got, _ = s.SavePayment(ctx, rec.ID, "pay-late")
			if got.PaymentID != "" {
				t.Fatalf("FAILED request must not record payment")
			}
			got, _ = s.MarkEmailSent(ctx, rec.ID, "msg-late")
			if got.MessageID != "" || got.Status != StatusFailed {
				t.Fatalf("FAILED request must not confirm: %+v", got)
			}
		})
	}
}

func TestSaveJobID_KeepsFirst(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := context.Background()
			rec, _ := s.RecordOrCreate(ctx, sampleRequest("key-job"))

			if _, err := s.SaveJobID(ctx, rec.ID, "job-1"); err != nil {
				t.Fatalf("SaveJobID error: %v", err)
			}
			got, _ := s.SaveJobID(ctx, rec.ID, "job-2")
			if got.JobID != "job-1" {
				t.Fatalf("expected job-1, got %s", got.JobID)
			}
			if got.Status != StatusPending {
				t.Fatalf("SaveJobID must not change status, got %s", got.Status)
			}

			if _, err := s.SaveJobID(ctx, rec.ID, ""); !errors.Is(err, ErrEmptyValue) {
				t.Fatalf("expected ErrEmptyValue, got %v", err)
			}
		})
	}
}

func TestUpdatesOnMissingRequest(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := context.Background()
			if _, err := s.SaveOrderID(ctx, "missing", "order-1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("SaveOrderID: expected ErrNotFound, got %v", err)
			}
			if _, err := s.MarkOrderFailed(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("MarkOrderFailed: expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestMemoryStore_ConcurrentRecordOrCreate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := s.RecordOrCreate(ctx, sampleRequest("same-key"))
			if err != nil {
				t.Errorf("RecordOrCreate error: %v", err)
				return
			}
			ids[i] = rec.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("expected a single request id, got %v", ids)
		}
	}
}

func TestDynamoStore_RecordOrCreate_LostRace(t *testing.T) {
	mock := newMockDynamo()
	s := NewDynamoStore(mock, "order-requests", "order-request-keys")
	ctx := context.Background()

	winner := OrderRequest{
		ID:              "winner-id",
		IdempotencyKey:  "race-key",
		CustomerID:      42,
		PaymentMethodID: "pm-visa",
		SKUs:            []string{"sku-a"},
		Status:          StatusPending,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	// the concurrent writer lands between the lookup and our transaction
	mock.failTransact = func(m *mockDynamo) {
		recMap, _ := attributevalue.MarshalMap(winner)
		idxMap, _ := attributevalue.MarshalMap(idempotencyEntry{
			IdempotencyKey: "race-key",
			OrderRequestID: winner.ID,
			CreatedAt:      winner.CreatedAt,
		})
		m.ensureTable("order-requests")[winner.ID] = recMap
		m.ensureTable("order-request-keys")["race-key"] = idxMap
	}

	got, err := s.RecordOrCreate(ctx, sampleRequest("race-key"))
	if err != nil {
		t.Fatalf("RecordOrCreate error: %v", err)
	}
	if got.ID != winner.ID {
		t.Fatalf("expected winner %s, got %s", winner.ID, got.ID)
	}
	if mock.transactCalls != 1 {
		t.Fatalf("expected one transaction, got %d", mock.transactCalls)
	}
}

func TestDynamoStore_ProcessedSKUsStoredAsStringSet(t *testing.T) {
	mock := newMockDynamo()
	s := NewDynamoStore(mock, "order-requests", "order-request-keys")
	ctx := context.Background()

	rec, _ := s.RecordOrCreate(ctx, sampleRequest("key-ss"))
	if _, err := s.MarkSKUProcessed(ctx, rec.ID, "sku-b"); err != nil {
		t.Fatalf("MarkSKUProcessed error: %v", err)
	}

	item := mock.tables["order-requests"][rec.ID]
	ss, ok := item["processed_skus"].(*types.AttributeValueMemberSS)
	if !ok {
		t.Fatalf("processed_skus not a string set: %#v", item["processed_skus"])
	}
	if len(ss.Value) != 1 || ss.Value[0] != "sku-b" {
		t.Fatalf("unexpected processed skus: %v", ss.Value)
	}
	if _, ok := item["order_id"]; ok {
		t.Fatalf("order_id should be absent until set")
	}
}

func TestStatus_CanAdvanceTo(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusOrderCreated, true},
		{StatusOrderCreated, StatusPending, false},
		{StatusOrderCreated, StatusFailed, true},
		{StatusPaymentProcessed, StatusConfirmed, true},
		{StatusConfirmed, StatusFailed, false},
		{StatusFailed, StatusOrderCreated, false},
	}
	for _, c := range cases {
		if got := c.from.CanAdvanceTo(c.to); got != c.want {
			t.Errorf("%s -> %s: got %v want %v", c.from, c.to, got, c.want)
		}
	}
}
