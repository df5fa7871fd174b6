package orderrequests

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

// PostgresStore persists order requests in Postgres. Uniqueness of the idempotency key is a
// table constraint; every write-once field is set by an UPDATE guarded on the column being NULL.
type PostgresStore struct {
	db    *sql.DB
	newID func() string
}

// NewPostgresStore constructs a PostgresStore over an open pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, newID: uuid.NewString}
}

// NewPostgresStoreWithSchema initializes the schema then returns the store.
func NewPostgresStoreWithSchema(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	store := NewPostgresStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// OpenPostgres opens a pgx-backed pool and checks connectivity.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// InitSchema creates the order request tables if they do not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS order_requests (
			id TEXT PRIMARY KEY,
			idempotency_key TEXT UNIQUE NOT NULL,
			customer_id BIGINT NOT NULL,
			payment_method_id TEXT NOT NULL,
			skus JSONB NOT NULL,
			order_id TEXT,
			payment_id TEXT,
			message_id TEXT,
			job_id TEXT,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS order_request_skus (
			order_request_id TEXT NOT NULL REFERENCES order_requests(id),
			sku TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (order_request_id, sku)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

const selectRequest = `
	SELECT id, idempotency_key, customer_id, payment_method_id, skus,
		COALESCE(order_id, ''), COALESCE(payment_id, ''), COALESCE(message_id, ''), COALESCE(job_id, ''),
		status, created_at, updated_at
	FROM order_requests`

func (s *PostgresStore) RecordOrCreate(ctx context.Context, in NewRequest) (*OrderRequest, error) {
	skus, err := json.Marshal(in.SKUs)
	if err != nil {
		return nil, fmt.Errorf("marshal skus: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO order_requests (id, idempotency_key, customer_id, payment_method_id, skus, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		s.newID(), in.IdempotencyKey, in.CustomerID, in.PaymentMethodID, string(skus), string(StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("insert order request: %w", err)
	}

	rec, err := scanRequest(s.db.QueryRowContext(ctx, selectRequest+` WHERE idempotency_key = $1`, in.IdempotencyKey))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("order request missing after insert for key %q", in.IdempotencyKey)
		}
		return nil, err
	}
	if err := s.loadProcessed(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*OrderRequest, error) {
	rec, err := scanRequest(s.db.QueryRowContext(ctx, selectRequest+` WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := s.loadProcessed(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *PostgresStore) SaveOrderID(ctx context.Context, id, orderID string) (*OrderRequest, error) {
	if orderID == "" {
		return nil, ErrEmptyValue
	}
	return s.guardedUpdate(ctx, id, `
		UPDATE order_requests SET order_id = $2, status = $3, updated_at = NOW()
		WHERE id = $1 AND order_id IS NULL AND status <> $4`,
		orderID, string(StatusOrderCreated), string(StatusFailed),
	)
}

func (s *PostgresStore) MarkSKUProcessed(ctx context.Context, id, sku string) (*OrderRequest, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.HasSKU(sku) {
		return nil, fmt.Errorf("mark %q processed on %s: %w", sku, id, ErrUnknownSKU)
	}
	if rec.HasProcessedSKU(sku) || rec.Status == StatusFailed {
		return rec, nil
	}
	return s.guardedUpdate(ctx, id, `
		INSERT INTO order_request_skus (order_request_id, sku)
		SELECT id, $2 FROM order_requests WHERE id = $1 AND status <> $3
		ON CONFLICT (order_request_id, sku) DO NOTHING`,
		sku, string(StatusFailed),
	)
}

func (s *PostgresStore) HasProcessedSKU(ctx context.Context, id, sku string) (bool, error) {
	var known, processed bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM order_requests WHERE id = $1),
			EXISTS (SELECT 1 FROM order_request_skus WHERE order_request_id = $1 AND sku = $2)`,
		id, sku,
	).Scan(&known, &processed)
	if err != nil {
		return false, fmt.Errorf("check processed sku: %w", err)
	}
	if !known {
		return false, ErrNotFound
	}
	return processed, nil
}

func (s *PostgresStore) MarkInventoryReserved(ctx context.Context, id string) (*OrderRequest, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusOrderCreated {
		return rec, nil
	}
	if !rec.AllSKUsProcessed() {
		return nil, ErrInventoryIncomplete
	}
	return s.guardedUpdate(ctx, id, `
		UPDATE order_requests SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3`,
		string(StatusInventoryReserved), string(StatusOrderCreated),
	)
}

func (s *PostgresStore) SavePayment(ctx context.Context, id, paymentID string) (*OrderRequest, error) {
	if paymentID == "" {
		return nil, ErrEmptyValue
	}
	return s.guardedUpdate(ctx, id, `
		UPDATE order_requests SET payment_id = $2, status = $3, updated_at = NOW()
		WHERE id = $1 AND payment_id IS NULL AND status <> $4`,
		paymentID, string(StatusPaymentProcessed), string(StatusFailed),
	)
}

func (s *PostgresStore) MarkEmailSent(ctx context.Context, id, messageID string) (*OrderRequest, error) {
	if messageID == "" {
		return nil, ErrEmptyValue
	}
	return s.guardedUpdate(ctx, id, `
		UPDATE order_requests SET message_id = $2, status = $3, updated_at = NOW()
		WHERE id = $1 AND message_id IS NULL AND status <> $4`,
		messageID, string(StatusConfirmed), string(StatusFailed),
	)
}

func (s *PostgresStore) MarkOrderFailed(ctx context.Context, id string) (*OrderRequest, error) {
	return s.guardedUpdate(ctx, id, `
		UPDATE order_requests SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status <> $3`,
		string(StatusFailed), string(StatusConfirmed),
	)
}

func (s *PostgresStore) SaveJobID(ctx context.Context, id, jobID string) (*OrderRequest, error) {
	if jobID == "" {
		return nil, ErrEmptyValue
	}
	return s.guardedUpdate(ctx, id, `
		UPDATE order_requests SET job_id = $2, updated_at = NOW()
		WHERE id = $1 AND job_id IS NULL`,
		jobID,
	)
}

// guardedUpdate runs stmt with id as $1 followed by args, then returns the current record.
// A statement whose WHERE guard matches no row leaves the record untouched.
func (s *PostgresStore) guardedUpdate(ctx context.Context, id, stmt string, args ...any) (*OrderRequest, error) {
	if _, err := s.db.ExecContext(ctx, stmt, append([]any{id}, args...)...); err != nil {
		return nil, fmt.Errorf("update order request %s: %w", id, err)
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) loadProcessed(ctx context.Context, rec *OrderRequest) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sku FROM order_request_skus WHERE order_request_id = $1 ORDER BY created_at, sku`,
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("query processed skus: %w", err)
	}
	defer rows.Close()

	rec.ProcessedSKUs = nil
	for rows.Next() {
		var sku string
		if err := rows.Scan(&sku); err != nil {
			return fmt.Errorf("scan processed sku: %w", err)
		}
		rec.ProcessedSKUs = append(rec.ProcessedSKUs, sku)
	}
	return rows.Err()
}

func scanRequest(row *sql.Row) (*OrderRequest, error) {
	var (
		rec    OrderRequest
		skus   []byte
		status string
	)
	err := row.Scan(
		&rec.ID, &rec.IdempotencyKey, &rec.CustomerID, &rec.PaymentMethodID, &skus,
		&rec.OrderID, &rec.PaymentID, &rec.MessageID, &rec.JobID,
		&status, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan order request: %w", err)
	}
	if err := json.Unmarshal(skus, &rec.SKUs); err != nil {
		return nil, fmt.Errorf("unmarshal skus: %w", err)
	}
	rec.Status = Status(status)
	return &rec, nil
}

var _ Store = (*PostgresStore)(nil)
