package orderrequests

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/imrishuroy/go-idempotent-workflow/internal/aws"
)

// idempotencyEntry maps a client idempotency key to the order request it created.
type idempotencyEntry struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key"` // PK
	OrderRequestID string    `dynamodbav:"order_request_id"`
	CreatedAt      time.Time `dynamodbav:"created_at"`
}

// Update and condition expressions for the write-once fields. Every condition starts with
// attribute_exists(id) so that updating a missing record fails instead of creating one.
const (
	condCreateIndex   = "attribute_not_exists(idempotency_key)"
	condCreateRequest = "attribute_not_exists(id)"

	// updateStatus moves the status alone; used by MarkInventoryReserved and MarkOrderFailed.
	updateStatus = "SET #s = :next, updated_at = :ua"

	updateSaveOrderID = "SET order_id = :v, #s = :next, updated_at = :ua"
	condSaveOrderID   = "attribute_exists(id) AND attribute_not_exists(order_id) AND #s <> :failed"

	updateMarkSKU = "ADD processed_skus :skus SET updated_at = :ua"
	condMarkSKU   = "attribute_exists(id) AND #s <> :failed AND contains(skus, :sku)"

	condInventoryReserved = "attribute_exists(id) AND #s = :expected"

	updateSavePayment = "SET payment_id = :v, #s = :next, updated_at = :ua"
	condSavePayment   = "attribute_exists(id) AND attribute_not_exists(payment_id) AND #s <> :failed"

	updateMarkEmailSent = "SET message_id = :v, #s = :next, updated_at = :ua"
	condMarkEmailSent   = "attribute_exists(id) AND attribute_not_exists(message_id) AND #s <> :failed"

	condMarkFailed = "attribute_exists(id) AND #s <> :confirmed"

	updateSaveJobID = "SET job_id = :v, updated_at = :ua"
	condSaveJobID   = "attribute_exists(id) AND attribute_not_exists(job_id)"
)

// DynamoStore persists order requests in DynamoDB. The order requests table is keyed by id;
// the idempotency table maps idempotency_key -> order_request_id and is never expired, so a
// key resolves to the same request for the lifetime of the record.
type DynamoStore struct {
	client           aws.DynamoDBAPI
	tableName        string
	idempotencyTable string
	nowFunc          func() time.Time
	newID            func() string
}

// NewDynamoStore returns a store over the given tables.
func NewDynamoStore(client aws.DynamoDBAPI, tableName, idempotencyTable string) *DynamoStore {
	return &DynamoStore{
		client:           client,
		tableName:        tableName,
		idempotencyTable: idempotencyTable,
		nowFunc:          time.Now,
		newID:            uuid.NewString,
	}
}

// RecordOrCreate returns the request already recorded for the idempotency key, or atomically
// writes a new PENDING request together with its idempotency entry.
func (s *DynamoStore) RecordOrCreate(ctx context.Context, in NewRequest) (*OrderRequest, error) {
	existing, err := s.lookupKey(ctx, in.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != "" {
		return s.Get(ctx, existing)
	}

	now := s.nowFunc().UTC()
	rec := OrderRequest{
		ID:              s.newID(),
		IdempotencyKey:  in.IdempotencyKey,
		CustomerID:      in.CustomerID,
		PaymentMethodID: in.PaymentMethodID,
		SKUs:            slices.Clone(in.SKUs),
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	recMap, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal order request: %w", err)
	}
	idxMap, err := attributevalue.MarshalMap(idempotencyEntry{
		IdempotencyKey: in.IdempotencyKey,
		OrderRequestID: rec.ID,
		CreatedAt:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal idempotency entry: %w", err)
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           &s.idempotencyTable,
					Item:                idxMap,
					ConditionExpression: aws.String(condCreateIndex),
				},
			},
			{
				Put: &types.Put{
					TableName:           &s.tableName,
					Item:                recMap,
					ConditionExpression: aws.String(condCreateRequest),
				},
			},
		},
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if !errors.As(err, &tce) {
			return nil, fmt.Errorf("transact write: %w", err)
		}
		// A concurrent request with the same key won the race.
		winner, lerr := s.lookupKey(ctx, in.IdempotencyKey)
		if lerr != nil {
			return nil, lerr
		}
		if winner == "" {
			return nil, fmt.Errorf("transaction canceled without idempotency entry: %w", err)
		}
		return s.Get(ctx, winner)
	}
	return &rec, nil
}

// Get fetches an order request by id. Returns ErrNotFound if absent.
func (s *DynamoStore) Get(ctx context.Context, id string) (*OrderRequest, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            requestKey(id),
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	var rec OrderRequest
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal order request: %w", err)
	}
	return &rec, nil
}

func (s *DynamoStore) SaveOrderID(ctx context.Context, id, orderID string) (*OrderRequest, error) {
	if orderID == "" {
		return nil, ErrEmptyValue
	}
	return s.conditionalUpdate(ctx, id, updateSaveOrderID, condSaveOrderID, map[string]types.AttributeValue{
		":v":      &types.AttributeValueMemberS{Value: orderID},
		":next":   statusValue(StatusOrderCreated),
		":failed": statusValue(StatusFailed),
	})
}

func (s *DynamoStore) MarkSKUProcessed(ctx context.Context, id, sku string) (*OrderRequest, error) {
	rec, err := s.conditionalUpdate(ctx, id, updateMarkSKU, condMarkSKU, map[string]types.AttributeValue{
		":skus":   &types.AttributeValueMemberSS{Value: []string{sku}},
		":sku":    &types.AttributeValueMemberS{Value: sku},
		":failed": statusValue(StatusFailed),
	})
	if err != nil {
		return nil, err
	}
	if !rec.HasSKU(sku) {
		return nil, fmt.Errorf("mark %q processed on %s: %w", sku, id, ErrUnknownSKU)
	}
	return rec, nil
}

func (s *DynamoStore) HasProcessedSKU(ctx context.Context, id, sku string) (bool, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return rec.HasProcessedSKU(sku), nil
}

func (s *DynamoStore) MarkInventoryReserved(ctx context.Context, id string) (*OrderRequest, error) {
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
	return s.conditionalUpdate(ctx, id, updateStatus, condInventoryReserved, map[string]types.AttributeValue{
		":next":     statusValue(StatusInventoryReserved),
		":expected": statusValue(StatusOrderCreated),
	})
}

func (s *DynamoStore) SavePayment(ctx context.Context, id, paymentID string) (*OrderRequest, error) {
	if paymentID == "" {
		return nil, ErrEmptyValue
	}
	return s.conditionalUpdate(ctx, id, updateSavePayment, condSavePayment, map[string]types.AttributeValue{
		":v":      &types.AttributeValueMemberS{Value: paymentID},
		":next":   statusValue(StatusPaymentProcessed),
		":failed": statusValue(StatusFailed),
	})
}

func (s *DynamoStore) MarkEmailSent(ctx context.Context, id, messageID string) (*OrderRequest, error) {
	if messageID == "" {
		return nil, ErrEmptyValue
	}
	return s.conditionalUpdate(ctx, id, updateMarkEmailSent, condMarkEmailSent, map[string]types.AttributeValue{
		":v":      &types.AttributeValueMemberS{Value: messageID},
		":next":   statusValue(StatusConfirmed),
		":failed": statusValue(StatusFailed),
	})
}

func (s *DynamoStore) MarkOrderFailed(ctx context.Context, id string) (*OrderRequest, error) {
	return s.conditionalUpdate(ctx, id, updateStatus, condMarkFailed, map[string]types.AttributeValue{
		":next":      statusValue(StatusFailed),
		":confirmed": statusValue(StatusConfirmed),
	})
}

func (s *DynamoStore) SaveJobID(ctx context.Context, id, jobID string) (*OrderRequest, error) {
	if jobID == "" {
		return nil, ErrEmptyValue
	}
	return s.conditionalUpdate(ctx, id, updateSaveJobID, condSaveJobID, map[string]types.AttributeValue{
		":v": &types.AttributeValueMemberS{Value: jobID},
	})
}

// conditionalUpdate applies update when cond holds and returns the new record. When cond does
// not hold the write is a no-op and the current record is returned (ErrNotFound if missing).
func (s *DynamoStore) conditionalUpdate(ctx context.Context, id, update, cond string, values map[string]types.AttributeValue) (*OrderRequest, error) {
	values[":ua"] = &types.AttributeValueMemberS{Value: s.nowFunc().UTC().Format(time.RFC3339Nano)}

	input := &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       requestKey(id),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	}
	if usesStatusName(update, cond) {
		input.ExpressionAttributeNames = map[string]string{"#s": "status"}
	}

	out, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		if isConditionalCheckFailed(err) {
			return s.Get(ctx, id)
		}
		return nil, fmt.Errorf("update item: %w", err)
	}

	var rec OrderRequest
	if err := attributevalue.UnmarshalMap(out.Attributes, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal order request: %w", err)
	}
	return &rec, nil
}

// lookupKey returns the order request id recorded for key, or "" when the key is new.
func (s *DynamoStore) lookupKey(ctx context.Context, key string) (string, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.idempotencyTable,
		Key: map[string]types.AttributeValue{
			"idempotency_key": &types.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return "", fmt.Errorf("get idempotency entry: %w", err)
	}
	if len(out.Item) == 0 {
		return "", nil
	}
	var entry idempotencyEntry
	if err := attributevalue.UnmarshalMap(out.Item, &entry); err != nil {
		return "", fmt.Errorf("unmarshal idempotency entry: %w", err)
	}
	return entry.OrderRequestID, nil
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

func usesStatusName(exprs ...string) bool {
	for _, e := range exprs {
		if strings.Contains(e, "#s") {
			return true
		}
	}
	return false
}

func requestKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

func statusValue(s Status) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: string(s)}
}

func boolPtr(b bool) *bool { return &b }

var _ Store = (*DynamoStore)(nil)
