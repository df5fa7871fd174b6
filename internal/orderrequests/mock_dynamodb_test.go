package orderrequests

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDynamo is a small in-memory DynamoDB that understands exactly the condition and update
// expressions DynamoStore issues. Items are stored per table: table -> pk -> item.
type mockDynamo struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]types.AttributeValue

	updateCalls   int
	transactCalls int
	// failTransact forces the next TransactWriteItems to be canceled, simulating a lost race.
	failTransact func(m *mockDynamo)
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{
		tables: map[string]map[string]map[string]types.AttributeValue{},
	}
}

func (m *mockDynamo) ensureTable(tbl string) map[string]map[string]types.AttributeValue {
	if _, ok := m.tables[tbl]; !ok {
		m.tables[tbl] = map[string]map[string]types.AttributeValue{}
	}
	return m.tables[tbl]
}

func primaryKey(item map[string]types.AttributeValue) (string, error) {
	if v, ok := item["id"].(*types.AttributeValueMemberS); ok {
		return v.Value, nil
	}
	if v, ok := item["idempotency_key"].(*types.AttributeValueMemberS); ok {
		return v.Value, nil
	}
	return "", errors.New("no primary key in item")
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tbl := m.ensureTable(*params.TableName)
	pk, err := primaryKey(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := tbl[pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	tbl := m.ensureTable(*params.TableName)
	pk, err := primaryKey(params.Key)
	if err != nil {
		return nil, err
	}
	item := tbl[pk]
	vals := params.ExpressionAttributeValues

	ok, err := evalCondition(*params.ConditionExpression, item, vals)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
	}

	item = copyItem(item)
	switch *params.UpdateExpression {
	case updateSaveOrderID:
		item["order_id"] = vals[":v"]
		item["status"] = vals[":next"]
	case updateSavePayment:
		item["payment_id"] = vals[":v"]
		item["status"] = vals[":next"]
	case updateMarkEmailSent:
		item["message_id"] = vals[":v"]
		item["status"] = vals[":next"]
	case updateSaveJobID:
		item["job_id"] = vals[":v"]
	case updateStatus:
		item["status"] = vals[":next"]
	case updateMarkSKU:
		add := vals[":skus"].(*types.AttributeValueMemberSS).Value
		var cur []string
		if ss, ok := item["processed_skus"].(*types.AttributeValueMemberSS); ok {
			cur = slices.Clone(ss.Value)
		}
		for _, s := range add {
			if !slices.Contains(cur, s) {
				cur = append(cur, s)
			}
		}
		item["processed_skus"] = &types.AttributeValueMemberSS{Value: cur}
	default:
		return nil, fmt.Errorf("mock: unsupported update expression %q", *params.UpdateExpression)
	}
	item["updated_at"] = vals[":ua"]
	tbl[pk] = item
	return &dyn.UpdateItemOutput{Attributes: copyItem(item)}, nil
}

func (m *mockDynamo) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactCalls++
	if m.failTransact != nil {
		hook := m.failTransact
		m.failTransact = nil
		hook(m)
		return nil, &types.TransactionCanceledException{}
	}
	for _, it := range params.TransactItems {
		if p := it.Put; p != nil {
			pk, err := primaryKey(p.Item)
			if err != nil {
				return nil, err
			}
			if _, exists := m.ensureTable(*p.TableName)[pk]; exists && p.ConditionExpression != nil {
				return nil, &types.TransactionCanceledException{}
			}
		}
	}
	for _, it := range params.TransactItems {
		if p := it.Put; p != nil {
			pk, _ := primaryKey(p.Item)
			m.ensureTable(*p.TableName)[pk] = p.Item
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func evalCondition(cond string, item, vals map[string]types.AttributeValue) (bool, error) {
	if item == nil {
		return false, nil
	}
	status := sValue(item["status"])
	_, hasOrder := item["order_id"]
	_, hasPayment := item["payment_id"]
	_, hasMessage := item["message_id"]
	_, hasJob := item["job_id"]

	switch cond {
	case condSaveOrderID:
		return !hasOrder && status != sValue(vals[":failed"]), nil
	case condSavePayment:
		return !hasPayment && status != sValue(vals[":failed"]), nil
	case condMarkEmailSent:
		return !hasMessage && status != sValue(vals[":failed"]), nil
	case condSaveJobID:
		return !hasJob, nil
	case condInventoryReserved:
		return status == sValue(vals[":expected"]), nil
	case condMarkFailed:
		return status != sValue(vals[":confirmed"]), nil
	case condMarkSKU:
		skus, _ := item["skus"].(*types.AttributeValueMemberL)
		want := sValue(vals[":sku"])
		found := false
		if skus != nil {
			for _, v := range skus.Value {
				if sValue(v) == want {
					found = true
				}
			}
		}
		return status != sValue(vals[":failed"]) && found, nil
	}
	return false, fmt.Errorf("mock: unsupported condition %q", cond)
}

func sValue(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func strPtr(s string) *string { return &s }
