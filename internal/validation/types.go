package validation

// CreateOrderRequest is the payload for POST /orders.
type CreateOrderRequest struct {
	CustomerID      int64    `json:"customer_id" validate:"required,gt=0"`
	PaymentMethodID string   `json:"payment_method_id" validate:"required,max=128"`
	SKUs            []string `json:"skus" validate:"required,min=1,max=100,dive,sku"` // reserved in this order; repeats are reserved once
	// IdempotencyKey may also arrive in the Idempotency-Key header.
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"omitempty,idempotency_key"`
}
