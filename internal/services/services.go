// Package services declares the external capabilities the fulfillment workflow orchestrates
// and the closed set of business failures they can report.
package services

import (
	"context"
	"errors"
)

var (
	// ErrOutOfInventory is returned by SkuService when a SKU cannot be reserved.
	ErrOutOfInventory = errors.New("out of inventory")
	// ErrPaymentDeclined is returned by PaymentService when the payment method is declined.
	ErrPaymentDeclined = errors.New("payment declined")
)

// OrderService creates and cancels downstream orders. CancelOrder must be safe to call repeatedly.
type OrderService interface {
	CreateOrder(ctx context.Context, skus []string, customerID int64) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// SkuService reserves inventory for one SKU of an order.
type SkuService interface {
	UpdateInventory(ctx context.Context, sku, orderID string) error
}

// PaymentService captures payment for an order.
type PaymentService interface {
	ProcessPayment(ctx context.Context, orderID, paymentMethodID string) (string, error)
}

// Customer is the contact information needed to confirm an order.
type Customer struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// CustomerService looks up customer contact details.
type CustomerService interface {
	GetCustomer(ctx context.Context, customerID int64) (Customer, error)
}

// MessageService sends the order confirmation and returns the provider message id.
type MessageService interface {
	SendOrderConfirmation(ctx context.Context, email, orderID string) (string, error)
}

// Services bundles the capabilities a workflow engine needs.
type Services struct {
	Orders    OrderService
	Skus      SkuService
	Payments  PaymentService
	Customers CustomerService
	Messages  MessageService
}

// Validate reports the first missing capability.
func (s Services) Validate() error {
	switch {
	case s.Orders == nil:
		return errors.New("services: order service is required")
	case s.Skus == nil:
		return errors.New("services: sku service is required")
	case s.Payments == nil:
		return errors.New("services: payment service is required")
	case s.Customers == nil:
		return errors.New("services: customer service is required")
	case s.Messages == nil:
		return errors.New("services: message service is required")
	}
	return nil
}

// FailureKind classifies the outcome of a capability call.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureOutOfInventory
	FailurePaymentDeclined
	FailureTransient
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureOutOfInventory:
		return "out_of_inventory"
	case FailurePaymentDeclined:
		return "payment_declined"
	default:
		return "transient"
	}
}

// Business reports whether the failure is a terminal business outcome rather than something
// worth retrying.
func (k FailureKind) Business() bool {
	return k == FailureOutOfInventory || k == FailurePaymentDeclined
}

// Classify maps err onto a FailureKind. Anything that is not a recognized business failure
// is transient.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrOutOfInventory):
		return FailureOutOfInventory
	case errors.Is(err, ErrPaymentDeclined):
		return FailurePaymentDeclined
	default:
		return FailureTransient
	}
}
