package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/imrishuroy/go-idempotent-workflow/internal/observability"
	"github.com/imrishuroy/go-idempotent-workflow/internal/orderrequests"
	"github.com/imrishuroy/go-idempotent-workflow/internal/queue"
	"github.com/imrishuroy/go-idempotent-workflow/internal/services"
)

// errStepOutOfOrder is returned when a step runs before its predecessor persisted progress.
// It is retried like any transient failure.
var errStepOutOfOrder = errors.New("previous step has not completed")

// CreateOrder creates the downstream order once and always moves on to CheckInventory.
// An order created by a run that loses the SaveOrderID race is canceled. A crash between the
// order service call and SaveOrderID can still leave a second order behind.
func (e *Engine) CreateOrder(ctx context.Context, id string) error {
	const step = queue.StepCreateOrder

	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status == orderrequests.StatusFailed {
		e.skipFailed(rec, step)
		return nil
	}

	if rec.OrderID == "" {
		orderID, err := e.svc.Orders.CreateOrder(ctx, rec.SKUs, rec.CustomerID)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		saved, err := e.store.SaveOrderID(ctx, id, orderID)
		if err != nil {
			return fmt.Errorf("save order id: %w", err)
		}
		if saved.OrderID == orderID {
			e.emit(ctx, observability.EventOrderCreated, saved, step, nil)
		} else {
			// another delivery won the save, or the request failed meanwhile; our order is surplus
			if saved.OrderID != "" {
				e.writeOnceConflict(ctx, saved, step, "order_id", orderID, saved.OrderID)
			}
			if err := e.svc.Orders.CancelOrder(ctx, orderID); err != nil {
				return fmt.Errorf("cancel surplus order %s: %w", orderID, err)
			}
		}
		rec = saved
	}

	if rec.Status == orderrequests.StatusFailed {
		e.skipFailed(rec, step)
		return nil
	}
	_, err = e.enqueue(ctx, queue.StepCheckInventory, id)
	return err
}

// CheckInventory reserves each SKU that has not been reserved yet, in order. The first SKU
// that is out of stock stops the loop and compensates the whole order.
func (e *Engine) CheckInventory(ctx context.Context, id string) error {
	const step = queue.StepCheckInventory

	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status == orderrequests.StatusFailed {
		e.skipFailed(rec, step)
		return nil
	}
	if rec.OrderID == "" {
		return fmt.Errorf("check inventory: %w", errStepOutOfOrder)
	}

	for _, sku := range rec.SKUs {
		done, err := e.store.HasProcessedSKU(ctx, id, sku)
		if err != nil {
			return fmt.Errorf("check processed sku %s: %w", sku, err)
		}
		if done {
			continue
		}

		err = e.svc.Skus.UpdateInventory(ctx, sku, rec.OrderID)
		switch services.Classify(err) {
		case services.FailureNone:
			updated, err := e.store.MarkSKUProcessed(ctx, id, sku)
			if err != nil {
				return fmt.Errorf("mark sku %s processed: %w", sku, err)
			}
			if updated.Status == orderrequests.StatusFailed {
				e.skipFailed(updated, step)
				return nil
			}
			e.emit(ctx, observability.EventInventoryReservedSKU, updated, step, func(ev *observability.Event) {
				ev.SKU = sku
			})
		case services.FailureOutOfInventory:
			e.emit(ctx, observability.EventOutOfInventory, rec, step, func(ev *observability.Event) {
				ev.SKU = sku
				ev.Detail = err.Error()
			})
			_, cerr := e.compensator.Compensate(ctx, rec, fmt.Sprintf("sku %s out of inventory", sku))
			return cerr
		default:
			return fmt.Errorf("reserve sku %s: %w", sku, err)
		}
	}

	before := rec.Status
	rec, err = e.store.MarkInventoryReserved(ctx, id)
	if err != nil {
		return fmt.Errorf("mark inventory reserved: %w", err)
	}
	if rec.Status == orderrequests.StatusFailed {
		e.skipFailed(rec, step)
		return nil
	}
	if before == orderrequests.StatusOrderCreated && rec.Status == orderrequests.StatusInventoryReserved {
		e.emit(ctx, observability.EventInventoryReserved, rec, step, nil)
	}

	_, err = e.enqueue(ctx, queue.StepProcessPayment, id)
	return err
}

// ProcessPayment captures payment once. A declined payment compensates the order and ends the
// workflow.
func (e *Engine) ProcessPayment(ctx context.Context, id string) error {
	const step = queue.StepProcessPayment

	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status == orderrequests.StatusFailed {
		e.skipFailed(rec, step)
		return nil
	}

	if rec.PaymentID == "" {
		if rec.Status != orderrequests.StatusInventoryReserved {
			return fmt.Errorf("process payment in status %s: %w", rec.Status, errStepOutOfOrder)
		}

		paymentID, err := e.svc.Payments.ProcessPayment(ctx, rec.OrderID, rec.PaymentMethodID)
		switch services.Classify(err) {
		case services.FailureNone:
		case services.FailurePaymentDeclined:
			e.emit(ctx, observability.EventPaymentDeclined, rec, step, func(ev *observability.Event) {
				ev.Detail = err.Error()
			})
			_, cerr := e.compensator.Compensate(ctx, rec, "payment declined")
			return cerr
		default:
			return fmt.Errorf("process payment: %w", err)
		}

		saved, err := e.store.SavePayment(ctx, id, paymentID)
		if err != nil {
			return fmt.Errorf("save payment: %w", err)
		}
		switch {
		case saved.PaymentID == paymentID:
			e.emit(ctx, observability.EventPaymentProcessed, saved, step, nil)
		case saved.PaymentID != "":
			e.writeOnceConflict(ctx, saved, step, "payment_id", paymentID, saved.PaymentID)
		}
		rec = saved
	}

	if rec.Status == orderrequests.StatusFailed {
		e.skipFailed(rec, step)
		return nil
	}
	_, err = e.enqueue(ctx, queue.StepSendConfirmation, id)
	return err
}

// SendConfirmation emails the customer and records the message id. Redelivery sends the email
// again; only the first message id is kept.
func (e *Engine) SendConfirmation(ctx context.Context, id string) error {
	const step = queue.StepSendConfirmation

	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status == orderrequests.StatusFailed {
		e.skipFailed(rec, step)
		return nil
	}
	if rec.PaymentID == "" {
		return fmt.Errorf("send confirmation: %w", errStepOutOfOrder)
	}

	customer, err := e.svc.Customers.GetCustomer(ctx, rec.CustomerID)
	if err != nil {
		return fmt.Errorf("get customer %d: %w", rec.CustomerID, err)
	}
	messageID, err := e.svc.Messages.SendOrderConfirmation(ctx, customer.Email, rec.OrderID)
	if err != nil {
		return fmt.Errorf("send order confirmation: %w", err)
	}

	saved, err := e.store.MarkEmailSent(ctx, id, messageID)
	if err != nil {
		return fmt.Errorf("mark email sent: %w", err)
	}
	if saved.Status == orderrequests.StatusFailed {
		e.skipFailed(saved, step)
		return nil
	}
	if saved.MessageID != messageID {
		e.logger.Warn().
			Str("order_request_id", id).
			Str("message_id", saved.MessageID).
			Str("resent_message_id", messageID).
			Msg("confirmation sent again; keeping first message id")
		return nil
	}
	e.emit(ctx, observability.EventConfirmationSent, saved, step, nil)
	return nil
}

func (e *Engine) skipFailed(rec *orderrequests.OrderRequest, step queue.Step) {
	e.logger.Info().
		Str("order_request_id", rec.ID).
		Str("step", string(step)).
		Msg("order request already failed; skipping")
}
