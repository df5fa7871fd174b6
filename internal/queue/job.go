// Package queue carries workflow steps between the engine and the workers.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Step names one stage of the fulfillment workflow.
type Step string

const (
	StepCreateOrder      Step = "create_order"
	StepCheckInventory   Step = "check_inventory"
	StepProcessPayment   Step = "process_payment"
	StepSendConfirmation Step = "send_confirmation"
)

// ErrUnknownStep is returned when a job names a step no handler exists for.
var ErrUnknownStep = errors.New("unknown workflow step")

// Valid reports whether s is one of the workflow steps.
func (s Step) Valid() bool {
	switch s {
	case StepCreateOrder, StepCheckInventory, StepProcessPayment, StepSendConfirmation:
		return true
	}
	return false
}

// RetryPolicy bounds how often a failing job is redelivered and how long to wait in between.
type RetryPolicy struct {
	Max         int           `json:"max"`
	BackoffBase time.Duration `json:"backoff_base"`
	BackoffMax  time.Duration `json:"backoff_max"`
}

// DefaultRetryPolicy retries three times starting at five seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Max: 3, BackoffBase: 5 * time.Second, BackoffMax: 5 * time.Minute}
}

// Backoff returns the delay before retry number attempt (1-based): BackoffBase doubled per
// attempt, capped at BackoffMax.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BackoffBase <= 0 {
		return 0
	}
	delay := p.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.BackoffMax > 0 && delay >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if p.BackoffMax > 0 && delay > p.BackoffMax {
		return p.BackoffMax
	}
	return delay
}

// Exhausted reports whether a job that failed on its deliveries-th delivery has used up
// its retries. The first delivery is not a retry, so Max retries allow Max+1 deliveries.
func (p RetryPolicy) Exhausted(deliveries int) bool {
	return deliveries > p.Max
}

// Job is the message body of one step invocation. Steps only ever receive the order
// request id and re-read everything else from the store.
type Job struct {
	Step           Step        `json:"step"`
	OrderRequestID string      `json:"order_request_id"`
	Retry          RetryPolicy `json:"retry"`
	CorrelationID  string      `json:"correlation_id,omitempty"`
	EnqueuedAt     time.Time   `json:"enqueued_at"`
}

// Encode renders the job as a message body.
func (j Job) Encode() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	return string(b), nil
}

// Decode parses and validates a message body.
func Decode(body string) (Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(body), &j); err != nil {
		return Job{}, fmt.Errorf("invalid job body: %w", err)
	}
	if !j.Step.Valid() {
		return Job{}, fmt.Errorf("%w: %q", ErrUnknownStep, j.Step)
	}
	if j.OrderRequestID == "" {
		return Job{}, errors.New("invalid job body: order_request_id is required")
	}
	return j, nil
}
