package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type mockSQS struct {
	mu          sync.Mutex
	sent        []*sqs.SendMessageInput
	visibility  []*sqs.ChangeMessageVisibilityInput
	sendErr     error
	nextMessage int
}

func (m *mockSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, in)
	m.nextMessage++
	id := "msg-" + string(rune('0'+m.nextMessage))
	return &sqs.SendMessageOutput{MessageId: &id}, nil
}

func (m *mockSQS) ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.visibility = append(m.visibility, in)
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{Max: 3, BackoffBase: 5 * time.Second, BackoffMax: 30 * time.Second}
	cases := map[int]time.Duration{
		0: 0,
		1: 5 * time.Second,
		2: 10 * time.Second,
		3: 20 * time.Second,
		4: 30 * time.Second,
		9: 30 * time.Second,
	}
	for attempt, want := range cases {
		if got := p.Backoff(attempt); got != want {
			t.Errorf("Backoff(%d) = %s, want %s", attempt, got, want)
		}
	}
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.Exhausted(1) || p.Exhausted(3) {
		t.Fatalf("should not be exhausted within budget")
	}
	if !p.Exhausted(4) {
		t.Fatalf("fourth failed delivery exhausts three retries")
	}
}

func TestDecode(t *testing.T) {
	body, err := Job{Step: StepCheckInventory, OrderRequestID: "req-1", Retry: DefaultRetryPolicy()}.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	job, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if job.Step != StepCheckInventory || job.OrderRequestID != "req-1" || job.Retry.Max != 3 {
		t.Fatalf("unexpected job: %+v", job)
	}

	if _, err := Decode(`{"step":"refund","order_request_id":"req-1"}`); !errors.Is(err, ErrUnknownStep) {
		t.Fatalf("expected ErrUnknownStep, got %v", err)
	}
	if _, err := Decode(`{"step":"create_order"}`); err == nil {
		t.Fatalf("expected missing id error")
	}
	if _, err := Decode(`not json`); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestSQSQueue_Enqueue(t *testing.T) {
	mock := &mockSQS{}
	q := NewSQSQueue(mock, "https://sqs.us-east-1.amazonaws.com/123/workflow")

	id, err := q.Enqueue(context.Background(), Job{Step: StepCreateOrder, OrderRequestID: "req-1", Retry: DefaultRetryPolicy()})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id != "msg-1" {
		t.Fatalf("expected message id as job id, got %s", id)
	}
	in := mock.sent[0]
	if *in.MessageAttributes["step"].StringValue != "create_order" {
		t.Fatalf("missing step attribute: %+v", in.MessageAttributes)
	}
	if in.MessageGroupId != nil {
		t.Fatalf("standard queue must not set a message group")
	}
	job, err := Decode(*in.MessageBody)
	if err != nil {
		t.Fatalf("body does not decode: %v", err)
	}
	if job.EnqueuedAt.IsZero() {
		t.Fatalf("expected enqueue time to be stamped")
	}
}

func TestSQSQueue_FIFODeduplication(t *testing.T) {
	mock := &mockSQS{}
	q := NewSQSQueue(mock, "https://sqs.us-east-1.amazonaws.com/123/workflow.fifo")

	_, err := q.Enqueue(context.Background(), Job{Step: StepProcessPayment, OrderRequestID: "req-9"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	in := mock.sent[0]
	if in.MessageGroupId == nil || *in.MessageGroupId != "req-9" {
		t.Fatalf("expected group per order request")
	}
	if in.MessageDeduplicationId == nil || *in.MessageDeduplicationId != "req-9:process_payment" {
		t.Fatalf("unexpected dedup id: %v", in.MessageDeduplicationId)
	}
}

func TestSQSQueue_EnqueueError(t *testing.T) {
	mock := &mockSQS{sendErr: errors.New("throttled")}
	q := NewSQSQueue(mock, "https://sqs.us-east-1.amazonaws.com/123/workflow")
	if _, err := q.Enqueue(context.Background(), Job{Step: StepCreateOrder, OrderRequestID: "req-1"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSQSQueue_DelayAndForward(t *testing.T) {
	mock := &mockSQS{}
	q := NewSQSQueue(mock, "https://sqs.us-east-1.amazonaws.com/123/workflow")
	ctx := context.Background()

	if err := q.Delay(ctx, "rh-1", 20*time.Second); err != nil {
		t.Fatalf("Delay: %v", err)
	}
	if err := q.Delay(ctx, "rh-2", 48*time.Hour); err != nil {
		t.Fatalf("Delay: %v", err)
	}
	if mock.visibility[0].VisibilityTimeout != 20 {
		t.Fatalf("unexpected visibility: %d", mock.visibility[0].VisibilityTimeout)
	}
	if mock.visibility[1].VisibilityTimeout != 43200 {
		t.Fatalf("expected clamp to 12h, got %d", mock.visibility[1].VisibilityTimeout)
	}

	if err := q.Forward(ctx, `{"step":"create_order"}`, "retries exhausted"); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if *mock.sent[0].MessageAttributes["dead_letter_reason"].StringValue != "retries exhausted" {
		t.Fatalf("missing dead letter reason")
	}
}

func TestMemoryQueue_RetriesThenDeadLetters(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, Job{Step: StepCreateOrder, OrderRequestID: "req-1", Retry: RetryPolicy{Max: 2}})

	calls := 0
	n := q.Drain(ctx, func(ctx context.Context, job Job) error {
		calls++
		return errors.New("still down")
	})
	if n != 3 || calls != 3 {
		t.Fatalf("expected 3 deliveries (1 + 2 retries), got %d", n)
	}
	dead := q.Dead()
	if len(dead) != 1 || dead[0].Attempt != 3 {
		t.Fatalf("unexpected dead letters: %+v", dead)
	}
	if q.Pending() != 0 {
		t.Fatalf("expected empty queue")
	}
}

func TestMemoryQueue_DrainFollowsChain(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, Job{Step: StepCreateOrder, OrderRequestID: "req-1"})
	q.Drain(ctx, func(ctx context.Context, job Job) error {
		if job.Step == StepCreateOrder {
			_, err := q.Enqueue(ctx, Job{Step: StepCheckInventory, OrderRequestID: job.OrderRequestID})
			return err
		}
		return nil
	})
	if q.CountStep("req-1", StepCheckInventory) != 1 {
		t.Fatalf("expected chained job, history: %+v", q.Enqueued())
	}
}

func TestMemoryQueue_RunStopsOnCancel(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())

	handled := make(chan string, 1)
	done := make(chan struct{})
	go func() {
		q.Run(ctx, func(ctx context.Context, job Job) error {
			handled <- job.OrderRequestID
			return nil
		})
		close(done)
	}()

	_, _ = q.Enqueue(ctx, Job{Step: StepCreateOrder, OrderRequestID: "req-run"})
	select {
	case id := <-handled:
		if id != "req-run" {
			t.Fatalf("unexpected job %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("job not delivered")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}
