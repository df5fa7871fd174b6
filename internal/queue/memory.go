package queue

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler executes one delivery of a job.
type Handler func(ctx context.Context, job Job) error

// Delivery is a job waiting in, or dead-lettered from, a MemoryQueue.
type Delivery struct {
	ID      string
	Job     Job
	Attempt int
	Err     error
}

// MemoryQueue is an in-process at-least-once queue used for local runs and tests.
// Failed deliveries are requeued until the job's retry policy is exhausted; backoff is not
// simulated.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  []Delivery
	dead     []Delivery
	history  []Job
	notify   chan struct{}
	nowFunc  func() time.Time
	newJobID func() string
}

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		notify:   make(chan struct{}, 1),
		nowFunc:  time.Now,
		newJobID: uuid.NewString,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) (string, error) {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.nowFunc().UTC()
	}
	q.mu.Lock()
	id := q.newJobID()
	q.pending = append(q.pending, Delivery{ID: id, Job: job, Attempt: 1})
	q.history = append(q.history, job)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return id, nil
}

// Redeliver puts a copy of an already delivered job back on the queue, as a broker does
// after a worker crash or visibility timeout.
func (q *MemoryQueue) Redeliver(d Delivery) {
	q.mu.Lock()
	defer q.mu.Unlock()
	d.Attempt++
	q.pending = append(q.pending, d)
}

// Drain delivers pending jobs to h until the queue is empty, including jobs enqueued by h
// itself. It returns the number of deliveries made.
func (q *MemoryQueue) Drain(ctx context.Context, h Handler) int {
	deliveries := 0
	for {
		if ctx.Err() != nil {
			return deliveries
		}
		d, ok := q.pop()
		if !ok {
			return deliveries
		}
		deliveries++
		if err := h(ctx, d.Job); err != nil {
			q.fail(d, err)
		}
	}
}

// Run drains the queue every time a job is enqueued, until ctx is done.
func (q *MemoryQueue) Run(ctx context.Context, h Handler) {
	for {
		q.Drain(ctx, h)
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) pop() (Delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Delivery{}, false
	}
	d := q.pending[0]
	q.pending = q.pending[1:]
	return d, true
}

func (q *MemoryQueue) fail(d Delivery, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	d.Err = err
	if d.Job.Retry.Exhausted(d.Attempt) {
		q.dead = append(q.dead, d)
		return
	}
	d.Attempt++
	q.pending = append(q.pending, d)
}

// Pending returns the number of undelivered jobs.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Enqueued returns every job ever enqueued, in order.
func (q *MemoryQueue) Enqueued() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.history)
}

// CountStep returns how many jobs for step were enqueued for orderRequestID.
func (q *MemoryQueue) CountStep(orderRequestID string, step Step) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.history {
		if j.OrderRequestID == orderRequestID && j.Step == step {
			n++
		}
	}
	return n
}

// Dead returns the deliveries that exhausted their retries.
func (q *MemoryQueue) Dead() []Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.dead)
}
