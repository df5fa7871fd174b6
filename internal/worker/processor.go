// Package worker turns queue deliveries into workflow step executions.
package worker

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-idempotent-workflow/internal/observability"
	"github.com/imrishuroy/go-idempotent-workflow/internal/queue"
	"github.com/imrishuroy/go-idempotent-workflow/internal/workflow"
)

// Runner executes one step job.
type Runner interface {
	Run(ctx context.Context, job queue.Job) error
}

// Delayer postpones redelivery of an in-flight message.
type Delayer interface {
	Delay(ctx context.Context, receiptHandle string, d time.Duration) error
}

// Forwarder hands a message body to a dead-letter queue.
type Forwarder interface {
	Forward(ctx context.Context, body, reason string) error
}

// Config groups dependencies for the processor. Delayer and DeadLetter are optional.
type Config struct {
	Runner     Runner
	Delayer    Delayer
	DeadLetter Forwarder
	Sink       observability.Sink
	Logger     zerolog.Logger
}

// Processor handles SQS batches. Each message is acknowledged or reported as a batch item
// failure on its own, so one failing job never redelivers its neighbours.
type Processor struct {
	runner     Runner
	delayer    Delayer
	deadLetter Forwarder
	sink       observability.Sink
	logger     zerolog.Logger
}

// NewProcessor creates a processor.
func NewProcessor(cfg Config) *Processor {
	sink := cfg.Sink
	if sink == nil {
		sink = observability.NewLogSink(cfg.Logger)
	}
	return &Processor{
		runner:     cfg.Runner,
		delayer:    cfg.Delayer,
		deadLetter: cfg.DeadLetter,
		sink:       sink,
		logger:     cfg.Logger,
	}
}

// Handle receives an SQS batch event and processes each message.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: rec.MessageId,
			})
		}
	}
	return resp, nil
}

// processMessage returns nil when the message should be deleted from the queue.
func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	logger := p.logger.With().Str("job_id", rec.MessageId).Logger()

	job, err := queue.Decode(rec.Body)
	if err != nil {
		logger.Error().Err(err).Msg("undecodable job")
		return p.deadLetterOrRetry(ctx, rec, queue.Job{}, "undecodable job: "+err.Error(), err)
	}
	logger = logger.With().Str("step", string(job.Step)).Str("order_request_id", job.OrderRequestID).Logger()

	deliveries := receiveCount(rec)
	logger.Info().Int("delivery", deliveries).Msg("received job")

	err = p.runner.Run(ctx, job)
	if err == nil {
		logger.Info().Msg("job completed")
		return nil
	}

	if workflow.IsPermanent(err) {
		logger.Error().Err(err).Msg("job can never succeed; acknowledging")
		return nil
	}

	if job.Retry.Exhausted(deliveries) {
		logger.Error().Err(err).Int("delivery", deliveries).Msg("retries exhausted")
		return p.deadLetterOrRetry(ctx, rec, job, err.Error(), err)
	}

	delay := job.Retry.Backoff(deliveries)
	logger.Warn().Err(err).Dur("backoff", delay).Msg("job failed; will retry")
	if p.delayer != nil && delay > 0 && rec.ReceiptHandle != "" {
		if derr := p.delayer.Delay(ctx, rec.ReceiptHandle, delay); derr != nil {
			logger.Warn().Err(derr).Msg("could not delay redelivery")
		}
	}
	return err
}

// deadLetterOrRetry forwards the message when a dead-letter queue is configured and
// acknowledges it; otherwise it leaves the message to the queue's own redrive policy.
func (p *Processor) deadLetterOrRetry(ctx context.Context, rec events.SQSMessage, job queue.Job, reason string, cause error) error {
	if p.deadLetter == nil {
		return cause
	}
	if err := p.deadLetter.Forward(ctx, rec.Body, reason); err != nil {
		p.logger.Error().Err(err).Str("job_id", rec.MessageId).Msg("dead-letter forward failed")
		return cause
	}
	p.sink.Emit(ctx, observability.Event{
		Name:           observability.EventJobDeadLettered,
		OrderRequestID: job.OrderRequestID,
		Step:           string(job.Step),
		JobID:          rec.MessageId,
		Detail:         reason,
		At:             time.Now().UTC(),
	})
	return nil
}

// receiveCount reads ApproximateReceiveCount; a message without it is on its first delivery.
func receiveCount(rec events.SQSMessage) int {
	n, err := strconv.Atoi(rec.Attributes["ApproximateReceiveCount"])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// NewLocalHandler adapts a runner to the in-memory queue, dropping jobs that can never succeed.
func NewLocalHandler(runner Runner, logger zerolog.Logger) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		err := runner.Run(ctx, job)
		if err != nil && workflow.IsPermanent(err) {
			logger.Error().Err(err).Str("step", string(job.Step)).Str("order_request_id", job.OrderRequestID).Msg("dropping job")
			return nil
		}
		if err != nil {
			logger.Warn().Err(err).Str("step", string(job.Step)).Str("order_request_id", job.OrderRequestID).Msg("job failed; will retry")
		}
		return err
	}
}
