package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/imrishuroy/go-idempotent-workflow/internal/aws"
)

// maxVisibilityTimeout is the SQS ceiling for ChangeMessageVisibility (12 hours).
const maxVisibilityTimeout = 12 * time.Hour

// SQSQueue publishes jobs to an SQS queue. The SQS MessageId is the job id.
type SQSQueue struct {
	sqs      aws.SQSAPI
	queueURL string
	fifo     bool
	nowFunc  func() time.Time
}

// NewSQSQueue returns a queue bound to queueURL. Queues whose URL ends in ".fifo" get
// a message group per order request and a deduplication id per step.
func NewSQSQueue(sqsClient aws.SQSAPI, queueURL string) *SQSQueue {
	return &SQSQueue{
		sqs:      sqsClient,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
		nowFunc:  time.Now,
	}
}

// Enqueue sends job and returns its MessageId.
func (q *SQSQueue) Enqueue(ctx context.Context, job Job) (string, error) {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.nowFunc().UTC()
	}
	body, err := job.Encode()
	if err != nil {
		return "", err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    &q.queueURL,
		MessageBody: &body,
		MessageAttributes: stringAttributes(map[string]string{
			"step":             string(job.Step),
			"order_request_id": job.OrderRequestID,
		}),
	}
	if q.fifo {
		input.MessageGroupId = aws.String(job.OrderRequestID)
		input.MessageDeduplicationId = aws.String(job.OrderRequestID + ":" + string(job.Step))
	}

	out, err := q.sqs.SendMessage(ctx, input)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	if out.MessageId == nil {
		return "", errors.New("send message: no message id returned")
	}
	return *out.MessageId, nil
}

// Forward copies a raw message body onto this queue, tagging it with the reason. The worker
// uses it to hand exhausted jobs to a dead-letter queue.
func (q *SQSQueue) Forward(ctx context.Context, body, reason string) error {
	input := &sqs.SendMessageInput{
		QueueUrl:    &q.queueURL,
		MessageBody: &body,
		MessageAttributes: stringAttributes(map[string]string{
			"dead_letter_reason": reason,
		}),
	}
	if q.fifo {
		input.MessageGroupId = aws.String("dead-letter")
		input.MessageDeduplicationId = aws.String(fmt.Sprintf("%d", q.nowFunc().UnixNano()))
	}
	if _, err := q.sqs.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("forward message: %w", err)
	}
	return nil
}

// Delay hides an in-flight message for d before SQS redelivers it.
func (q *SQSQueue) Delay(ctx context.Context, receiptHandle string, d time.Duration) error {
	if d > maxVisibilityTimeout {
		d = maxVisibilityTimeout
	}
	_, err := q.sqs.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          &q.queueURL,
		ReceiptHandle:     &receiptHandle,
		VisibilityTimeout: int32(d / time.Second),
	})
	if err != nil {
		return fmt.Errorf("change message visibility: %w", err)
	}
	return nil
}

func stringAttributes(attrs map[string]string) map[string]sqstypes.MessageAttributeValue {
	out := make(map[string]sqstypes.MessageAttributeValue, len(attrs))
	for k, v := range attrs {
		if v == "" {
			continue
		}
		out[k] = sqstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}
	return out
}
