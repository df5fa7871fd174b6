package observability

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-idempotent-workflow/internal/aws"
)

const workflowMetric = "WorkflowEvents"

// CloudWatchSink counts events as a CloudWatch metric, one datum per event with the event
// name as the "Event" dimension. Publish errors are logged and dropped.
type CloudWatchSink struct {
	client    aws.CloudWatchAPI
	namespace string
	logger    zerolog.Logger
	timeout   time.Duration
}

// NewCloudWatchSink returns a sink publishing into namespace.
func NewCloudWatchSink(client aws.CloudWatchAPI, namespace string, logger zerolog.Logger) *CloudWatchSink {
	return &CloudWatchSink{
		client:    client,
		namespace: namespace,
		logger:    logger,
		timeout:   2 * time.Second,
	}
}

func (s *CloudWatchSink) Emit(ctx context.Context, ev Event) {
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(s.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(workflowMetric),
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String("Event"), Value: aws.String(ev.Name)},
				},
				Timestamp: &at,
				Unit:      cwtypes.StandardUnitCount,
				Value:     float64Ptr(1),
			},
		},
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("event", ev.Name).Msg("put metric data failed")
	}
}

func float64Ptr(v float64) *float64 { return &v }
