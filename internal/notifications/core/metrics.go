package core

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"skyhook/internal/types"
)

// Metric names.
const (
	MetricDeliverySuccess     = "DeliverySuccess"
	MetricDeliveryRateLimited = "DeliveryRateLimited"
	MetricDeliveryGone        = "DeliveryGone"
	MetricDeliveryFailed      = "DeliveryFailed"
	MetricDeliveryLatency     = "DeliveryLatency"
	MetricQueueLag            = "DeliveryQueueLag"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var (
	_ DeliveryMetrics = (*CloudWatchMetrics)(nil)
	_ DeliveryMetrics = NopMetrics{}
)

// CloudWatchMetrics emits one datum per call. Failures to publish are
// logged and never surface to the delivery path.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchMetrics creates a CloudWatchMetrics publishing to namespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchMetrics {
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

// RecordOutcome counts one delivery outcome.
func (m *CloudWatchMetrics) RecordOutcome(ctx context.Context, outcome types.DeliveryOutcome) {
	m.put(ctx, outcomeMetric(outcome), 1, cwtypes.StandardUnitCount)
}

// RecordLatency records the duration of one webhook execution.
func (m *CloudWatchMetrics) RecordLatency(ctx context.Context, d time.Duration) {
	m.put(ctx, MetricDeliveryLatency, float64(d.Milliseconds()), cwtypes.StandardUnitMilliseconds)
}

// RecordQueueLag records how long a queued item waited before processing.
func (m *CloudWatchMetrics) RecordQueueLag(ctx context.Context, lag time.Duration) {
	m.put(ctx, MetricQueueLag, float64(lag.Milliseconds()), cwtypes.StandardUnitMilliseconds)
}

func (m *CloudWatchMetrics) put(ctx context.Context, name string, value float64, unit cwtypes.StandardUnit) {
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{{
			MetricName: aws.String(name),
			Value:      aws.Float64(value),
			Unit:       unit,
		}},
	})
	if err != nil {
		m.logger.Error("failed to record metric", "metric", name, "error", err.Error())
	}
}

func outcomeMetric(o types.DeliveryOutcome) string {
	switch o {
	case types.OutcomeSuccess:
		return MetricDeliverySuccess
	case types.OutcomeRateLimited:
		return MetricDeliveryRateLimited
	case types.OutcomeGone:
		return MetricDeliveryGone
	default:
		return MetricDeliveryFailed
	}
}

// NopMetrics discards all metrics. Used when ENABLE_METRICS is off.
type NopMetrics struct{}

func (NopMetrics) RecordOutcome(context.Context, types.DeliveryOutcome) {}
func (NopMetrics) RecordLatency(context.Context, time.Duration)         {}
func (NopMetrics) RecordQueueLag(context.Context, time.Duration)        {}
