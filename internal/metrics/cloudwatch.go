package metrics

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"bringmehome/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var _ Recorder = (*CloudWatchMetrics)(nil)

// CloudWatchMetrics publishes to a CloudWatch namespace, BringMeHome by
// default.
//
// Metrics emitted per dispatcher run, all with the Provider dimension:
//   - EmailsProcessed, EmailsSent, EmailsFailed, EmailsRetried (Count)
//   - DispatchDuration (Milliseconds)
//
// WebhookEvents (Count) carries the EventType dimension.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchMetrics creates a CloudWatchMetrics. An empty namespace
// selects types.MetricNamespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordRun emits the run counters in a single PutMetricData call. Skipped
// runs publish nothing.
func (m *CloudWatchMetrics) RecordRun(ctx context.Context, provider string, stats types.RunStats, elapsed time.Duration) {
	if stats.Skipped {
		return
	}
	dims := []cwtypes.Dimension{{Name: aws.String(types.DimProvider), Value: aws.String(provider)}}
	count := func(name string, v int) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Value:      aws.Float64(float64(v)),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: dims,
		}
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			count(types.MetricEmailsProcessed, stats.Processed),
			count(types.MetricEmailsSent, stats.Sent),
			count(types.MetricEmailsFailed, stats.Failed),
			count(types.MetricEmailsRetried, stats.RetriedForNextRun),
			{
				MetricName: aws.String(types.MetricDispatchDuration),
				Value:      aws.Float64(float64(elapsed.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: dims,
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record dispatch metrics",
			"error", err.Error(),
			"provider", provider,
		)
	}
}

// RecordWebhookEvent emits one WebhookEvents datum.
func (m *CloudWatchMetrics) RecordWebhookEvent(ctx context.Context, event types.WebhookEventType) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(types.MetricWebhookEvents),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{
						Name:  aws.String(types.DimEventType),
						Value: aws.String(string(event)),
					},
				},
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record webhook metric",
			"error", err.Error(),
			"event", string(event),
		)
	}
}
