package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bringmehome/internal/types"
)

// mockCloudWatchClient records PutMetricData calls for verification.
type mockCloudWatchClient struct {
	calls     []*cloudwatch.PutMetricDataInput
	returnErr error
}

func (m *mockCloudWatchClient) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.calls = append(m.calls, params)
	if m.returnErr != nil {
		return nil, m.returnErr
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

type capturingLogger struct {
	types.NopLogger
	errors []string
}

func (l *capturingLogger) Error(msg string, _ ...any) { l.errors = append(l.errors, msg) }

func TestCloudWatchMetrics_RecordRun(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewCloudWatchMetrics(cw, "", nil)

	m.RecordRun(context.Background(), "ses", types.RunStats{Processed: 4, Sent: 3, Failed: 1, RetriedForNextRun: 2}, 1500*time.Millisecond)

	require.Len(t, cw.calls, 1)
	input := cw.calls[0]
	assert.Equal(t, types.MetricNamespace, *input.Namespace)
	require.Len(t, input.MetricData, 5)

	got := map[string]float64{}
	for _, d := range input.MetricData {
		got[*d.MetricName] = *d.Value
		require.Len(t, d.Dimensions, 1)
		assert.Equal(t, types.DimProvider, *d.Dimensions[0].Name)
		assert.Equal(t, "ses", *d.Dimensions[0].Value)
	}
	assert.Equal(t, 4.0, got[types.MetricEmailsProcessed])
	assert.Equal(t, 3.0, got[types.MetricEmailsSent])
	assert.Equal(t, 1.0, got[types.MetricEmailsFailed])
	assert.Equal(t, 2.0, got[types.MetricEmailsRetried])
	assert.Equal(t, 1500.0, got[types.MetricDispatchDuration])
	assert.Equal(t, cwtypes.StandardUnitMilliseconds, input.MetricData[4].Unit)
}

func TestCloudWatchMetrics_SkippedRunPublishesNothing(t *testing.T) {
	cw := &mockCloudWatchClient{}
	NewCloudWatchMetrics(cw, "", nil).RecordRun(context.Background(), "ses", types.RunStats{Skipped: true}, time.Second)
	assert.Empty(t, cw.calls)
}

func TestCloudWatchMetrics_ErrorIsLoggedNotReturned(t *testing.T) {
	cw := &mockCloudWatchClient{returnErr: errors.New("throttled")}
	logger := &capturingLogger{}
	m := NewCloudWatchMetrics(cw, "", logger)

	m.RecordWebhookEvent(context.Background(), types.EventBounced)

	require.Len(t, cw.calls, 1)
	datum := cw.calls[0].MetricData[0]
	assert.Equal(t, types.MetricWebhookEvents, *datum.MetricName)
	assert.Equal(t, "bounced", *datum.Dimensions[0].Value)
	assert.Equal(t, []string{"failed to record webhook metric"}, logger.errors)
}

func TestPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	require.NoError(t, err)

	m.RecordRun(context.Background(), "stub", types.RunStats{Processed: 2, Sent: 2}, 200*time.Millisecond)
	m.RecordRun(context.Background(), "stub", types.RunStats{Skipped: true}, 0)
	m.RecordWebhookEvent(context.Background(), types.EventOpened)
	m.RecordWebhookEvent(context.Background(), types.EventOpened)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Emails.WithLabelValues("stub", "sent")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Emails.WithLabelValues("stub", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatchRuns.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatchRuns.WithLabelValues("completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.WebhookEvents.WithLabelValues("opened")))

	m.RecordRequest("POST", "/api/webhooks/email", "200", 15*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST", "/api/webhooks/email", "200")))

	_, err = NewPrometheusMetrics(reg)
	assert.Error(t, err, "registering twice must fail")
}

func TestMulti(t *testing.T) {
	a, b := &mockCloudWatchClient{}, &mockCloudWatchClient{}
	multi := Multi{NewCloudWatchMetrics(a, "Custom", nil), NewCloudWatchMetrics(b, "", nil), Nop{}}
	multi.RecordWebhookEvent(context.Background(), types.EventClicked)
	require.Len(t, a.calls, 1)
	require.Len(t, b.calls, 1)
	assert.Equal(t, "Custom", *a.calls[0].Namespace)
	assert.Equal(t, types.MetricNamespace, *b.calls[0].Namespace)
}
