// Package metrics emits operational metrics for the entitlement engine to
// CloudWatch. Emission is best-effort: a metrics failure is logged and never
// propagated to the caller.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"entitle/internal/types"
)

// Metric and dimension names.
const (
	MetricBulkIssuance     = "BulkIssuanceOutcome"
	MetricStatusTransition = "StatusTransition"

	DimOutcome = "Outcome"
	DimKind    = "Kind"
	DimEvent   = "Event"
)

// Recorder is the engine's view of metric emission.
type Recorder interface {
	// RecordBulkOutcomes emits one count per outcome class of a bulk run.
	RecordBulkOutcomes(ctx context.Context, report types.BulkReport)

	// RecordTransition emits a count for a completed status transition.
	RecordTransition(ctx context.Context, kind types.EntitlementKind, event types.TransitionEvent)
}

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Compile-time assertion that CloudWatchRecorder implements Recorder.
var _ Recorder = (*CloudWatchRecorder)(nil)

// CloudWatchRecorder publishes engine metrics to a CloudWatch namespace.
type CloudWatchRecorder struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchRecorder creates a new recorder publishing to the given
// namespace.
func NewCloudWatchRecorder(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchRecorder{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordBulkOutcomes implements Recorder.
func (m *CloudWatchRecorder) RecordBulkOutcomes(ctx context.Context, report types.BulkReport) {
	now := time.Now().UTC()
	data := []cwtypes.MetricDatum{
		bulkDatum(types.OutcomeCreated, report.Created, now),
		bulkDatum(types.OutcomeSkipped, report.Skipped, now),
		bulkDatum(types.OutcomeFailed, report.Failed, now),
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record bulk issuance metrics",
			slog.String("error", err.Error()),
		)
	}
}

// RecordTransition implements Recorder.
func (m *CloudWatchRecorder) RecordTransition(ctx context.Context, kind types.EntitlementKind, event types.TransitionEvent) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(MetricStatusTransition),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Timestamp:  aws.Time(time.Now().UTC()),
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String(DimKind), Value: aws.String(string(kind))},
					{Name: aws.String(DimEvent), Value: aws.String(string(event))},
				},
			},
		},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record transition metric",
			slog.String("error", err.Error()),
			slog.String("kind", string(kind)),
			slog.String("event", string(event)),
		)
	}
}

func bulkDatum(outcome types.IssueOutcome, count int, ts time.Time) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(MetricBulkIssuance),
		Value:      aws.Float64(float64(count)),
		Unit:       cwtypes.StandardUnitCount,
		Timestamp:  aws.Time(ts),
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(DimOutcome), Value: aws.String(string(outcome))},
		},
	}
}

// NopRecorder discards all metrics. Used when metric emission is disabled.
type NopRecorder struct{}

// RecordBulkOutcomes implements Recorder.
func (NopRecorder) RecordBulkOutcomes(context.Context, types.BulkReport) {}

// RecordTransition implements Recorder.
func (NopRecorder) RecordTransition(context.Context, types.EntitlementKind, types.TransitionEvent) {}
