package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/3leaps/annovault/pkg/bus"
	"github.com/3leaps/annovault/pkg/job"
)

// Metrics holds the lifecycle instruments. It satisfies the recorder
// interfaces of the bus worker, the archival engine, the retrieval
// orchestrator and the reconcile sweeper.
type Metrics struct {
	meter metric.Meter

	// Consumers
	MessagesTotal  metric.Int64Counter
	HandleDuration metric.Float64Histogram

	// Archival
	MigrationsTotal metric.Int64Counter
	SkippedTotal    metric.Int64Counter

	// Retrieval
	RestoreInitiated metric.Int64Counter
	RestoreCompleted metric.Int64Counter

	// Alerts
	JobsStuck metric.Int64Counter
}

// NewMetrics creates all instruments behind a Prometheus exporter and returns
// the scrape handler.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("annovault")
	m := &Metrics{meter: meter}

	m.MessagesTotal, err = meter.Int64Counter(
		"bus_messages_total",
		metric.WithDescription("Messages settled by consumers, by queue and outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HandleDuration, err = meter.Float64Histogram(
		"bus_handle_duration_seconds",
		metric.WithDescription("Handler latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300),
	)
	if err != nil {
		return nil, nil, err
	}

	m.MigrationsTotal, err = meter.Int64Counter(
		"archival_migrations_total",
		metric.WithDescription("Results migrated to cold storage"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SkippedTotal, err = meter.Int64Counter(
		"archival_skipped_total",
		metric.WithDescription("Archive triggers that did not migrate, by reason"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RestoreInitiated, err = meter.Int64Counter(
		"restore_initiated_total",
		metric.WithDescription("Thaw requests recorded, by restore tier"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RestoreCompleted, err = meter.Int64Counter(
		"restore_completed_total",
		metric.WithDescription("Results restored to hot storage"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsStuck, err = meter.Int64Counter(
		"jobs_stuck",
		metric.WithDescription("Operator alerts for jobs stuck in a transitional status"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordMessage records one settled delivery.
func (m *Metrics) RecordMessage(ctx context.Context, queue string, outcome bus.Outcome, durationSeconds float64) {
	attrs := metric.WithAttributes(queueAttr(queue), outcomeAttr(string(outcome)))
	m.MessagesTotal.Add(ctx, 1, attrs)
	m.HandleDuration.Record(ctx, durationSeconds, metric.WithAttributes(queueAttr(queue)))
}

func (m *Metrics) RecordMigration(ctx context.Context) {
	m.MigrationsTotal.Add(ctx, 1)
}

func (m *Metrics) RecordSkip(ctx context.Context, reason string) {
	m.SkippedTotal.Add(ctx, 1, metric.WithAttributes(reasonAttr(reason)))
}

func (m *Metrics) RecordRestoreInitiated(ctx context.Context, tier job.RestoreTier) {
	m.RestoreInitiated.Add(ctx, 1, metric.WithAttributes(tierAttr(string(tier))))
}

func (m *Metrics) RecordRestoreCompleted(ctx context.Context) {
	m.RestoreCompleted.Add(ctx, 1)
}

func (m *Metrics) RecordStuck(ctx context.Context, status job.Status) {
	m.JobsStuck.Add(ctx, 1, metric.WithAttributes(statusAttr(string(status))))
}
