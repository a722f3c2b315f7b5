package daemon

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/cartograph/internal/graph"
	"github.com/yairfalse/cartograph/internal/scan"
)

// DaemonMetrics records pass results using OTEL semantic conventions. It
// is a scan.Observer.
type DaemonMetrics struct {
	passes        metric.Int64Counter
	passDuration  metric.Float64Histogram
	entities      metric.Int64Gauge
	relationships metric.Int64Counter
}

// NewDaemonMetrics creates daemon metrics on the global meter provider.
func NewDaemonMetrics() (*DaemonMetrics, error) {
	return newDaemonMetricsWithProvider(otel.GetMeterProvider())
}

func newDaemonMetricsWithProvider(provider metric.MeterProvider) (*DaemonMetrics, error) {
	meter := provider.Meter("cartograph.daemon")

	passes, err := meter.Int64Counter(
		"cartograph.daemon.passes",
		metric.WithDescription("Number of full scan passes"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		return nil, err
	}

	passDuration, err := meter.Float64Histogram(
		"cartograph.daemon.pass.duration",
		metric.WithDescription("Duration of full scan passes"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	entities, err := meter.Int64Gauge(
		"cartograph.entities.merged",
		metric.WithDescription("Entities merged by the last pass of a target"),
		metric.WithUnit("{entity}"),
	)
	if err != nil {
		return nil, err
	}

	relationships, err := meter.Int64Counter(
		"cartograph.graph.relationships",
		metric.WithDescription("Relationships asserted after passes"),
		metric.WithUnit("{relationship}"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		passes:        passes,
		passDuration:  passDuration,
		entities:      entities,
		relationships: relationships,
	}, nil
}

// ObservePass implements scan.Observer.
func (m *DaemonMetrics) ObservePass(ctx context.Context, res scan.PassResult) {
	target := []attribute.KeyValue{
		attribute.String("cloud.provider", res.Target.Provider),
		attribute.String("entity.type", res.Target.EntityType),
	}
	if region := res.Target.Scope.Get(graph.RegionKey); region != "" {
		target = append(target, attribute.String("cloud.region", region))
	}
	status := attribute.String("status", res.Status())

	m.passes.Add(ctx, 1, metric.WithAttributes(append(target, status)...))
	m.passDuration.Record(ctx, res.Duration().Seconds(), metric.WithAttributes(status))
	if res.Err == nil {
		m.entities.Record(ctx, int64(res.Merged), metric.WithAttributes(target...))
	}
	if res.Relationships > 0 {
		m.relationships.Add(ctx, res.Relationships, metric.WithAttributes(target...))
	}
}
