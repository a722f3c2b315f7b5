package scan

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce    sync.Once
	entityOutcomes metric.Int64Counter
	rateLimitWaits metric.Float64Counter
	heartbeats     metric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("cartograph.scan")
		entityOutcomes, _ = meter.Int64Counter(
			"cartograph.scan.entities",
			metric.WithDescription("Entities processed by outcome"),
			metric.WithUnit("{entity}"),
		)
		rateLimitWaits, _ = meter.Float64Counter(
			"cartograph.scan.rate_limit.wait",
			metric.WithDescription("Time spent backing off for provider rate limits"),
			metric.WithUnit("s"),
		)
		heartbeats, _ = meter.Int64Counter(
			"cartograph.scan.heartbeats",
			metric.WithDescription("Operational record heartbeats written"),
			metric.WithUnit("{heartbeat}"),
		)
	})
}

func recordOutcome(ctx context.Context, entityType string, outcome Outcome) {
	initMetrics()
	if entityOutcomes == nil {
		return
	}
	entityOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity.type", entityType),
		attribute.String("outcome", outcome.String()),
	))
}

func recordRateLimitWait(ctx context.Context, entityType string, wait time.Duration) {
	initMetrics()
	if rateLimitWaits == nil {
		return
	}
	rateLimitWaits.Add(ctx, wait.Seconds(), metric.WithAttributes(attribute.String("entity.type", entityType)))
}

func recordHeartbeat(ctx context.Context, label string) {
	initMetrics()
	if heartbeats == nil {
		return
	}
	heartbeats.Add(ctx, 1, metric.WithAttributes(attribute.String("record", label)))
}

func startPassSpan(ctx context.Context, t Target) (context.Context, trace.Span) {
	return otel.Tracer("cartograph.scan").Start(ctx, "scan.pass", trace.WithAttributes(
		attribute.String("cloud.provider", t.Provider),
		attribute.String("entity.type", t.EntityType),
		attribute.String("scan.scope", t.Scope.String()),
	))
}

func endPassSpan(span trace.Span, res PassResult) {
	span.SetAttributes(
		attribute.Int("scan.pages", res.Pages),
		attribute.Int("scan.merged", res.Merged),
		attribute.Int("scan.failed", res.Failed),
		attribute.Int64("scan.deleted", res.Deleted),
		attribute.Bool("scan.swept", res.Swept),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Status())
	}
	span.End()
}
