package graph

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/yairfalse/cartograph/internal/graph"

var (
	instrumentsOnce sync.Once
	queryDuration   metric.Float64Histogram
	merges          metric.Int64Counter
	sweepDeleted    metric.Int64Counter
)

// instruments resolves the package instruments against the global meter
// provider on first use, so the daemon can install its provider first.
func instruments() {
	instrumentsOnce.Do(func() {
		meter := otel.Meter(meterName)
		queryDuration, _ = meter.Float64Histogram(
			"cartograph.graph.query.duration",
			metric.WithDescription("Graph query latency from submission to cursor close"),
			metric.WithUnit("ms"),
		)
		merges, _ = meter.Int64Counter(
			"cartograph.graph.merges",
			metric.WithDescription("Node merges by label"),
		)
		sweepDeleted, _ = meter.Int64Counter(
			"cartograph.graph.sweep.deleted",
			metric.WithDescription("Nodes removed by sweeps"),
			metric.WithUnit("{node}"),
		)
	})
}

func recordQuery(ctx context.Context, cypher string, elapsed time.Duration, err error) {
	instruments()
	if queryDuration == nil {
		return
	}
	queryDuration.Record(ctx, float64(elapsed.Microseconds())/1000,
		metric.WithAttributes(
			attribute.String("db.operation", operation(cypher)),
			attribute.Bool("error", err != nil),
		))
}

func recordMerge(ctx context.Context, label string) {
	instruments()
	if merges != nil {
		merges.Add(ctx, 1, metric.WithAttributes(attribute.String("label", label)))
	}
}

func recordSweep(ctx context.Context, label string, deleted int64) {
	instruments()
	if sweepDeleted != nil && deleted > 0 {
		sweepDeleted.Add(ctx, deleted, metric.WithAttributes(attribute.String("label", label)))
	}
}

// operation returns the leading Cypher keyword, upper-cased.
func operation(cypher string) string {
	fields := strings.Fields(cypher)
	if len(fields) == 0 {
		return "UNKNOWN"
	}
	return strings.ToUpper(fields[0])
}
