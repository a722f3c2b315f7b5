package credentials

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	refreshOnce sync.Once
	refreshes   metric.Int64Counter
)

func recordRefresh(ctx context.Context, name, status string) {
	refreshOnce.Do(func() {
		refreshes, _ = otel.Meter("cartograph.credentials").Int64Counter(
			"cartograph.credentials.refreshes",
			metric.WithDescription("Token regenerations by outcome"),
			metric.WithUnit("{refresh}"),
		)
	})
	if refreshes == nil {
		return
	}
	refreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("credential", name),
		attribute.String("status", status),
	))
}
