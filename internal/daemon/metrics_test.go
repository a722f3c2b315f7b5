package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yairfalse/cartograph/internal/scan"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func passResult(merged int, deleted int64, err error) scan.PassResult {
	start := time.Now()
	return scan.PassResult{
		Target:        scan.Target{Provider: "aws", Scope: scope("us-east-1"), EntityType: "AwsVpc"},
		Started:       start,
		Finished:      start.Add(2 * time.Second),
		Pages:         1,
		Merged:        merged,
		Deleted:       deleted,
		Relationships: 3,
		Swept:         err == nil,
		Err:           err,
	}
}

func TestDaemonMetrics_ObservePass(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	dm, err := newDaemonMetricsWithProvider(provider)
	require.NoError(t, err)

	ctx := context.Background()
	dm.ObservePass(ctx, passResult(5, 2, nil))

	metrics := collect(t, reader)

	passes := metrics["cartograph.daemon.passes"].Data.(metricdata.Sum[int64])
	require.Len(t, passes.DataPoints, 1)
	dp := passes.DataPoints[0]
	assert.Equal(t, int64(1), dp.Value)

	status, ok := dp.Attributes.Value(attribute.Key("status"))
	require.True(t, ok)
	assert.Equal(t, "success", status.AsString())
	prov, ok := dp.Attributes.Value(attribute.Key("cloud.provider"))
	require.True(t, ok)
	assert.Equal(t, "aws", prov.AsString())
	region, ok := dp.Attributes.Value(attribute.Key("cloud.region"))
	require.True(t, ok)
	assert.Equal(t, "us-east-1", region.AsString())

	gauge := metrics["cartograph.entities.merged"].Data.(metricdata.Gauge[int64])
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(5), gauge.DataPoints[0].Value)

	_, ok = metrics["cartograph.graph.sweep.deleted"]
	assert.False(t, ok, "sweep deletions are counted by the graph writer")

	rels := metrics["cartograph.graph.relationships"].Data.(metricdata.Sum[int64])
	require.Len(t, rels.DataPoints, 1)
	assert.Equal(t, int64(3), rels.DataPoints[0].Value)

	hist := metrics["cartograph.daemon.pass.duration"].Data.(metricdata.Histogram[float64])
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
	assert.InDelta(t, 2.0, hist.DataPoints[0].Sum, 0.001)
}

func TestDaemonMetrics_FailedPassSkipsGauge(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	dm, err := newDaemonMetricsWithProvider(provider)
	require.NoError(t, err)

	dm.ObservePass(context.Background(), passResult(0, 0, errors.New("denied")))

	metrics := collect(t, reader)
	_, ok := metrics["cartograph.entities.merged"]
	assert.False(t, ok)

	passes := metrics["cartograph.daemon.passes"].Data.(metricdata.Sum[int64])
	require.Len(t, passes.DataPoints, 1)
	status, _ := passes.DataPoints[0].Attributes.Value(attribute.Key("status"))
	assert.Equal(t, "failed", status.AsString())
}
