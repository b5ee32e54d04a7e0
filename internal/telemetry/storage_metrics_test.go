package internaltelemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojolite/core/write_engine/memcache"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestStorageMetrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(ctx)

	m, err := NewStorageMetrics(provider.Meter("test"))
	require.NoError(t, err)

	m.TransactionFinished(ctx, "commit")
	m.TransactionFinished(ctx, "commit")
	m.TransactionFinished(ctx, "rollback")
	m.LockWait(ctx, "collection", 3*time.Millisecond, true)
	m.Checkpoint(ctx, 12, time.Millisecond)

	unregister, err := m.ObserveCache(func() memcache.Stats {
		return memcache.Stats{FreePages: 2, ReadablePages: 5, Hits: 9, Misses: 1}
	})
	require.NoError(t, err)

	data := collect(t, reader)
	txns := data["gojolite.transactions_total"].(metricdata.Sum[int64])
	var total int64
	for _, dp := range txns.DataPoints {
		total += dp.Value
	}
	require.EqualValues(t, 3, total)
	require.Len(t, txns.DataPoints, 2)

	timeouts := data["gojolite.lock.timeouts_total"].(metricdata.Sum[int64])
	require.EqualValues(t, 1, timeouts.DataPoints[0].Value)
	pages := data["gojolite.checkpoint.pages_total"].(metricdata.Sum[int64])
	require.EqualValues(t, 12, pages.DataPoints[0].Value)

	frames := data["gojolite.cache.frames"].(metricdata.Gauge[int64])
	require.Len(t, frames.DataPoints, 3)

	require.NoError(t, unregister())
	if agg, ok := collect(t, reader)["gojolite.cache.frames"]; ok {
		require.Empty(t, agg.(metricdata.Gauge[int64]).DataPoints)
	}
}

func TestNoop(t *testing.T) {
	m := Noop()
	m.TransactionFinished(context.Background(), "commit")
	unregister, err := m.ObserveCache(func() memcache.Stats { return memcache.Stats{} })
	require.NoError(t, err)
	require.NoError(t, unregister())
}
