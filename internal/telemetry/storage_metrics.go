package internaltelemetry

import (
	"context"
	"time"

	"github.com/sushant-115/gojolite/core/write_engine/memcache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// StorageMetrics holds all the metric instruments of the storage engine.
type StorageMetrics struct {
	meter metric.Meter

	TransactionsCounter       metric.Int64Counter
	ActiveTransactionsCounter metric.Int64UpDownCounter
	LogPagesCounter           metric.Int64Counter
	CheckpointHistogram       metric.Int64Histogram
	CheckpointPagesCounter    metric.Int64Counter
	LockWaitHistogram         metric.Int64Histogram
	LockTimeoutsCounter       metric.Int64Counter
	SortContainersCounter     metric.Int64Counter
}

// Noop returns instruments that record nothing.
func Noop() *StorageMetrics {
	m, _ := NewStorageMetrics(noop.NewMeterProvider().Meter(""))
	return m
}

// NewStorageMetrics creates and registers all the storage metrics.
func NewStorageMetrics(meter metric.Meter) (*StorageMetrics, error) {
	transactions, err := meter.Int64Counter(
		"gojolite.transactions_total",
		metric.WithDescription("Transactions finished, by outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter(
		"gojolite.transactions.active",
		metric.WithDescription("Number of open transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	logPages, err := meter.Int64Counter(
		"gojolite.log.pages_written_total",
		metric.WithDescription("Pages appended to the log file."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	checkpoint, err := meter.Int64Histogram(
		"gojolite.checkpoint.duration",
		metric.WithDescription("Latency of log checkpoints."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	checkpointPages, err := meter.Int64Counter(
		"gojolite.checkpoint.pages_total",
		metric.WithDescription("Pages copied from the log to the data file."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	lockWait, err := meter.Int64Histogram(
		"gojolite.lock.wait_duration",
		metric.WithDescription("Time spent waiting for engine and collection locks."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	lockTimeouts, err := meter.Int64Counter(
		"gojolite.lock.timeouts_total",
		metric.WithDescription("Lock requests that timed out."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	sortContainers, err := meter.Int64Counter(
		"gojolite.sort.containers_total",
		metric.WithDescription("Sorted runs spilled to the sort file."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &StorageMetrics{
		meter:                     meter,
		TransactionsCounter:       transactions,
		ActiveTransactionsCounter: active,
		LogPagesCounter:           logPages,
		CheckpointHistogram:       checkpoint,
		CheckpointPagesCounter:    checkpointPages,
		LockWaitHistogram:         lockWait,
		LockTimeoutsCounter:       lockTimeouts,
		SortContainersCounter:     sortContainers,
	}, nil
}

// ObserveCache exports the frame pool counters as gauges read at collection
// time. The returned function unregisters the callback.
func (m *StorageMetrics) ObserveCache(stats func() memcache.Stats) (func() error, error) {
	frames, err := m.meter.Int64ObservableGauge("gojolite.cache.frames",
		metric.WithDescription("Page frames allocated by the cache, by state."))
	if err != nil {
		return nil, err
	}
	lookups, err := m.meter.Int64ObservableCounter("gojolite.cache.lookups_total",
		metric.WithDescription("Readable page lookups, by result."))
	if err != nil {
		return nil, err
	}

	reg, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stats()
		o.ObserveInt64(frames, int64(s.FreePages), metric.WithAttributes(attribute.String("state", "free")))
		o.ObserveInt64(frames, int64(s.ReadablePages), metric.WithAttributes(attribute.String("state", "readable")))
		o.ObserveInt64(frames, int64(s.WritablePages), metric.WithAttributes(attribute.String("state", "writable")))
		o.ObserveInt64(lookups, s.Hits, metric.WithAttributes(attribute.String("result", "hit")))
		o.ObserveInt64(lookups, s.Misses, metric.WithAttributes(attribute.String("result", "miss")))
		return nil
	}, frames, lookups)
	if err != nil {
		return nil, err
	}
	return reg.Unregister, nil
}

// TransactionFinished records the outcome of one transaction.
func (m *StorageMetrics) TransactionFinished(ctx context.Context, outcome string) {
	m.TransactionsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// LockWait records how long a lock request waited and whether it timed out.
func (m *StorageMetrics) LockWait(ctx context.Context, scope string, waited time.Duration, timedOut bool) {
	attrs := metric.WithAttributes(attribute.String("scope", scope))
	m.LockWaitHistogram.Record(ctx, waited.Milliseconds(), attrs)
	if timedOut {
		m.LockTimeoutsCounter.Add(ctx, 1, attrs)
	}
}

// Checkpoint records one checkpoint run.
func (m *StorageMetrics) Checkpoint(ctx context.Context, pages int, elapsed time.Duration) {
	m.CheckpointHistogram.Record(ctx, elapsed.Milliseconds())
	m.CheckpointPagesCounter.Add(ctx, int64(pages))
}
