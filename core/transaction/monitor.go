package transaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sushant-115/gojolite/core/storage_engine/common"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	"github.com/sushant-115/gojolite/core/write_engine/memcache"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"github.com/sushant-115/gojolite/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojolite/internal/telemetry"
	"go.uber.org/zap"
)

// MonitorOptions tune transaction handling.
type MonitorOptions struct {
	// MaxTransactionSize is the number of pages a transaction may hold in
	// memory before Safepoint writes them to the log.
	MaxTransactionSize int
	ReadOnly           bool
}

// TransactionMonitor creates transactions and tracks the open ones.
type TransactionMonitor struct {
	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics

	header *pagemanager.HeaderPage
	locker *LockService
	disk   *flushmanager.DiskService
	reader *flushmanager.DiskReader
	wal    *wal.IndexService

	maxTransactionSize int
	readOnly           bool

	mu           sync.Mutex
	transactions map[uint32]*TransactionService
}

func NewTransactionMonitor(
	header *pagemanager.HeaderPage,
	locker *LockService,
	disk *flushmanager.DiskService,
	walIndex *wal.IndexService,
	opts MonitorOptions,
	logger *zap.Logger,
	metrics *internaltelemetry.StorageMetrics,
) *TransactionMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.Noop()
	}
	if opts.MaxTransactionSize <= 0 {
		opts.MaxTransactionSize = 10000
	}
	return &TransactionMonitor{
		logger:             logger.Named("transaction"),
		metrics:            metrics,
		header:             header,
		locker:             locker,
		disk:               disk,
		reader:             disk.GetReader(),
		wal:                walIndex,
		maxTransactionSize: opts.MaxTransactionSize,
		readOnly:           opts.ReadOnly,
		transactions:       make(map[uint32]*TransactionService),
	}
}

// BeginTransaction opens a transaction, waiting for the engine lock.
func (m *TransactionMonitor) BeginTransaction(ctx context.Context) (*TransactionService, error) {
	if err := m.locker.EnterTransaction(ctx); err != nil {
		return nil, err
	}
	t := &TransactionService{
		monitor:   m,
		id:        m.wal.NextTransactionID(),
		startTime: time.Now(),
		state:     TxnStateActive,
		pages:     newTransactionPages(),
		snapshots: make(map[string]*Snapshot),
	}
	m.mu.Lock()
	m.transactions[t.id] = t
	m.mu.Unlock()
	m.metrics.ActiveTransactionsCounter.Add(ctx, 1)
	return t, nil
}

// OpenTransactions counts transactions not yet committed or rolled back.
func (m *TransactionMonitor) OpenTransactions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transactions)
}

// AbortAll rolls back every open transaction, used on close.
func (m *TransactionMonitor) AbortAll() {
	m.mu.Lock()
	open := make([]*TransactionService, 0, len(m.transactions))
	for _, t := range m.transactions {
		open = append(open, t)
	}
	m.mu.Unlock()

	for _, t := range open {
		if err := t.Rollback(); err != nil {
			m.logger.Warn("rollback on close", zap.Uint32("txID", t.id), zap.Error(err))
		}
	}
}

func (m *TransactionMonitor) releaseTransaction(t *TransactionService) {
	m.mu.Lock()
	delete(m.transactions, t.id)
	m.mu.Unlock()
	m.locker.ExitTransaction()
	m.metrics.ActiveTransactionsCounter.Add(context.Background(), -1)

	if !m.readOnly && m.checkpointDue() {
		if _, err := m.TryCheckpoint(context.Background()); err != nil {
			m.logger.Error("auto checkpoint failed", zap.Error(err))
		}
	}
}

func (m *TransactionMonitor) checkpointDue() bool {
	limit := m.header.Pragmas().Checkpoint
	if limit <= 0 {
		return false
	}
	length, err := m.disk.GetFileLength(memcache.OriginLog)
	return err == nil && length > int64(limit)*common.PageSize
}

// TryCheckpoint runs a checkpoint only when no transaction is open.
func (m *TransactionMonitor) TryCheckpoint(ctx context.Context) (bool, error) {
	if !m.locker.TryEnterExclusive() {
		return false, nil
	}
	defer m.locker.ExitExclusive()
	_, err := m.CheckpointLocked(ctx)
	return err == nil, err
}

// CheckpointLocked moves the log into the data file. The caller holds the
// exclusive lock.
func (m *TransactionMonitor) CheckpointLocked(ctx context.Context) (wal.CheckpointResult, error) {
	if m.readOnly {
		return wal.CheckpointResult{}, common.ErrReadOnly
	}
	res, err := m.wal.Checkpoint()
	if err != nil {
		return res, fmt.Errorf("checkpoint: %w", err)
	}
	if res.Pages > 0 {
		m.metrics.Checkpoint(ctx, res.Pages, res.Duration)
	}
	return res, nil
}
