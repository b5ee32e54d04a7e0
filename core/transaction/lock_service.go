package transaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sushant-115/gojolite/core/storage_engine/common"
	internaltelemetry "github.com/sushant-115/gojolite/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// LockService hands out the engine and collection locks.
//
// The engine lock is a weighted semaphore: each open transaction holds one
// unit and exclusive operations (checkpoint, rebuild, backup) take all of
// them. Collection locks work the same way with readers holding one unit
// and the writer holding all units.
type LockService struct {
	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
	timeout atomic.Int64

	transaction *semaphore.Weighted

	mu          sync.Mutex
	collections map[string]*semaphore.Weighted
}

const lockWeight = common.MaxOpenTransactions

func NewLockService(timeout time.Duration, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) *LockService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.Noop()
	}
	l := &LockService{
		logger:      logger.Named("lock"),
		metrics:     metrics,
		transaction: semaphore.NewWeighted(lockWeight),
		collections: make(map[string]*semaphore.Weighted),
	}
	l.SetTimeout(timeout)
	return l
}

func (l *LockService) Timeout() time.Duration { return time.Duration(l.timeout.Load()) }

func (l *LockService) SetTimeout(d time.Duration) { l.timeout.Store(int64(d)) }

func (l *LockService) acquire(ctx context.Context, sem *semaphore.Weighted, n int64, scope string) error {
	start := time.Now()
	tctx, cancel := context.WithTimeout(ctx, l.Timeout())
	defer cancel()

	err := sem.Acquire(tctx, n)
	waited := time.Since(start)
	if err == nil {
		l.metrics.LockWait(ctx, scope, waited, false)
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	l.metrics.LockWait(ctx, scope, waited, true)
	l.logger.Warn("lock timeout", zap.String("scope", scope), zap.Duration("waited", waited))
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s after %s", common.ErrLockTimeout, scope, waited.Round(time.Millisecond))
	}
	return err
}

// EnterTransaction takes one unit of the engine lock. It also bounds the
// number of open transactions.
func (l *LockService) EnterTransaction(ctx context.Context) error {
	return l.acquire(ctx, l.transaction, 1, "transaction")
}

func (l *LockService) ExitTransaction() { l.transaction.Release(1) }

// EnterExclusive waits until no transaction is open and blocks new ones.
func (l *LockService) EnterExclusive(ctx context.Context) error {
	return l.acquire(ctx, l.transaction, lockWeight, "exclusive")
}

// TryEnterExclusive takes the exclusive lock only if it is free right now.
func (l *LockService) TryEnterExclusive() bool {
	return l.transaction.TryAcquire(lockWeight)
}

func (l *LockService) ExitExclusive() { l.transaction.Release(lockWeight) }

func (l *LockService) collection(name string) *semaphore.Weighted {
	key := strings.ToLower(name)
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.collections[key]
	if !ok {
		sem = semaphore.NewWeighted(lockWeight)
		l.collections[key] = sem
	}
	return sem
}

func collectionWeight(mode LockMode) int64 {
	if mode == LockWrite {
		return lockWeight
	}
	return 1
}

// EnterCollection locks a collection for reading (shared) or writing
// (exclusive).
func (l *LockService) EnterCollection(ctx context.Context, name string, mode LockMode) error {
	return l.acquire(ctx, l.collection(name), collectionWeight(mode), "collection:"+mode.String())
}

// UpgradeCollection turns a held read lock into a write lock.
func (l *LockService) UpgradeCollection(ctx context.Context, name string) error {
	return l.acquire(ctx, l.collection(name), lockWeight-1, "collection:upgrade")
}

func (l *LockService) ExitCollection(name string, mode LockMode) {
	l.collection(name).Release(collectionWeight(mode))
}
