package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"github.com/sushant-115/gojolite/core/transaction"
	"github.com/sushant-115/gojolite/core/value"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	"github.com/sushant-115/gojolite/core/write_engine/memcache"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"github.com/sushant-115/gojolite/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojolite/internal/telemetry"
	"go.uber.org/zap"
)

// store is one open data file with its log, cache and transaction monitor.
// A rebuild replaces the store of an engine; the lock service outlives it.
type store struct {
	settings Settings
	logger   *zap.Logger
	metrics  *internaltelemetry.StorageMetrics

	cache     *memcache.MemoryCache
	disk      *flushmanager.DiskService
	header    *pagemanager.HeaderPage
	wal       *wal.IndexService
	locker    *transaction.LockService
	monitor   *transaction.TransactionMonitor
	collation *value.Collation

	unobserve func() error
}

func streamFactories(s Settings) (data, log flushmanager.StreamFactory) {
	if s.MemoryStream {
		return flushmanager.NewMemoryStreamFactory(":memory:"), flushmanager.NewMemoryStreamFactory(":memory:-log")
	}
	return flushmanager.NewFileStreamFactory(s.Filename), flushmanager.NewFileStreamFactory(flushmanager.LogFilename(s.Filename))
}

// openStore opens or creates the data file, restores the log index and,
// unless read-only, checkpoints whatever the log still holds.
func openStore(ctx context.Context, s Settings, locker *transaction.LockService, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*store, error) {
	dataFactory, logFactory := streamFactories(s)
	cache := memcache.NewMemoryCache(s.CacheSegmentSizes, logger)
	disk, err := flushmanager.NewDiskService(flushmanager.Options{
		Data:     dataFactory,
		Log:      logFactory,
		Password: s.Password,
		ReadOnly: s.ReadOnly,
	}, cache, logger)
	if err != nil {
		return nil, err
	}

	st := &store{
		settings: s,
		logger:   logger,
		metrics:  metrics,
		cache:    cache,
		disk:     disk,
		locker:   locker,
	}
	if err := st.init(ctx); err != nil {
		disk.Close()
		return nil, err
	}
	return st, nil
}

func (st *store) init(ctx context.Context) error {
	s := st.settings
	empty, err := st.disk.IsEmpty()
	if err != nil {
		return err
	}

	if empty {
		if s.ReadOnly {
			return fmt.Errorf("%w: %s is empty", common.ErrInvalidDatafile, s.Filename)
		}
		if st.header, err = st.createHeader(); err != nil {
			return err
		}
	} else if st.header, err = st.loadHeader(); err != nil {
		return err
	}

	st.wal = wal.NewIndexService(st.disk, st.logger)
	if err := st.wal.RestoreIndex(st.header); err != nil {
		return err
	}

	pragmas := st.header.Pragmas()
	if st.collation, err = value.ParseCollation(pragmas.Collation); err != nil {
		return fmt.Errorf("%w: stored collation: %w", common.ErrInvalidDatafile, err)
	}
	st.locker.SetTimeout(pragmas.Timeout)
	st.monitor = transaction.NewTransactionMonitor(st.header, st.locker, st.disk, st.wal, transaction.MonitorOptions{
		MaxTransactionSize: s.MaxTransactionSize,
		ReadOnly:           s.ReadOnly,
	}, st.logger, st.metrics)

	if !s.ReadOnly {
		if length, _ := st.disk.GetFileLength(memcache.OriginLog); length > 0 {
			if _, err := st.monitor.CheckpointLocked(ctx); err != nil {
				return fmt.Errorf("checkpoint after restore: %w", err)
			}
		}
	}

	if unobserve, err := st.metrics.ObserveCache(st.cache.Stats); err == nil {
		st.unobserve = unobserve
	} else {
		st.logger.Warn("cache metrics unavailable", zap.Error(err))
	}
	return nil
}

func (st *store) createHeader() (*pagemanager.HeaderPage, error) {
	header := pagemanager.NewHeaderPage(memcache.NewPageBuffer(), st.settings.pragmas())
	header.Buffer().Position = 0
	if _, err := st.disk.WriteDataDisk(func(yield func(*memcache.PageBuffer) bool) { yield(header.Buffer()) }); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	if size := st.settings.InitialSize; size > common.PageSize {
		size -= size % common.PageSize
		if err := st.disk.SetDataLength(size); err != nil {
			return nil, err
		}
	}
	st.logger.Info("data file created", zap.String("filename", st.settings.Filename))
	return header, nil
}

// loadHeader reads page 0 into a private buffer that lives as long as the
// store; the log may hold a newer version, applied by the restore.
func (st *store) loadHeader() (*pagemanager.HeaderPage, error) {
	for buf, err := range st.disk.ReadFull(memcache.OriginData) {
		if err != nil {
			return nil, err
		}
		own := memcache.NewPageBuffer()
		copy(own.Array, buf.Array)
		own.Position = 0
		return pagemanager.LoadHeaderPage(own)
	}
	return nil, fmt.Errorf("%w: no header page", common.ErrInvalidDatafile)
}

// close rolls back open transactions, checkpoints and closes the files.
// The caller holds the exclusive lock.
func (st *store) close(ctx context.Context) error {
	st.monitor.AbortAll()
	var errs []error
	if !st.settings.ReadOnly {
		if _, err := st.monitor.CheckpointLocked(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if st.unobserve != nil {
		errs = append(errs, st.unobserve())
	}
	errs = append(errs, st.disk.Close())
	return errors.Join(errs...)
}

func (st *store) dataLength() int64 {
	n, _ := st.disk.GetFileLength(memcache.OriginData)
	return n
}
