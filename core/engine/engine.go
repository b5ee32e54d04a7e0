// Package engine is the document storage engine: it opens a data file and
// its log, runs transactions over collections of documents and exposes the
// maintenance operations (checkpoint, rebuild, backup).
package engine

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/gojolite/core/indexing/skiplist"
	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"github.com/sushant-115/gojolite/core/transaction"
	"github.com/sushant-115/gojolite/core/value"
	"github.com/sushant-115/gojolite/core/write_engine/memcache"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojolite/internal/telemetry"
	"github.com/sushant-115/gojolite/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Engine is an open database in direct connection mode. It is safe for
// concurrent use.
type Engine struct {
	id       uuid.UUID
	settings Settings
	logger   *zap.Logger
	metrics  *internaltelemetry.StorageMetrics
	tracer   trace.Tracer

	// locker outlives the store so a rebuild can swap files while holding
	// the exclusive lock.
	locker   *transaction.LockService
	fileLock *common.FileLock

	store  atomic.Pointer[store]
	closed atomic.Bool
}

// Open opens or creates the database described by s. A nil logger or
// telemetry records nothing.
func Open(ctx context.Context, s Settings, logger *zap.Logger, tel *telemetry.Telemetry) (*Engine, error) {
	s = s.withDefaults()
	if s.Connection == ConnectionShared {
		return nil, fmt.Errorf("settings: shared connections are opened with OpenShared")
	}
	return open(ctx, s, logger, tel, true)
}

func open(ctx context.Context, s Settings, logger *zap.Logger, tel *telemetry.Telemetry, lockFile bool) (*Engine, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if tel == nil {
		tel = telemetry.Noop()
	}
	metrics, err := internaltelemetry.NewStorageMetrics(tel.Meter)
	if err != nil {
		logger.Warn("storage metrics unavailable", zap.Error(err))
		metrics = internaltelemetry.Noop()
	}

	e := &Engine{
		id:       uuid.New(),
		settings: s,
		metrics:  metrics,
		tracer:   tel.Tracer,
	}
	e.logger = logger.Named("engine").With(zap.String("instance", e.id.String()))
	e.locker = transaction.NewLockService(s.Timeout, e.logger, metrics)

	if lockFile && !s.MemoryStream {
		e.fileLock = common.NewFileLock(s.Filename + ".lock")
		if err := e.fileLock.TryLock(s.ReadOnly); err != nil {
			return nil, err
		}
	}

	st, err := openStore(ctx, s, e.locker, e.logger, metrics)
	if err != nil {
		e.unlockFile()
		return nil, err
	}
	e.store.Store(st)

	if err := e.checkCollation(ctx, st); err != nil {
		e.Close(ctx)
		return nil, err
	}
	e.logger.Info("engine opened",
		zap.String("filename", s.Filename),
		zap.Bool("readOnly", s.ReadOnly),
		zap.String("collation", e.store.Load().collation.String()),
		zap.Uint32("lastPageID", e.store.Load().header.LastPageID()))
	return e, nil
}

// checkCollation rebuilds the file when the requested collation differs
// from the stored one and AutoRebuild is set. Otherwise the stored one is
// kept.
func (e *Engine) checkCollation(ctx context.Context, st *store) error {
	want := e.settings.Collation
	if want == "" || strings.EqualFold(want, st.collation.String()) {
		return nil
	}
	if !e.settings.AutoRebuild || e.settings.ReadOnly || e.settings.MemoryStream {
		e.logger.Warn("settings collation ignored, data file keeps its own",
			zap.String("requested", want), zap.String("stored", st.collation.String()))
		return nil
	}
	_, err := e.Rebuild(ctx, RebuildOptions{Collation: want})
	return err
}

func (e *Engine) unlockFile() {
	if e.fileLock == nil {
		return
	}
	if err := e.fileLock.Unlock(); err != nil {
		e.logger.Warn("release file lock", zap.Error(err))
	}
}

// Close rolls back open transactions, checkpoints and closes the files.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := e.locker.EnterExclusive(ctx); err != nil {
		e.closed.Store(false)
		return err
	}
	defer e.locker.ExitExclusive()

	st := e.store.Swap(nil)
	var err error
	if st != nil {
		err = st.close(ctx)
	}
	e.unlockFile()
	e.logger.Info("engine closed", zap.Error(err))
	return err
}

func (e *Engine) current() (*store, error) {
	st := e.store.Load()
	if st == nil || e.closed.Load() {
		return nil, common.ErrEngineClosed
	}
	return st, nil
}

// BeginTrans opens an explicit transaction.
func (e *Engine) BeginTrans(ctx context.Context) (*Transaction, error) {
	for {
		st, err := e.current()
		if err != nil {
			return nil, err
		}
		tx, err := st.monitor.BeginTransaction(ctx)
		if err != nil {
			return nil, err
		}
		// a rebuild or close may have replaced the store while we waited
		if cur := e.store.Load(); cur != st {
			tx.Rollback()
			if cur == nil {
				return nil, common.ErrEngineClosed
			}
			continue
		}
		return &Transaction{store: st, tracer: e.tracer, tx: tx}, nil
	}
}

func autoWrite[T any](ctx context.Context, e *Engine, fn func(*Transaction) (T, error)) (T, error) {
	var zero T
	tx, err := e.BeginTrans(ctx)
	if err != nil {
		return zero, err
	}
	out, err := fn(tx)
	if err != nil {
		if tx.State() == transaction.TxnStateActive {
			tx.Rollback()
		}
		return zero, err
	}
	if err := tx.Commit(ctx); err != nil {
		return zero, err
	}
	return out, nil
}

func autoRead[T any](ctx context.Context, e *Engine, fn func(*Transaction) (T, error)) (T, error) {
	tx, err := e.BeginTrans(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	defer tx.Rollback()
	return fn(tx)
}

// Insert stores docs in their own transaction.
func (e *Engine) Insert(ctx context.Context, collection string, docs ...Document) ([]value.Value, error) {
	return autoWrite(ctx, e, func(tx *Transaction) ([]value.Value, error) {
		return tx.Insert(ctx, collection, docs...)
	})
}

func (e *Engine) Update(ctx context.Context, collection string, docs ...Document) (int, error) {
	return autoWrite(ctx, e, func(tx *Transaction) (int, error) {
		return tx.Update(ctx, collection, docs...)
	})
}

func (e *Engine) Upsert(ctx context.Context, collection string, docs ...Document) (int, error) {
	return autoWrite(ctx, e, func(tx *Transaction) (int, error) {
		return tx.Upsert(ctx, collection, docs...)
	})
}

func (e *Engine) Delete(ctx context.Context, collection string, ids ...value.Value) (int, error) {
	return autoWrite(ctx, e, func(tx *Transaction) (int, error) {
		return tx.Delete(ctx, collection, ids...)
	})
}

func (e *Engine) FindByID(ctx context.Context, collection string, id value.Value) (*Document, error) {
	return autoRead(ctx, e, func(tx *Transaction) (*Document, error) {
		return tx.FindByID(ctx, collection, id)
	})
}

func (e *Engine) Load(ctx context.Context, collection string, addr pagemanager.PageAddress) (*Document, error) {
	return autoRead(ctx, e, func(tx *Transaction) (*Document, error) {
		return tx.Load(ctx, collection, addr)
	})
}

func (e *Engine) Count(ctx context.Context, collection string) (int, error) {
	return autoRead(ctx, e, func(tx *Transaction) (int, error) {
		return tx.Count(ctx, collection)
	})
}

func (e *Engine) EnsureIndex(ctx context.Context, collection, name string, unique bool, keyFn KeyFunc) (bool, error) {
	return autoWrite(ctx, e, func(tx *Transaction) (bool, error) {
		return tx.EnsureIndex(ctx, collection, name, unique, keyFn)
	})
}

func (e *Engine) DropIndex(ctx context.Context, collection, name string) (bool, error) {
	return autoWrite(ctx, e, func(tx *Transaction) (bool, error) {
		return tx.DropIndex(ctx, collection, name)
	})
}

func (e *Engine) DropCollection(ctx context.Context, collection string) (bool, error) {
	return autoWrite(ctx, e, func(tx *Transaction) (bool, error) {
		return tx.DropCollection(ctx, collection)
	})
}

func (e *Engine) RenameCollection(ctx context.Context, collection, newName string) (bool, error) {
	return autoWrite(ctx, e, func(tx *Transaction) (bool, error) {
		return tx.RenameCollection(ctx, collection, newName)
	})
}

// Query runs q in a read transaction that lives as long as the iteration.
func (e *Engine) Query(ctx context.Context, collection, index string, q skiplist.Query, order common.Order) iter.Seq2[Result, error] {
	return func(yield func(Result, error) bool) {
		tx, err := e.BeginTrans(ctx)
		if err != nil {
			yield(Result{}, err)
			return
		}
		defer tx.Rollback()
		for res, err := range tx.Query(ctx, collection, index, q, order) {
			if !yield(res, err) {
				return
			}
		}
	}
}

// Find is Query returning the matching documents.
func (e *Engine) Find(ctx context.Context, collection, index string, q skiplist.Query, order common.Order) iter.Seq2[*Document, error] {
	return func(yield func(*Document, error) bool) {
		tx, err := e.BeginTrans(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		defer tx.Rollback()
		for doc, err := range tx.Find(ctx, collection, index, q, order) {
			if !yield(doc, err) {
				return
			}
		}
	}
}

// GetCollectionNames lists collections in name order.
func (e *Engine) GetCollectionNames() ([]string, error) {
	st, err := e.current()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0)
	for name := range st.header.GetCollections() {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int { return strings.Compare(strings.ToLower(a), strings.ToLower(b)) })
	return names, nil
}

// Checkpoint waits for open transactions to finish and moves the log into
// the data file. It returns the number of pages copied.
func (e *Engine) Checkpoint(ctx context.Context) (int, error) {
	st, err := e.current()
	if err != nil {
		return 0, err
	}
	ctx, span := e.tracer.Start(ctx, "engine.Checkpoint")
	defer span.End()

	if err := e.locker.EnterExclusive(ctx); err != nil {
		return 0, err
	}
	defer e.locker.ExitExclusive()
	res, err := st.monitor.CheckpointLocked(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkpoint failed")
		return 0, err
	}
	span.SetAttributes(attribute.Int("gojolite.pages", res.Pages))
	return res.Pages, nil
}

// EngineInfo describes the open database.
type EngineInfo struct {
	InstanceID       string
	Filename         string
	Encrypted        bool
	ReadOnly         bool
	Collections      []string
	LastPageID       uint32
	FreeEmptyPageID  uint32
	DataSize         int64
	LogSize          int64
	CreationTime     time.Time
	Pragmas          pagemanager.Pragmas
	OpenTransactions int
	Cache            memcache.Stats
	// DiskReads and DiskWrites count pages moved through the data and log
	// streams since open.
	DiskReads  int64
	DiskWrites int64
}

func (e *Engine) Info() (EngineInfo, error) {
	st, err := e.current()
	if err != nil {
		return EngineInfo{}, err
	}
	names, err := e.GetCollectionNames()
	if err != nil {
		return EngineInfo{}, err
	}
	logSize, _ := st.disk.GetFileLength(memcache.OriginLog)
	reads, writes := st.disk.Counters()
	return EngineInfo{
		InstanceID:       e.id.String(),
		Filename:         e.settings.Filename,
		Encrypted:        e.settings.Password != "",
		ReadOnly:         e.settings.ReadOnly,
		Collections:      names,
		LastPageID:       st.header.LastPageID(),
		FreeEmptyPageID:  st.header.FreeEmptyPageList(),
		DataSize:         st.dataLength(),
		LogSize:          logSize,
		CreationTime:     st.header.CreationTime(),
		Pragmas:          st.header.Pragmas(),
		OpenTransactions: st.monitor.OpenTransactions(),
		Cache:            st.cache.Stats(),
		DiskReads:        reads,
		DiskWrites:       writes,
	}, nil
}

// DumpPage describes page pageID as the last committed transaction left it,
// followed by the versions of it still waiting in the log.
func (e *Engine) DumpPage(ctx context.Context, pageID uint32) (string, error) {
	return autoRead(ctx, e, func(tx *Transaction) (string, error) {
		if last := tx.store.header.LastPageID(); pageID > last {
			return "", fmt.Errorf("%w: page %d beyond last page %d", common.ErrInvalidPage, pageID, last)
		}
		if pageID == 0 {
			return tx.store.header.String(), nil
		}
		snap, err := tx.tx.CreateSnapshot(ctx, transaction.LockRead, "$page")
		if err != nil {
			return "", err
		}
		page, err := snap.GetPage(pageID)
		if err != nil {
			return "", err
		}
		out := page.Base().String()
		if versions := tx.store.wal.Versions(pageID); len(versions) > 0 {
			out += fmt.Sprintf("\nlog versions: %v", versions)
		}
		return out, nil
	})
}

// OrderBy sorts items with the external sort, spilling to a temporary file
// next to the data file once they exceed SortContainerSize.
func (e *Engine) OrderBy(ctx context.Context, items iter.Seq[SortItem], order common.Order) iter.Seq2[SortItem, error] {
	return e.orderBy(ctx, items, order)
}
