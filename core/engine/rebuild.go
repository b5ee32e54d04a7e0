package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"github.com/sushant-115/gojolite/core/transaction"
	"github.com/sushant-115/gojolite/core/value"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// RebuildOptions change the rebuilt file. Zero values keep the current
// collation and password.
type RebuildOptions struct {
	Collation string
	// Password replaces the current one; a pointer to "" removes encryption.
	Password *string
}

// RebuildResult reports a rebuild.
type RebuildResult struct {
	SizeBefore  int64
	SizeAfter   int64
	Collections int
	Documents   int
}

// Reclaimed is the number of bytes the rebuild gave back.
func (r RebuildResult) Reclaimed() int64 { return r.SizeBefore - r.SizeAfter }

func siblingName(filename, suffix string) string {
	ext := filepath.Ext(filename)
	return strings.TrimSuffix(filename, ext) + suffix + ext
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Rebuild copies every collection into a fresh file, which drops free
// pages and fragmentation, and swaps it in. The previous file is kept
// with a "-backup" suffix.
func (e *Engine) Rebuild(ctx context.Context, opts RebuildOptions) (RebuildResult, error) {
	var res RebuildResult
	if e.settings.MemoryStream {
		return res, fmt.Errorf("rebuild: in-memory database has no data file")
	}
	if e.settings.ReadOnly {
		return res, common.ErrReadOnly
	}
	if opts.Collation != "" {
		if _, err := value.ParseCollation(opts.Collation); err != nil {
			return res, err
		}
	}

	ctx, span := e.tracer.Start(ctx, "engine.Rebuild")
	defer span.End()

	if err := e.locker.EnterExclusive(ctx); err != nil {
		return res, err
	}
	defer e.locker.ExitExclusive()

	st, err := e.current()
	if err != nil {
		return res, err
	}
	res.SizeBefore = st.dataLength()

	target := e.settings
	if opts.Collation != "" {
		target.Collation = opts.Collation
	}
	if opts.Password != nil {
		target.Password = *opts.Password
	}

	if err = st.close(ctx); err != nil {
		err = fmt.Errorf("rebuild: close source: %w", err)
	} else if res, err = e.rebuildInto(ctx, target, res); err == nil {
		err = e.swapFiles()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rebuild failed")
		// reopen whatever file is in place so the engine stays usable
		target = e.settings
	}

	next, oerr := openStore(ctx, target, e.locker, e.logger, e.metrics)
	if oerr != nil {
		e.store.Store(nil)
		e.closed.Store(true)
		return res, errors.Join(err, fmt.Errorf("rebuild: reopen: %w", oerr))
	}
	e.settings = target
	e.store.Store(next)
	if err != nil {
		return res, err
	}

	res.SizeAfter = next.dataLength()
	span.SetAttributes(
		attribute.Int64("gojolite.size_before", res.SizeBefore),
		attribute.Int64("gojolite.size_after", res.SizeAfter),
		attribute.Int("gojolite.documents", res.Documents),
	)
	e.logger.Info("rebuild finished",
		zap.Int64("sizeBefore", res.SizeBefore),
		zap.Int64("sizeAfter", res.SizeAfter),
		zap.Int("collections", res.Collections),
		zap.Int("documents", res.Documents),
		zap.String("collation", next.collation.String()))
	return res, nil
}

// rebuildInto copies the closed data file into a temporary file built with
// target settings. The temporary file is removed on failure.
func (e *Engine) rebuildInto(ctx context.Context, target Settings, res RebuildResult) (RebuildResult, error) {
	source := e.settings
	source.ReadOnly = true
	src, err := openStore(ctx, source, transaction.NewLockService(source.Timeout, e.logger, e.metrics), e.logger.Named("rebuild_source"), e.metrics)
	if err != nil {
		return res, fmt.Errorf("rebuild: open source: %w", err)
	}
	defer src.close(ctx)

	pragmas := src.header.Pragmas()
	target.Filename = siblingName(e.settings.Filename, "-temp")
	target.Timeout = pragmas.Timeout
	target.LimitSize = pragmas.LimitSize
	target.UTCDate = pragmas.UTCDate
	target.CheckpointSize = pragmas.Checkpoint
	if target.Collation == "" {
		target.Collation = pragmas.Collation
	}
	if err := e.removeTemp(target.Filename); err != nil {
		return res, err
	}

	dst, err := openStore(ctx, target, transaction.NewLockService(target.Timeout, e.logger, e.metrics), e.logger.Named("rebuild_target"), e.metrics)
	if err != nil {
		return res, fmt.Errorf("rebuild: create target: %w", err)
	}

	res, err = copyStore(ctx, src, dst, res, pragmas.UserVersion)
	if cerr := dst.close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		if rerr := e.removeTemp(target.Filename); rerr != nil {
			e.logger.Warn("remove rebuild file", zap.Error(rerr))
		}
		return res, fmt.Errorf("rebuild: %w", err)
	}
	return res, nil
}

func (e *Engine) removeTemp(filename string) error {
	return errors.Join(removeIfExists(filename), removeIfExists(flushmanager.LogFilename(filename)))
}

// swapFiles keeps the source as the backup file and moves the rebuilt file
// in its place.
func (e *Engine) swapFiles() error {
	name := e.settings.Filename
	backup := siblingName(name, "-backup")
	if err := removeIfExists(backup); err != nil {
		return err
	}
	if err := os.Rename(name, backup); err != nil {
		return fmt.Errorf("rebuild: keep backup: %w", err)
	}
	if err := os.Rename(siblingName(name, "-temp"), name); err != nil {
		// put the source back
		return errors.Join(fmt.Errorf("rebuild: move rebuilt file: %w", err), os.Rename(backup, name))
	}
	return nil
}

// copyStore copies collections one transaction each: index definitions
// first, then every document with its index keys.
func copyStore(ctx context.Context, src, dst *store, res RebuildResult, userVersion int32) (RebuildResult, error) {
	for name := range src.header.GetCollections() {
		n, err := copyCollection(ctx, src, dst, name)
		if err != nil {
			return res, fmt.Errorf("collection %s: %w", name, err)
		}
		res.Collections++
		res.Documents += n
	}

	tx, err := dst.monitor.BeginTransaction(ctx)
	if err != nil {
		return res, err
	}
	tx.Pages().OnCommit(func(h *pagemanager.HeaderPage) error {
		p := h.Pragmas()
		p.UserVersion = userVersion
		return h.SetPragmas(p)
	})
	return res, tx.Commit()
}

func copyCollection(ctx context.Context, src, dst *store, name string) (int, error) {
	stx, err := src.monitor.BeginTransaction(ctx)
	if err != nil {
		return 0, err
	}
	from := &Transaction{store: src, tx: stx}
	defer stx.Rollback()

	dtx, err := dst.monitor.BeginTransaction(ctx)
	if err != nil {
		return 0, err
	}
	to := &Transaction{store: dst, tx: dtx}

	sv, err := from.view(ctx, transaction.LockRead, name)
	if err != nil {
		return 0, to.fail(err)
	}
	dv, err := to.writeView(ctx, name, true)
	if err != nil {
		return 0, to.fail(err)
	}
	for _, ci := range sv.snap.CollectionPage().GetCollectionIndexes()[1:] {
		if _, err := dv.indexes.CreateIndex(ci.Name, ci.Unique); err != nil {
			return 0, to.fail(err)
		}
	}

	n := 0
	for node, err := range sv.indexes.FindAll(sv.pk(), common.Ascending) {
		if err != nil {
			return n, to.fail(err)
		}
		record, err := sv.data.Read(node.DataBlock())
		if err != nil {
			return n, to.fail(err)
		}
		keys, err := from.documentKeys(sv, node.Position())
		if err != nil {
			return n, to.fail(err)
		}
		if err := to.insertRecord(dv, node.Key(), record, keys); err != nil {
			return n, to.fail(fmt.Errorf("document %s: %w", node.Key(), err))
		}
		if err := dtx.Safepoint(); err != nil {
			return n, to.fail(err)
		}
		n++
	}
	return n, dtx.Commit()
}
