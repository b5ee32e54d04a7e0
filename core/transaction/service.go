package transaction

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"github.com/sushant-115/gojolite/core/write_engine/memcache"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"github.com/sushant-115/gojolite/core/write_engine/wal"
	"go.uber.org/zap"
)

// TransactionService is one explicit transaction. It is not bound to a
// goroutine, but its snapshots must not be used concurrently.
type TransactionService struct {
	monitor   *TransactionMonitor
	id        uint32
	startTime time.Time

	mu        sync.Mutex
	state     TransactionState
	pages     *TransactionPages
	snapshots map[string]*Snapshot
}

func (t *TransactionService) ID() uint32               { return t.id }
func (t *TransactionService) StartTime() time.Time     { return t.startTime }
func (t *TransactionService) Pages() *TransactionPages { return t.pages }

func (t *TransactionService) State() TransactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *TransactionService) checkActive() error {
	if t.state != TxnStateActive {
		return fmt.Errorf("%w: transaction %d is %s", common.ErrTransactionNotActive, t.id, t.state)
	}
	return nil
}

// CreateSnapshot returns the snapshot of collection, taking its lock. A
// read snapshot is replaced by a write snapshot when write access is asked
// for later in the same transaction.
func (t *TransactionService) CreateSnapshot(ctx context.Context, mode LockMode, collection string) (*Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	m := t.monitor
	if mode == LockWrite && m.readOnly {
		return nil, common.ErrReadOnly
	}

	key := strings.ToLower(collection)
	if snap, ok := t.snapshots[key]; ok {
		if snap.mode == LockWrite || mode == LockRead {
			return snap, nil
		}
		if err := m.locker.UpgradeCollection(ctx, collection); err != nil {
			return nil, err
		}
		snap.dispose()
		delete(t.snapshots, key)
	} else if err := m.locker.EnterCollection(ctx, collection, mode); err != nil {
		return nil, err
	}

	snap, err := newSnapshot(t, mode, collection)
	if err != nil {
		m.locker.ExitCollection(collection, mode)
		return nil, err
	}
	t.snapshots[key] = snap
	return snap, nil
}

// Safepoint writes dirty pages to the log, unconfirmed, once the
// transaction holds MaxTransactionSize pages, and drops them from memory.
func (t *TransactionService) Safepoint() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return err
	}
	if t.pages.TransactionSize < t.monitor.maxTransactionSize {
		return nil
	}
	if err := t.persistDirtyPages(false, false); err != nil {
		return fmt.Errorf("safepoint transaction %d: %w", t.id, err)
	}
	for _, snap := range t.snapshots {
		snap.clear()
	}
	t.pages.TransactionSize = 0
	t.monitor.logger.Debug("transaction safepoint", zap.Uint32("txID", t.id), zap.Int("logPages", len(t.pages.DirtyPages)))
	return nil
}

func (t *TransactionService) hasDirtyPages() bool {
	for _, snap := range t.snapshots {
		if len(snap.writablePages(true, true)) > 0 {
			return true
		}
	}
	return false
}

// Commit writes every dirty page to the log and confirms the transaction.
// A failed commit rolls the transaction back before returning.
func (t *TransactionService) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return err
	}
	h := t.monitor.header

	// the header closes the transaction when it changed, or when only
	// safepoint pages are left to confirm
	withHeader := t.pages.HeaderChanged() || (len(t.pages.DirtyPages) > 0 && !t.hasDirtyPages())

	var err error
	if withHeader {
		h.Lock()
		savepoint := h.Savepoint()
		err = t.persistDirtyPages(true, true)
		if err != nil {
			h.Restore(savepoint)
		}
		h.Unlock()
	} else {
		err = t.persistDirtyPages(true, false)
	}
	if err != nil {
		t.monitor.logger.Warn("commit failed, rolling back", zap.Uint32("txID", t.id), zap.Error(err))
		if rerr := t.rollbackLocked(); rerr != nil {
			t.monitor.logger.Error("rollback after failed commit", zap.Uint32("txID", t.id), zap.Error(rerr))
		}
		return fmt.Errorf("commit transaction %d: %w", t.id, err)
	}

	t.state = TxnStateCommitted
	t.done("committed")
	return nil
}

// persistDirtyPages writes the dirty pages of every write snapshot to the
// log. On commit the last page written is marked confirmed, or a header
// copy is appended as the confirmed page when withHeader is set. The caller
// holds the header lock when withHeader is set.
func (t *TransactionService) persistDirtyPages(commit, withHeader bool) error {
	m := t.monitor
	h := m.header

	if commit && t.pages.DeletedPages > 0 {
		snap := t.writeSnapshotFor(t.pages.LastDeletedPageID)
		if snap == nil {
			return fmt.Errorf("deleted pages without a write snapshot")
		}
		last, err := snap.GetPage(t.pages.LastDeletedPageID)
		if err != nil {
			return err
		}
		last.Base().SetNextPageID(h.FreeEmptyPageList())
		h.SetFreeEmptyPageList(t.pages.FirstDeletedPageID)
	}

	var dirty []pagemanager.Page
	for _, snap := range t.snapshots {
		dirty = append(dirty, snap.writablePages(true, commit)...)
	}

	buffers := make([]*memcache.PageBuffer, 0, len(dirty)+1)
	ids := make([]uint32, 0, len(dirty))
	for i, page := range dirty {
		buf := page.UpdateBuffer()
		base := page.Base()
		base.SetTransaction(t.id, commit && !withHeader && i == len(dirty)-1)
		buffers = append(buffers, buf)
		ids = append(ids, base.PageID())
	}

	var headerCopy *memcache.PageBuffer
	if withHeader {
		if err := t.pages.runOnCommit(h); err != nil {
			return err
		}
		headerCopy = m.disk.NewPage()
		h.Clone(headerCopy)
		pagemanager.WrapBasePage(headerCopy).SetTransaction(t.id, true)
		buffers = append(buffers, headerCopy)
	}
	if len(buffers) == 0 {
		return nil
	}

	positions, err := m.disk.WriteLogDisk(buffers)
	if err != nil {
		if headerCopy != nil {
			m.disk.DiscardPage(headerCopy)
		}
		return err
	}
	m.metrics.LogPagesCounter.Add(context.Background(), int64(len(buffers)))

	// written buffers now belong to the cache; clean copies go back to it
	for i, id := range ids {
		t.pages.DirtyPages[id] = positions[i]
	}
	for _, snap := range t.snapshots {
		for _, page := range snap.writablePages(false, commit) {
			m.disk.DiscardPage(page.Base().Buffer())
		}
		snap.forgetWritable(commit)
	}

	if commit {
		m.wal.ConfirmTransaction(t.id, t.pages.positions())
	}
	return nil
}

// writeSnapshotFor prefers the write snapshot already holding pageID so
// its in-memory version is the one changed.
func (t *TransactionService) writeSnapshotFor(pageID uint32) *Snapshot {
	var fallback *Snapshot
	for _, snap := range t.snapshots {
		if snap.mode != LockWrite {
			continue
		}
		if snap.holds(pageID) {
			return snap
		}
		fallback = snap
	}
	return fallback
}

// Rollback discards every change. Pages allocated by the transaction are
// handed back to the empty page list by a separate system transaction.
func (t *TransactionService) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return err
	}
	return t.rollbackLocked()
}

func (t *TransactionService) rollbackLocked() error {
	var err error
	if len(t.pages.NewPages) > 0 {
		err = t.returnNewPages()
	}
	t.state = TxnStateAborted
	t.done("aborted")
	t.monitor.logger.Debug("transaction rolled back", zap.Uint32("txID", t.id), zap.Int("newPages", len(t.pages.NewPages)))
	return err
}

func (t *TransactionService) returnNewPages() error {
	m := t.monitor
	h := m.header
	txID := m.wal.NextTransactionID()

	h.Lock()
	defer h.Unlock()
	savepoint := h.Savepoint()

	newPages := t.pages.NewPages
	buffers := make([]*memcache.PageBuffer, 0, len(newPages)+1)
	for i, pageID := range newPages {
		next := h.FreeEmptyPageList()
		if i < len(newPages)-1 {
			next = newPages[i+1]
		}
		buf := m.disk.NewPage()
		page := pagemanager.NewBasePage(buf, pageID, pagemanager.PageTypeEmpty)
		page.SetNextPageID(next)
		page.SetTransaction(txID, false)
		buffers = append(buffers, buf)
	}
	h.SetFreeEmptyPageList(newPages[0])

	headerCopy := m.disk.NewPage()
	h.Clone(headerCopy)
	pagemanager.WrapBasePage(headerCopy).SetTransaction(txID, true)
	buffers = append(buffers, headerCopy)

	positions, err := m.disk.WriteLogDisk(buffers)
	if err != nil {
		h.Restore(savepoint)
		for _, buf := range buffers {
			m.disk.DiscardPage(buf)
		}
		return fmt.Errorf("return new pages of transaction %d: %w", t.id, err)
	}
	m.metrics.LogPagesCounter.Add(context.Background(), int64(len(buffers)))

	confirmed := make([]wal.PagePosition, len(newPages))
	for i, pageID := range newPages {
		confirmed[i] = wal.PagePosition{PageID: pageID, Position: positions[i]}
	}
	m.wal.ConfirmTransaction(txID, confirmed)
	return nil
}

// done releases snapshots and locks and unregisters the transaction.
func (t *TransactionService) done(outcome string) {
	m := t.monitor
	for key, snap := range t.snapshots {
		snap.dispose()
		m.locker.ExitCollection(snap.collectionName, snap.mode)
		delete(t.snapshots, key)
	}
	m.metrics.TransactionFinished(context.Background(), outcome)
	m.releaseTransaction(t)
}
