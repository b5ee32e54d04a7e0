// Package wal indexes the pages of the log file by version so snapshots can
// read the committed state they started from, and moves confirmed pages
// into the data file on checkpoint.
package wal

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sushant-115/gojolite/core/storage_engine/common"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	"github.com/sushant-115/gojolite/core/write_engine/memcache"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// PagePosition is a page id and where one version of it lives.
type PagePosition struct {
	PageID   uint32
	Position int64
}

type pageVersion struct {
	version  int
	position int64
}

// CheckpointResult describes one checkpoint run.
type CheckpointResult struct {
	Pages    int
	Duration time.Duration
}

// IndexService is the in-memory index of the log: page id to the log
// positions of each confirmed version.
type IndexService struct {
	logger *zap.Logger
	disk   *flushmanager.DiskService

	mu                 sync.RWMutex
	confirmed          map[uint32]struct{}
	index              map[uint32][]pageVersion
	currentReadVersion int

	lastTransactionID atomic.Uint32
}

func NewIndexService(disk *flushmanager.DiskService, logger *zap.Logger) *IndexService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IndexService{
		logger:    logger.Named("wal"),
		disk:      disk,
		confirmed: make(map[uint32]struct{}),
		index:     make(map[uint32][]pageVersion),
	}
}

// CurrentReadVersion is the version a new snapshot reads at.
func (w *IndexService) CurrentReadVersion() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.currentReadVersion
}

func (w *IndexService) LastTransactionID() uint32 { return w.lastTransactionID.Load() }

// NextTransactionID hands out transaction ids; zero is never used.
func (w *IndexService) NextTransactionID() uint32 { return w.lastTransactionID.Add(1) }

// ConfirmedTransactions counts transactions indexed since the last checkpoint.
func (w *IndexService) ConfirmedTransactions() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.confirmed)
}

// Clear drops the whole index after the log was moved to the data file.
func (w *IndexService) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.confirmed)
	clear(w.index)
	w.currentReadVersion = 0
}

// GetPageIndex returns the log position of the newest version of pageID
// visible at version, with that version. ok is false when the page must be
// read from the data file.
func (w *IndexService) GetPageIndex(pageID uint32, version int) (position int64, walVersion int, ok bool) {
	if version == 0 {
		return 0, 0, false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()

	versions := w.index[pageID]
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].version <= version {
			return versions[i].position, versions[i].version, true
		}
	}
	return 0, 0, false
}

// ConfirmTransaction publishes the pages of a committed transaction as a
// new read version.
func (w *IndexService) ConfirmTransaction(txID uint32, pages []PagePosition) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.currentReadVersion++
	for _, p := range pages {
		w.index[p.PageID] = append(w.index[p.PageID], pageVersion{version: w.currentReadVersion, position: p.Position})
	}
	w.confirmed[txID] = struct{}{}
}

// Exists reports whether any version of pageID is in the log.
func (w *IndexService) Exists(pageID uint32) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.index[pageID]
	return ok
}

// RestoreIndex rebuilds the index from the log file. Pages are grouped by
// transaction and only transactions closed by a confirmed page are
// indexed. The newest confirmed header version replaces header.
func (w *IndexService) RestoreIndex(header *pagemanager.HeaderPage) error {
	start := time.Now()
	pending := make(map[uint32][]PagePosition)
	pages, confirmedTx := 0, 0

	for buf, err := range w.disk.ReadFull(memcache.OriginLog) {
		if err != nil {
			return fmt.Errorf("restore log index: %w", err)
		}
		pages++
		if buf.IsBlank() {
			continue
		}
		page := pagemanager.WrapBasePage(buf)
		txID := page.TransactionID()
		pending[txID] = append(pending[txID], PagePosition{PageID: page.PageID(), Position: buf.Position})

		if page.IsConfirmed() {
			w.ConfirmTransaction(txID, pending[txID])
			delete(pending, txID)
			confirmedTx++
			if page.PageType() == pagemanager.PageTypeHeader {
				if err := header.Reload(buf.Array); err != nil {
					return fmt.Errorf("restore header from log position %d: %w", buf.Position, err)
				}
			}
		}
		if txID > w.lastTransactionID.Load() {
			w.lastTransactionID.Store(txID)
		}
	}

	w.logger.Info("log index restored",
		zap.Int("logPages", pages),
		zap.Int("confirmedTransactions", confirmedTx),
		zap.Int("discardedTransactions", len(pending)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// Checkpoint copies every confirmed log page to its data file position in
// log order, then empties the log, the index and the cache. The caller must
// hold the exclusive engine lock so no page is in use.
func (w *IndexService) Checkpoint() (CheckpointResult, error) {
	start := time.Now()
	length, err := w.disk.GetFileLength(memcache.OriginLog)
	if err != nil {
		return CheckpointResult{}, err
	}
	if length == 0 {
		return CheckpointResult{}, nil
	}
	if n := w.disk.Cache().PagesInUse(); n > 0 {
		return CheckpointResult{}, fmt.Errorf("%w: %d pages held during checkpoint", common.ErrCacheInUse, n)
	}

	w.mu.RLock()
	confirmed := make(map[uint32]struct{}, len(w.confirmed))
	for id := range w.confirmed {
		confirmed[id] = struct{}{}
	}
	w.mu.RUnlock()

	var readErr error
	source := func(yield func(*memcache.PageBuffer) bool) {
		for buf, err := range w.disk.ReadFull(memcache.OriginLog) {
			if err != nil {
				readErr = err
				return
			}
			if buf.IsBlank() {
				continue
			}
			page := pagemanager.WrapBasePage(buf)
			if _, ok := confirmed[page.TransactionID()]; !ok {
				continue
			}
			page.SetTransaction(0, false)
			buf.Position = pagemanager.PagePosition(page.PageID())
			if !yield(buf) {
				return
			}
		}
	}

	count, err := w.disk.WriteDataDisk(source)
	if err == nil {
		err = readErr
	}
	if err != nil {
		// the log is untouched, so the checkpoint can run again
		return CheckpointResult{Pages: count}, fmt.Errorf("checkpoint: %w", err)
	}

	if err := w.disk.ResetLogPosition(true); err != nil {
		return CheckpointResult{Pages: count}, fmt.Errorf("checkpoint: %w", err)
	}
	if _, err := w.disk.Cache().Clear(); err != nil {
		return CheckpointResult{Pages: count}, fmt.Errorf("checkpoint: %w", err)
	}
	w.Clear()

	res := CheckpointResult{Pages: count, Duration: time.Since(start)}
	w.logger.Info("checkpoint completed", zap.Int("pages", res.Pages), zap.Duration("elapsed", res.Duration))
	return res, nil
}

// Versions lists the indexed versions of pageID, oldest first.
func (w *IndexService) Versions(pageID uint32) []int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]int, 0, len(w.index[pageID]))
	for _, v := range w.index[pageID] {
		out = append(out, v.version)
	}
	return slices.Clip(out)
}
