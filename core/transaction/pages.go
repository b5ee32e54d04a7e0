package transaction

import (
	"github.com/sushant-115/gojolite/core/storage_engine/common"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"github.com/sushant-115/gojolite/core/write_engine/wal"
)

// TransactionPages tracks the pages a transaction touched across all of its
// snapshots.
type TransactionPages struct {
	// TransactionSize counts pages held in memory since the last safepoint.
	TransactionSize int

	// DirtyPages maps pages already written to the log by this transaction
	// to their log position.
	DirtyPages map[uint32]int64

	// NewPages lists pages allocated by this transaction, in order.
	NewPages []uint32

	// Deleted pages form a chain linked through NextPageID that is spliced
	// into the header empty list on commit.
	FirstDeletedPageID uint32
	LastDeletedPageID  uint32
	DeletedPages       int

	onCommit []func(*pagemanager.HeaderPage) error
}

func newTransactionPages() *TransactionPages {
	return &TransactionPages{
		DirtyPages:         make(map[uint32]int64),
		FirstDeletedPageID: common.EmptyPageID,
		LastDeletedPageID:  common.EmptyPageID,
	}
}

// HeaderChanged reports whether commit must write a new header version.
func (p *TransactionPages) HeaderChanged() bool {
	return len(p.NewPages) > 0 || p.DeletedPages > 0 || len(p.onCommit) > 0
}

// OnCommit registers a header change applied under the header lock when
// the transaction commits.
func (p *TransactionPages) OnCommit(fn func(*pagemanager.HeaderPage) error) {
	p.onCommit = append(p.onCommit, fn)
}

func (p *TransactionPages) runOnCommit(h *pagemanager.HeaderPage) error {
	for _, fn := range p.onCommit {
		if err := fn(h); err != nil {
			return err
		}
	}
	return nil
}

func (p *TransactionPages) positions() []wal.PagePosition {
	out := make([]wal.PagePosition, 0, len(p.DirtyPages))
	for id, pos := range p.DirtyPages {
		out = append(out, wal.PagePosition{PageID: id, Position: pos})
	}
	return out
}
