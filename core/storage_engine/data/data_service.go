// Package data stores opaque payloads as chains of data blocks. A payload
// larger than one page is split across blocks linked by their next block
// address; the address of the first block identifies the payload.
package data

import (
	"fmt"
	"iter"

	"github.com/sushant-115/gojolite/core/storage_engine/bufferio"
	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"github.com/sushant-115/gojolite/core/transaction"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// DataService reads and writes payloads of the snapshot's collection.
type DataService struct {
	snapshot *transaction.Snapshot
}

func NewDataService(snapshot *transaction.Snapshot) *DataService {
	return &DataService{snapshot: snapshot}
}

func checkSize(n int) error {
	if n > common.MaxDocumentSize {
		return fmt.Errorf("%w: %d bytes, limit %d", common.ErrDocumentTooLarge, n, common.MaxDocumentSize)
	}
	return nil
}

// Insert stores payload and returns the address of its first block. An
// empty payload still takes one block.
func (s *DataService) Insert(payload []byte) (pagemanager.PageAddress, error) {
	if err := checkSize(len(payload)); err != nil {
		return pagemanager.EmptyAddress, err
	}
	first := pagemanager.EmptyAddress
	var last *pagemanager.DataBlock

	for rest := payload; last == nil || len(rest) > 0; {
		n := min(len(rest), pagemanager.MaxDataBytesPerPage)
		page, err := s.snapshot.GetFreeDataPage(n + pagemanager.DataBlockFixedSize)
		if err != nil {
			return pagemanager.EmptyAddress, err
		}
		block, err := page.InsertBlock(n, last != nil)
		if err != nil {
			return pagemanager.EmptyAddress, err
		}
		copy(block.Buffer(), rest[:n])
		if last == nil {
			first = block.Position()
		} else {
			last.SetNextBlock(block.Position())
		}
		if err := s.snapshot.AddOrRemoveFreeDataList(page); err != nil {
			return pagemanager.EmptyAddress, err
		}
		last, rest = block, rest[n:]
	}
	return first, nil
}

// Update rewrites the payload at addr in place, reusing its blocks and
// growing or trimming the chain as needed. The address does not change.
func (s *DataService) Update(addr pagemanager.PageAddress, payload []byte) error {
	if err := checkSize(len(payload)); err != nil {
		return err
	}
	next := addr
	var last *pagemanager.DataBlock

	for rest := payload; last == nil || len(rest) > 0; {
		var (
			block *pagemanager.DataBlock
			n     int
		)
		if !next.IsEmpty() {
			page, err := s.snapshot.GetDataPage(next.PageID)
			if err != nil {
				return err
			}
			current, err := page.GetBlock(next.Index)
			if err != nil {
				return err
			}
			n = min(len(rest), page.FreeBytes()+len(current.Buffer()))
			if block, err = page.UpdateBlock(current, n); err != nil {
				return err
			}
			if err := s.snapshot.AddOrRemoveFreeDataList(page); err != nil {
				return err
			}
			next = block.NextBlock()
		} else {
			n = min(len(rest), pagemanager.MaxDataBytesPerPage)
			page, err := s.snapshot.GetFreeDataPage(n + pagemanager.DataBlockFixedSize)
			if err != nil {
				return err
			}
			if block, err = page.InsertBlock(n, true); err != nil {
				return err
			}
			last.SetNextBlock(block.Position())
			if err := s.snapshot.AddOrRemoveFreeDataList(page); err != nil {
				return err
			}
		}
		copy(block.Buffer(), rest[:n])
		last, rest = block, rest[n:]
	}

	// blocks the shorter payload no longer needs
	if tail := last.NextBlock(); !tail.IsEmpty() {
		last.SetNextBlock(pagemanager.EmptyAddress)
		return s.Delete(tail)
	}
	return nil
}

// Blocks walks the block chain starting at addr.
func (s *DataService) Blocks(addr pagemanager.PageAddress) iter.Seq2[*pagemanager.DataBlock, error] {
	return func(yield func(*pagemanager.DataBlock, error) bool) {
		for next := addr; !next.IsEmpty(); {
			page, err := s.snapshot.GetDataPage(next.PageID)
			if err != nil {
				yield(nil, err)
				return
			}
			block, err := page.GetBlock(next.Index)
			if err != nil {
				yield(nil, fmt.Errorf("data block %s: %w", next, err))
				return
			}
			if next != addr && !block.Extend() {
				yield(nil, fmt.Errorf("%w: block %s continues a chain but is not marked as extension", common.ErrCorruptedPage, next))
				return
			}
			if !yield(block, nil) {
				return
			}
			next = block.NextBlock()
		}
	}
}

// Reader returns a reader over the payload at addr without copying it. The
// reader is valid until the snapshot changes.
func (s *DataService) Reader(addr pagemanager.PageAddress) (*bufferio.BufferReader, error) {
	var parts [][]byte
	for block, err := range s.Blocks(addr) {
		if err != nil {
			return nil, err
		}
		parts = append(parts, block.Buffer())
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: %s", common.ErrDocumentNotFound, addr)
	}
	return bufferio.NewReader(bufferio.Slices(parts...)), nil
}

// Read returns a copy of the payload at addr.
func (s *DataService) Read(addr pagemanager.PageAddress) ([]byte, error) {
	out := []byte{}
	found := false
	for block, err := range s.Blocks(addr) {
		if err != nil {
			return nil, err
		}
		out = append(out, block.Buffer()...)
		found = true
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", common.ErrDocumentNotFound, addr)
	}
	return out, nil
}

// Delete removes every block of the payload at addr.
func (s *DataService) Delete(addr pagemanager.PageAddress) error {
	for next := addr; !next.IsEmpty(); {
		page, err := s.snapshot.GetDataPage(next.PageID)
		if err != nil {
			return err
		}
		block, err := page.GetBlock(next.Index)
		if err != nil {
			return err
		}
		following := block.NextBlock()
		if err := page.DeleteBlock(next.Index); err != nil {
			return err
		}
		if err := s.snapshot.AddOrRemoveFreeDataList(page); err != nil {
			return err
		}
		next = following
	}
	return nil
}
