package extsort

import (
	"iter"
	"slices"

	"github.com/sushant-115/gojolite/core/storage_engine/bufferio"
	"github.com/sushant-115/gojolite/core/value"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// SortItem is one key with the address of the document it belongs to.
type SortItem struct {
	Key     value.Value
	Address pagemanager.PageAddress
}

// Length is the serialized size of the item inside a container.
func (i SortItem) Length() int {
	return bufferio.KeyLength(i.Key) + pagemanager.PageAddressSize
}

// SortContainer is one sorted run. A run that never spilled keeps its
// items in memory; a spilled run is read back from the sort file one page
// at a time.
type SortContainer struct {
	items    []SortItem
	count    int
	seq      int
	position int64
	spilled  bool

	reader  *bufferio.BufferReader
	readErr error
	read    int
	current SortItem
}

func newSortContainer(items []SortItem, collation *value.Collation, order int) *SortContainer {
	slices.SortStableFunc(items, func(a, b SortItem) int {
		return a.Key.Compare(b.Key, collation) * order
	})
	return &SortContainer{items: items, count: len(items)}
}

// Count is the number of items in the run.
func (c *SortContainer) Count() int { return c.count }

// Position is the region of the sort file holding the run, when spilled.
func (c *SortContainer) Position() (int64, bool) { return c.position, c.spilled }

// spill writes the run to disk and drops the in-memory items.
func (c *SortContainer) spill(disk *SortDisk) error {
	buf := make([]byte, disk.ContainerSize())
	w := bufferio.NewBytesWriter(buf)
	for _, item := range c.items {
		w.WriteIndexKey(item.Key)
		pagemanager.WritePageAddress(w, item.Address)
	}
	w.Close()
	if err := w.Err(); err != nil {
		return err
	}

	c.position = disk.Allocate()
	if err := disk.Write(c.position, buf); err != nil {
		disk.Return(c.position)
		return err
	}
	c.spilled = true
	c.items = nil
	return nil
}

// open positions the run before its first item.
func (c *SortContainer) open(disk *SortDisk) {
	c.read = 0
	c.readErr = nil
	if c.spilled {
		c.reader = bufferio.NewReader(c.pages(disk))
	}
}

// pages feeds the reader and keeps the first read error, which the reader
// itself would only see as a short buffer.
func (c *SortContainer) pages(disk *SortDisk) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for page, err := range disk.Pages(c.position) {
			if err != nil {
				c.readErr = err
				return
			}
			if !yield(page) {
				return
			}
		}
	}
}

// next loads the following item into Current.
func (c *SortContainer) next() (bool, error) {
	if c.read >= c.count {
		return false, nil
	}
	if !c.spilled {
		c.current = c.items[c.read]
	} else {
		key := c.reader.ReadIndexKey()
		addr := pagemanager.ReadPageAddress(c.reader)
		if c.readErr != nil {
			return false, c.readErr
		}
		if err := c.reader.Err(); err != nil {
			return false, err
		}
		c.current = SortItem{Key: key, Address: addr}
	}
	c.read++
	return true, nil
}

func (c *SortContainer) Current() SortItem { return c.current }

func (c *SortContainer) close() {
	if c.reader != nil {
		c.reader.Close()
		c.reader = nil
	}
}
