package pagemanager

import (
	"fmt"
	"slices"
	"strings"

	"github.com/sushant-115/gojolite/core/storage_engine/bufferio"
	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"github.com/sushant-115/gojolite/core/write_engine/memcache"
)

const (
	// FreeListSlots is the number of free data page buckets per collection.
	FreeListSlots = 5

	// PrimaryKeyIndex is the unique index every collection owns at slot 0.
	PrimaryKeyIndex = "_id"

	pFreeDataPageList = 32
	pIndexes          = 96
	indexesAreaSize   = common.PageSize - pIndexes - 1

	indexFixedSize = 1 + 1 + 1 + 1 + PageAddressSize*2 + 1 + 4
)

// CollectionIndex describes one skip-list index of a collection. Mutations
// go through setters so the owning page is marked dirty.
type CollectionIndex struct {
	page *CollectionPage

	Slot      uint8
	IndexType uint8
	Name      string
	Unique    bool
	Head      PageAddress
	Tail      PageAddress

	maxLevel          uint8
	freeIndexPageList uint32
}

func (ci *CollectionIndex) MaxLevel() uint8 { return ci.maxLevel }

func (ci *CollectionIndex) SetMaxLevel(level uint8) {
	ci.maxLevel = level
	ci.page.SetDirty()
}

// FreeIndexPageList is the head of the index pages with room for a node.
func (ci *CollectionIndex) FreeIndexPageList() uint32 { return ci.freeIndexPageList }

func (ci *CollectionIndex) SetFreeIndexPageList(id uint32) {
	ci.freeIndexPageList = id
	ci.page.SetDirty()
}

// SetSentinels records the head and tail nodes created for the index.
func (ci *CollectionIndex) SetSentinels(head, tail PageAddress) {
	ci.Head, ci.Tail = head, tail
	ci.page.SetDirty()
}

// Page returns the CollectionPage that stores this index.
func (ci *CollectionIndex) Page() *CollectionPage { return ci.page }

func (ci *CollectionIndex) length() int { return indexFixedSize + len(ci.Name) }

func (ci *CollectionIndex) String() string {
	return fmt.Sprintf("%s[%d] unique=%t head=%s tail=%s levels=%d", ci.Name, ci.Slot, ci.Unique, ci.Head, ci.Tail, ci.maxLevel)
}

// CollectionPage holds the free data page buckets and index definitions of
// one collection.
type CollectionPage struct {
	*BasePage

	FreeDataPageList [FreeListSlots]uint32
	indexes          []*CollectionIndex
}

// NewCollectionPage formats buffer as an empty collection page.
func NewCollectionPage(buffer *memcache.PageBuffer, pageID uint32) *CollectionPage {
	c := &CollectionPage{BasePage: NewBasePage(buffer, pageID, PageTypeCollection)}
	for i := range c.FreeDataPageList {
		c.FreeDataPageList[i] = common.EmptyPageID
	}
	return c
}

// LoadCollectionPage parses free lists and index definitions.
func LoadCollectionPage(buffer *memcache.PageBuffer) (*CollectionPage, error) {
	base, err := LoadBasePage(buffer)
	if err != nil {
		return nil, err
	}
	if base.PageType() != PageTypeCollection {
		return nil, fmt.Errorf("%w: page %d is %s, expected Collection", common.ErrInvalidPage, base.PageID(), base.PageType())
	}
	c := &CollectionPage{BasePage: base}
	for i := range c.FreeDataPageList {
		c.FreeDataPageList[i] = c.u32(pFreeDataPageList + i*4)
	}

	r := bufferio.NewBytesReader(buffer.Array[pIndexes:])
	defer r.Close()
	count := int(r.ReadUint8())
	for range count {
		ci := &CollectionIndex{page: c}
		ci.Slot = r.ReadUint8()
		ci.IndexType = r.ReadUint8()
		ci.Name = r.ReadCString()
		ci.Unique = r.ReadBool()
		ci.Head = ReadPageAddress(r)
		ci.Tail = ReadPageAddress(r)
		ci.maxLevel = r.ReadUint8()
		ci.freeIndexPageList = r.ReadUint32()
		c.indexes = append(c.indexes, ci)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: collection page %d indexes: %w", common.ErrCorruptedPage, base.PageID(), err)
	}
	return c, nil
}

// UpdateBuffer serializes free lists and indexes. A dropped collection
// page is left as the empty page it became.
func (c *CollectionPage) UpdateBuffer() *memcache.PageBuffer {
	if c.PageType() != PageTypeCollection {
		return c.buffer
	}
	for i, id := range c.FreeDataPageList {
		c.putU32(pFreeDataPageList+i*4, id)
	}
	area := c.buffer.Array[pIndexes:]
	clear(area)
	w := bufferio.NewBytesWriter(area)
	w.WriteUint8(uint8(len(c.indexes)))
	for _, ci := range c.indexes {
		w.WriteUint8(ci.Slot)
		w.WriteUint8(ci.IndexType)
		w.WriteCString(ci.Name)
		w.WriteBool(ci.Unique)
		WritePageAddress(w, ci.Head)
		WritePageAddress(w, ci.Tail)
		w.WriteUint8(ci.maxLevel)
		w.WriteUint32(ci.freeIndexPageList)
	}
	w.Close()
	return c.buffer
}

// SetFreeDataPage sets the head of free list slot and marks the page dirty.
func (c *CollectionPage) SetFreeDataPage(slot int, pageID uint32) {
	c.FreeDataPageList[slot] = pageID
	c.SetDirty()
}

// PK returns the primary key index.
func (c *CollectionPage) PK() *CollectionIndex {
	for _, ci := range c.indexes {
		if ci.Slot == 0 {
			return ci
		}
	}
	return nil
}

// GetCollectionIndex finds an index by name, ignoring case.
func (c *CollectionPage) GetCollectionIndex(name string) (*CollectionIndex, bool) {
	for _, ci := range c.indexes {
		if strings.EqualFold(ci.Name, name) {
			return ci, true
		}
	}
	return nil, false
}

func (c *CollectionPage) GetCollectionIndexBySlot(slot uint8) (*CollectionIndex, bool) {
	for _, ci := range c.indexes {
		if ci.Slot == slot {
			return ci, true
		}
	}
	return nil, false
}

// GetCollectionIndexes returns indexes ordered by slot, PK first.
func (c *CollectionPage) GetCollectionIndexes() []*CollectionIndex {
	out := slices.Clone(c.indexes)
	slices.SortFunc(out, func(a, b *CollectionIndex) int { return int(a.Slot) - int(b.Slot) })
	return out
}

// InsertCollectionIndex adds an index definition using the lowest free slot.
// Sentinels are set later by the caller that creates them.
func (c *CollectionPage) InsertCollectionIndex(name string, unique bool) (*CollectionIndex, error) {
	if _, ok := c.GetCollectionIndex(name); ok {
		return nil, fmt.Errorf("%w: %s", common.ErrIndexAlreadyExists, name)
	}
	total := 1 + indexFixedSize + len(name)
	for _, ci := range c.indexes {
		total += ci.length()
	}
	if total > indexesAreaSize || len(c.indexes) >= common.MaxItemsCount {
		return nil, fmt.Errorf("%w: collection page %d cannot hold index %q", common.ErrIndexLimit, c.PageID(), name)
	}

	slot := uint8(0)
	for {
		if _, used := c.GetCollectionIndexBySlot(slot); !used {
			break
		}
		slot++
	}
	ci := &CollectionIndex{
		page:              c,
		Slot:              slot,
		Name:              name,
		Unique:            unique,
		Head:              EmptyAddress,
		Tail:              EmptyAddress,
		freeIndexPageList: common.EmptyPageID,
	}
	c.indexes = append(c.indexes, ci)
	c.SetDirty()
	return ci, nil
}

func (c *CollectionPage) DeleteCollectionIndex(name string) error {
	i := slices.IndexFunc(c.indexes, func(ci *CollectionIndex) bool { return strings.EqualFold(ci.Name, name) })
	if i < 0 {
		return fmt.Errorf("%w: %s", common.ErrIndexNotFound, name)
	}
	c.indexes = slices.Delete(c.indexes, i, i+1)
	c.SetDirty()
	return nil
}
