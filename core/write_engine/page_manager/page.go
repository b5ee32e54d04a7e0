// Package pagemanager interprets page buffers. Every page starts with a
// 32 byte header; slotted pages store variable-length segments that grow
// forward from the header and a footer of 4 byte slots that grows backward
// from the end of the page.
//
//	+--------+--------------------------+------+-----------------+
//	| header | segments ->  free space  | ...  | <- slot footer  |
//	+--------+--------------------------+------+-----------------+
//
// Slot i lives at PageSize-(i+1)*4 and holds the segment length (uint16)
// followed by its position (uint16). A zero position marks a free slot.
package pagemanager

import (
	"encoding/binary"
	"fmt"
	"iter"
	"slices"

	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"github.com/sushant-115/gojolite/core/write_engine/memcache"
)

// PageType is the tag stored at offset 4 of every page.
type PageType uint8

const (
	PageTypeEmpty      PageType = 0
	PageTypeHeader     PageType = 1
	PageTypeCollection PageType = 2
	PageTypeIndex      PageType = 3
	PageTypeData       PageType = 4
)

func (t PageType) String() string {
	switch t {
	case PageTypeEmpty:
		return "Empty"
	case PageTypeHeader:
		return "Header"
	case PageTypeCollection:
		return "Collection"
	case PageTypeIndex:
		return "Index"
	case PageTypeData:
		return "Data"
	}
	return fmt.Sprintf("PageType(%d)", uint8(t))
}

// Header field offsets.
const (
	pPageID           = 0
	pPageType         = 4
	pPrevPageID       = 5
	pNextPageID       = 9
	pInitialSlot      = 13
	pTransactionID    = 14
	pIsConfirmed      = 18
	pColID            = 19
	pItemsCount       = 23
	pUsedBytes        = 24
	pFragmentedBytes  = 26
	pNextFreePosition = 28
	pHighestIndex     = 30
	pPageListSlot     = 31
)

// Page is implemented by BasePage and every typed page.
type Page interface {
	Base() *BasePage
	// UpdateBuffer flushes in-memory state into the buffer before a write.
	UpdateBuffer() *memcache.PageBuffer
}

// BasePage reads and writes header fields directly in its buffer.
type BasePage struct {
	buffer  *memcache.PageBuffer
	isDirty bool
}

// NewBasePage formats buffer as an empty page of the given type.
func NewBasePage(buffer *memcache.PageBuffer, pageID uint32, pageType PageType) *BasePage {
	p := &BasePage{buffer: buffer}
	clear(buffer.Array[:common.PageHeaderSize])
	p.putU32(pPageID, pageID)
	p.buffer.Array[pPageType] = byte(pageType)
	p.putU32(pPrevPageID, common.EmptyPageID)
	p.putU32(pNextPageID, common.EmptyPageID)
	p.putU32(pColID, common.EmptyPageID)
	p.resetSegments()
	p.buffer.Array[pPageListSlot] = common.EmptyIndex
	p.isDirty = true
	return p
}

// LoadBasePage wraps an existing page after checking its header.
func LoadBasePage(buffer *memcache.PageBuffer) (*BasePage, error) {
	p := &BasePage{buffer: buffer}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// WrapBasePage views buffer without validating it. Log scans use it to read
// the transaction stamp of every page, whatever its state.
func WrapBasePage(buffer *memcache.PageBuffer) *BasePage {
	return &BasePage{buffer: buffer}
}

func (p *BasePage) Base() *BasePage { return p }

func (p *BasePage) UpdateBuffer() *memcache.PageBuffer { return p.buffer }

func (p *BasePage) Buffer() *memcache.PageBuffer { return p.buffer }

func (p *BasePage) u16(off int) uint16 { return binary.LittleEndian.Uint16(p.buffer.Array[off:]) }
func (p *BasePage) u32(off int) uint32 { return binary.LittleEndian.Uint32(p.buffer.Array[off:]) }

func (p *BasePage) putU16(off int, v uint16) { binary.LittleEndian.PutUint16(p.buffer.Array[off:], v) }
func (p *BasePage) putU32(off int, v uint32) { binary.LittleEndian.PutUint32(p.buffer.Array[off:], v) }

func (p *BasePage) PageID() uint32           { return p.u32(pPageID) }
func (p *BasePage) PageType() PageType       { return PageType(p.buffer.Array[pPageType]) }
func (p *BasePage) PrevPageID() uint32       { return p.u32(pPrevPageID) }
func (p *BasePage) NextPageID() uint32       { return p.u32(pNextPageID) }
func (p *BasePage) TransactionID() uint32    { return p.u32(pTransactionID) }
func (p *BasePage) IsConfirmed() bool        { return p.buffer.Array[pIsConfirmed] != 0 }
func (p *BasePage) ColID() uint32            { return p.u32(pColID) }
func (p *BasePage) ItemsCount() int          { return int(p.buffer.Array[pItemsCount]) }
func (p *BasePage) UsedBytes() int           { return int(p.u16(pUsedBytes)) }
func (p *BasePage) FragmentedBytes() int     { return int(p.u16(pFragmentedBytes)) }
func (p *BasePage) NextFreePosition() int    { return int(p.u16(pNextFreePosition)) }
func (p *BasePage) HighestIndex() uint8      { return p.buffer.Array[pHighestIndex] }
func (p *BasePage) PageListSlot() uint8      { return p.buffer.Array[pPageListSlot] }
func (p *BasePage) IsDirty() bool            { return p.isDirty }
func (p *BasePage) SetDirty()                { p.isDirty = true }
func (p *BasePage) initialSlot() uint8       { return p.buffer.Array[pInitialSlot] }
func (p *BasePage) setInitialSlot(v uint8)   { p.buffer.Array[pInitialSlot] = v }
func (p *BasePage) setItemsCount(v int)      { p.buffer.Array[pItemsCount] = byte(v) }
func (p *BasePage) setUsedBytes(v int)       { p.putU16(pUsedBytes, uint16(v)) }
func (p *BasePage) setFragmentedBytes(v int) { p.putU16(pFragmentedBytes, uint16(v)) }
func (p *BasePage) setNextFreePosition(v int) {
	p.putU16(pNextFreePosition, uint16(v))
}
func (p *BasePage) setHighestIndex(v uint8) { p.buffer.Array[pHighestIndex] = v }

func (p *BasePage) SetPrevPageID(id uint32) { p.putU32(pPrevPageID, id); p.isDirty = true }
func (p *BasePage) SetNextPageID(id uint32) { p.putU32(pNextPageID, id); p.isDirty = true }
func (p *BasePage) SetColID(id uint32)      { p.putU32(pColID, id); p.isDirty = true }

func (p *BasePage) SetPageListSlot(slot uint8) {
	p.buffer.Array[pPageListSlot] = slot
	p.isDirty = true
}

// SetTransaction stamps the log metadata written with the page.
func (p *BasePage) SetTransaction(txID uint32, confirmed bool) {
	p.putU32(pTransactionID, txID)
	if confirmed {
		p.buffer.Array[pIsConfirmed] = 1
	} else {
		p.buffer.Array[pIsConfirmed] = 0
	}
}

// MarkAsEmpty turns the page into a free page ready for the empty list.
func (p *BasePage) MarkAsEmpty() {
	clear(p.buffer.Array[common.PageHeaderSize:])
	p.buffer.Array[pPageType] = byte(PageTypeEmpty)
	p.putU32(pPrevPageID, common.EmptyPageID)
	p.putU32(pNextPageID, common.EmptyPageID)
	p.putU32(pColID, common.EmptyPageID)
	p.buffer.Array[pPageListSlot] = common.EmptyIndex
	p.resetSegments()
	p.isDirty = true
}

func (p *BasePage) resetSegments() {
	p.setItemsCount(0)
	p.setUsedBytes(0)
	p.setFragmentedBytes(0)
	p.setNextFreePosition(common.PageHeaderSize)
	p.setHighestIndex(common.EmptyIndex)
	p.setInitialSlot(0)
}

// FooterSize is the space taken by slots 0..HighestIndex.
func (p *BasePage) FooterSize() int {
	if p.HighestIndex() == common.EmptyIndex {
		return 0
	}
	return (int(p.HighestIndex()) + 1) * common.PageSlotSize
}

// FreeBytes is the contiguous room between the last segment and the
// footer. Fragmented bytes are not included; Defrag turns them into free
// bytes.
func (p *BasePage) FreeBytes() int {
	if p.ItemsCount() == common.MaxItemsCount {
		return 0
	}
	return common.PageAvailableBytes - p.UsedBytes() - p.FragmentedBytes() - p.FooterSize()
}

func slotAddr(index uint8) int {
	return common.PageSize - (int(index)+1)*common.PageSlotSize
}

func (p *BasePage) slot(index uint8) (position, length int) {
	addr := slotAddr(index)
	return int(p.u16(addr + 2)), int(p.u16(addr))
}

func (p *BasePage) setSlot(index uint8, position, length int) {
	addr := slotAddr(index)
	p.putU16(addr, uint16(length))
	p.putU16(addr+2, uint16(position))
}

// Get returns the segment stored at index.
func (p *BasePage) Get(index uint8) ([]byte, error) {
	if p.ItemsCount() == 0 || index > p.HighestIndex() {
		return nil, fmt.Errorf("%w: page %d has no slot %d", common.ErrCorruptedPage, p.PageID(), index)
	}
	pos, length := p.slot(index)
	if pos == 0 {
		return nil, fmt.Errorf("%w: page %d slot %d is free", common.ErrCorruptedPage, p.PageID(), index)
	}
	return p.buffer.Array[pos : pos+length : pos+length], nil
}

// freeIndex finds the lowest free slot.
func (p *BasePage) freeIndex() (uint8, bool) {
	if p.ItemsCount() == 0 {
		return 0, true
	}
	highest := p.HighestIndex()
	for i := int(p.initialSlot()); i <= int(highest); i++ {
		if pos, _ := p.slot(uint8(i)); pos == 0 {
			return uint8(i), true
		}
	}
	if highest < common.MaxItemsCount-1 {
		return highest + 1, true
	}
	return 0, false
}

// footerGrowth is the extra footer space needed to use slot index.
func (p *BasePage) footerGrowth(index uint8) int {
	highest := p.HighestIndex()
	if highest == common.EmptyIndex {
		return (int(index) + 1) * common.PageSlotSize
	}
	if index > highest {
		return int(index-highest) * common.PageSlotSize
	}
	return 0
}

// Insert reserves length bytes in a new segment. The page is defragmented
// when the total free space suffices but the contiguous space does not.
func (p *BasePage) Insert(length int) ([]byte, uint8, error) {
	index, ok := p.freeIndex()
	if !ok {
		return nil, 0, fmt.Errorf("%w: page %d has no free slot", common.ErrPageFull, p.PageID())
	}
	seg, err := p.insertAt(index, length)
	if err != nil {
		return nil, 0, err
	}
	return seg, index, nil
}

func (p *BasePage) insertAt(index uint8, length int) ([]byte, error) {
	if length <= 0 {
		return nil, fmt.Errorf("invalid segment length %d", length)
	}
	need := length + p.footerGrowth(index)
	if p.FreeBytes()+p.FragmentedBytes() < need {
		return nil, fmt.Errorf("%w: page %d needs %d bytes, has %d", common.ErrPageFull, p.PageID(), need, p.FreeBytes()+p.FragmentedBytes())
	}
	if p.FreeBytes() < need {
		p.Defrag()
	}

	pos := p.NextFreePosition()
	p.setSlot(index, pos, length)
	p.setItemsCount(p.ItemsCount() + 1)
	p.setUsedBytes(p.UsedBytes() + length)
	p.setNextFreePosition(pos + length)
	if p.HighestIndex() == common.EmptyIndex || index > p.HighestIndex() {
		p.setHighestIndex(index)
	}
	if index == p.initialSlot() && index < common.MaxItemsCount-1 {
		p.setInitialSlot(index + 1)
	}
	p.isDirty = true

	seg := p.buffer.Array[pos : pos+length : pos+length]
	clear(seg)
	return seg, nil
}

// Delete frees the segment at index. Removing the last segment of the page
// resets it to an empty page.
func (p *BasePage) Delete(index uint8) error {
	if err := p.deleteSegment(index); err != nil {
		return err
	}
	if p.ItemsCount() == 0 {
		p.buffer.Array[pPageType] = byte(PageTypeEmpty)
	}
	return nil
}

func (p *BasePage) deleteSegment(index uint8) error {
	if _, err := p.Get(index); err != nil {
		return err
	}
	pos, length := p.slot(index)

	p.setSlot(index, 0, 0)
	p.setItemsCount(p.ItemsCount() - 1)
	p.setUsedBytes(p.UsedBytes() - length)
	if pos+length == p.NextFreePosition() {
		p.setNextFreePosition(pos)
	} else {
		p.setFragmentedBytes(p.FragmentedBytes() + length)
	}
	if index == p.HighestIndex() {
		p.updateHighestIndex()
	}
	if index < p.initialSlot() {
		p.setInitialSlot(index)
	}
	if p.ItemsCount() == 0 {
		p.resetSegments()
	}
	p.isDirty = true
	return nil
}

func (p *BasePage) updateHighestIndex() {
	for i := int(p.HighestIndex()) - 1; i >= 0; i-- {
		if pos, _ := p.slot(uint8(i)); pos != 0 {
			p.setHighestIndex(uint8(i))
			return
		}
	}
	p.setHighestIndex(common.EmptyIndex)
}

// Update resizes the segment at index, keeping its slot number. Content up
// to the smaller of both lengths is preserved.
func (p *BasePage) Update(index uint8, length int) ([]byte, error) {
	seg, err := p.Get(index)
	if err != nil {
		return nil, err
	}
	if length <= 0 {
		return nil, fmt.Errorf("invalid segment length %d", length)
	}
	pos, old := p.slot(index)
	isLast := pos+old == p.NextFreePosition()

	switch {
	case length == old:
		return seg, nil

	case length < old:
		diff := old - length
		if isLast {
			p.setNextFreePosition(p.NextFreePosition() - diff)
		} else {
			p.setFragmentedBytes(p.FragmentedBytes() + diff)
		}
		p.setUsedBytes(p.UsedBytes() - diff)
		p.setSlot(index, pos, length)
		p.isDirty = true
		return p.buffer.Array[pos : pos+length : pos+length], nil

	case isLast && p.FreeBytes() >= length-old:
		diff := length - old
		p.setNextFreePosition(p.NextFreePosition() + diff)
		p.setUsedBytes(p.UsedBytes() + diff)
		p.setSlot(index, pos, length)
		p.isDirty = true
		grown := p.buffer.Array[pos : pos+length : pos+length]
		clear(grown[old:])
		return grown, nil
	}

	if p.FreeBytes()+p.FragmentedBytes()+old < length {
		return nil, fmt.Errorf("%w: page %d cannot grow slot %d to %d bytes", common.ErrPageFull, p.PageID(), index, length)
	}
	saved := slices.Clone(seg)
	if err := p.deleteSegment(index); err != nil {
		return nil, err
	}
	moved, err := p.insertAt(index, length)
	if err != nil {
		return nil, err
	}
	copy(moved, saved)
	return moved, nil
}

// Defrag packs every live segment against the header, keeping slot
// numbers. It is a no-op on a page without fragmentation.
func (p *BasePage) Defrag() {
	if p.FragmentedBytes() == 0 {
		return
	}
	type seg struct {
		index    uint8
		pos, len int
	}
	segs := make([]seg, 0, p.ItemsCount())
	for i := range p.GetUsedIndexes() {
		pos, length := p.slot(i)
		segs = append(segs, seg{index: i, pos: pos, len: length})
	}
	slices.SortFunc(segs, func(a, b seg) int { return a.pos - b.pos })

	next := common.PageHeaderSize
	for _, s := range segs {
		if s.pos != next {
			copy(p.buffer.Array[next:next+s.len], p.buffer.Array[s.pos:s.pos+s.len])
			p.setSlot(s.index, next, s.len)
		}
		next += s.len
	}
	clear(p.buffer.Array[next : common.PageSize-p.FooterSize()])
	p.setFragmentedBytes(0)
	p.setNextFreePosition(next)
	p.isDirty = true
}

// GetUsedIndexes yields occupied slot numbers in ascending order.
func (p *BasePage) GetUsedIndexes() iter.Seq[uint8] {
	return func(yield func(uint8) bool) {
		if p.ItemsCount() == 0 {
			return
		}
		for i := 0; i <= int(p.HighestIndex()); i++ {
			if pos, _ := p.slot(uint8(i)); pos != 0 {
				if !yield(uint8(i)) {
					return
				}
			}
		}
	}
}

// Savepoint snapshots the whole page image.
func (p *BasePage) Savepoint() []byte {
	return slices.Clone(p.buffer.Array)
}

// Restore rolls the page image back to a savepoint.
func (p *BasePage) Restore(savepoint []byte) {
	copy(p.buffer.Array, savepoint)
	p.isDirty = true
}

// Validate checks the header fields against the footer.
func (p *BasePage) Validate() error {
	t := p.PageType()
	switch t {
	case PageTypeEmpty, PageTypeHeader, PageTypeCollection, PageTypeIndex, PageTypeData:
	default:
		return fmt.Errorf("%w: page %d has type %d", common.ErrCorruptedPage, p.PageID(), uint8(t))
	}
	if t == PageTypeHeader || t == PageTypeCollection {
		return nil
	}

	items, highest := p.ItemsCount(), p.HighestIndex()
	if (items == 0) != (highest == common.EmptyIndex) {
		return fmt.Errorf("%w: page %d items %d highest index %d", common.ErrCorruptedPage, p.PageID(), items, highest)
	}
	next := p.NextFreePosition()
	if next < common.PageHeaderSize || next > common.PageSize-p.FooterSize() {
		return fmt.Errorf("%w: page %d next free position %d", common.ErrCorruptedPage, p.PageID(), next)
	}
	if p.UsedBytes()+p.FragmentedBytes()+common.PageHeaderSize != next {
		return fmt.Errorf("%w: page %d used %d fragmented %d next free %d", common.ErrCorruptedPage,
			p.PageID(), p.UsedBytes(), p.FragmentedBytes(), next)
	}
	used := 0
	for i := range p.GetUsedIndexes() {
		pos, length := p.slot(i)
		if pos < common.PageHeaderSize || pos+length > next {
			return fmt.Errorf("%w: page %d slot %d at %d+%d", common.ErrCorruptedPage, p.PageID(), i, pos, length)
		}
		used++
	}
	if used != items {
		return fmt.Errorf("%w: page %d items %d but %d used slots", common.ErrCorruptedPage, p.PageID(), items, used)
	}
	return nil
}

func (p *BasePage) String() string {
	return fmt.Sprintf("%s page %d (items=%d used=%d frag=%d free=%d)",
		p.PageType(), p.PageID(), p.ItemsCount(), p.UsedBytes(), p.FragmentedBytes(), p.FreeBytes())
}
