package pagemanager

import (
	"fmt"
	"iter"

	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"github.com/sushant-115/gojolite/core/write_engine/memcache"
)

const (
	// DataBlockFixedSize is the extend flag plus the next block address.
	DataBlockFixedSize = 1 + PageAddressSize
	// MaxDataBytesPerPage is the largest payload a single block can hold.
	MaxDataBytesPerPage = common.PageAvailableBytes - common.PageSlotSize - DataBlockFixedSize
)

// freePageSlots are the lower free-byte bounds of free list buckets 0..3.
var freePageSlots = [FreeListSlots - 1]int{
	common.PageAvailableBytes * 90 / 100,
	common.PageAvailableBytes * 75 / 100,
	common.PageAvailableBytes * 60 / 100,
	common.PageAvailableBytes * 30 / 100,
}

// FreeIndexSlot maps free bytes to a free list bucket; 0 is emptiest.
func FreeIndexSlot(freeBytes int) int {
	for i, bound := range freePageSlots {
		if freeBytes >= bound {
			return i
		}
	}
	return FreeListSlots - 1
}

// GetMinimumIndexSlot is the highest bucket guaranteed to hold length bytes,
// or -1 when only a fresh page will do.
func GetMinimumIndexSlot(length int) int {
	return FreeIndexSlot(length) - 1
}

// DataPage stores document payloads as chains of data blocks.
type DataPage struct {
	*BasePage
}

func NewDataPage(buffer *memcache.PageBuffer, pageID uint32) *DataPage {
	return &DataPage{BasePage: NewBasePage(buffer, pageID, PageTypeData)}
}

func LoadDataPage(buffer *memcache.PageBuffer) (*DataPage, error) {
	base, err := LoadBasePage(buffer)
	if err != nil {
		return nil, err
	}
	if base.PageType() != PageTypeData {
		return nil, fmt.Errorf("%w: page %d is %s, expected Data", common.ErrInvalidPage, base.PageID(), base.PageType())
	}
	return &DataPage{BasePage: base}, nil
}

// GetBlock resolves the block stored at index.
func (p *DataPage) GetBlock(index uint8) (*DataBlock, error) {
	if _, err := p.Get(index); err != nil {
		return nil, err
	}
	return &DataBlock{page: p, index: index}, nil
}

// InsertBlock reserves a block holding length payload bytes.
func (p *DataPage) InsertBlock(length int, extend bool) (*DataBlock, error) {
	seg, index, err := p.Insert(length + DataBlockFixedSize)
	if err != nil {
		return nil, err
	}
	if extend {
		seg[0] = 1
	}
	writeAddress(seg[1:], EmptyAddress)
	return &DataBlock{page: p, index: index}, nil
}

// UpdateBlock resizes a block payload keeping its extend flag and next link.
func (p *DataPage) UpdateBlock(block *DataBlock, length int) (*DataBlock, error) {
	if _, err := p.Update(block.index, length+DataBlockFixedSize); err != nil {
		return nil, err
	}
	return &DataBlock{page: p, index: block.index}, nil
}

func (p *DataPage) DeleteBlock(index uint8) error {
	return p.Delete(index)
}

// GetBlocks yields the addresses of the first block of every document
// stored in this page.
func (p *DataPage) GetBlocks() iter.Seq[PageAddress] {
	return func(yield func(PageAddress) bool) {
		for index := range p.GetUsedIndexes() {
			seg, err := p.Get(index)
			if err != nil || seg[0] != 0 {
				continue
			}
			if !yield(PageAddress{PageID: p.PageID(), Index: index}) {
				return
			}
		}
	}
}

// DataBlock is a view over one data segment. The segment is re-resolved on
// each access because defragmentation may move it.
type DataBlock struct {
	page  *DataPage
	index uint8
}

func (b *DataBlock) segment() []byte {
	seg, err := b.page.Get(b.index)
	if err != nil {
		panic(fmt.Sprintf("data block %s: %v", b.Position(), err))
	}
	return seg
}

func (b *DataBlock) Page() *DataPage { return b.page }

func (b *DataBlock) Position() PageAddress {
	return PageAddress{PageID: b.page.PageID(), Index: b.index}
}

// Extend reports whether this block continues a previous block.
func (b *DataBlock) Extend() bool { return b.segment()[0] != 0 }

func (b *DataBlock) NextBlock() PageAddress { return readAddress(b.segment()[1:]) }

func (b *DataBlock) SetNextBlock(addr PageAddress) {
	writeAddress(b.segment()[1:], addr)
	b.page.SetDirty()
}

// Buffer is the payload area of the block.
func (b *DataBlock) Buffer() []byte { return b.segment()[DataBlockFixedSize:] }
