package pagemanager

import (
	"fmt"
	"iter"

	"github.com/sushant-115/gojolite/core/storage_engine/bufferio"
	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"github.com/sushant-115/gojolite/core/value"
	"github.com/sushant-115/gojolite/core/write_engine/memcache"
)

const (
	nSlot      = 0
	nLevels    = 1
	nDataBlock = 2
	nNextNode  = 7
	nPrevNext  = 12

	// IndexNodeFixedSize is slot, levels, dataBlock and nextNode.
	IndexNodeFixedSize = nPrevNext

	// MaxIndexNodeLength is the free space an index page must keep to stay
	// in its index free list. Any node fits in it.
	MaxIndexNodeLength = 1400
)

// GetNodeLength is the segment size of a node with the given levels and key.
func GetNodeLength(levels uint8, key value.Value) int {
	return IndexNodeFixedSize + int(levels)*PageAddressSize*2 + bufferio.KeyLength(key)
}

// IndexPage stores skip-list nodes of one collection.
type IndexPage struct {
	*BasePage
}

func NewIndexPage(buffer *memcache.PageBuffer, pageID uint32) *IndexPage {
	return &IndexPage{BasePage: NewBasePage(buffer, pageID, PageTypeIndex)}
}

func LoadIndexPage(buffer *memcache.PageBuffer) (*IndexPage, error) {
	base, err := LoadBasePage(buffer)
	if err != nil {
		return nil, err
	}
	if base.PageType() != PageTypeIndex {
		return nil, fmt.Errorf("%w: page %d is %s, expected Index", common.ErrInvalidPage, base.PageID(), base.PageType())
	}
	return &IndexPage{BasePage: base}, nil
}

// GetIndexNode decodes the node stored at index.
func (p *IndexPage) GetIndexNode(index uint8) (*IndexNode, error) {
	seg, err := p.Get(index)
	if err != nil {
		return nil, err
	}
	if len(seg) < IndexNodeFixedSize {
		return nil, fmt.Errorf("%w: page %d node %d too short", common.ErrCorruptedPage, p.PageID(), index)
	}
	levels := seg[nLevels]
	if levels == 0 || levels > common.MaxLevelLength || len(seg) < nPrevNext+int(levels)*10+1 {
		return nil, fmt.Errorf("%w: page %d node %d has %d levels", common.ErrCorruptedPage, p.PageID(), index, levels)
	}
	r := bufferio.NewBytesReader(seg[nPrevNext+int(levels)*PageAddressSize*2:])
	defer r.Close()
	key := r.ReadIndexKey()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: page %d node %d key: %w", common.ErrCorruptedPage, p.PageID(), index, err)
	}
	return &IndexNode{
		page:      p,
		position:  PageAddress{PageID: p.PageID(), Index: index},
		slot:      seg[nSlot],
		levels:    levels,
		key:       key,
		dataBlock: readAddress(seg[nDataBlock:]),
	}, nil
}

// InsertIndexNode stores a new unlinked node.
func (p *IndexPage) InsertIndexNode(slot, levels uint8, key value.Value, dataBlock PageAddress) (*IndexNode, error) {
	if n := bufferio.KeyLength(key); n > common.MaxIndexKeyLength {
		return nil, fmt.Errorf("%w: %d bytes", common.ErrIndexKeyTooLong, n)
	}
	if levels == 0 || levels > common.MaxLevelLength {
		return nil, fmt.Errorf("invalid node level count %d", levels)
	}
	seg, index, err := p.Insert(GetNodeLength(levels, key))
	if err != nil {
		return nil, err
	}
	seg[nSlot] = slot
	seg[nLevels] = levels
	writeAddress(seg[nDataBlock:], dataBlock)
	writeAddress(seg[nNextNode:], EmptyAddress)
	for i := range int(levels) {
		writeAddress(seg[nPrevNext+i*10:], EmptyAddress)
		writeAddress(seg[nPrevNext+i*10+5:], EmptyAddress)
	}
	w := bufferio.NewBytesWriter(seg[nPrevNext+int(levels)*10:])
	w.WriteIndexKey(key)
	w.Close()
	if err := w.Err(); err != nil {
		_ = p.Delete(index)
		return nil, err
	}
	return &IndexNode{
		page:      p,
		position:  PageAddress{PageID: p.PageID(), Index: index},
		slot:      slot,
		levels:    levels,
		key:       key,
		dataBlock: dataBlock,
	}, nil
}

func (p *IndexPage) DeleteIndexNode(index uint8) error {
	return p.Delete(index)
}

// GetIndexNodes yields every node in the page in slot order.
func (p *IndexPage) GetIndexNodes() iter.Seq2[*IndexNode, error] {
	return func(yield func(*IndexNode, error) bool) {
		for index := range p.GetUsedIndexes() {
			node, err := p.GetIndexNode(index)
			if !yield(node, err) || err != nil {
				return
			}
		}
	}
}

// IndexNode is a skip-list node. Slot, levels, key and data block never
// change after insert and are cached; links are read from the page on
// every access.
type IndexNode struct {
	page      *IndexPage
	position  PageAddress
	slot      uint8
	levels    uint8
	key       value.Value
	dataBlock PageAddress
}

func (n *IndexNode) Page() *IndexPage       { return n.page }
func (n *IndexNode) Position() PageAddress  { return n.position }
func (n *IndexNode) Slot() uint8            { return n.slot }
func (n *IndexNode) Levels() uint8          { return n.levels }
func (n *IndexNode) Key() value.Value       { return n.key }
func (n *IndexNode) DataBlock() PageAddress { return n.dataBlock }
func (n *IndexNode) Length() int            { return GetNodeLength(n.levels, n.key) }
func (n *IndexNode) IsHead() bool           { return n.key.IsMinValue() }
func (n *IndexNode) IsTail() bool           { return n.key.IsMaxValue() }

func (n *IndexNode) NextNode() PageAddress      { return readAddress(n.segment()[nNextNode:]) }
func (n *IndexNode) Prev(level int) PageAddress { return readAddress(n.segment()[nPrevNext+level*10:]) }
func (n *IndexNode) Next(level int) PageAddress { return readAddress(n.segment()[nPrevNext+level*10+5:]) }

func (n *IndexNode) segment() []byte {
	seg, err := n.page.Get(n.position.Index)
	if err != nil {
		panic(fmt.Sprintf("index node %s: %v", n.position, err))
	}
	return seg
}

// SetNextNode links this node to the next index node of the same document.
func (n *IndexNode) SetNextNode(addr PageAddress) {
	writeAddress(n.segment()[nNextNode:], addr)
	n.page.SetDirty()
}

func (n *IndexNode) SetPrev(level int, addr PageAddress) {
	writeAddress(n.segment()[nPrevNext+level*10:], addr)
	n.page.SetDirty()
}

func (n *IndexNode) SetNext(level int, addr PageAddress) {
	writeAddress(n.segment()[nPrevNext+level*10+5:], addr)
	n.page.SetDirty()
}

// GetNextPrev follows the link at level in the direction of order.
func (n *IndexNode) GetNextPrev(level int, order common.Order) PageAddress {
	if order == common.Ascending {
		return n.Next(level)
	}
	return n.Prev(level)
}

func (n *IndexNode) String() string {
	return fmt.Sprintf("node %s slot=%d levels=%d key=%s data=%s", n.position, n.slot, n.levels, n.key, n.dataBlock)
}
