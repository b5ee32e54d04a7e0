package pagemanager

import (
	"encoding/binary"
	"fmt"

	"github.com/sushant-115/gojolite/core/storage_engine/bufferio"
	"github.com/sushant-115/gojolite/core/storage_engine/common"
)

// PageAddressSize is the serialized size of a PageAddress.
const PageAddressSize = 5

// PageAddress points at one segment: a page and a slot inside it.
type PageAddress struct {
	PageID uint32
	Index  uint8
}

// EmptyAddress is the null pointer.
var EmptyAddress = PageAddress{PageID: common.EmptyPageID, Index: common.EmptyIndex}

func (a PageAddress) IsEmpty() bool { return a == EmptyAddress }

func (a PageAddress) String() string {
	if a.IsEmpty() {
		return "(empty)"
	}
	return fmt.Sprintf("%04d:%03d", a.PageID, a.Index)
}

func readAddress(b []byte) PageAddress {
	return PageAddress{PageID: binary.LittleEndian.Uint32(b), Index: b[4]}
}

func writeAddress(b []byte, a PageAddress) {
	binary.LittleEndian.PutUint32(b, a.PageID)
	b[4] = a.Index
}

// WritePageAddress encodes a into w.
func WritePageAddress(w *bufferio.BufferWriter, a PageAddress) {
	w.WriteUint32(a.PageID)
	w.WriteUint8(a.Index)
}

// ReadPageAddress decodes an address written by WritePageAddress.
func ReadPageAddress(r *bufferio.BufferReader) PageAddress {
	return PageAddress{PageID: r.ReadUint32(), Index: r.ReadUint8()}
}

// PagePosition is the data file offset of pageID.
func PagePosition(pageID uint32) int64 {
	return int64(pageID) * common.PageSize
}
