package common

import "math"

// Page geometry shared by every layer that touches the data or log file.
const (
	PageSize       = 8192
	PageHeaderSize = 32
	PageSlotSize   = 4

	// PageAvailableBytes is the room left for segments and footer slots.
	PageAvailableBytes = PageSize - PageHeaderSize

	// MaxLevelLength caps the height of a skip-list node.
	MaxLevelLength = 32

	// MaxIndexKeyLength is the largest serialized key accepted by an index.
	MaxIndexKeyLength = 1023

	// MaxDocumentSize bounds a single payload stored by the data service.
	MaxDocumentSize = 16 * 1024 * 1024

	// MaxItemsCount is the highest number of segments a page can index.
	MaxItemsCount = 255

	// MaxOpenTransactions is the weight of the exclusive engine lock.
	MaxOpenTransactions = 100
)

// PositionNotSet marks a page buffer that was never written to a file.
const PositionNotSet = math.MaxInt64

// EmptyPageID is the null page pointer.
const EmptyPageID = math.MaxUint32

// EmptyIndex is the null slot index.
const EmptyIndex = math.MaxUint8

// Order is the traversal direction of an index or a sort.
type Order int

const (
	Ascending  Order = 1
	Descending Order = -1
)

func (o Order) String() string {
	if o == Descending {
		return "desc"
	}
	return "asc"
}
