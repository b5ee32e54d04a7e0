package memcache

import (
	"fmt"
	"sync/atomic"

	"github.com/sushant-115/gojolite/core/storage_engine/common"
)

// FileOrigin tells which file a buffer position refers to.
type FileOrigin uint8

const (
	OriginNone FileOrigin = iota
	OriginData
	OriginLog
)

func (o FileOrigin) String() string {
	switch o {
	case OriginData:
		return "data"
	case OriginLog:
		return "log"
	default:
		return "none"
	}
}

// PageBuffer is one page-sized frame of a cache segment.
//
// shareCounter is -1 while a single writer owns the frame and >= 0 while it
// is published for reading; a readable frame at 0 may be recycled.
type PageBuffer struct {
	Array    []byte
	Position int64
	Origin   FileOrigin

	uniqueID     int
	shareCounter atomic.Int32
}

// NewPageBuffer returns a frame that does not belong to any cache.
func NewPageBuffer() *PageBuffer {
	b := &PageBuffer{
		Array:    make([]byte, common.PageSize),
		Position: common.PositionNotSet,
	}
	return b
}

// UniqueID identifies the physical frame for the life of the process.
func (b *PageBuffer) UniqueID() int { return b.uniqueID }

func (b *PageBuffer) ShareCounter() int32 { return b.shareCounter.Load() }

// IsWritable reports exclusive ownership.
func (b *PageBuffer) IsWritable() bool { return b.shareCounter.Load() == writableCounter }

// Release drops one reader reference taken by GetReadablePage.
func (b *PageBuffer) Release() {
	if n := b.shareCounter.Add(-1); n < 0 {
		panic(fmt.Sprintf("memcache: release of unshared page buffer %d (counter %d)", b.uniqueID, n))
	}
}

// IsBlank reports whether the frame holds only zeros.
func (b *PageBuffer) IsBlank() bool {
	for _, c := range b.Array {
		if c != 0 {
			return false
		}
	}
	return true
}

// Clear zeroes the frame content.
func (b *PageBuffer) Clear() {
	clear(b.Array)
}

func (b *PageBuffer) String() string {
	return fmt.Sprintf("buffer#%d(%s@%d, share=%d)", b.uniqueID, b.Origin, b.Position, b.shareCounter.Load())
}

const writableCounter = -1
