// Package memcache pools page frames for the disk service. Frames are handed
// out either exclusively for writing or shared for reading, and are carved
// from segments that are never returned to the allocator.
package memcache

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"go.uber.org/zap"
)

// DefaultSegmentSizes is the growth schedule in frames per segment. The last
// size repeats once the schedule is exhausted.
var DefaultSegmentSizes = []int{12, 50, 100, 500, 1000}

// Factory fills buf with the page found at position.
type Factory func(position int64, origin FileOrigin, buf []byte) error

type readableKey struct {
	position int64
	origin   FileOrigin
}

// readableEntry is published before its content is loaded; ready closes
// once the factory returns.
type readableEntry struct {
	page  *PageBuffer
	ready chan struct{}
	err   error
}

var closedReady = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	Segments      int
	Frames        int
	FreePages     int
	ReadablePages int
	WritablePages int
	Hits          int64
	Misses        int64
}

// MemoryCache owns every frame of the process.
type MemoryCache struct {
	logger       *zap.Logger
	segmentSizes []int

	mu       sync.Mutex
	free     []*PageBuffer
	readable map[readableKey]*readableEntry
	segments int
	frames   int
	writable int

	hits   atomic.Int64
	misses atomic.Int64
}

// NewMemoryCache creates an empty cache. The first segment is allocated on
// the first request.
func NewMemoryCache(segmentSizes []int, logger *zap.Logger) *MemoryCache {
	if len(segmentSizes) == 0 {
		segmentSizes = DefaultSegmentSizes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryCache{
		logger:       logger.Named("memcache"),
		segmentSizes: segmentSizes,
		readable:     make(map[readableKey]*readableEntry),
	}
}

// GetReadablePage returns the shared frame for position, loading it through
// factory on a miss. Every successful call must be paired with Release.
func (c *MemoryCache) GetReadablePage(position int64, origin FileOrigin, factory Factory) (*PageBuffer, error) {
	key := readableKey{position: position, origin: origin}

	c.mu.Lock()
	if e, ok := c.readable[key]; ok {
		// Taking the reference under mu keeps the frame out of extend().
		e.page.shareCounter.Add(1)
		c.mu.Unlock()
		<-e.ready
		if e.err != nil {
			return nil, e.err
		}
		c.hits.Add(1)
		return e.page, nil
	}

	page := c.getFreePageLocked()
	page.Position = position
	page.Origin = origin
	page.shareCounter.Store(1)
	e := &readableEntry{page: page, ready: make(chan struct{})}
	c.readable[key] = e
	c.mu.Unlock()

	c.misses.Add(1)
	err := factory(position, origin, page.Array)
	if err == nil {
		close(e.ready)
		return page, nil
	}

	// Waiters that joined during the load see err and never touch the frame.
	c.mu.Lock()
	delete(c.readable, key)
	e.err = err
	close(e.ready)
	c.resetLocked(page)
	c.free = append(c.free, page)
	c.mu.Unlock()
	return nil, err
}

// GetWritablePage returns an exclusive copy of the page at position. The
// shared copy, when cached, is used as the source instead of the factory.
func (c *MemoryCache) GetWritablePage(position int64, origin FileOrigin, factory Factory) (*PageBuffer, error) {
	key := readableKey{position: position, origin: origin}

	page := c.NewPage()

	c.mu.Lock()
	e, ok := c.readable[key]
	if ok {
		e.page.shareCounter.Add(1)
	}
	c.mu.Unlock()

	if ok {
		<-e.ready
		if e.err == nil {
			copy(page.Array, e.page.Array)
			e.page.Release()
			c.hits.Add(1)
			page.Position = position
			page.Origin = origin
			return page, nil
		}
	}

	c.misses.Add(1)
	if err := factory(position, origin, page.Array); err != nil {
		c.DiscardPage(page)
		return nil, err
	}
	page.Position = position
	page.Origin = origin
	return page, nil
}

// NewPage returns a zeroed frame owned exclusively by the caller.
func (c *MemoryCache) NewPage() *PageBuffer {
	c.mu.Lock()
	defer c.mu.Unlock()

	page := c.getFreePageLocked()
	page.shareCounter.Store(writableCounter)
	c.writable++
	return page
}

// TryMoveToReadable publishes a written frame under its file position. It
// fails when another frame is already published there; the caller must then
// discard its copy.
func (c *MemoryCache) TryMoveToReadable(page *PageBuffer) bool {
	if !page.IsWritable() {
		panic(fmt.Sprintf("memcache: %s is not writable", page))
	}
	if page.Position == common.PositionNotSet || page.Origin == OriginNone {
		panic(fmt.Sprintf("memcache: %s has no file position", page))
	}
	key := readableKey{position: page.Position, origin: page.Origin}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.readable[key]; exists {
		return false
	}
	page.shareCounter.Store(0)
	c.readable[key] = &readableEntry{page: page, ready: closedReady}
	c.writable--
	return true
}

// DiscardPage returns a writable frame to the free list without publishing.
func (c *MemoryCache) DiscardPage(page *PageBuffer) {
	if !page.IsWritable() {
		panic(fmt.Sprintf("memcache: discard of shared %s", page))
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resetLocked(page)
	c.free = append(c.free, page)
	c.writable--
}

// Clear moves every readable frame back to the free list. It fails, leaving
// the cache untouched, if any frame still has readers.
func (c *MemoryCache) Clear() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.readable {
		if n := e.page.shareCounter.Load(); n != 0 {
			return 0, fmt.Errorf("%w: %s", common.ErrCacheInUse, e.page)
		}
	}
	cleared := len(c.readable)
	for key, e := range c.readable {
		c.resetLocked(e.page)
		c.free = append(c.free, e.page)
		delete(c.readable, key)
	}
	return cleared, nil
}

// Stats returns the current counters.
func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Segments:      c.segments,
		Frames:        c.frames,
		FreePages:     len(c.free),
		ReadablePages: len(c.readable),
		WritablePages: c.writable,
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
	}
}

// PagesInUse counts readable frames held by at least one reader.
func (c *MemoryCache) PagesInUse() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.readable {
		if e.page.shareCounter.Load() > 0 {
			n++
		}
	}
	return n
}

func (c *MemoryCache) getFreePageLocked() *PageBuffer {
	if len(c.free) == 0 {
		c.extendLocked()
	}
	last := len(c.free) - 1
	page := c.free[last]
	c.free[last] = nil
	c.free = c.free[:last]
	return page
}

func (c *MemoryCache) resetLocked(page *PageBuffer) {
	page.Clear()
	page.Position = common.PositionNotSet
	page.Origin = OriginNone
	page.shareCounter.Store(0)
}

// extendLocked refills the free list. Idle readable frames are reclaimed
// first when there are at least as many as the next segment would add.
func (c *MemoryCache) extendLocked() {
	size := c.segmentSizes[min(c.segments, len(c.segmentSizes)-1)]

	idle := 0
	for _, e := range c.readable {
		if e.page.shareCounter.Load() == 0 && isClosed(e.ready) {
			idle++
		}
	}
	if idle >= size {
		for key, e := range c.readable {
			if e.page.shareCounter.Load() == 0 && isClosed(e.ready) {
				delete(c.readable, key)
				c.resetLocked(e.page)
				c.free = append(c.free, e.page)
			}
		}
		c.logger.Debug("reused idle readable pages", zap.Int("pages", idle))
		return
	}

	array := make([]byte, size*common.PageSize)
	for i := 0; i < size; i++ {
		page := &PageBuffer{
			Array:    array[i*common.PageSize : (i+1)*common.PageSize : (i+1)*common.PageSize],
			Position: common.PositionNotSet,
			uniqueID: c.frames + i + 1,
		}
		c.free = append(c.free, page)
	}
	c.frames += size
	c.segments++
	c.logger.Debug("extended memory cache",
		zap.Int("segment", c.segments),
		zap.Int("segmentPages", size),
		zap.Int("totalPages", c.frames))
}

func isClosed(c chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}
