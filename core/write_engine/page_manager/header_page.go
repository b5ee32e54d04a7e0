package pagemanager

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sushant-115/gojolite/core/storage_engine/bufferio"
	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"github.com/sushant-115/gojolite/core/value"
	"github.com/sushant-115/gojolite/core/write_engine/memcache"
)

const (
	// HeaderInfo identifies a data file.
	HeaderInfo = "** GojoLite data file **"
	// FileVersion is the on-disk format version.
	FileVersion = 1

	pHeaderInfo        = 32
	headerInfoSize     = 27
	pFileVersion       = 59
	pFreeEmptyPageList = 60
	pLastPageID        = 64
	pCreationTime      = 68
	pUserVersion       = 76
	pCollation         = 80
	collationSize      = 32
	pTimeout           = 112
	pLimitSize         = 116
	pUTCDate           = 124
	pCheckpoint        = 125

	pCollections = 192
	// collections area keeps one byte for the terminating empty name
	collectionsAreaSize = common.PageSize - pCollections - 1
)

// Pragmas are the engine settings persisted in the header page.
type Pragmas struct {
	UserVersion int32
	Collation   string
	Timeout     time.Duration
	LimitSize   int64
	UTCDate     bool
	Checkpoint  int
}

// DefaultPragmas is used when a new data file is created.
func DefaultPragmas() Pragmas {
	return Pragmas{
		Collation:  value.DefaultCollation,
		Timeout:    time.Minute,
		LimitSize:  math.MaxInt64,
		Checkpoint: 1000,
	}
}

type collectionEntry struct {
	name   string
	pageID uint32
}

// HeaderPage is page 0. Every setter writes through to the buffer.
//
// The embedded mutex is the header lock: callers that change free lists,
// LastPageID or the collection map hold it for the duration of the change.
// Field access is additionally guarded by an internal RWMutex so readers
// never see a torn value.
type HeaderPage struct {
	sync.Mutex
	*BasePage

	mu          sync.RWMutex
	collections []collectionEntry
}

// NewHeaderPage formats buffer as the header of an empty database.
func NewHeaderPage(buffer *memcache.PageBuffer, pragmas Pragmas) *HeaderPage {
	h := &HeaderPage{BasePage: NewBasePage(buffer, 0, PageTypeHeader)}
	clear(buffer.Array[common.PageHeaderSize:])
	copy(buffer.Array[pHeaderInfo:pHeaderInfo+headerInfoSize], HeaderInfo)
	buffer.Array[pFileVersion] = FileVersion
	h.putU32(pFreeEmptyPageList, common.EmptyPageID)
	h.putU32(pLastPageID, 0)
	binary.LittleEndian.PutUint64(buffer.Array[pCreationTime:], uint64(time.Now().UTC().UnixMicro()))
	h.writePragmas(pragmas)
	return h
}

// LoadHeaderPage validates the file signature and parses the collection map.
func LoadHeaderPage(buffer *memcache.PageBuffer) (*HeaderPage, error) {
	h := &HeaderPage{BasePage: &BasePage{buffer: buffer}}
	if err := h.parse(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *HeaderPage) parse() error {
	a := h.buffer.Array
	info := string(bytes.TrimRight(a[pHeaderInfo:pHeaderInfo+headerInfoSize], "\x00"))
	if info != HeaderInfo || a[pFileVersion] != FileVersion || h.PageType() != PageTypeHeader {
		return fmt.Errorf("%w: header signature %q version %d", common.ErrInvalidDatafile, info, a[pFileVersion])
	}
	r := bufferio.NewBytesReader(a[pCollections:])
	defer r.Close()
	var cols []collectionEntry
	for {
		name := r.ReadCString()
		if name == "" {
			break
		}
		cols = append(cols, collectionEntry{name: name, pageID: r.ReadUint32()})
	}
	if err := r.Err(); err != nil {
		return fmt.Errorf("%w: header collections: %w", common.ErrCorruptedPage, err)
	}
	h.collections = cols
	return nil
}

func (h *HeaderPage) UpdateBuffer() *memcache.PageBuffer { return h.buffer }

func (h *HeaderPage) FreeEmptyPageList() uint32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.u32(pFreeEmptyPageList)
}

func (h *HeaderPage) SetFreeEmptyPageList(id uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.putU32(pFreeEmptyPageList, id)
	h.isDirty = true
}

func (h *HeaderPage) LastPageID() uint32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.u32(pLastPageID)
}

func (h *HeaderPage) SetLastPageID(id uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.putU32(pLastPageID, id)
	h.isDirty = true
}

func (h *HeaderPage) CreationTime() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return time.UnixMicro(int64(binary.LittleEndian.Uint64(h.buffer.Array[pCreationTime:]))).UTC()
}

func (h *HeaderPage) Pragmas() Pragmas {
	h.mu.RLock()
	defer h.mu.RUnlock()
	a := h.buffer.Array
	return Pragmas{
		UserVersion: int32(h.u32(pUserVersion)),
		Collation:   string(bytes.TrimRight(a[pCollation:pCollation+collationSize], "\x00")),
		Timeout:     time.Duration(h.u32(pTimeout)) * time.Second,
		LimitSize:   int64(binary.LittleEndian.Uint64(a[pLimitSize:])),
		UTCDate:     a[pUTCDate] != 0,
		Checkpoint:  int(h.u32(pCheckpoint)),
	}
}

func (h *HeaderPage) SetPragmas(p Pragmas) error {
	if len(p.Collation) > collationSize {
		return fmt.Errorf("collation name %q longer than %d bytes", p.Collation, collationSize)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writePragmas(p)
	h.isDirty = true
	return nil
}

func (h *HeaderPage) writePragmas(p Pragmas) {
	a := h.buffer.Array
	h.putU32(pUserVersion, uint32(p.UserVersion))
	clear(a[pCollation : pCollation+collationSize])
	copy(a[pCollation:pCollation+collationSize], p.Collation)
	h.putU32(pTimeout, uint32(p.Timeout/time.Second))
	binary.LittleEndian.PutUint64(a[pLimitSize:], uint64(p.LimitSize))
	a[pUTCDate] = 0
	if p.UTCDate {
		a[pUTCDate] = 1
	}
	h.putU32(pCheckpoint, uint32(p.Checkpoint))
}

func (h *HeaderPage) indexOf(name string) int {
	return slices.IndexFunc(h.collections, func(e collectionEntry) bool {
		return strings.EqualFold(e.name, name)
	})
}

// GetCollectionPageID resolves a collection name case-insensitively.
func (h *HeaderPage) GetCollectionPageID(name string) (uint32, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if i := h.indexOf(name); i >= 0 {
		return h.collections[i].pageID, true
	}
	return common.EmptyPageID, false
}

// GetCollections returns name -> CollectionPage id.
func (h *HeaderPage) GetCollections() map[string]uint32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]uint32, len(h.collections))
	for _, e := range h.collections {
		out[e.name] = e.pageID
	}
	return out
}

// GetAvailableCollectionSpace is the room left for new collection entries.
func (h *HeaderPage) GetAvailableCollectionSpace() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return collectionsAreaSize - h.collectionsSize()
}

func (h *HeaderPage) collectionsSize() int {
	n := 0
	for _, e := range h.collections {
		n += len(e.name) + 1 + 4
	}
	return n
}

func (h *HeaderPage) InsertCollection(name string, pageID uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.indexOf(name) >= 0 {
		return fmt.Errorf("%w: %s", common.ErrCollectionExists, name)
	}
	if h.collectionsSize()+len(name)+5 > collectionsAreaSize {
		return fmt.Errorf("%w: no header space for %q", common.ErrCollectionLimit, name)
	}
	h.collections = append(h.collections, collectionEntry{name: name, pageID: pageID})
	h.writeCollections()
	return nil
}

func (h *HeaderPage) DeleteCollection(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := h.indexOf(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", common.ErrCollectionNotFound, name)
	}
	h.collections = slices.Delete(h.collections, i, i+1)
	h.writeCollections()
	return nil
}

func (h *HeaderPage) RenameCollection(oldName, newName string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := h.indexOf(oldName)
	if i < 0 {
		return fmt.Errorf("%w: %s", common.ErrCollectionNotFound, oldName)
	}
	if j := h.indexOf(newName); j >= 0 && j != i {
		return fmt.Errorf("%w: %s", common.ErrCollectionExists, newName)
	}
	if h.collectionsSize()-len(oldName)+len(newName) > collectionsAreaSize {
		return fmt.Errorf("%w: no header space for %q", common.ErrCollectionLimit, newName)
	}
	h.collections[i].name = newName
	h.writeCollections()
	return nil
}

func (h *HeaderPage) writeCollections() {
	area := h.buffer.Array[pCollections:]
	clear(area)
	w := bufferio.NewBytesWriter(area)
	for _, e := range h.collections {
		w.WriteCString(e.name)
		w.WriteUint32(e.pageID)
	}
	w.WriteUint8(0)
	w.Close()
	h.isDirty = true
}

// Clone copies the current header image into dst, for writing a header
// version to the log.
func (h *HeaderPage) Clone(dst *memcache.PageBuffer) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	copy(dst.Array, h.buffer.Array)
}

// Savepoint snapshots the header image.
func (h *HeaderPage) Savepoint() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.BasePage.Savepoint()
}

// Restore rolls the header back to a savepoint taken by Savepoint.
func (h *HeaderPage) Restore(savepoint []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.BasePage.Restore(savepoint)
	// the image came from this page, so it always parses
	_ = h.parse()
}

// Reload replaces the header with a version read from the log.
func (h *HeaderPage) Reload(image []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	saved := h.BasePage.Savepoint()
	copy(h.buffer.Array, image)
	if err := h.parse(); err != nil {
		copy(h.buffer.Array, saved)
		return err
	}
	return nil
}
