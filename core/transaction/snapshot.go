package transaction

import (
	"fmt"
	"math"

	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"github.com/sushant-115/gojolite/core/write_engine/memcache"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// Snapshot is the view of one collection inside a transaction. Read
// snapshots hold shared buffers; write snapshots hold private copies that
// are written to the log on safepoint or commit.
//
// A snapshot is not safe for concurrent use.
type Snapshot struct {
	tx             *TransactionService
	mode           LockMode
	collectionName string
	collectionPage *pagemanager.CollectionPage
	readVersion    int
	localPages     map[uint32]pagemanager.Page
}

func newSnapshot(tx *TransactionService, mode LockMode, collection string) (*Snapshot, error) {
	m := tx.monitor
	s := &Snapshot{
		tx:             tx,
		mode:           mode,
		collectionName: collection,
		readVersion:    m.wal.CurrentReadVersion(),
		localPages:     make(map[uint32]pagemanager.Page),
	}
	if pageID, ok := m.header.GetCollectionPageID(collection); ok {
		page, err := s.loadPage(pageID)
		if err != nil {
			return nil, err
		}
		col, ok := page.(*pagemanager.CollectionPage)
		if !ok {
			s.releaseBuffer(page.Base().Buffer())
			return nil, fmt.Errorf("%w: collection %q points to %s page %d", common.ErrCorruptedPage, collection, page.Base().PageType(), pageID)
		}
		s.collectionPage = col
	}
	return s, nil
}

func (s *Snapshot) Mode() LockMode                              { return s.mode }
func (s *Snapshot) CollectionName() string                      { return s.collectionName }
func (s *Snapshot) CollectionPage() *pagemanager.CollectionPage { return s.collectionPage }
func (s *Snapshot) ReadVersion() int                            { return s.readVersion }
func (s *Snapshot) TransactionID() uint32                       { return s.tx.id }
func (s *Snapshot) TransactionPages() *TransactionPages         { return s.tx.pages }
func (s *Snapshot) Header() *pagemanager.HeaderPage             { return s.tx.monitor.header }
func (s *Snapshot) LocalPages() int                             { return len(s.localPages) }

func (s *Snapshot) writable() bool { return s.mode == LockWrite }

func (s *Snapshot) holds(pageID uint32) bool {
	if s.collectionPage != nil && s.collectionPage.PageID() == pageID {
		return true
	}
	_, ok := s.localPages[pageID]
	return ok
}

func (s *Snapshot) releaseBuffer(buf *memcache.PageBuffer) {
	if buf.IsWritable() {
		s.tx.monitor.disk.DiscardPage(buf)
	} else {
		buf.Release()
	}
}

// readBuffer finds the page version this snapshot must see: its own log
// writes first, then the newest version at or below version in the log,
// then the data file.
func (s *Snapshot) readBuffer(pageID uint32, version int) (*memcache.PageBuffer, error) {
	m := s.tx.monitor
	if pos, ok := s.tx.pages.DirtyPages[pageID]; ok {
		return m.reader.ReadPage(pos, s.writable(), memcache.OriginLog)
	}
	if pos, _, ok := m.wal.GetPageIndex(pageID, version); ok {
		buf, err := m.reader.ReadPage(pos, s.writable(), memcache.OriginLog)
		if err != nil {
			return nil, err
		}
		if buf.IsWritable() {
			pagemanager.WrapBasePage(buf).SetTransaction(0, false)
		}
		return buf, nil
	}
	return m.reader.ReadPage(pagemanager.PagePosition(pageID), s.writable(), memcache.OriginData)
}

func (s *Snapshot) loadPage(pageID uint32) (pagemanager.Page, error) {
	return s.loadPageAt(pageID, s.readVersion)
}

func (s *Snapshot) loadPageAt(pageID uint32, version int) (pagemanager.Page, error) {
	buf, err := s.readBuffer(pageID, version)
	if err != nil {
		return nil, fmt.Errorf("read page %d: %w", pageID, err)
	}
	page, err := pagemanager.Load(buf)
	if err != nil {
		s.releaseBuffer(buf)
		s.tx.monitor.logger.Error("corrupted page", zap.Uint32("pageID", pageID), zap.Error(err))
		return nil, err
	}
	if s.writable() {
		s.tx.pages.TransactionSize++
	}
	return page, nil
}

// GetPage returns the page as seen by this snapshot, loading it once.
func (s *Snapshot) GetPage(pageID uint32) (pagemanager.Page, error) {
	if s.collectionPage != nil && s.collectionPage.PageID() == pageID {
		return s.collectionPage, nil
	}
	if page, ok := s.localPages[pageID]; ok {
		return page, nil
	}
	page, err := s.loadPage(pageID)
	if err != nil {
		return nil, err
	}
	s.localPages[pageID] = page
	return page, nil
}

// GetPage returns a typed page or ErrInvalidPage when the stored type
// differs.
func GetPage[T pagemanager.Page](s *Snapshot, pageID uint32) (T, error) {
	var zero T
	page, err := s.GetPage(pageID)
	if err != nil {
		return zero, err
	}
	typed, ok := page.(T)
	if !ok {
		return zero, fmt.Errorf("%w: page %d is %s", common.ErrInvalidPage, pageID, page.Base().PageType())
	}
	return typed, nil
}

func (s *Snapshot) GetDataPage(pageID uint32) (*pagemanager.DataPage, error) {
	return GetPage[*pagemanager.DataPage](s, pageID)
}

func (s *Snapshot) GetIndexPage(pageID uint32) (*pagemanager.IndexPage, error) {
	return GetPage[*pagemanager.IndexPage](s, pageID)
}

func (s *Snapshot) requireWrite() error {
	if !s.writable() {
		return fmt.Errorf("%w: snapshot of %q is read only", common.ErrReadOnly, s.collectionName)
	}
	return nil
}

// NewPage allocates a page from the empty page list, or past the last page
// when the list is empty.
func (s *Snapshot) NewPage(t pagemanager.PageType) (pagemanager.Page, error) {
	if err := s.requireWrite(); err != nil {
		return nil, err
	}
	m := s.tx.monitor
	h := m.header

	h.Lock()
	defer h.Unlock()

	var (
		pageID uint32
		buf    *memcache.PageBuffer
	)
	if free := h.FreeEmptyPageList(); free != common.EmptyPageID {
		// empty pages are read at the newest version: another transaction
		// may have freed it after this snapshot started
		page, err := s.loadPageAt(free, math.MaxInt)
		if err != nil {
			return nil, err
		}
		s.tx.pages.TransactionSize--
		base := page.Base()
		if base.PageType() != pagemanager.PageTypeEmpty {
			s.releaseBuffer(base.Buffer())
			return nil, fmt.Errorf("%w: page %d in empty list is %s", common.ErrCorruptedPage, free, base.PageType())
		}
		h.SetFreeEmptyPageList(base.NextPageID())
		pageID, buf = free, base.Buffer()
		clear(buf.Array)
	} else {
		next := h.LastPageID() + 1
		if limit := h.Pragmas().LimitSize; int64(next+1)*common.PageSize > limit {
			return nil, fmt.Errorf("%w: page %d exceeds %d bytes", common.ErrSizeLimitReached, next, limit)
		}
		h.SetLastPageID(next)
		pageID, buf = next, m.disk.NewPage()
	}

	page, err := pagemanager.Create(buf, pageID, t)
	if err != nil {
		m.disk.DiscardPage(buf)
		return nil, err
	}
	if s.collectionPage != nil {
		page.Base().SetColID(s.collectionPage.PageID())
	}
	s.tx.pages.NewPages = append(s.tx.pages.NewPages, pageID)
	s.tx.pages.TransactionSize++
	s.localPages[pageID] = page
	return page, nil
}

// CreateCollection creates the collection page. The header entry is added
// when the transaction commits.
func (s *Snapshot) CreateCollection() (*pagemanager.CollectionPage, error) {
	if err := s.requireWrite(); err != nil {
		return nil, err
	}
	if s.collectionPage != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrCollectionExists, s.collectionName)
	}
	if s.Header().GetAvailableCollectionSpace() < len(s.collectionName)+5 {
		return nil, fmt.Errorf("%w: no header space for %q", common.ErrCollectionLimit, s.collectionName)
	}
	page, err := s.NewPage(pagemanager.PageTypeCollection)
	if err != nil {
		return nil, err
	}
	col := page.(*pagemanager.CollectionPage)
	delete(s.localPages, col.PageID())
	s.collectionPage = col

	name, pageID := s.collectionName, col.PageID()
	s.tx.pages.OnCommit(func(h *pagemanager.HeaderPage) error {
		return h.InsertCollection(name, pageID)
	})
	return col, nil
}

// GetFreeDataPage returns a data page with room for length payload bytes,
// searching the free lists from the fullest bucket that fits.
func (s *Snapshot) GetFreeDataPage(length int) (*pagemanager.DataPage, error) {
	length += common.PageSlotSize
	col := s.collectionPage
	for slot := pagemanager.GetMinimumIndexSlot(length); slot >= 0; slot-- {
		pageID := col.FreeDataPageList[slot]
		if pageID == common.EmptyPageID {
			continue
		}
		page, err := s.GetDataPage(pageID)
		if err != nil {
			return nil, err
		}
		if int(page.PageListSlot()) != slot || page.FreeBytes() < length {
			return nil, fmt.Errorf("%w: data page %d in free list %d has %d free bytes", common.ErrCorruptedPage,
				pageID, slot, page.FreeBytes())
		}
		return page, nil
	}
	page, err := s.NewPage(pagemanager.PageTypeData)
	if err != nil {
		return nil, err
	}
	return page.(*pagemanager.DataPage), nil
}

// AddOrRemoveFreeDataList moves a data page to the bucket matching its free
// bytes, or deletes it when it holds no block.
func (s *Snapshot) AddOrRemoveFreeDataList(page *pagemanager.DataPage) error {
	col := s.collectionPage
	newSlot := pagemanager.FreeIndexSlot(page.FreeBytes())
	initial := page.PageListSlot()

	if newSlot == int(initial) && page.ItemsCount() > 0 {
		return nil
	}
	if initial != common.EmptyIndex {
		head := &col.FreeDataPageList[initial]
		if err := s.removeFreeList(page.BasePage, func() uint32 { return *head }, func(id uint32) { *head = id }); err != nil {
			return err
		}
	}
	if page.ItemsCount() == 0 {
		return s.DeletePage(page.PageID())
	}
	head := &col.FreeDataPageList[newSlot]
	if err := s.addFreeList(page.BasePage, func() uint32 { return *head }, func(id uint32) { *head = id }); err != nil {
		return err
	}
	page.SetPageListSlot(uint8(newSlot))
	return nil
}

// GetFreeIndexPage returns an index page with room for a node of length
// bytes.
func (s *Snapshot) GetFreeIndexPage(length int, index *pagemanager.CollectionIndex) (*pagemanager.IndexPage, error) {
	if free := index.FreeIndexPageList(); free != common.EmptyPageID {
		page, err := s.GetIndexPage(free)
		if err != nil {
			return nil, err
		}
		if page.FreeBytes() < length+common.PageSlotSize {
			return nil, fmt.Errorf("%w: index page %d in free list has %d free bytes", common.ErrCorruptedPage, free, page.FreeBytes())
		}
		return page, nil
	}
	page, err := s.NewPage(pagemanager.PageTypeIndex)
	if err != nil {
		return nil, err
	}
	return page.(*pagemanager.IndexPage), nil
}

// AddOrRemoveFreeIndexList keeps index pages with room for the largest node
// in the index free list and deletes empty ones.
func (s *Snapshot) AddOrRemoveFreeIndexList(page *pagemanager.IndexPage, index *pagemanager.CollectionIndex) error {
	newSlot := uint8(1)
	if page.FreeBytes() > pagemanager.MaxIndexNodeLength {
		newSlot = 0
	}
	isOnList := page.PageListSlot() == 0
	mustKeep := newSlot == 0

	get, set := index.FreeIndexPageList, index.SetFreeIndexPageList
	if page.ItemsCount() == 0 {
		if isOnList {
			if err := s.removeFreeList(page.BasePage, get, set); err != nil {
				return err
			}
		}
		return s.DeletePage(page.PageID())
	}
	switch {
	case isOnList && !mustKeep:
		if err := s.removeFreeList(page.BasePage, get, set); err != nil {
			return err
		}
	case !isOnList && mustKeep:
		if err := s.addFreeList(page.BasePage, get, set); err != nil {
			return err
		}
	}
	page.SetPageListSlot(newSlot)
	return nil
}

func (s *Snapshot) addFreeList(page *pagemanager.BasePage, head func() uint32, setHead func(uint32)) error {
	if page.PrevPageID() != common.EmptyPageID || page.NextPageID() != common.EmptyPageID {
		return fmt.Errorf("%w: page %d is already linked", common.ErrCorruptedPage, page.PageID())
	}
	if start := head(); start != common.EmptyPageID {
		next, err := s.GetPage(start)
		if err != nil {
			return err
		}
		next.Base().SetPrevPageID(page.PageID())
	}
	page.SetPrevPageID(common.EmptyPageID)
	page.SetNextPageID(head())
	setHead(page.PageID())
	s.collectionPage.SetDirty()
	return nil
}

func (s *Snapshot) removeFreeList(page *pagemanager.BasePage, head func() uint32, setHead func(uint32)) error {
	if prevID := page.PrevPageID(); prevID != common.EmptyPageID {
		prev, err := s.GetPage(prevID)
		if err != nil {
			return err
		}
		prev.Base().SetNextPageID(page.NextPageID())
	}
	if nextID := page.NextPageID(); nextID != common.EmptyPageID {
		next, err := s.GetPage(nextID)
		if err != nil {
			return err
		}
		next.Base().SetPrevPageID(page.PrevPageID())
	}
	if head() == page.PageID() {
		setHead(page.NextPageID())
		s.collectionPage.SetDirty()
	}
	page.SetPrevPageID(common.EmptyPageID)
	page.SetNextPageID(common.EmptyPageID)
	return nil
}

// DeletePage empties a page and chains it into this transaction's deleted
// list.
func (s *Snapshot) DeletePage(pageID uint32) error {
	if err := s.requireWrite(); err != nil {
		return err
	}
	page, err := s.GetPage(pageID)
	if err != nil {
		return err
	}
	s.markDeleted(page.Base())
	return nil
}

func (s *Snapshot) markDeleted(page *pagemanager.BasePage) {
	p := s.tx.pages
	page.MarkAsEmpty()
	if p.FirstDeletedPageID == common.EmptyPageID {
		p.LastDeletedPageID = page.PageID()
	} else {
		page.SetNextPageID(p.FirstDeletedPageID)
	}
	p.FirstDeletedPageID = page.PageID()
	p.DeletedPages++
}

// DropCollection deletes the collection page, the given index pages and
// every data page, then removes the collection from the header on commit.
// safepoint is called after each page so large collections do not pin the
// whole drop in memory.
func (s *Snapshot) DropCollection(indexPages []uint32, safepoint func() error) error {
	if err := s.requireWrite(); err != nil {
		return err
	}
	col := s.collectionPage
	if col == nil {
		return fmt.Errorf("%w: %s", common.ErrCollectionNotFound, s.collectionName)
	}
	free := col.FreeDataPageList

	// the collection page stays in memory until commit; empty it now so it
	// is written as a free page
	s.markDeleted(col.BasePage)

	for _, pageID := range indexPages {
		if err := s.DeletePage(pageID); err != nil {
			return err
		}
		if err := safepoint(); err != nil {
			return err
		}
	}
	for _, start := range free {
		for next := start; next != common.EmptyPageID; {
			page, err := s.GetPage(next)
			if err != nil {
				return err
			}
			next = page.Base().NextPageID()
			s.markDeleted(page.Base())
			if err := safepoint(); err != nil {
				return err
			}
		}
	}

	name := s.collectionName
	s.tx.pages.OnCommit(func(h *pagemanager.HeaderPage) error {
		return h.DeleteCollection(name)
	})
	return nil
}

// RenameCollection changes the header entry on commit.
func (s *Snapshot) RenameCollection(newName string) error {
	if err := s.requireWrite(); err != nil {
		return err
	}
	if s.collectionPage == nil {
		return fmt.Errorf("%w: %s", common.ErrCollectionNotFound, s.collectionName)
	}
	if _, exists := s.Header().GetCollectionPageID(newName); exists {
		return fmt.Errorf("%w: %s", common.ErrCollectionExists, newName)
	}
	oldName := s.collectionName
	s.tx.pages.OnCommit(func(h *pagemanager.HeaderPage) error {
		return h.RenameCollection(oldName, newName)
	})
	return nil
}

// writablePages returns local pages of a write snapshot with the given
// dirty state. withCollection includes the collection page.
func (s *Snapshot) writablePages(dirty, withCollection bool) []pagemanager.Page {
	if !s.writable() {
		return nil
	}
	var out []pagemanager.Page
	for _, page := range s.localPages {
		if page.Base().IsDirty() == dirty {
			out = append(out, page)
		}
	}
	if withCollection && s.collectionPage != nil && s.collectionPage.IsDirty() == dirty {
		out = append(out, s.collectionPage)
	}
	return out
}

// clear forgets local pages after a safepoint. Buffers of write snapshots
// were already handed to the log or discarded.
func (s *Snapshot) clear() {
	if !s.writable() {
		for _, page := range s.localPages {
			page.Base().Buffer().Release()
		}
	}
	clear(s.localPages)
}

// dispose gives every buffer still held back to the cache.
func (s *Snapshot) dispose() {
	for _, page := range s.localPages {
		s.releaseBuffer(page.Base().Buffer())
	}
	clear(s.localPages)
	if s.collectionPage != nil {
		s.releaseBuffer(s.collectionPage.Buffer())
		s.collectionPage = nil
	}
}

// forgetWritable drops local pages whose buffers were handed to the log
// or discarded. On commit the collection page went with them.
func (s *Snapshot) forgetWritable(commit bool) {
	if !s.writable() {
		return
	}
	clear(s.localPages)
	if commit {
		s.collectionPage = nil
	}
}
