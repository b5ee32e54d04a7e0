package transaction

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojolite/core/storage_engine/common"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	"github.com/sushant-115/gojolite/core/write_engine/memcache"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"github.com/sushant-115/gojolite/core/write_engine/wal"
	"go.uber.org/zap"
)

type harness struct {
	disk    *flushmanager.DiskService
	header  *pagemanager.HeaderPage
	wal     *wal.IndexService
	locker  *LockService
	monitor *TransactionMonitor
}

func newHarness(t *testing.T, opts MonitorOptions, pragmas pagemanager.Pragmas) *harness {
	t.Helper()
	logger := zap.NewNop()
	disk, err := flushmanager.NewDiskService(flushmanager.Options{
		Data: flushmanager.NewMemoryStreamFactory("data"),
		Log:  flushmanager.NewMemoryStreamFactory("log"),
	}, memcache.NewMemoryCache(nil, logger), logger)
	require.NoError(t, err)
	t.Cleanup(func() { disk.Close() })

	header := pagemanager.NewHeaderPage(memcache.NewPageBuffer(), pragmas)
	header.Buffer().Position = 0
	_, err = disk.WriteDataDisk(func(yield func(*memcache.PageBuffer) bool) { yield(header.Buffer()) })
	require.NoError(t, err)

	h := &harness{disk: disk, header: header, wal: wal.NewIndexService(disk, logger)}
	h.locker = NewLockService(pragmas.Timeout, logger, nil)
	h.monitor = NewTransactionMonitor(header, h.locker, disk, h.wal, opts, logger, nil)
	return h
}

func defaultHarness(t *testing.T) *harness {
	return newHarness(t, MonitorOptions{}, pagemanager.DefaultPragmas())
}

func (h *harness) begin(t *testing.T) *TransactionService {
	t.Helper()
	tx, err := h.monitor.BeginTransaction(context.Background())
	require.NoError(t, err)
	return tx
}

func insertPayload(t *testing.T, snap *Snapshot, payload []byte) pagemanager.PageAddress {
	t.Helper()
	page, err := snap.GetFreeDataPage(len(payload) + pagemanager.DataBlockFixedSize)
	require.NoError(t, err)
	block, err := page.InsertBlock(len(payload), false)
	require.NoError(t, err)
	copy(block.Buffer(), payload)
	require.NoError(t, snap.AddOrRemoveFreeDataList(page))
	return block.Position()
}

func readPayload(t *testing.T, snap *Snapshot, addr pagemanager.PageAddress, n int) []byte {
	t.Helper()
	page, err := snap.GetDataPage(addr.PageID)
	require.NoError(t, err)
	block, err := page.GetBlock(addr.Index)
	require.NoError(t, err)
	return bytes.Clone(block.Buffer()[:n])
}

func TestTransaction_CommitIsVisibleToNextTransaction(t *testing.T) {
	h := defaultHarness(t)
	ctx := context.Background()

	tx := h.begin(t)
	snap, err := tx.CreateSnapshot(ctx, LockWrite, "users")
	require.NoError(t, err)
	require.Nil(t, snap.CollectionPage())
	_, err = snap.CreateCollection()
	require.NoError(t, err)
	addr := insertPayload(t, snap, []byte("hello"))

	_, exists := h.header.GetCollectionPageID("users")
	require.False(t, exists, "collection is registered on commit")
	require.NoError(t, tx.Commit())
	require.Equal(t, TxnStateCommitted, tx.State())
	require.Equal(t, 0, h.monitor.OpenTransactions())

	pageID, exists := h.header.GetCollectionPageID("USERS")
	require.True(t, exists)
	require.Equal(t, uint32(1), pageID)
	require.Equal(t, uint32(2), h.header.LastPageID())

	tx2 := h.begin(t)
	defer tx2.Rollback()
	read, err := tx2.CreateSnapshot(ctx, LockRead, "users")
	require.NoError(t, err)
	require.NotNil(t, read.CollectionPage())
	require.Equal(t, []byte("hello"), readPayload(t, read, addr, 5))

	slot := pagemanager.FreeIndexSlot(common.PageAvailableBytes - 5 - pagemanager.DataBlockFixedSize - common.PageSlotSize)
	require.Equal(t, addr.PageID, read.CollectionPage().FreeDataPageList[slot])
}

func TestTransaction_NotActiveAfterCommit(t *testing.T) {
	h := defaultHarness(t)
	tx := h.begin(t)
	require.NoError(t, tx.Commit())

	require.ErrorIs(t, tx.Commit(), common.ErrTransactionNotActive)
	require.ErrorIs(t, tx.Rollback(), common.ErrTransactionNotActive)
	_, err := tx.CreateSnapshot(context.Background(), LockRead, "users")
	require.ErrorIs(t, err, common.ErrTransactionNotActive)
}

func TestTransaction_RollbackReturnsNewPages(t *testing.T) {
	h := defaultHarness(t)
	ctx := context.Background()

	tx := h.begin(t)
	snap, err := tx.CreateSnapshot(ctx, LockWrite, "a")
	require.NoError(t, err)
	_, err = snap.CreateCollection()
	require.NoError(t, err)
	insertPayload(t, snap, []byte("discarded"))
	require.NoError(t, tx.Rollback())
	require.Equal(t, TxnStateAborted, tx.State())

	_, exists := h.header.GetCollectionPageID("a")
	require.False(t, exists)
	require.Equal(t, uint32(1), h.header.FreeEmptyPageList())
	require.Equal(t, uint32(2), h.header.LastPageID())

	// the next allocations reuse the returned pages in order
	tx2 := h.begin(t)
	snap2, err := tx2.CreateSnapshot(ctx, LockWrite, "b")
	require.NoError(t, err)
	col, err := snap2.CreateCollection()
	require.NoError(t, err)
	require.Equal(t, uint32(1), col.PageID())
	require.Equal(t, uint32(2), h.header.FreeEmptyPageList())
	addr := insertPayload(t, snap2, []byte("kept"))
	require.Equal(t, uint32(2), addr.PageID)
	require.Equal(t, uint32(common.EmptyPageID), h.header.FreeEmptyPageList())
	require.NoError(t, tx2.Commit())

	require.Equal(t, uint32(2), h.header.LastPageID())
	pageID, exists := h.header.GetCollectionPageID("b")
	require.True(t, exists)
	require.Equal(t, uint32(1), pageID)
}

func TestTransaction_DeletedPagesJoinEmptyList(t *testing.T) {
	h := defaultHarness(t)
	ctx := context.Background()

	tx := h.begin(t)
	snap, err := tx.CreateSnapshot(ctx, LockWrite, "users")
	require.NoError(t, err)
	_, err = snap.CreateCollection()
	require.NoError(t, err)
	addr := insertPayload(t, snap, []byte("doc"))
	require.NoError(t, tx.Commit())

	tx2 := h.begin(t)
	snap2, err := tx2.CreateSnapshot(ctx, LockWrite, "users")
	require.NoError(t, err)
	page, err := snap2.GetDataPage(addr.PageID)
	require.NoError(t, err)
	require.NoError(t, page.DeleteBlock(addr.Index))
	require.NoError(t, snap2.AddOrRemoveFreeDataList(page))
	require.Equal(t, 1, tx2.Pages().DeletedPages)
	require.NoError(t, tx2.Commit())

	require.Equal(t, addr.PageID, h.header.FreeEmptyPageList())

	tx3 := h.begin(t)
	defer tx3.Rollback()
	read, err := tx3.CreateSnapshot(ctx, LockRead, "users")
	require.NoError(t, err)
	for _, id := range read.CollectionPage().FreeDataPageList {
		require.Equal(t, uint32(common.EmptyPageID), id)
	}
	empty, err := read.GetPage(addr.PageID)
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageTypeEmpty, empty.Base().PageType())
}

func TestTransaction_FreeListBuckets(t *testing.T) {
	h := defaultHarness(t)
	ctx := context.Background()

	tx := h.begin(t)
	defer tx.Rollback()
	snap, err := tx.CreateSnapshot(ctx, LockWrite, "users")
	require.NoError(t, err)
	col, err := snap.CreateCollection()
	require.NoError(t, err)

	first := insertPayload(t, snap, make([]byte, 500))
	page, err := snap.GetDataPage(first.PageID)
	require.NoError(t, err)
	require.Equal(t, uint8(0), page.PageListSlot())
	require.Equal(t, first.PageID, col.FreeDataPageList[0])

	// a fuller page moves down the buckets
	second := insertPayload(t, snap, make([]byte, 3000))
	require.Equal(t, first.PageID, second.PageID)
	require.Equal(t, uint8(3), page.PageListSlot())
	require.Equal(t, uint32(common.EmptyPageID), col.FreeDataPageList[0])
	require.Equal(t, first.PageID, col.FreeDataPageList[3])

	// no bucket guarantees room for this one
	third := insertPayload(t, snap, make([]byte, 5000))
	require.NotEqual(t, first.PageID, third.PageID)

	require.NoError(t, page.DeleteBlock(second.Index))
	require.NoError(t, snap.AddOrRemoveFreeDataList(page))
	require.Equal(t, uint8(0), page.PageListSlot())
	require.Equal(t, first.PageID, col.FreeDataPageList[0])
}

func TestTransaction_SafepointKeepsWritesAcrossFlush(t *testing.T) {
	h := newHarness(t, MonitorOptions{MaxTransactionSize: 2}, pagemanager.DefaultPragmas())
	ctx := context.Background()

	tx := h.begin(t)
	snap, err := tx.CreateSnapshot(ctx, LockWrite, "big")
	require.NoError(t, err)
	_, err = snap.CreateCollection()
	require.NoError(t, err)

	var addrs []pagemanager.PageAddress
	for i := range 4 {
		addrs = append(addrs, insertPayload(t, snap, bytes.Repeat([]byte{byte('a' + i)}, 3000)))
		require.NoError(t, tx.Safepoint())
	}
	require.NotEmpty(t, tx.Pages().DirtyPages)
	require.Zero(t, h.wal.ConfirmedTransactions(), "safepoint pages stay unconfirmed")
	require.Equal(t, addrs[0].PageID, addrs[1].PageID)
	require.Equal(t, addrs[2].PageID, addrs[3].PageID)
	require.NoError(t, tx.Commit())

	tx2 := h.begin(t)
	defer tx2.Rollback()
	read, err := tx2.CreateSnapshot(ctx, LockRead, "big")
	require.NoError(t, err)
	for i, addr := range addrs {
		require.Equal(t, bytes.Repeat([]byte{byte('a' + i)}, 3000), readPayload(t, read, addr, 3000))
	}
}

func TestTransaction_LockTimeout(t *testing.T) {
	pragmas := pagemanager.DefaultPragmas()
	pragmas.Timeout = 50 * time.Millisecond
	h := newHarness(t, MonitorOptions{}, pragmas)
	ctx := context.Background()

	writer := h.begin(t)
	_, err := writer.CreateSnapshot(ctx, LockWrite, "users")
	require.NoError(t, err)

	reader := h.begin(t)
	_, err = reader.CreateSnapshot(ctx, LockRead, "users")
	require.ErrorIs(t, err, common.ErrLockTimeout)

	// other collections are not blocked
	_, err = reader.CreateSnapshot(ctx, LockWrite, "orders")
	require.NoError(t, err)

	require.NoError(t, writer.Rollback())
	_, err = reader.CreateSnapshot(ctx, LockRead, "users")
	require.NoError(t, err)
	require.NoError(t, reader.Rollback())
}

func TestTransaction_UpgradeReadToWrite(t *testing.T) {
	pragmas := pagemanager.DefaultPragmas()
	pragmas.Timeout = 50 * time.Millisecond
	h := newHarness(t, MonitorOptions{}, pragmas)
	ctx := context.Background()

	tx := h.begin(t)
	read, err := tx.CreateSnapshot(ctx, LockRead, "users")
	require.NoError(t, err)
	same, err := tx.CreateSnapshot(ctx, LockRead, "users")
	require.NoError(t, err)
	require.Same(t, read, same)

	write, err := tx.CreateSnapshot(ctx, LockWrite, "users")
	require.NoError(t, err)
	require.Equal(t, LockWrite, write.Mode())

	other := h.begin(t)
	_, err = other.CreateSnapshot(ctx, LockRead, "users")
	require.ErrorIs(t, err, common.ErrLockTimeout)
	require.NoError(t, other.Rollback())

	require.NoError(t, tx.Commit())
	require.True(t, h.locker.TryEnterExclusive())
	h.locker.ExitExclusive()
}

func TestTransaction_ReadOnlyMonitor(t *testing.T) {
	h := newHarness(t, MonitorOptions{ReadOnly: true}, pagemanager.DefaultPragmas())
	tx := h.begin(t)
	defer tx.Rollback()

	_, err := tx.CreateSnapshot(context.Background(), LockWrite, "users")
	require.ErrorIs(t, err, common.ErrReadOnly)
	_, err = tx.CreateSnapshot(context.Background(), LockRead, "users")
	require.NoError(t, err)
}

func TestTransaction_AutoCheckpoint(t *testing.T) {
	pragmas := pagemanager.DefaultPragmas()
	pragmas.Checkpoint = 1
	h := newHarness(t, MonitorOptions{}, pragmas)
	ctx := context.Background()

	tx := h.begin(t)
	snap, err := tx.CreateSnapshot(ctx, LockWrite, "users")
	require.NoError(t, err)
	_, err = snap.CreateCollection()
	require.NoError(t, err)
	addr := insertPayload(t, snap, []byte("durable"))
	require.NoError(t, tx.Commit())

	length, err := h.disk.GetFileLength(memcache.OriginLog)
	require.NoError(t, err)
	require.Zero(t, length)
	require.Zero(t, h.wal.CurrentReadVersion())

	dataLength, err := h.disk.GetFileLength(memcache.OriginData)
	require.NoError(t, err)
	require.Equal(t, int64(3*common.PageSize), dataLength)

	tx2 := h.begin(t)
	defer tx2.Rollback()
	read, err := tx2.CreateSnapshot(ctx, LockRead, "users")
	require.NoError(t, err)
	require.Equal(t, []byte("durable"), readPayload(t, read, addr, 7))
}

func TestTransaction_CheckpointWaitsForOpenTransactions(t *testing.T) {
	h := defaultHarness(t)
	ctx := context.Background()

	tx := h.begin(t)
	snap, err := tx.CreateSnapshot(ctx, LockWrite, "users")
	require.NoError(t, err)
	_, err = snap.CreateCollection()
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	open := h.begin(t)
	ok, err := h.monitor.TryCheckpoint(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, open.Rollback())
	ok, err = h.monitor.TryCheckpoint(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestTransaction_AbortAll(t *testing.T) {
	h := defaultHarness(t)
	a := h.begin(t)
	b := h.begin(t)
	require.Equal(t, 2, h.monitor.OpenTransactions())

	h.monitor.AbortAll()
	require.Zero(t, h.monitor.OpenTransactions())
	require.Equal(t, TxnStateAborted, a.State())
	require.Equal(t, TxnStateAborted, b.State())
}
