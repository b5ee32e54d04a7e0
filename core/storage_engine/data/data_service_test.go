package data

import (
	"bytes"
	"context"
	"io"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"github.com/sushant-115/gojolite/core/transaction"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	"github.com/sushant-115/gojolite/core/write_engine/memcache"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"github.com/sushant-115/gojolite/core/write_engine/wal"
	"go.uber.org/zap"
)

func newMonitor(t *testing.T) *transaction.TransactionMonitor {
	t.Helper()
	logger := zap.NewNop()
	disk, err := flushmanager.NewDiskService(flushmanager.Options{
		Data: flushmanager.NewMemoryStreamFactory("data"),
		Log:  flushmanager.NewMemoryStreamFactory("log"),
	}, memcache.NewMemoryCache(nil, logger), logger)
	require.NoError(t, err)
	t.Cleanup(func() { disk.Close() })

	pragmas := pagemanager.DefaultPragmas()
	header := pagemanager.NewHeaderPage(memcache.NewPageBuffer(), pragmas)
	header.Buffer().Position = 0
	_, err = disk.WriteDataDisk(func(yield func(*memcache.PageBuffer) bool) { yield(header.Buffer()) })
	require.NoError(t, err)

	locker := transaction.NewLockService(pragmas.Timeout, logger, nil)
	return transaction.NewTransactionMonitor(header, locker, disk, wal.NewIndexService(disk, logger),
		transaction.MonitorOptions{}, logger, nil)
}

func begin(t *testing.T, m *transaction.TransactionMonitor, mode transaction.LockMode) (*transaction.TransactionService, *DataService) {
	t.Helper()
	tx, err := m.BeginTransaction(context.Background())
	require.NoError(t, err)
	snap, err := tx.CreateSnapshot(context.Background(), mode, "docs")
	require.NoError(t, err)
	if snap.CollectionPage() == nil && mode == transaction.LockWrite {
		_, err = snap.CreateCollection()
		require.NoError(t, err)
	}
	return tx, NewDataService(snap)
}

func payload(seed uint64, n int) []byte {
	rnd := rand.New(rand.NewPCG(seed, seed))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(rnd.UintN(256))
	}
	return b
}

func TestDataService_InsertRead(t *testing.T) {
	m := newMonitor(t)
	tx, svc := begin(t, m, transaction.LockWrite)

	sizes := []int{0, 10, pagemanager.MaxDataBytesPerPage, pagemanager.MaxDataBytesPerPage + 1, 50000}
	addrs := make([]pagemanager.PageAddress, len(sizes))
	for i, n := range sizes {
		addr, err := svc.Insert(payload(uint64(i), n))
		require.NoError(t, err)
		addrs[i] = addr
	}

	blocks := 0
	for _, err := range svc.Blocks(addrs[4]) {
		require.NoError(t, err)
		blocks++
	}
	require.Equal(t, 7, blocks)
	require.NoError(t, tx.Commit())

	tx, svc = begin(t, m, transaction.LockRead)
	defer tx.Rollback()
	for i, n := range sizes {
		got, err := svc.Read(addrs[i])
		require.NoError(t, err)
		require.Equal(t, payload(uint64(i), n), got)

		r, err := svc.Reader(addrs[i])
		require.NoError(t, err)
		streamed, err := io.ReadAll(r)
		require.NoError(t, err)
		require.True(t, bytes.Equal(got, streamed))
		r.Close()
	}
}

func TestDataService_Update(t *testing.T) {
	m := newMonitor(t)
	tx, svc := begin(t, m, transaction.LockWrite)
	defer tx.Rollback()

	addr, err := svc.Insert(payload(1, 100))
	require.NoError(t, err)
	neighbour, err := svc.Insert(payload(2, 100))
	require.NoError(t, err)

	for i, n := range []int{20000, 150, 9000, 0, 300} {
		want := payload(uint64(10+i), n)
		require.NoError(t, svc.Update(addr, want))
		got, err := svc.Read(addr)
		require.NoError(t, err)
		require.Equal(t, want, got, "update %d to %d bytes", i, n)
	}

	got, err := svc.Read(neighbour)
	require.NoError(t, err)
	require.Equal(t, payload(2, 100), got)
}

func TestDataService_DeleteFreesPages(t *testing.T) {
	m := newMonitor(t)
	tx, svc := begin(t, m, transaction.LockWrite)
	addr, err := svc.Insert(payload(1, 30000))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx, svc = begin(t, m, transaction.LockWrite)
	require.NoError(t, svc.Delete(addr))
	require.Equal(t, 4, tx.Pages().DeletedPages)
	_, err = svc.Read(addr)
	require.Error(t, err)
	require.NoError(t, tx.Commit())

	tx, svc = begin(t, m, transaction.LockRead)
	defer tx.Rollback()
	_, err = svc.Read(addr)
	require.ErrorIs(t, err, common.ErrInvalidPage)
}

func TestDataService_TooLarge(t *testing.T) {
	m := newMonitor(t)
	tx, svc := begin(t, m, transaction.LockWrite)
	defer tx.Rollback()

	_, err := svc.Insert(make([]byte, common.MaxDocumentSize+1))
	require.ErrorIs(t, err, common.ErrDocumentTooLarge)
}
