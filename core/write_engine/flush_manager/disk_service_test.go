package flushmanager

import (
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"github.com/sushant-115/gojolite/core/write_engine/memcache"
	"go.uber.org/zap"
)

func setupDiskService(t *testing.T, password string) (*DiskService, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	disk, err := NewDiskService(Options{
		Data:     NewFileStreamFactory(path),
		Log:      NewFileStreamFactory(LogFilename(path)),
		Password: password,
	}, memcache.NewMemoryCache(nil, zap.NewNop()), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { disk.Close() })
	return disk, path
}

func stampedPage(disk *DiskService, marker byte) *memcache.PageBuffer {
	p := disk.NewPage()
	for i := range p.Array {
		p.Array[i] = marker + byte(i%7)
	}
	return p
}

func TestLogFilename(t *testing.T) {
	require.Equal(t, "/tmp/app-log.db", LogFilename("/tmp/app.db"))
	require.Equal(t, "data-log", LogFilename("data"))
}

func TestWriteLogDisk_RoundTrip(t *testing.T) {
	for _, password := range []string{"", "s3cret"} {
		disk, _ := setupDiskService(t, password)

		pages := []*memcache.PageBuffer{stampedPage(disk, 1), stampedPage(disk, 2), stampedPage(disk, 3)}
		want := make([][]byte, len(pages))
		for i, p := range pages {
			want[i] = slices.Clone(p.Array)
		}

		positions, err := disk.WriteLogDisk(pages)
		require.NoError(t, err)
		require.Equal(t, []int64{0, common.PageSize, 2 * common.PageSize}, positions)

		length, err := disk.GetFileLength(memcache.OriginLog)
		require.NoError(t, err)
		require.Equal(t, int64(3*common.PageSize), length)

		// Flush the published frames so the reads hit the file.
		_, err = disk.Cache().Clear()
		require.NoError(t, err)

		reader := disk.GetReader()
		for i, pos := range positions {
			buf, err := reader.ReadPage(pos, false, memcache.OriginLog)
			require.NoError(t, err)
			require.Equal(t, want[i], buf.Array, "password=%q page %d", password, i)
			buf.Release()
		}
	}
}

func TestWriteLogDisk_PublishesReadable(t *testing.T) {
	disk, _ := setupDiskService(t, "")
	p := stampedPage(disk, 9)
	positions, err := disk.WriteLogDisk([]*memcache.PageBuffer{p})
	require.NoError(t, err)

	buf, err := disk.GetReader().ReadPage(positions[0], false, memcache.OriginLog)
	require.NoError(t, err)
	require.Same(t, p, buf)
	buf.Release()

	reads, writes := disk.Counters()
	require.Zero(t, reads)
	require.Equal(t, int64(1), writes)
}

type failingStream struct {
	Stream
	failAt int64
}

func (f failingStream) WriteAt(p []byte, off int64) (int, error) {
	if off >= f.failAt {
		return 0, errors.New("disk full")
	}
	return f.Stream.WriteAt(p, off)
}

type failingFactory struct {
	*MemoryStreamFactory
	failAt int64
}

func (f failingFactory) Open(readOnly bool) (Stream, error) {
	s, err := f.MemoryStreamFactory.Open(readOnly)
	return failingStream{Stream: s, failAt: f.failAt}, err
}

func TestWriteLogDisk_AllOrNothing(t *testing.T) {
	logFactory := failingFactory{MemoryStreamFactory: NewMemoryStreamFactory("log"), failAt: 2 * common.PageSize}
	disk, err := NewDiskService(Options{
		Data: NewMemoryStreamFactory("data"),
		Log:  logFactory,
	}, memcache.NewMemoryCache(nil, zap.NewNop()), zap.NewNop())
	require.NoError(t, err)
	defer disk.Close()

	_, err = disk.WriteLogDisk([]*memcache.PageBuffer{stampedPage(disk, 1)})
	require.NoError(t, err)

	batch := []*memcache.PageBuffer{stampedPage(disk, 2), stampedPage(disk, 3)}
	_, err = disk.WriteLogDisk(batch)
	require.ErrorIs(t, err, common.ErrIO)

	length, err := disk.GetFileLength(memcache.OriginLog)
	require.NoError(t, err)
	require.Equal(t, int64(common.PageSize), length)
	size, err := logFactory.stream.Size()
	require.NoError(t, err)
	require.Equal(t, int64(common.PageSize), size)

	// Buffers remain owned by the caller.
	for _, p := range batch {
		require.True(t, p.IsWritable())
		disk.DiscardPage(p)
	}
}

func TestReadFull_AndCheckpointCopy(t *testing.T) {
	disk, _ := setupDiskService(t, "")

	pages := []*memcache.PageBuffer{stampedPage(disk, 10), stampedPage(disk, 20)}
	_, err := disk.WriteLogDisk(pages)
	require.NoError(t, err)

	var seen []int64
	copyToData := func(yield func(*memcache.PageBuffer) bool) {
		for buf, err := range disk.ReadFull(memcache.OriginLog) {
			require.NoError(t, err)
			seen = append(seen, buf.Position)
			buf.Position += common.PageSize
			if !yield(buf) {
				return
			}
		}
	}
	n, err := disk.WriteDataDisk(copyToData)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []int64{0, common.PageSize}, seen)

	require.NoError(t, disk.ResetLogPosition(true))
	length, err := disk.GetFileLength(memcache.OriginLog)
	require.NoError(t, err)
	require.Zero(t, length)

	size, err := disk.GetFileLength(memcache.OriginData)
	require.NoError(t, err)
	require.Equal(t, int64(3*common.PageSize), size)

	buf, err := disk.GetReader().ReadPage(2*common.PageSize, true, memcache.OriginData)
	require.NoError(t, err)
	require.Equal(t, byte(20), buf.Array[0])
	disk.DiscardPage(buf)
}

func TestReadPage_PastEOF(t *testing.T) {
	disk, _ := setupDiskService(t, "")
	_, err := disk.GetReader().ReadPage(40*common.PageSize, false, memcache.OriginData)
	require.ErrorIs(t, err, common.ErrIO)
}

func TestDiskService_PasswordMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enc.db")
	open := func(password string) (*DiskService, error) {
		return NewDiskService(Options{
			Data:     NewFileStreamFactory(path),
			Log:      NewFileStreamFactory(LogFilename(path)),
			Password: password,
		}, memcache.NewMemoryCache(nil, zap.NewNop()), zap.NewNop())
	}

	disk, err := open("right")
	require.NoError(t, err)
	_, err = disk.WriteDataDisk(slices.Values([]*memcache.PageBuffer{func() *memcache.PageBuffer {
		p := stampedPage(disk, 1)
		p.Position = 0
		return p
	}()}))
	require.NoError(t, err)
	require.NoError(t, disk.Close())

	_, err = open("wrong")
	require.ErrorIs(t, err, common.ErrInvalidPassword)
	_, err = open("")
	require.ErrorIs(t, err, common.ErrInvalidPassword)

	disk, err = open("right")
	require.NoError(t, err)
	require.NoError(t, disk.Close())
}

func TestClose_RemovesEmptyLog(t *testing.T) {
	disk, path := setupDiskService(t, "")
	require.FileExists(t, LogFilename(path))
	require.NoError(t, disk.Close())
	require.NoFileExists(t, LogFilename(path))
}

func TestReadOnly_RejectsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.db")
	_, err := NewDiskService(Options{
		Data:     NewFileStreamFactory(path),
		Log:      NewFileStreamFactory(LogFilename(path)),
		ReadOnly: true,
	}, memcache.NewMemoryCache(nil, zap.NewNop()), zap.NewNop())
	require.ErrorIs(t, err, common.ErrInvalidDatafile)
}
