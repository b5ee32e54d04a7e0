package memcache

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"go.uber.org/zap"
)

func setupCache(t *testing.T, sizes ...int) *MemoryCache {
	t.Helper()
	if len(sizes) == 0 {
		sizes = []int{4, 8}
	}
	return NewMemoryCache(sizes, zap.NewNop())
}

// fillFactory stamps the first byte of the page with a marker.
func fillFactory(marker byte, calls *int) Factory {
	return func(position int64, origin FileOrigin, buf []byte) error {
		if calls != nil {
			*calls++
		}
		buf[0] = marker
		return nil
	}
}

func TestNewPage_Writable(t *testing.T) {
	c := setupCache(t)
	p := c.NewPage()
	require.True(t, p.IsWritable())
	require.Equal(t, int64(common.PositionNotSet), p.Position)
	require.Len(t, p.Array, common.PageSize)
	require.Equal(t, 1, c.Stats().WritablePages)

	c.DiscardPage(p)
	require.Equal(t, 0, c.Stats().WritablePages)
}

func TestGetReadablePage_ShareCountConservation(t *testing.T) {
	c := setupCache(t)
	calls := 0

	a, err := c.GetReadablePage(0, OriginData, fillFactory(7, &calls))
	require.NoError(t, err)
	b, err := c.GetReadablePage(0, OriginData, fillFactory(9, &calls))
	require.NoError(t, err)

	require.Same(t, a, b)
	require.Equal(t, 1, calls)
	require.Equal(t, byte(7), a.Array[0])
	require.Equal(t, int32(2), a.ShareCounter())
	require.Equal(t, 1, c.PagesInUse())

	a.Release()
	b.Release()
	require.Equal(t, int32(0), a.ShareCounter())
	require.Equal(t, 0, c.PagesInUse())

	st := c.Stats()
	require.Equal(t, int64(1), st.Hits)
	require.Equal(t, int64(1), st.Misses)
}

func TestGetReadablePage_OriginIsPartOfKey(t *testing.T) {
	c := setupCache(t)
	d, err := c.GetReadablePage(8192, OriginData, fillFactory(1, nil))
	require.NoError(t, err)
	l, err := c.GetReadablePage(8192, OriginLog, fillFactory(2, nil))
	require.NoError(t, err)
	require.NotSame(t, d, l)
	d.Release()
	l.Release()
}

func TestGetReadablePage_FactoryError(t *testing.T) {
	c := setupCache(t)
	boom := errors.New("boom")

	_, err := c.GetReadablePage(0, OriginData, func(int64, FileOrigin, []byte) error { return boom })
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, c.Stats().ReadablePages)

	p, err := c.GetReadablePage(0, OriginData, fillFactory(3, nil))
	require.NoError(t, err)
	require.Equal(t, byte(3), p.Array[0])
	p.Release()
}

func TestGetReadablePage_Concurrent(t *testing.T) {
	c := setupCache(t)
	var mu sync.Mutex
	calls := 0
	factory := func(_ int64, _ FileOrigin, buf []byte) error {
		mu.Lock()
		calls++
		mu.Unlock()
		buf[0] = 42
		return nil
	}

	var wg sync.WaitGroup
	pages := make([]*PageBuffer, 32)
	for i := range pages {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := c.GetReadablePage(common.PageSize, OriginData, factory)
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, byte(42), p.Array[0])
			pages[i] = p
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, calls)
	require.Equal(t, int32(len(pages)), pages[0].ShareCounter())
	for _, p := range pages {
		p.Release()
	}
	require.Equal(t, int32(0), pages[0].ShareCounter())
}

func TestTryMoveToReadable(t *testing.T) {
	c := setupCache(t)

	w := c.NewPage()
	w.Array[10] = 0xAB
	w.Position = 3 * common.PageSize
	w.Origin = OriginLog
	require.True(t, c.TryMoveToReadable(w))
	require.Equal(t, int32(0), w.ShareCounter())

	calls := 0
	r, err := c.GetReadablePage(3*common.PageSize, OriginLog, fillFactory(0, &calls))
	require.NoError(t, err)
	require.Same(t, w, r)
	require.Zero(t, calls)
	require.Equal(t, byte(0xAB), r.Array[10])

	// Second writer at the same position must defer to the published frame.
	dup := c.NewPage()
	dup.Position = 3 * common.PageSize
	dup.Origin = OriginLog
	require.False(t, c.TryMoveToReadable(dup))
	c.DiscardPage(dup)
	r.Release()
}

func TestGetWritablePage_ClonesReadable(t *testing.T) {
	c := setupCache(t)
	r, err := c.GetReadablePage(0, OriginData, fillFactory(5, nil))
	require.NoError(t, err)

	w, err := c.GetWritablePage(0, OriginData, fillFactory(6, nil))
	require.NoError(t, err)
	require.NotSame(t, r, w)
	require.True(t, w.IsWritable())
	require.Equal(t, byte(5), w.Array[0])

	w.Array[0] = 99
	require.Equal(t, byte(5), r.Array[0])
	require.Equal(t, int32(1), r.ShareCounter())

	c.DiscardPage(w)
	r.Release()
}

func TestExtend_UniqueIDsAndReuse(t *testing.T) {
	c := setupCache(t, 2, 4)

	seen := map[int]bool{}
	for i := 0; i < 6; i++ {
		p := c.NewPage()
		require.False(t, seen[p.UniqueID()])
		seen[p.UniqueID()] = true
		p.Position = int64(i) * common.PageSize
		p.Origin = OriginData
		require.True(t, c.TryMoveToReadable(p))
	}
	require.Equal(t, 2, c.Stats().Segments)
	require.Equal(t, 6, c.Stats().Frames)

	// Six idle readable frames cover the next segment size of 4.
	p := c.NewPage()
	require.True(t, seen[p.UniqueID()])
	require.Equal(t, 2, c.Stats().Segments)
	require.Equal(t, 0, c.Stats().ReadablePages)
	c.DiscardPage(p)
}

func TestClear(t *testing.T) {
	c := setupCache(t)
	p, err := c.GetReadablePage(0, OriginData, fillFactory(1, nil))
	require.NoError(t, err)

	_, err = c.Clear()
	require.ErrorIs(t, err, common.ErrCacheInUse)

	p.Release()
	n, err := c.Clear()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 0, c.Stats().ReadablePages)
}

func TestRelease_Underflow(t *testing.T) {
	c := setupCache(t)
	p, err := c.GetReadablePage(0, OriginData, fillFactory(1, nil))
	require.NoError(t, err)
	p.Release()
	require.Panics(t, p.Release)
}
