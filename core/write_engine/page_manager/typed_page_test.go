package pagemanager

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"github.com/sushant-115/gojolite/core/value"
	"github.com/sushant-115/gojolite/core/write_engine/memcache"
)

func TestHeaderPage_Collections(t *testing.T) {
	h := NewHeaderPage(memcache.NewPageBuffer(), DefaultPragmas())
	require.NoError(t, h.InsertCollection("users", 3))
	require.NoError(t, h.InsertCollection("orders", 9))
	require.ErrorIs(t, h.InsertCollection("USERS", 10), common.ErrCollectionExists)

	id, ok := h.GetCollectionPageID("Users")
	require.True(t, ok)
	require.Equal(t, uint32(3), id)

	require.NoError(t, h.RenameCollection("orders", "invoices"))
	require.ErrorIs(t, h.RenameCollection("invoices", "users"), common.ErrCollectionExists)
	require.NoError(t, h.DeleteCollection("users"))
	require.ErrorIs(t, h.DeleteCollection("users"), common.ErrCollectionNotFound)

	loaded, err := LoadHeaderPage(h.Buffer())
	require.NoError(t, err)
	require.Equal(t, map[string]uint32{"invoices": 9}, loaded.GetCollections())
}

func TestHeaderPage_CollectionLimit(t *testing.T) {
	h := NewHeaderPage(memcache.NewPageBuffer(), DefaultPragmas())
	name := strings.Repeat("c", 100)
	var err error
	for i := 0; err == nil; i++ {
		err = h.InsertCollection(name+string(rune('a'+i%26))+string(rune('a'+i/26)), uint32(i+1))
	}
	require.ErrorIs(t, err, common.ErrCollectionLimit)
	require.Less(t, h.GetAvailableCollectionSpace(), 106)

	_, err = LoadHeaderPage(h.Buffer())
	require.NoError(t, err)
}

func TestHeaderPage_PragmasAndFields(t *testing.T) {
	h := NewHeaderPage(memcache.NewPageBuffer(), DefaultPragmas())
	require.Equal(t, DefaultPragmas(), h.Pragmas())
	require.WithinDuration(t, time.Now(), h.CreationTime(), time.Minute)
	require.Equal(t, uint32(common.EmptyPageID), h.FreeEmptyPageList())

	p := Pragmas{UserVersion: 4, Collation: "binary", Timeout: 5 * time.Second, LimitSize: 1 << 30, UTCDate: true, Checkpoint: 50}
	require.NoError(t, h.SetPragmas(p))
	h.SetLastPageID(41)
	h.SetFreeEmptyPageList(17)

	loaded, err := LoadHeaderPage(h.Buffer())
	require.NoError(t, err)
	require.Equal(t, p, loaded.Pragmas())
	require.Equal(t, uint32(41), loaded.LastPageID())
	require.Equal(t, uint32(17), loaded.FreeEmptyPageList())

	require.Error(t, h.SetPragmas(Pragmas{Collation: strings.Repeat("x", 40)}))
}

func TestHeaderPage_SavepointReload(t *testing.T) {
	h := NewHeaderPage(memcache.NewPageBuffer(), DefaultPragmas())
	require.NoError(t, h.InsertCollection("a", 1))
	sp := h.Savepoint()

	require.NoError(t, h.InsertCollection("b", 2))
	h.SetLastPageID(2)
	h.Restore(sp)
	require.Equal(t, map[string]uint32{"a": 1}, h.GetCollections())
	require.Equal(t, uint32(0), h.LastPageID())

	bad := make([]byte, common.PageSize)
	require.ErrorIs(t, h.Reload(bad), common.ErrInvalidDatafile)
	require.Equal(t, map[string]uint32{"a": 1}, h.GetCollections())

	other := NewHeaderPage(memcache.NewPageBuffer(), DefaultPragmas())
	require.NoError(t, other.InsertCollection("z", 8))
	require.NoError(t, h.Reload(other.Buffer().Array))
	require.Equal(t, map[string]uint32{"z": 8}, h.GetCollections())
}

func TestCollectionPage_Indexes(t *testing.T) {
	c := NewCollectionPage(memcache.NewPageBuffer(), 2)
	pk, err := c.InsertCollectionIndex(PrimaryKeyIndex, true)
	require.NoError(t, err)
	require.Equal(t, uint8(0), pk.Slot)
	pk.SetSentinels(PageAddress{PageID: 3, Index: 0}, PageAddress{PageID: 3, Index: 1})
	pk.SetMaxLevel(5)

	name, err := c.InsertCollectionIndex("name", false)
	require.NoError(t, err)
	require.Equal(t, uint8(1), name.Slot)
	name.SetFreeIndexPageList(11)

	_, err = c.InsertCollectionIndex("NAME", false)
	require.ErrorIs(t, err, common.ErrIndexAlreadyExists)
	c.SetFreeDataPage(2, 44)

	loaded, err := LoadCollectionPage(c.UpdateBuffer())
	require.NoError(t, err)
	require.Equal(t, uint32(44), loaded.FreeDataPageList[2])
	require.Equal(t, uint32(common.EmptyPageID), loaded.FreeDataPageList[0])

	lpk := loaded.PK()
	require.NotNil(t, lpk)
	require.True(t, lpk.Unique)
	require.Equal(t, uint8(5), lpk.MaxLevel())
	require.Equal(t, PageAddress{PageID: 3, Index: 1}, lpk.Tail)

	ln, ok := loaded.GetCollectionIndex("name")
	require.True(t, ok)
	require.Equal(t, uint32(11), ln.FreeIndexPageList())
	require.Equal(t, EmptyAddress, ln.Head)

	require.NoError(t, loaded.DeleteCollectionIndex("name"))
	require.ErrorIs(t, loaded.DeleteCollectionIndex("name"), common.ErrIndexNotFound)
	again, err := loaded.InsertCollectionIndex("age", false)
	require.NoError(t, err)
	require.Equal(t, uint8(1), again.Slot)
	require.Len(t, loaded.GetCollectionIndexes(), 2)
}

func TestCollectionPage_IndexLimit(t *testing.T) {
	c := NewCollectionPage(memcache.NewPageBuffer(), 2)
	var err error
	for i := 0; err == nil; i++ {
		_, err = c.InsertCollectionIndex(strings.Repeat("i", 200)+string(rune('a'+i)), false)
	}
	require.ErrorIs(t, err, common.ErrIndexLimit)
	_, err = LoadCollectionPage(c.UpdateBuffer())
	require.NoError(t, err)
}

func TestFreeIndexSlot(t *testing.T) {
	cases := []struct {
		free int
		slot int
	}{
		{common.PageAvailableBytes, 0},
		{7344, 0},
		{7343, 1},
		{6120, 1},
		{6119, 2},
		{4896, 2},
		{4895, 3},
		{2448, 3},
		{2447, 4},
		{0, 4},
	}
	for _, tc := range cases {
		require.Equal(t, tc.slot, FreeIndexSlot(tc.free), "free=%d", tc.free)
	}
	require.Equal(t, -1, GetMinimumIndexSlot(7500))
	require.Equal(t, 3, GetMinimumIndexSlot(100))
}

func TestDataPage_Blocks(t *testing.T) {
	p := NewDataPage(memcache.NewPageBuffer(), 5)
	first, err := p.InsertBlock(100, false)
	require.NoError(t, err)
	copy(first.Buffer(), "payload")
	second, err := p.InsertBlock(50, true)
	require.NoError(t, err)
	first.SetNextBlock(second.Position())

	require.False(t, first.Extend())
	require.True(t, second.Extend())
	require.Equal(t, second.Position(), first.NextBlock())
	require.True(t, second.NextBlock().IsEmpty())

	var starts []PageAddress
	for addr := range p.GetBlocks() {
		starts = append(starts, addr)
	}
	require.Equal(t, []PageAddress{first.Position()}, starts)

	grown, err := p.UpdateBlock(first, 400)
	require.NoError(t, err)
	require.Len(t, grown.Buffer(), 400)
	require.Equal(t, "payload", string(grown.Buffer()[:7]))
	require.Equal(t, second.Position(), grown.NextBlock())

	loaded, err := LoadDataPage(p.Buffer())
	require.NoError(t, err)
	block, err := loaded.GetBlock(first.Position().Index)
	require.NoError(t, err)
	require.Equal(t, "payload", string(block.Buffer()[:7]))

	_, err = LoadIndexPage(p.Buffer())
	require.ErrorIs(t, err, common.ErrInvalidPage)

	_, err = p.InsertBlock(MaxDataBytesPerPage, false)
	require.ErrorIs(t, err, common.ErrPageFull)
}

func TestDataPage_MaxBlockFitsEmptyPage(t *testing.T) {
	p := NewDataPage(memcache.NewPageBuffer(), 5)
	b, err := p.InsertBlock(MaxDataBytesPerPage, false)
	require.NoError(t, err)
	require.Len(t, b.Buffer(), MaxDataBytesPerPage)
	require.Zero(t, p.FreeBytes())
}

func TestIndexPage_Nodes(t *testing.T) {
	p := NewIndexPage(memcache.NewPageBuffer(), 9)
	key := value.String("gojo")
	data := PageAddress{PageID: 20, Index: 4}

	n, err := p.InsertIndexNode(1, 3, key, data)
	require.NoError(t, err)
	require.Equal(t, GetNodeLength(3, key), n.Length())
	require.True(t, n.Next(0).IsEmpty())
	require.True(t, n.NextNode().IsEmpty())

	other := PageAddress{PageID: 9, Index: 7}
	n.SetNext(2, other)
	n.SetPrev(0, other)
	n.SetNextNode(data)

	loaded, err := p.GetIndexNode(n.Position().Index)
	require.NoError(t, err)
	require.Equal(t, uint8(1), loaded.Slot())
	require.Equal(t, uint8(3), loaded.Levels())
	require.True(t, loaded.Key().Equal(key))
	require.Equal(t, data, loaded.DataBlock())
	require.Equal(t, other, loaded.Next(2))
	require.Equal(t, other, loaded.GetNextPrev(0, common.Descending))
	require.True(t, loaded.GetNextPrev(0, common.Ascending).IsEmpty())
	require.Equal(t, data, loaded.NextNode())

	head, err := p.InsertIndexNode(1, common.MaxLevelLength, value.MinValue(), EmptyAddress)
	require.NoError(t, err)
	require.True(t, head.IsHead())

	count := 0
	for node, err := range p.GetIndexNodes() {
		require.NoError(t, err)
		require.NotNil(t, node)
		count++
	}
	require.Equal(t, 2, count)

	_, err = p.InsertIndexNode(1, 1, value.String(strings.Repeat("k", common.MaxIndexKeyLength)), data)
	require.ErrorIs(t, err, common.ErrIndexKeyTooLong)

	require.NoError(t, p.DeleteIndexNode(n.Position().Index))
	_, err = p.GetIndexNode(n.Position().Index)
	require.ErrorIs(t, err, common.ErrCorruptedPage)
}

func TestMaxIndexNodeFitsReservedSpace(t *testing.T) {
	key := value.String(strings.Repeat("k", common.MaxIndexKeyLength-3))
	require.LessOrEqual(t, GetNodeLength(common.MaxLevelLength, key)+common.PageSlotSize, MaxIndexNodeLength)
}

func TestLoadFactory(t *testing.T) {
	for _, typ := range []PageType{PageTypeEmpty, PageTypeHeader, PageTypeCollection, PageTypeIndex, PageTypeData} {
		buf := memcache.NewPageBuffer()
		created, err := Create(buf, 0, typ)
		require.NoError(t, err)
		created.UpdateBuffer()

		loaded, err := Load(buf)
		require.NoError(t, err, typ.String())
		require.Equal(t, typ, loaded.Base().PageType())
	}
}
