package engine

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojolite/core/indexing/skiplist"
	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"github.com/sushant-115/gojolite/core/value"
)

func TestEngine_Pragmas(t *testing.T) {
	ctx := context.Background()
	filename := filepath.Join(t.TempDir(), "pragmas.db")
	e := openFile(t, filename, func(s *Settings) { s.UTCDate = true })

	v, err := e.Pragma("utc_date")
	require.NoError(t, err)
	require.Equal(t, "true", v)
	v, err = e.Pragma(PragmaCollation)
	require.NoError(t, err)
	require.Equal(t, value.DefaultCollation, v)

	require.NoError(t, e.SetPragma(ctx, PragmaUserVersion, "7"))
	require.NoError(t, e.SetPragma(ctx, PragmaTimeout, "90s"))
	require.NoError(t, e.SetPragma(ctx, PragmaCheckpoint, "0"))

	require.ErrorIs(t, e.SetPragma(ctx, PragmaCollation, "binary"), common.ErrReadOnlyPragma)
	require.ErrorIs(t, e.SetPragma(ctx, "PAGE_SIZE", "1"), common.ErrUnknownPragma)
	_, err = e.Pragma("nope")
	require.ErrorIs(t, err, common.ErrUnknownPragma)
	require.Error(t, e.SetPragma(ctx, PragmaUserVersion, "seven"))
	require.Error(t, e.SetPragma(ctx, PragmaTimeout, "10ms"))

	payload := bytes.Repeat([]byte("p"), 4000)
	for i := range 20 {
		_, err := e.Insert(ctx, "docs", Document{ID: value.Int32(int32(i)), Payload: payload})
		require.NoError(t, err)
	}
	require.ErrorIs(t, e.SetPragma(ctx, PragmaLimitSize, "40000"), common.ErrSizeLimitReached)
	require.NoError(t, e.Close(ctx))

	e = openFile(t, filename)
	defer e.Close(ctx)
	for name, want := range map[string]string{
		PragmaUserVersion: "7",
		PragmaTimeout:     "1m30s",
		PragmaCheckpoint:  "0",
		PragmaUTCDate:     "true",
	} {
		v, err := e.Pragma(name)
		require.NoError(t, err)
		require.Equal(t, want, v, name)
	}
}

func TestEngine_LimitSizeStopsGrowth(t *testing.T) {
	ctx := context.Background()
	e := openMemory(t, func(s *Settings) { s.LimitSize = 8 * common.PageSize })

	payload := bytes.Repeat([]byte("z"), 6000)
	var err error
	for i := range 20 {
		if _, err = e.Insert(ctx, "docs", Document{ID: value.Int32(int32(i)), Payload: payload}); err != nil {
			break
		}
	}
	require.ErrorIs(t, err, common.ErrSizeLimitReached)

	// the failed transaction left the committed ones intact
	count, cerr := e.Count(ctx, "docs")
	require.NoError(t, cerr)
	require.Positive(t, count)
}

func TestEngine_Rebuild(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	filename := filepath.Join(dir, "shrink.db")
	e := openFile(t, filename)
	defer func() { e.Close(ctx) }()

	_, err := e.EnsureIndex(ctx, "docs", "label", false, nil)
	require.NoError(t, err)
	payload := bytes.Repeat([]byte("r"), 2000)
	for i := range 300 {
		_, err := e.Insert(ctx, "docs", Document{
			ID:      value.Int32(int32(i)),
			Payload: payload,
			Keys:    map[string]value.Value{"label": value.String([]string{"Alpha", "beta"}[i%2])},
		})
		require.NoError(t, err)
	}
	for i := range 290 {
		_, err := e.Delete(ctx, "docs", value.Int32(int32(i)))
		require.NoError(t, err)
	}
	require.NoError(t, e.SetPragma(ctx, PragmaUserVersion, "3"))

	res, err := e.Rebuild(ctx, RebuildOptions{Collation: value.BinaryCollation})
	require.NoError(t, err)
	require.Equal(t, 1, res.Collections)
	require.Equal(t, 10, res.Documents)
	require.Greater(t, res.Reclaimed(), int64(0))

	_, err = os.Stat(filepath.Join(dir, "shrink-backup.db"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "shrink-temp.db"))
	require.True(t, os.IsNotExist(err))

	v, err := e.Pragma(PragmaCollation)
	require.NoError(t, err)
	require.Equal(t, value.BinaryCollation, v)
	v, err = e.Pragma(PragmaUserVersion)
	require.NoError(t, err)
	require.Equal(t, "3", v)

	d, err := e.FindByID(ctx, "docs", value.Int32(296))
	require.NoError(t, err)
	require.Equal(t, payload, d.Payload)
	require.Equal(t, value.String("Alpha"), d.Keys["label"])

	// binary collation is case sensitive
	require.Empty(t, ids(t, e.Query(ctx, "docs", "label", skiplist.Equals(value.String("alpha")), common.Ascending)))
	require.Len(t, ids(t, e.Query(ctx, "docs", "label", skiplist.Equals(value.String("Alpha")), common.Ascending)), 5)

	// the engine keeps working on the new file
	_, err = e.Insert(ctx, "docs", Document{ID: value.Int32(1000)})
	require.NoError(t, err)
	require.NoError(t, e.Close(ctx))

	e = openFile(t, filename)
	count, err := e.Count(ctx, "docs")
	require.NoError(t, err)
	require.Equal(t, 11, count)
}

func TestEngine_RebuildChangesPassword(t *testing.T) {
	ctx := context.Background()
	filename := filepath.Join(t.TempDir(), "pw.db")
	e := openFile(t, filename)
	_, err := e.Insert(ctx, "docs", doc(1, "x", nil))
	require.NoError(t, err)

	pw := "s3cret"
	_, err = e.Rebuild(ctx, RebuildOptions{Password: &pw})
	require.NoError(t, err)
	require.NoError(t, e.Close(ctx))

	_, err = Open(ctx, Settings{Filename: filename}, nil, nil)
	require.ErrorIs(t, err, common.ErrInvalidPassword)

	e = openFile(t, filename, func(s *Settings) { s.Password = pw })
	defer e.Close(ctx)
	d, err := e.FindByID(ctx, "docs", value.Int32(1))
	require.NoError(t, err)
	require.Equal(t, "x", string(d.Payload))
}

func TestEngine_AutoRebuildOnCollationChange(t *testing.T) {
	ctx := context.Background()
	filename := filepath.Join(t.TempDir(), "auto.db")
	e := openFile(t, filename)
	_, err := e.Insert(ctx, "docs", Document{ID: value.String("Key")})
	require.NoError(t, err)
	require.NoError(t, e.Close(ctx))

	// without AutoRebuild the stored collation wins
	e = openFile(t, filename, func(s *Settings) { s.Collation = value.BinaryCollation })
	v, err := e.Pragma(PragmaCollation)
	require.NoError(t, err)
	require.Equal(t, value.DefaultCollation, v)
	require.NoError(t, e.Close(ctx))

	e = openFile(t, filename, func(s *Settings) {
		s.Collation = value.BinaryCollation
		s.AutoRebuild = true
	})
	defer e.Close(ctx)
	v, err = e.Pragma(PragmaCollation)
	require.NoError(t, err)
	require.Equal(t, value.BinaryCollation, v)

	_, err = e.FindByID(ctx, "docs", value.String("key"))
	require.ErrorIs(t, err, common.ErrDocumentNotFound)
	_, err = e.FindByID(ctx, "docs", value.String("Key"))
	require.NoError(t, err)
}

func TestEngine_MemoryRejectsFileMaintenance(t *testing.T) {
	ctx := context.Background()
	e := openMemory(t)
	_, err := e.Rebuild(ctx, RebuildOptions{})
	require.Error(t, err)
	_, err = e.Backup(ctx, filepath.Join(t.TempDir(), "b.db"), 0)
	require.Error(t, err)
}

func TestEngine_Backup(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	e := openFile(t, filepath.Join(dir, "src.db"), func(s *Settings) { s.CheckpointSize = -1 })
	defer e.Close(ctx)

	_, err := e.Insert(ctx, "docs", doc(1, "kept", nil), doc(2, "too", nil))
	require.NoError(t, err)

	dest := filepath.Join(dir, "copy.db")
	sum, err := e.Backup(ctx, dest, 1<<30)
	require.NoError(t, err)
	fileSum, err := common.FileChecksum(dest)
	require.NoError(t, err)
	require.Equal(t, fileSum, sum)

	info, err := e.Info()
	require.NoError(t, err)
	require.Zero(t, info.LogSize)

	copyEngine := openFile(t, dest, func(s *Settings) { s.ReadOnly = true })
	defer copyEngine.Close(ctx)
	d, err := copyEngine.FindByID(ctx, "docs", value.Int32(2))
	require.NoError(t, err)
	require.Equal(t, "too", string(d.Payload))
}

func TestEngine_CheckpointMovesLog(t *testing.T) {
	ctx := context.Background()
	e := openFile(t, filepath.Join(t.TempDir(), "cp.db"), func(s *Settings) { s.CheckpointSize = -1 })
	defer e.Close(ctx)

	_, err := e.Insert(ctx, "docs", doc(1, "x", nil))
	require.NoError(t, err)
	before, err := e.Info()
	require.NoError(t, err)
	require.Positive(t, before.LogSize)

	pages, err := e.Checkpoint(ctx)
	require.NoError(t, err)
	require.Positive(t, pages)

	after, err := e.Info()
	require.NoError(t, err)
	require.Zero(t, after.LogSize)
	require.GreaterOrEqual(t, after.DataSize, int64(after.LastPageID+1)*common.PageSize)
}

func TestSharedEngine(t *testing.T) {
	ctx := context.Background()
	filename := filepath.Join(t.TempDir(), "shared.db")
	settings := Settings{Filename: filename, Timeout: time.Second}

	a, err := OpenShared(ctx, settings, nil, nil)
	require.NoError(t, err)
	b, err := OpenShared(ctx, settings, nil, nil)
	require.NoError(t, err)

	_, err = a.EnsureIndex(ctx, "docs", "kind", false, nil)
	require.NoError(t, err)
	_, err = a.Insert(ctx, "docs",
		doc(1, "one", map[string]value.Value{"kind": value.String("odd")}),
		doc(2, "two", map[string]value.Value{"kind": value.String("even")}),
		doc(3, "three", map[string]value.Value{"kind": value.String("odd")}),
	)
	require.NoError(t, err)

	count, err := b.Count(ctx, "docs")
	require.NoError(t, err)
	require.Equal(t, 3, count)
	odd, err := b.Find(ctx, "docs", "kind", skiplist.Equals(value.String("odd")), common.Ascending)
	require.NoError(t, err)
	require.Len(t, odd, 2)

	n, err := b.Delete(ctx, "docs", value.Int32(1))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = a.FindByID(ctx, "docs", value.Int32(1))
	require.ErrorIs(t, err, common.ErrDocumentNotFound)

	names, err := a.GetCollectionNames(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"docs"}, names)

	// a direct engine owns the file until it closes
	direct := openFile(t, filename)
	_, err = b.Count(ctx, "docs")
	require.ErrorIs(t, err, common.ErrLockTimeout)
	require.NoError(t, direct.Close(ctx))

	count, err = b.Count(ctx, "docs")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	_, err = Open(ctx, Settings{Filename: filename, Connection: ConnectionShared}, nil, nil)
	require.Error(t, err)
}
