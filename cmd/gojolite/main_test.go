package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojolite/core/engine"
	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"github.com/sushant-115/gojolite/core/value"
	"github.com/sushant-115/gojolite/pkg/telemetry"
	"go.uber.org/zap"
)

func newSession(t *testing.T) (*session, *bytes.Buffer) {
	t.Helper()
	ctx := context.Background()
	e, err := engine.Open(ctx, engine.Settings{MemoryStream: true}, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close(ctx) })

	var out bytes.Buffer
	return &session{ctx: ctx, engine: e, tel: telemetry.Noop(), logger: zap.NewNop(), out: &out}, &out
}

func TestShell_Commands(t *testing.T) {
	s, out := newSession(t)
	_, err := s.engine.EnsureIndex(s.ctx, "people", "name", false, nil)
	require.NoError(t, err)
	_, err = s.engine.Insert(s.ctx, "people",
		engine.Document{ID: value.Int32(1), Payload: []byte("ann"), Keys: map[string]value.Value{"name": value.String("Ann")}},
		engine.Document{ID: value.Int32(2), Payload: []byte("bob"), Keys: map[string]value.Value{"name": value.String("Bob")}},
		engine.Document{ID: value.String("3"), Payload: []byte("amy"), Keys: map[string]value.Value{"name": value.String("Amy")}},
	)
	require.NoError(t, err)

	parser, err := newShellParser(out)
	require.NoError(t, err)
	run := func(line string) string {
		t.Helper()
		out.Reset()
		require.NoError(t, execLine(parser, s, line))
		return out.String()
	}

	require.Equal(t, "people\n", run("collections"))
	require.Equal(t, "3\n", run("count people"))
	require.Contains(t, run("find people --index name --prefix a"), "(2 documents)")
	require.Contains(t, run("find people -n 1 --desc"), "(1 documents)")
	require.Contains(t, run(`get people "3"`), "3 bytes")
	require.Contains(t, run("pragma user_version 4"), "USER_VERSION = 4")
	info := run("info")
	require.Contains(t, info, "collections")
	require.Contains(t, info, "disk reads/writes")
	require.Contains(t, run("page 0"), "Header")
	require.Empty(t, run(""))

	// help and usage errors print and return to the prompt
	require.Contains(t, run("help"), "count")
	out.Reset()
	require.Error(t, execLine(parser, s, "count"))

	require.ErrorIs(t, execLine(parser, s, "get people 99"), common.ErrDocumentNotFound)
	require.ErrorIs(t, execLine(parser, s, "exit"), errExitShell)
}

func TestSplitLine(t *testing.T) {
	args, err := splitLine(`find  docs --eq "two words"	-n 3`)
	require.NoError(t, err)
	require.Equal(t, []string{"find", "docs", "--eq", `"two words"`, "-n", "3"}, args)

	_, err = splitLine(`get docs "open`)
	require.Error(t, err)
}

func TestParseKey(t *testing.T) {
	require.Equal(t, value.Int32(12), parseKey("12"))
	require.Equal(t, value.Int64(1<<40), parseKey("1099511627776"))
	require.Equal(t, value.Double(1.5), parseKey("1.5"))
	require.Equal(t, value.Boolean(true), parseKey("TRUE"))
	require.Equal(t, value.Null(), parseKey("null"))
	require.Equal(t, value.String("12"), parseKey(`"12"`))
	require.Equal(t, value.String("abc"), parseKey("abc"))
	require.Equal(t, value.KindGuid, parseKey("6ba7b810-9dad-11d1-80b4-00c04fd430c8").Kind())
}

func TestCLI_Load(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gojolite.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  filename: a.db\n  connection: shared\nlogger:\n  level: warn\n"), 0o644))

	cli := CLI{Config: path, LogLevel: "debug", ReadOnly: true}
	cfg, err := cli.load()
	require.NoError(t, err)
	require.Equal(t, "a.db", cfg.Engine.Filename)
	require.Equal(t, engine.ConnectionDirect, cfg.Engine.Connection)
	require.True(t, cfg.Engine.ReadOnly)
	require.Equal(t, "debug", cfg.Logger.Level)

	cli = CLI{Config: path, File: "b.db"}
	cfg, err = cli.load()
	require.NoError(t, err)
	require.Equal(t, "b.db", cfg.Engine.Filename)

	_, err = (&CLI{}).load()
	require.Error(t, err)

	_, err = (&CLI{File: "c.db", LogLevel: "verbose"}).load()
	require.ErrorContains(t, err, "verbose")
}

func TestCertsCmd(t *testing.T) {
	var out bytes.Buffer
	dir := filepath.Join(t.TempDir(), "tls")
	cmd := CertsCmd{Dir: dir, Host: "localhost"}
	require.NoError(t, cmd.Run(&session{ctx: context.Background(), out: &out}))
	require.Contains(t, out.String(), dir)
	for _, name := range []string{"ca.crt", "server.crt", "server.key", "client.crt", "client.key"} {
		require.FileExists(t, filepath.Join(dir, name))
	}
}
