package docs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-docs/pkg/entry"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
)

func testDB(t *testing.T) *DocsDB {
	t.Helper()
	db, err := New(Config{Paths: []string{t.TempDir()}})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	require.NoError(t, db.Start(ctx))
	t.Cleanup(func() { _ = db.Close(ctx) })
	return db
}

func TestNewRequiresPath(t *testing.T) {
	t.Parallel()
	_, err := New(Config{})
	require.Error(t, err)
}

func TestLifecycle(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	fresh, err := New(Config{Paths: []string{t.TempDir()}})
	require.NoError(t, err)
	_, err = fresh.CreateDoc(ctx)
	require.ErrorIs(t, err, ErrNotStarted)

	capability, err := db.CreateDoc(ctx)
	require.NoError(t, err)
	require.Equal(t, keys.CapabilityWrite, capability.Kind())

	docsList, err := db.ListDocs(ctx)
	require.NoError(t, err)
	require.Len(t, docsList, 1)
}

func TestInsertReadDeleteFlow(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	capability, err := db.CreateDoc(ctx)
	require.NoError(t, err)
	ns := capability.ID()
	require.NoError(t, db.OpenDoc(ctx, ns))

	author, err := db.CreateAuthor(ctx)
	require.NoError(t, err)

	hash, err := db.HashAndInsert(ctx, ns, author, []byte("note"), []byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, entry.HashBytes([]byte("hello world")), hash)

	got, err := db.GetExact(ctx, ns, author.ID(), []byte("note"), false)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, uint64(11), got.Entry.Record.Length)

	removed, err := db.DeletePrefix(ctx, ns, author, []byte("note"))
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	got, err = db.GetExact(ctx, ns, author.ID(), []byte("note"), false)
	require.NoError(t, err)
	require.Nil(t, got)

	last, err := db.CloseDoc(ctx, ns)
	require.NoError(t, err)
	require.True(t, last)
}

func TestShareAndImportTicket(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	capability, err := db.CreateDoc(ctx)
	require.NoError(t, err)

	s, err := db.ShareTicket(ctx, capability.ID(), nil, keys.CapabilityRead)
	require.NoError(t, err)
	require.NotEmpty(t, s)

	other := testDB(t)
	ns, err := other.ImportTicket(ctx, s)
	require.NoError(t, err)
	require.Equal(t, capability.ID(), ns)

	// The imported capability is read-only.
	imported, err := other.ListDocs(ctx)
	require.NoError(t, err)
	require.Len(t, imported, 1)
	require.Equal(t, keys.CapabilityRead, imported[0].Kind)
}

func TestCloseWaitsAndIsIdempotent(t *testing.T) {
	db, err := New(Config{Paths: []string{t.TempDir()}})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, db.Start(ctx))
	require.NoError(t, db.Close(ctx))
	require.NoError(t, db.Close(ctx))
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"paths:\n  - /tmp/docs-data\nminimumFreeGB: 2\nsessionTimeout: 45s\nflushInterval: 250ms\n",
	), 0o600))

	conf, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, []string{"/tmp/docs-data"}, conf.Paths)
	require.Equal(t, uint(2), conf.MinimumFreeGB)
	require.Equal(t, 45*time.Second, conf.SessionTimeout)
	require.Equal(t, 250*time.Millisecond, conf.FlushInterval)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
