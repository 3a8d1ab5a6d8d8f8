package cloudstore

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMod = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestDirStore(t *testing.T) *DirStore {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/cloud", 0o755))
	return NewDirStore(fs, "/cloud")
}

func putItem(t *testing.T, d *DirStore, name, content string, mod time.Time) {
	t.Helper()
	require.NoError(t, d.Put(context.Background(), name, strings.NewReader(content), mod))
}

func readItem(t *testing.T, d *DirStore, name string) (string, *Entry) {
	t.Helper()
	rc, entry, err := d.Open(context.Background(), name)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data), entry
}

func TestDirStoreAvailability(t *testing.T) {
	ctx := context.Background()

	d := newTestDirStore(t)
	assert.True(t, d.Available(ctx))
	root, err := d.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/cloud", root)

	missing := NewDirStore(afero.NewMemMapFs(), "/nope")
	assert.False(t, missing.Available(ctx))
	_, err = missing.Root(ctx)
	assert.ErrorIs(t, err, ErrRootNotFound)
	assert.True(t, IsFatal(err))

	_, err = missing.List(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestDirStorePutAndList(t *testing.T) {
	ctx := context.Background()
	d := newTestDirStore(t)

	putItem(t, d, "a.kml", "alpha", testMod)
	putItem(t, d, "b.kml", "beta", testMod.Add(time.Minute))

	entries, err := d.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byName := make(map[string]*Entry, len(entries))
	for _, e := range entries {
		byName[e.Name] = e
	}
	require.Contains(t, byName, "a.kml")
	assert.Equal(t, int64(5), byName["a.kml"].Size)
	assert.Equal(t, testMod.Unix(), byName["a.kml"].ModifiedAt.Unix())
	assert.Equal(t, Downloaded, byName["a.kml"].Download)
	assert.False(t, byName["a.kml"].Removed)
}

func TestDirStorePutOverwrites(t *testing.T) {
	d := newTestDirStore(t)

	putItem(t, d, "a.kml", "first", testMod)
	putItem(t, d, "a.kml", "second", testMod.Add(time.Hour))

	content, entry := readItem(t, d, "a.kml")
	assert.Equal(t, "second", content)
	assert.Equal(t, testMod.Add(time.Hour).Unix(), entry.ModifiedAt.Unix())
}

func TestDirStorePlaceholders(t *testing.T) {
	ctx := context.Background()
	d := newTestDirStore(t)

	// a placeholder is how the container surfaces undownloaded content
	require.NoError(t, afero.WriteFile(d.fs, "/cloud/.c.kml.icloud", []byte("gamma"), 0o644))
	require.NoError(t, d.fs.Chtimes("/cloud/.c.kml.icloud", time.Now(), testMod))

	entries, err := d.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "c.kml", entries[0].Name)
	assert.Equal(t, NotDownloaded, entries[0].Download)

	_, _, err = d.Open(ctx, "c.kml")
	assert.ErrorIs(t, err, ErrNotMaterialized)

	require.NoError(t, d.StartDownload(ctx, "c.kml"))

	content, entry := readItem(t, d, "c.kml")
	assert.Equal(t, "gamma", content)
	assert.Equal(t, testMod.Unix(), entry.ModifiedAt.Unix())

	// idempotent once materialized
	assert.NoError(t, d.StartDownload(ctx, "c.kml"))
}

func TestDirStoreOpenMissing(t *testing.T) {
	d := newTestDirStore(t)
	_, _, err := d.Open(context.Background(), "nope.kml")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDirStoreStartDownloadMissing(t *testing.T) {
	d := newTestDirStore(t)
	assert.ErrorIs(t, d.StartDownload(context.Background(), "nope.kml"), ErrNotFound)
}

func TestDirStoreTrashNeverHoldsDuplicates(t *testing.T) {
	ctx := context.Background()
	d := newTestDirStore(t)

	putItem(t, d, "a.kml", "first life", testMod)
	require.NoError(t, d.Trash(ctx, "a.kml"))

	// the item comes back and gets deleted again
	putItem(t, d, "a.kml", "second life", testMod.Add(time.Hour))
	require.NoError(t, d.Trash(ctx, "a.kml"))

	trash, err := d.TrashEntries(ctx)
	require.NoError(t, err)
	require.Len(t, trash, 1)
	assert.Equal(t, "a.kml", trash[0].Name)
	assert.True(t, trash[0].Removed)
	assert.Equal(t, int64(len("second life")), trash[0].Size)

	entries, err := d.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDirStoreTrashAbsentItem(t *testing.T) {
	d := newTestDirStore(t)
	assert.NoError(t, d.Trash(context.Background(), "ghost.kml"))
}

func TestDirStoreVersions(t *testing.T) {
	ctx := context.Background()
	d := newTestDirStore(t)

	putItem(t, d, "v.kml", "current", testMod)
	require.NoError(t, afero.WriteFile(d.fs, "/cloud/.versions/v.kml/v1", []byte("older edit"), 0o644))
	require.NoError(t, d.fs.Chtimes("/cloud/.versions/v.kml/v1", time.Now(), testMod.Add(time.Minute)))
	require.NoError(t, afero.WriteFile(d.fs, "/cloud/.versions/v.kml/v2", []byte("newest edit"), 0o644))
	require.NoError(t, d.fs.Chtimes("/cloud/.versions/v.kml/v2", time.Now(), testMod.Add(time.Hour)))

	entries, err := d.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].HasConflicts)

	versions, err := d.Versions(ctx, "v.kml")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	// oldest first
	assert.Equal(t, "v1", versions[0].ID)
	assert.Equal(t, "v2", versions[1].ID)

	require.NoError(t, d.ResolveVersions(ctx, "v.kml", "v2"))

	content, entry := readItem(t, d, "v.kml")
	assert.Equal(t, "newest edit", content)
	assert.Equal(t, testMod.Add(time.Hour).Unix(), entry.ModifiedAt.Unix())

	versions, err = d.Versions(ctx, "v.kml")
	require.NoError(t, err)
	assert.Empty(t, versions)

	entries, err = d.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].HasConflicts)
}

func TestDirStoreVersionsNone(t *testing.T) {
	d := newTestDirStore(t)
	versions, err := d.Versions(context.Background(), "plain.kml")
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestDirStoreCapabilities(t *testing.T) {
	d := newTestDirStore(t)
	caps := d.Capabilities()
	assert.True(t, caps.CanEnumerateTrash)
	assert.True(t, caps.CanEnumerateVersions)
}
