package sync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIgnoreListDefaults(t *testing.T) {
	l := NewIgnoreList(t.TempDir())
	l.Load()

	tests := []struct {
		name string
		want bool
	}{
		{"bookmarks.kml", false},
		{"Ottawa trip.kmb", false},
		{"file.lock", true},
		{".marksync-upload.tmp", true},
		{".b.kml.icloud", true},
		{"download.partial", true},
		{".DS_Store", true},
		{"Thumbs.db", true},
		{"notes.kml~", true},
		{".marksyncignore", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, l.ShouldIgnore(tt.name), tt.name)
	}
}

func TestIgnoreListCustomRules(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, ".marksyncignore"), []byte("*.gpx\nprivate.kml\n"), 0o644))

	l := NewIgnoreList(dir)
	l.Load()

	assert.True(t, l.ShouldIgnore("track.gpx"))
	assert.True(t, l.ShouldIgnore("private.kml"))
	assert.False(t, l.ShouldIgnore("public.kml"))
}

func TestIgnoreListWithoutLoad(t *testing.T) {
	// falls back to the defaults lazily
	l := NewIgnoreList(t.TempDir())
	assert.True(t, l.ShouldIgnore("x.lock"))
	assert.False(t, l.ShouldIgnore("x.kml"))
}
