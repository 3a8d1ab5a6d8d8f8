package sync

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRecord(t *testing.T) *StateRecord {
	t.Helper()
	r := NewStateRecord(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, r.Open())
	t.Cleanup(func() { r.Close() })
	return r
}

func TestStateRecordUnknownRoot(t *testing.T) {
	r := openTestRecord(t)

	done, err := r.InitialSyncDone("/unknown/root")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestStateRecordMarkAndQuery(t *testing.T) {
	r := openTestRecord(t)

	require.NoError(t, r.MarkInitialSyncDone("/roots/a"))

	done, err := r.InitialSyncDone("/roots/a")
	require.NoError(t, err)
	assert.True(t, done)

	// other roots are independent
	done, err = r.InitialSyncDone("/roots/b")
	require.NoError(t, err)
	assert.False(t, done)

	// marking twice is fine
	require.NoError(t, r.MarkInitialSyncDone("/roots/a"))
}

func TestStateRecordForget(t *testing.T) {
	r := openTestRecord(t)

	require.NoError(t, r.MarkInitialSyncDone("/roots/c"))
	require.NoError(t, r.Forget("/roots/c"))

	done, err := r.InitialSyncDone("/roots/c")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestStateRecordSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	r := NewStateRecord(dbPath)
	require.NoError(t, r.Open())
	require.NoError(t, r.MarkInitialSyncDone("/roots/d"))
	require.NoError(t, r.Close())

	r = NewStateRecord(dbPath)
	require.NoError(t, r.Open())
	defer r.Close()

	done, err := r.InitialSyncDone("/roots/d")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestStateRecordDoubleOpen(t *testing.T) {
	r := openTestRecord(t)
	assert.Error(t, r.Open())
}
