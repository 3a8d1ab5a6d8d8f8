package sync

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmaps/marksync/internal/cloudstore"
	"github.com/openmaps/marksync/internal/config"
)

func newManagerFixture(t *testing.T) (*Manager, string, *cloudstore.DirStore) {
	t.Helper()

	dataDir := t.TempDir()
	cfg := &config.Config{
		DataDir:            dataDir,
		StateDir:           t.TempDir(),
		StoreKind:          config.StoreKindDir,
		DebounceMillis:     50,
		PollIntervalMillis: 20,
	}

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/cloud", 0o755))
	store := cloudstore.NewDirStore(fs, "/cloud")

	return NewManager(cfg, WithStore(store)), dataDir, store
}

func TestManagerConvergesBothDirections(t *testing.T) {
	m, dataDir, store := newManagerFixture(t)
	ctx := context.Background()

	putCloudItem(t, store, "fromcloud.kml", "cloud content", baseTime)
	writeTestFile(t, dataDir, "fromlocal.kml", "local content")

	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	require.Eventually(t, func() bool {
		if _, err := os.Stat(filepath.Join(dataDir, "fromcloud.kml")); err != nil {
			return false
		}
		_, _, err := store.Open(ctx, "fromlocal.kml")
		return err == nil
	}, 5*time.Second, 25*time.Millisecond, "replicas did not converge")

	data, err := os.ReadFile(filepath.Join(dataDir, "fromcloud.kml"))
	require.NoError(t, err)
	assert.Equal(t, "cloud content", string(data))

	info, err := os.Stat(filepath.Join(dataDir, "fromcloud.kml"))
	require.NoError(t, err)
	assert.Equal(t, baseTime.Unix(), info.ModTime().Unix())
}

func TestManagerPropagatesCloudRemoval(t *testing.T) {
	m, dataDir, store := newManagerFixture(t)
	ctx := context.Background()

	putCloudItem(t, store, "doomed.kml", "short lived", baseTime)

	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	localPath := filepath.Join(dataDir, "doomed.kml")
	require.Eventually(t, func() bool {
		_, err := os.Stat(localPath)
		return err == nil
	}, 5*time.Second, 25*time.Millisecond)

	require.NoError(t, store.Trash(ctx, "doomed.kml"))

	require.Eventually(t, func() bool {
		_, err := os.Stat(localPath)
		return os.IsNotExist(err)
	}, 5*time.Second, 25*time.Millisecond, "cloud deletion did not reach the local replica")
}

func TestManagerMarksInitialSyncDone(t *testing.T) {
	m, _, _ := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	require.Eventually(t, func() bool {
		done, err := m.record.InitialSyncDone(m.cfg.DataDir)
		return err == nil && done
	}, 5*time.Second, 25*time.Millisecond)
}

func TestManagerStartStates(t *testing.T) {
	m, _, _ := newManagerFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, m.Stop(), ErrManagerNotRunning)

	require.NoError(t, m.Start(ctx))
	assert.ErrorIs(t, m.Start(ctx), ErrManagerRunning)
	require.NoError(t, m.Stop())
}

func TestManagerGatePreventsStart(t *testing.T) {
	dataDir := t.TempDir()
	cfg := &config.Config{
		DataDir:   dataDir,
		StateDir:  t.TempDir(),
		StoreKind: config.StoreKindDir,
	}
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/cloud", 0o755))
	store := cloudstore.NewDirStore(fs, "/cloud")

	m := NewManager(cfg, WithStore(store), WithMayRun(func() bool { return false }))
	assert.ErrorIs(t, m.Start(context.Background()), ErrSyncDisabled)
}

func TestManagerGatePausesPipelineMidRun(t *testing.T) {
	dataDir := t.TempDir()
	cfg := &config.Config{
		DataDir:            dataDir,
		StateDir:           t.TempDir(),
		StoreKind:          config.StoreKindDir,
		DebounceMillis:     50,
		PollIntervalMillis: 20,
	}
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/cloud", 0o755))
	store := cloudstore.NewDirStore(fs, "/cloud")

	var allowed atomic.Bool
	allowed.Store(true)
	m := NewManager(cfg, WithStore(store), WithMayRun(allowed.Load))
	ctx := context.Background()

	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	require.Eventually(t, func() bool {
		done, err := m.record.InitialSyncDone(dataDir)
		return err == nil && done
	}, 5*time.Second, 25*time.Millisecond)

	allowed.Store(false)
	putCloudItem(t, store, "gated.kml", "held back", baseTime)

	time.Sleep(10 * cfg.PollInterval())
	_, err := os.Stat(filepath.Join(dataDir, "gated.kml"))
	assert.True(t, os.IsNotExist(err), "gated event should not have synced")

	// reopening the gate and resuming re-baselines with full listings
	allowed.Store(true)
	require.NoError(t, m.Resume())
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dataDir, "gated.kml"))
		return err == nil
	}, 5*time.Second, 25*time.Millisecond)
}

func TestManagerStartUnavailableStore(t *testing.T) {
	dataDir := t.TempDir()
	cfg := &config.Config{
		DataDir:   dataDir,
		StateDir:  t.TempDir(),
		StoreKind: config.StoreKindDir,
	}
	store := cloudstore.NewDirStore(afero.NewMemMapFs(), "/missing")

	m := NewManager(cfg, WithStore(store))
	err := m.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, cloudstore.ErrUnavailable)
}
