package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/openmaps/marksync/internal/cloudstore"
	"github.com/openmaps/marksync/internal/config"
	"github.com/openmaps/marksync/internal/utils"
)

const (
	stateDBFileName = "marksync.db"
	cacheDirName    = "cache"
	stopGracePeriod = 10 * time.Second
)

var (
	ErrManagerRunning    = errors.New("sync manager already running")
	ErrManagerNotRunning = errors.New("sync manager not running")
	// ErrSyncDisabled is returned by Start when the gate predicate says
	// synchronization may not run right now.
	ErrSyncDisabled = errors.New("synchronization is disabled")
)

// ManagerOption tweaks a Manager at construction time.
type ManagerOption func(*Manager)

// WithMayRun installs the gate predicate consulted before the pipeline
// starts and again on every snapshot event, for callers that tie sync to
// an application-level toggle. When the predicate turns false mid-run the
// manager pauses itself; call Resume once it is allowed again.
func WithMayRun(f func() bool) ManagerOption {
	return func(m *Manager) { m.mayRun = f }
}

// WithStore overrides the store built from the configuration. Used by tests
// and by embedders that construct their own backend.
func WithStore(s cloudstore.Store) ManagerOption {
	return func(m *Manager) { m.store = s }
}

// Manager owns the whole pipeline: the two collectors feeding the engine,
// the executor applying its batches, and the shared status observer. One
// Manager serves one local directory.
type Manager struct {
	cfg    *config.Config
	mayRun func() bool

	store    cloudstore.Store
	ignore   *IgnoreList
	local    *LocalCollector
	cloud    *CloudCollector
	engine   *Engine
	exec     *Executor
	record   *StateRecord
	inflight *InFlightSet
	status   *StatusObserver

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	execWG  sync.WaitGroup
}

func NewManager(cfg *config.Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:      cfg,
		inflight: NewInFlightSet(),
		status:   NewStatusObserver(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Status exposes the pipeline's error state for subscription and polling.
func (m *Manager) Status() *StatusObserver {
	return m.status
}

// Reloads pulses after the executor changed local files. Valid after Start.
func (m *Manager) Reloads() <-chan struct{} {
	return m.exec.Reloads()
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrManagerRunning
	}
	if m.mayRun != nil && !m.mayRun() {
		return ErrSyncDisabled
	}

	if m.store == nil {
		store, err := buildStore(ctx, m.cfg)
		if err != nil {
			return err
		}
		m.store = store
	}

	if err := utils.EnsureDir(m.cfg.StateDir); err != nil {
		return err
	}
	m.record = NewStateRecord(filepath.Join(m.cfg.StateDir, stateDBFileName))
	if err := m.record.Open(); err != nil {
		return fmt.Errorf("open state record: %w", err)
	}
	initialDone, err := m.record.InitialSyncDone(m.cfg.DataDir)
	if err != nil {
		m.record.Close()
		return err
	}

	m.ignore = NewIgnoreList(m.cfg.DataDir)
	m.ignore.Load()

	m.engine = NewEngine(!initialDone, m.inflight)
	m.exec = NewExecutor(m.cfg.DataDir, m.store, m.record, m.status)
	m.local = NewLocalCollector(m.cfg.DataDir, m.cfg.Debounce(), m.ignore)
	m.cloud = NewCloudCollector(m.store, m.cfg.PollInterval(), m.ignore)

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	if err := m.cloud.Start(runCtx); err != nil {
		cancel()
		m.record.Close()
		m.status.Report(err)
		return fmt.Errorf("start cloud collector: %w", err)
	}
	if err := m.local.Start(runCtx); err != nil {
		m.cloud.Stop()
		cancel()
		m.record.Close()
		return fmt.Errorf("start local collector: %w", err)
	}

	m.wg.Add(1)
	go m.run(runCtx)

	m.started = true
	slog.Info("sync manager started",
		"dir", m.cfg.DataDir, "store", m.cfg.StoreKind, "initial_sync", !initialDone)
	return nil
}

// Stop shuts the pipeline down, waiting a bounded grace period for in-flight
// actions to finish.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return ErrManagerNotRunning
	}

	m.local.Stop()
	m.cloud.Stop()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		m.execWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGracePeriod):
		slog.Warn("sync manager stop grace period elapsed with work in flight")
	}

	if err := m.record.Close(); err != nil {
		slog.Warn("closing state record failed", "error", err)
	}
	m.status.Close()
	m.started = false
	slog.Info("sync manager stopped", "dir", m.cfg.DataDir)
	return nil
}

// Pause idles both collectors without tearing down engine state.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.local.Pause()
	m.cloud.Pause()
	slog.Info("sync manager paused")
}

// Resume picks both collectors back up; each re-emits a full listing to
// catch anything changed while paused.
func (m *Manager) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return ErrManagerNotRunning
	}
	if err := m.local.Resume(); err != nil && !errors.Is(err, ErrCollectorNotRunning) {
		return err
	}
	m.cloud.Resume()
	slog.Info("sync manager resumed")
	return nil
}

// NotifyAvailabilityChanged forwards an external availability hint to the
// cloud collector, which rechecks the store and stops itself on loss.
func (m *Manager) NotifyAvailabilityChanged(ctx context.Context) {
	m.mu.Lock()
	cloud := m.cloud
	m.mu.Unlock()
	if cloud != nil {
		cloud.NotifyAvailabilityChanged(ctx)
	}
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.local.Events():
			if !ok {
				return
			}
			m.handleEvent(ctx, ev)
		case ev, ok := <-m.cloud.Events():
			if !ok {
				return
			}
			m.handleEvent(ctx, ev)
		case err, ok := <-m.cloud.Errors():
			if !ok {
				return
			}
			// the collector already stopped itself; surface the loss and
			// idle the local side until availability comes back
			slog.Error("cloud store lost", "error", err)
			m.status.Report(err)
			m.local.Pause()
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, ev Event) {
	if m.mayRun != nil && !m.mayRun() {
		// drop the event before it reaches the engine and idle both
		// collectors; Resume re-baselines everything with full listings
		slog.Info("sync gated off, pausing pipeline")
		m.local.Pause()
		m.cloud.Pause()
		return
	}

	for _, ie := range ev.Errors {
		slog.Warn("item skipped during snapshot", "name", ie.Name, "error", ie.Err)
		m.status.Report(ie.Err)
	}

	batch := m.engine.Apply(ev)
	if batch.Empty() {
		if m.engine.Phase() == PhaseReady {
			m.exec.Execute(ctx, batch)
		}
		return
	}

	// keys go in-flight before the executor runs, so a snapshot arriving
	// mid-batch cannot schedule a second action for the same item
	keys := batch.Keys()
	m.inflight.Add(keys...)
	m.execWG.Add(1)
	go func() {
		defer m.execWG.Done()
		defer m.inflight.Remove(keys...)
		m.exec.Execute(ctx, batch)
	}()
}

func buildStore(ctx context.Context, cfg *config.Config) (cloudstore.Store, error) {
	switch cfg.StoreKind {
	case config.StoreKindDir:
		return cloudstore.NewDirStore(afero.NewOsFs(), cfg.CloudDir), nil
	case config.StoreKindS3:
		cacheDir := filepath.Join(cfg.StateDir, cacheDirName)
		if err := utils.EnsureDir(cacheDir); err != nil {
			return nil, err
		}
		return cloudstore.NewS3Store(ctx, cloudstore.S3Options{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Prefix:    cfg.S3.Prefix,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		}, cacheDir)
	default:
		return nil, fmt.Errorf("unknown store_kind %q", cfg.StoreKind)
	}
}
