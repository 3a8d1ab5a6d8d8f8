package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/openmaps/marksync/internal/cloudstore"
	"github.com/openmaps/marksync/internal/utils"
)

const (
	defaultWorkers  = 4
	rootProbeGrace  = 30 * time.Second
	versionsGrace   = 30 * time.Second
	dirLockFileName = ".marksync.lock"
	lockRetryDelay  = 100 * time.Millisecond
)

// Executor applies the engine's action batches against the two replicas. It
// never decides anything itself: every handler is the mechanical carrying-out
// of one Action, with failures reported to the status observer instead of
// aborting the rest of the batch.
type Executor struct {
	localDir  string
	store     cloudstore.Store
	record    *StateRecord
	recordKey string
	status    *StatusObserver
	workers   int

	// deviceSuffix disambiguates initial-sync duplicates created by this
	// machine from those created by other replicas of the same account.
	deviceSuffix string

	dirLock *flock.Flock
	reload  chan struct{}
}

func NewExecutor(localDir string, store cloudstore.Store, record *StateRecord, status *StatusObserver) *Executor {
	return &Executor{
		localDir:     localDir,
		store:        store,
		record:       record,
		recordKey:    localDir,
		status:       status,
		workers:      defaultWorkers,
		deviceSuffix: deviceSuffix(),
		dirLock:      flock.New(filepath.Join(localDir, dirLockFileName)),
		reload:       make(chan struct{}, 1),
	}
}

// Reloads pulses after a batch changed local files, so the application can
// re-read the annotation set it is displaying.
func (e *Executor) Reloads() <-chan struct{} {
	return e.reload
}

// Execute runs every action of the batch. The caller keeps the batch's keys
// marked in-flight for the duration, so the engine does not schedule a second
// action for an item whose first one has not finished.
func (e *Executor) Execute(ctx context.Context, batch *Batch) {
	if batch.Empty() {
		// a pass that found nothing to do doubles as the recovery signal
		e.status.Clear()
		return
	}

	var markDone bool
	var localTouched atomic.Bool

	locked := e.lockLocalDir(ctx, batch)
	if locked {
		defer e.unlockLocalDir()
	}

	g := new(errgroup.Group)
	g.SetLimit(e.workers)

	for _, a := range batch.Actions {
		if a.Type == ActionMarkInitialDone {
			// runs after every item-level action of the batch settled
			markDone = true
			continue
		}

		g.Go(func() error {
			touched, err := e.apply(ctx, a)
			if touched {
				localTouched.Store(true)
			}
			if err != nil {
				slog.Error("sync action failed",
					"batch", batch.ID, "action", a.Type, "name", a.Key, "error", err)
				e.status.Report(err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if markDone {
		if err := e.record.MarkInitialSyncDone(e.recordKey); err != nil {
			slog.Error("marking initial sync complete failed", "error", err)
			e.status.Report(err)
		} else {
			slog.Info("initial sync complete", "dir", e.localDir)
		}
	}

	if localTouched.Load() {
		select {
		case e.reload <- struct{}{}:
		default:
		}
	}
}

// apply dispatches one action; the bool reports whether local files changed.
func (e *Executor) apply(ctx context.Context, a *Action) (bool, error) {
	switch a.Type {
	case ActionCreateLocal, ActionUpdateLocal:
		return true, e.writeLocalFromCloud(ctx, a.Key)
	case ActionRemoveLocal:
		return true, e.removeLocal(a.Key)
	case ActionStartDownload:
		return false, e.store.StartDownload(ctx, a.Key)
	case ActionCreateCloud, ActionUpdateCloud:
		return false, e.writeCloudFromLocal(ctx, a)
	case ActionRemoveCloud:
		return false, e.store.Trash(ctx, a.Key)
	case ActionResolveConflict:
		return true, e.resolveVersionConflict(ctx, a.Key)
	case ActionResolveInitialDupe:
		return true, e.resolveInitialDupe(ctx, a.Key)
	case ActionReportError:
		e.status.Report(a.Err)
		return false, nil
	default:
		return false, fmt.Errorf("unknown action type %q", a.Type)
	}
}

func (e *Executor) writeLocalFromCloud(ctx context.Context, name string) error {
	rc, entry, err := e.store.Open(ctx, name)
	if errors.Is(err, cloudstore.ErrNotMaterialized) {
		// kick the download and let the next pass pick the item up again
		if dlErr := e.store.StartDownload(ctx, name); dlErr != nil {
			return dlErr
		}
		return fmt.Errorf("cloud item not materialized yet: %s: %w", name, err)
	}
	if err != nil {
		return err
	}
	defer rc.Close()

	dest := filepath.Join(e.localDir, name)
	if err := utils.WriteFileAtomic(dest, rc, entry.ModifiedAt); err != nil {
		return err
	}
	slog.Info("local file written from cloud",
		"name", name, "size", humanize.Bytes(uint64(entry.Size)))
	return nil
}

func (e *Executor) removeLocal(name string) error {
	err := os.Remove(filepath.Join(e.localDir, name))
	if errors.Is(err, fs.ErrNotExist) {
		// already gone, which is the state we wanted
		return nil
	}
	if err != nil {
		return err
	}
	slog.Info("local file removed", "name", name)
	return nil
}

func (e *Executor) writeCloudFromLocal(ctx context.Context, a *Action) error {
	rootCtx, cancel := context.WithTimeout(ctx, rootProbeGrace)
	defer cancel()
	if _, err := e.store.Root(rootCtx); err != nil {
		return err
	}

	src := filepath.Join(e.localDir, a.Key)
	if a.Local != nil && a.Local.Path != "" {
		src = a.Local.Path
	}
	f, err := os.Open(src)
	if errors.Is(err, fs.ErrNotExist) {
		// vanished since the snapshot; the next local listing reconciles it
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	modTime := time.Now()
	if a.Local != nil {
		modTime = a.Local.ModifiedAt
	}
	if err := e.store.Put(ctx, a.Key, f, modTime); err != nil {
		return err
	}

	size := int64(0)
	if a.Local != nil {
		size = a.Local.Size
	}
	slog.Info("cloud item written from local",
		"name", a.Key, "size", humanize.Bytes(uint64(size)))
	return nil
}

// resolveVersionConflict keeps the latest cloud version as the item's sole
// content and preserves the current local content as a suffixed duplicate, so
// no replica's edits are lost.
func (e *Executor) resolveVersionConflict(ctx context.Context, name string) error {
	vctx, cancel := context.WithTimeout(ctx, versionsGrace)
	defer cancel()

	versions, err := e.store.Versions(vctx, name)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return nil
	}

	canonical := versions[0]
	for _, v := range versions[1:] {
		if v.ModifiedAt.After(canonical.ModifiedAt) ||
			(v.ModifiedAt.Equal(canonical.ModifiedAt) && v.ID > canonical.ID) {
			canonical = v
		}
	}

	localPath := filepath.Join(e.localDir, name)
	if utils.FileExists(localPath) {
		dup := uniqueSuffixPath(e.localDir, name)
		if err := utils.CopyFile(localPath, dup); err != nil {
			return err
		}
		slog.Info("conflicting local content preserved",
			"name", name, "duplicate", filepath.Base(dup))
	}

	if err := e.store.ResolveVersions(ctx, name, canonical.ID); err != nil {
		return err
	}

	rc, entry, err := e.store.Open(ctx, name)
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := utils.WriteFileAtomic(localPath, rc, entry.ModifiedAt); err != nil {
		return err
	}
	slog.Info("version conflict resolved", "name", name, "kept", canonical.ID)
	return nil
}

// resolveInitialDupe runs during the first merge of two non-empty replicas:
// the newer local content moves aside under a device-tagged name and the
// cloud content takes the original name, so neither side overwrites the
// other before a shared history exists.
func (e *Executor) resolveInitialDupe(ctx context.Context, name string) error {
	localPath := filepath.Join(e.localDir, name)
	dup := suffixedPath(e.localDir, name, e.deviceSuffix)

	// the duplicate existing already means a previous attempt got this far
	if !utils.FileExists(dup) && utils.FileExists(localPath) {
		if err := utils.CopyFile(localPath, dup); err != nil {
			return err
		}
		slog.Info("initial-sync local content preserved",
			"name", name, "duplicate", filepath.Base(dup))
	}

	rc, entry, err := e.store.Open(ctx, name)
	if errors.Is(err, cloudstore.ErrNotMaterialized) {
		if dlErr := e.store.StartDownload(ctx, name); dlErr != nil {
			return dlErr
		}
		return fmt.Errorf("cloud item not materialized yet: %s: %w", name, err)
	}
	if err != nil {
		return err
	}
	defer rc.Close()
	return utils.WriteFileAtomic(localPath, rc, entry.ModifiedAt)
}

// lockLocalDir takes the directory's advisory lock when the batch mutates
// local files, so two daemons pointed at the same directory do not interleave
// writes. Failing to lock degrades to running unlocked rather than stalling
// the batch forever.
func (e *Executor) lockLocalDir(ctx context.Context, batch *Batch) bool {
	if !batchTouchesLocal(batch) {
		return false
	}
	lockCtx, cancel := context.WithTimeout(ctx, rootProbeGrace)
	defer cancel()
	ok, err := e.dirLock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil || !ok {
		slog.Warn("could not take local directory lock", "dir", e.localDir, "error", err)
		return false
	}
	return true
}

func (e *Executor) unlockLocalDir() {
	if err := e.dirLock.Unlock(); err != nil {
		slog.Warn("releasing local directory lock failed", "error", err)
	}
}

func batchTouchesLocal(batch *Batch) bool {
	for _, a := range batch.Actions {
		switch a.Type {
		case ActionCreateLocal, ActionUpdateLocal, ActionRemoveLocal,
			ActionResolveConflict, ActionResolveInitialDupe:
			return true
		}
	}
	return false
}

// uniqueSuffixPath returns the first free "<base>_<n><ext>" path for name.
func uniqueSuffixPath(dir, name string) string {
	for n := 1; ; n++ {
		p := suffixedPath(dir, name, fmt.Sprintf("%d", n))
		if !utils.FileExists(p) {
			return p
		}
	}
}

func suffixedPath(dir, name, suffix string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return filepath.Join(dir, base+"_"+suffix+ext)
}

func deviceSuffix() string {
	id, err := machineid.ProtectedID("marksync")
	if err != nil || len(id) == 0 {
		host, herr := os.Hostname()
		if herr != nil || host == "" {
			return "local"
		}
		return sanitizeSuffix(host)
	}
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}

func sanitizeSuffix(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
