package sync

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/openmaps/marksync/internal/cloudstore"
)

// Phase is the engine's lifecycle state.
type Phase string

const (
	// PhaseUninitialized: no full listing from either side yet.
	PhaseUninitialized Phase = "uninitialized"
	// PhasePartial: one side has reported a full listing.
	PhasePartial Phase = "partial"
	// PhaseReady: both sides have reported; steady-state reconciliation.
	PhaseReady Phase = "ready"
)

// KeyGuard reports keys whose previously emitted actions are still in
// flight; the engine skips those keys so it never emits a duplicate action
// for the same key against the same snapshot generation.
type KeyGuard interface {
	Contains(key string) bool
}

// Engine is the reconciliation state machine. It exclusively owns the
// last-known view of both replicas, consumes snapshot events and emits
// ordered action batches. It performs no I/O; Apply holds the engine's lock
// so at most one pass computes at a time.
type Engine struct {
	mu sync.Mutex

	local     LocalSnapshot
	cloud     CloudSnapshot
	haveLocal bool
	haveCloud bool
	wasReady  bool

	// initialSync is true until the first-ever reconciliation for this
	// root completes; under it, a same-name collision with a pre-existing
	// cloud item duplicates instead of overwriting.
	initialSync bool

	// removedLocally holds keys that disappeared from the local side since
	// the previous pass; consumed by the pass to emit cloud removals.
	removedLocally map[string]struct{}

	// cloudRemovals remembers keys with a cloud-originated delete whose
	// local removal has not been observed yet, so a straggling local entry
	// is not re-uploaded.
	cloudRemovals map[string]struct{}

	guard KeyGuard
}

func NewEngine(initialSync bool, guard KeyGuard) *Engine {
	return &Engine{
		local:          make(LocalSnapshot),
		cloud:          make(CloudSnapshot),
		initialSync:    initialSync,
		removedLocally: make(map[string]struct{}),
		cloudRemovals:  make(map[string]struct{}),
		guard:          guard,
	}
}

func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.haveLocal && e.haveCloud:
		return PhaseReady
	case e.haveLocal || e.haveCloud:
		return PhasePartial
	default:
		return PhaseUninitialized
	}
}

// IsInitialSync reports whether the first-ever reconciliation has not
// completed yet.
func (e *Engine) IsInitialSync() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialSync
}

// Reset returns the engine to uninitialized. The initial-sync flag is durable
// elsewhere and is not touched here.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.local = make(LocalSnapshot)
	e.cloud = make(CloudSnapshot)
	e.haveLocal = false
	e.haveCloud = false
	e.wasReady = false
	e.removedLocally = make(map[string]struct{})
	e.cloudRemovals = make(map[string]struct{})
}

// Apply merges one snapshot event into the engine's last-known view and,
// once both sides hold at least one snapshot, runs a reconciliation pass.
// The returned batch is the ordered action list for the pass; it is empty
// while a side is still missing, and empty again at convergence.
func (e *Engine) Apply(ev Event) *Batch {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch ev.Kind {
	case LocalFull:
		e.mergeLocalFull(ev.Local)
	case LocalDelta:
		e.mergeLocalDelta(ev.Local, ev.Removed)
	case CloudFull:
		e.mergeCloudFull(ev.Cloud)
	case CloudDelta:
		e.mergeCloudDelta(ev.Cloud, ev.Removed)
	default:
		slog.Warn("engine ignoring unknown event kind", "kind", ev.Kind)
		return &Batch{ID: uuid.New()}
	}

	if !e.haveLocal || !e.haveCloud {
		return &Batch{ID: uuid.New()}
	}

	return e.reconcile()
}

// mergeLocalFull replaces the stored local snapshot wholesale, remembering
// keys that vanished relative to the previous view.
func (e *Engine) mergeLocalFull(snap LocalSnapshot) {
	if e.haveLocal {
		for key := range e.local {
			if _, ok := snap[key]; !ok {
				e.removedLocally[key] = struct{}{}
			}
		}
	}

	e.local = make(LocalSnapshot, len(snap))
	for key, item := range snap {
		e.local[key] = item
	}
	e.haveLocal = true
}

func (e *Engine) mergeLocalDelta(snap LocalSnapshot, removed []string) {
	for key, item := range snap {
		e.local[key] = item
	}
	for _, key := range removed {
		if _, ok := e.local[key]; ok {
			delete(e.local, key)
			e.removedLocally[key] = struct{}{}
		}
	}
}

func (e *Engine) mergeCloudFull(snap CloudSnapshot) {
	e.cloud = make(CloudSnapshot, len(snap))
	for key, item := range snap {
		e.cloud[key] = item
		// delete memory is recorded the moment the trash marker is seen,
		// not when a removal action is emitted; a guarded key keeps it
		if item.Removed {
			e.cloudRemovals[key] = struct{}{}
		}
	}
	e.haveCloud = true
}

func (e *Engine) mergeCloudDelta(snap CloudSnapshot, removed []string) {
	for key, item := range snap {
		e.cloud[key] = item
		if item.Removed {
			e.cloudRemovals[key] = struct{}{}
		}
	}
	for _, key := range removed {
		delete(e.cloud, key)
	}
}

// reconcile runs one pass over the union of both sides' keys. Caller holds
// the engine lock.
func (e *Engine) reconcile() *Batch {
	batch := &Batch{ID: uuid.New()}

	union := make(map[string]struct{}, len(e.local)+len(e.cloud))
	for key := range e.local {
		union[key] = struct{}{}
	}
	for key := range e.cloud {
		union[key] = struct{}{}
	}
	for key := range e.removedLocally {
		union[key] = struct{}{}
	}

	keys := make([]string, 0, len(union))
	for key := range union {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if e.guard != nil && e.guard.Contains(key) {
			// an equivalent action is still unacknowledged; any delete
			// memory for the key stays live for a later pass
			continue
		}

		local, hasLocal := e.local[key]
		cloud, hasCloud := e.cloud[key]
		_, deletedHere := e.removedLocally[key]

		switch {
		case hasLocal && hasCloud:
			e.reconcileBoth(batch, key, local, cloud)

		case hasCloud:
			// local side no longer has the key; any delete memory is spent
			delete(e.cloudRemovals, key)

			switch {
			case cloud.Removed:
				// trashed and already absent locally: consistent
			case deletedHere:
				batch.Actions = append(batch.Actions, newAction(ActionRemoveCloud, key, nil, cloud))
			case cloud.Download != cloudstore.Downloaded:
				batch.Actions = append(batch.Actions, newAction(ActionStartDownload, key, nil, cloud))
			default:
				batch.Actions = append(batch.Actions, newAction(ActionCreateLocal, key, nil, cloud))
			}

		case hasLocal:
			if _, pending := e.cloudRemovals[key]; pending {
				// cloud-originated delete whose local removal has not
				// landed yet; re-issue it rather than re-upload the file
				batch.Actions = append(batch.Actions, newAction(ActionRemoveLocal, key, local, nil))
			} else {
				batch.Actions = append(batch.Actions, newAction(ActionCreateCloud, key, local, nil))
			}

		default:
			// gone from both sides
			delete(e.cloudRemovals, key)
		}

		// delete memory is consumed only by a pass that processed the key
		delete(e.removedLocally, key)
	}

	if !e.wasReady {
		e.wasReady = true
		if e.initialSync {
			batch.Actions = append(batch.Actions, newAction(ActionMarkInitialDone, "", nil, nil))
			e.initialSync = false
		}
	}

	return batch
}

func (e *Engine) reconcileBoth(batch *Batch, key string, local *LocalItem, cloud *CloudItem) {
	// conflict resolution owns the key for this pass
	if cloud.HasConflicts {
		batch.Actions = append(batch.Actions, newAction(ActionResolveConflict, key, local, cloud))
		return
	}

	if cloud.Removed {
		// the delete memory was recorded when the marker was merged
		batch.Actions = append(batch.Actions, newAction(ActionRemoveLocal, key, local, cloud))
		return
	}

	cloudMod, localMod := cloud.ModUnix(), local.ModUnix()
	if cloudMod == localMod {
		// converged
		return
	}

	if e.initialSync {
		// the cloud item predates this device's first sync; whichever
		// side is newer, duplicate rather than clobber either copy
		batch.Actions = append(batch.Actions, newAction(ActionResolveInitialDupe, key, local, cloud))
		return
	}

	if cloudMod > localMod {
		batch.Actions = append(batch.Actions, newAction(ActionUpdateLocal, key, local, cloud))
	} else {
		batch.Actions = append(batch.Actions, newAction(ActionUpdateCloud, key, local, cloud))
	}
}
