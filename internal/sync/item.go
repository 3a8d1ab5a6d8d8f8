// Package sync implements the two-replica reconciliation core: two
// collectors observing a local annotation directory and a cloud-backed one,
// a pure reconciliation engine converging their snapshots into an ordered
// action batch, and an executor applying those actions.
package sync

import (
	"time"

	"github.com/openmaps/marksync/internal/cloudstore"
)

// LocalItem is one file as observed in the local directory.
type LocalItem struct {
	Name       string
	Path       string
	Size       int64
	Digest     string
	ModifiedAt time.Time
}

// CloudItem is one item as observed in the cloud store, including items
// sitting in the store's trash.
type CloudItem struct {
	Name         string
	Size         int64
	ETag         string
	ModifiedAt   time.Time
	Removed      bool
	Download     cloudstore.DownloadStatus
	HasConflicts bool
}

// ModUnix returns the item's ordering signal at second resolution.
func (l *LocalItem) ModUnix() int64 { return l.ModifiedAt.Unix() }

func (c *CloudItem) ModUnix() int64 { return c.ModifiedAt.Unix() }

// LocalSnapshot maps file name to local item for one observed instant.
type LocalSnapshot map[string]*LocalItem

// CloudSnapshot maps file name to cloud item for one observed instant.
type CloudSnapshot map[string]*CloudItem

func cloudItemFromEntry(e *cloudstore.Entry) *CloudItem {
	return &CloudItem{
		Name:         e.Name,
		Size:         e.Size,
		ETag:         e.ETag,
		ModifiedAt:   e.ModifiedAt,
		Removed:      e.Removed,
		Download:     e.Download,
		HasConflicts: e.HasConflicts,
	}
}

// EventKind tags a snapshot event flowing into the engine.
type EventKind string

const (
	// LocalFull is an authoritative complete local listing.
	LocalFull EventKind = "localFull"
	// LocalDelta is an incremental local update.
	LocalDelta EventKind = "localDelta"
	// CloudFull is an authoritative complete cloud listing.
	CloudFull EventKind = "cloudFull"
	// CloudDelta is an incremental cloud update.
	CloudDelta EventKind = "cloudDelta"
)

// ItemError is a per-item read failure surfaced alongside a snapshot; the
// item is skipped, the snapshot is not.
type ItemError struct {
	Name string
	Err  error
}

// Event is one snapshot or delta emitted by a collector.
//
// For full events Local/Cloud carries the complete listing. For delta events
// it carries only changed items, and Removed lists the keys whose items
// disappeared outright (pure deletion markers).
type Event struct {
	Kind    EventKind
	Local   LocalSnapshot
	Cloud   CloudSnapshot
	Removed []string
	Errors  []ItemError
}
