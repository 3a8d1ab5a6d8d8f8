// Package cloudstore defines the boundary to the cloud-backed directory a
// local annotation directory is synchronized against. The sync core only
// talks to the Store interface; the concrete backends (a mounted container
// directory, an S3-compatible bucket) live behind it.
package cloudstore

import (
	"context"
	"io"
	"time"
)

// DownloadStatus reports how far a cloud item has been materialized locally.
type DownloadStatus string

const (
	NotDownloaded DownloadStatus = "notDownloaded"
	Downloading   DownloadStatus = "downloading"
	Downloaded    DownloadStatus = "downloaded"
)

// Entry is one item as observed in the cloud directory listing.
type Entry struct {
	Name       string
	Size       int64
	ETag       string
	ModifiedAt time.Time
	// Removed is true for items observed in the store's trash.
	Removed bool
	// Download reports whether the item's content is materialized.
	Download DownloadStatus
	// HasConflicts is true when the store reports multiple concurrent
	// versions for the item.
	HasConflicts bool
}

// Version is one concurrent version of a conflicted item.
type Version struct {
	ID         string
	Size       int64
	ModifiedAt time.Time
}

// Capabilities describes what a backend can observe. Backends that cannot
// enumerate their trash still reconcile deletions from listing disappearance,
// they just cannot tell a fresh trashing from an old one.
type Capabilities struct {
	CanEnumerateTrash    bool
	CanEnumerateVersions bool
}

// Store is a single cloud-backed flat directory of annotation files.
//
// All blocking calls take a context; Root is resolved lazily and cached on
// first success so an unavailable store can recover without a restart.
type Store interface {
	// Available reports whether the store can currently be reached.
	Available(ctx context.Context) bool

	// Root resolves the store's root location, cached after the first
	// success and retried on the next call after a failure.
	Root(ctx context.Context) (string, error)

	// List returns every item currently present in the store, excluding
	// trashed items.
	List(ctx context.Context) ([]*Entry, error)

	// TrashEntries returns the items sitting in the store's trash. Only
	// valid when Capabilities().CanEnumerateTrash is true.
	TrashEntries(ctx context.Context) ([]*Entry, error)

	// StartDownload materializes the item's content so a later Open does
	// not have to fetch it.
	StartDownload(ctx context.Context, name string) error

	// Open returns the item's content and its metadata.
	Open(ctx context.Context, name string) (io.ReadCloser, *Entry, error)

	// Put writes the item's content, stamping modTime as its modification
	// date so both replicas agree on the ordering signal.
	Put(ctx context.Context, name string, r io.Reader, modTime time.Time) error

	// Trash moves the item to the store's trash. Any same-named entry
	// already in the trash is dropped first; the trash never holds two
	// items with the same name.
	Trash(ctx context.Context, name string) error

	// Versions enumerates the concurrent versions of a conflicted item.
	Versions(ctx context.Context, name string) ([]*Version, error)

	// ResolveVersions makes keepID the item's sole content and discards
	// the other versions.
	ResolveVersions(ctx context.Context, name string, keepID string) error

	Capabilities() Capabilities
}
