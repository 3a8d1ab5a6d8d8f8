package cloudstore

import (
	"errors"
)

var (
	// ErrUnavailable means the store cannot be reached at all. Fatal to the
	// sync session; the caller must restart once the condition clears.
	ErrUnavailable = errors.New("cloud store unavailable")

	// ErrRootNotFound means the store is reachable but its container does
	// not exist. Fatal to the sync session.
	ErrRootNotFound = errors.New("cloud root not found")

	// ErrNotFound means the named item does not exist.
	ErrNotFound = errors.New("item not found")

	// ErrNotMaterialized means the item exists but its content has not
	// been downloaded yet. Transient; retried on the next snapshot.
	ErrNotMaterialized = errors.New("item not materialized")

	// ErrQuota means an upload was rejected for lack of space. Transient.
	ErrQuota = errors.New("store quota exceeded")
)

// IsFatal reports whether err should stop the whole sync session.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRootNotFound)
}

// IsTransient reports whether err is expected to clear on its own; the next
// snapshot naturally retries the affected item. Anything not fatal to the
// session falls in this bucket, including timeouts.
func IsTransient(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	return true
}
