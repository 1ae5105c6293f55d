package storage

import "errors"

var (
	// ErrDirectoryNotFound reports a walk root that cannot be listed as a
	// directory.
	ErrDirectoryNotFound = errors.New("directory does not exist or cannot be accessed")

	// ErrCancelled reports a walk stopped by its context. Entries produced
	// before the stop remain valid.
	ErrCancelled = errors.New("walk cancelled")

	// ErrStaleEntry reports an entry that changed or disappeared after the walk
	// produced it.
	ErrStaleEntry = errors.New("entry no longer exists")

	ErrListTimeout = errors.New("directory listing timed out")
)

// SkippedPath records a subtree that could not be listed.
type SkippedPath struct {
	Path   string `json:"path" yaml:"path"`
	Reason string `json:"reason" yaml:"reason"`
}
