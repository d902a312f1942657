// Package watcher provides the filesystem change notifiers consumed by the
// watch manager. A notifier reports that a registered file was modified or
// created; it never reads file content. Notifications may be coalesced,
// duplicated or missed, and consumers must treat them as hints to re-check
// the file rather than as a count of writes.
package watcher

import "time"

// Op classifies a change notification.
type Op uint32

const (
	// OpModified indicates the file's content may have changed.
	OpModified Op = iota + 1
	// OpCreated indicates the file was created (or re-created after
	// rotation) at a registered path.
	OpCreated
)

// String returns the lowercase name of the operation.
func (o Op) String() string {
	switch o {
	case OpModified:
		return "modified"
	case OpCreated:
		return "created"
	default:
		return "unknown"
	}
}

// Change is one notification for one or more registered paths.
type Change struct {
	// Op is the kind of change observed.
	Op Op
	// Paths are the registered paths the change applies to, in the form they
	// were passed to Watch.
	Paths []string
	// Timestamp is when the notifier observed the change.
	Timestamp time.Time
}

// Notifier delivers Changes for a dynamic set of registered file paths.
// Watch and Unwatch are called from a single goroutine; Events may be drained
// from another.
type Notifier interface {
	// Watch registers path. It fails if the path cannot be observed, for
	// example because its directory does not exist or is not readable.
	Watch(path string) error
	// Unwatch deregisters path. Unwatching an unknown path is a no-op.
	Unwatch(path string) error
	// Events returns the channel on which Changes are delivered. It is
	// closed by Close.
	Events() <-chan Change
	// Close releases all registrations and closes the Events channel.
	Close() error
}
