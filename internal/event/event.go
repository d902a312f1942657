// Package event defines the outbound events produced by the tailing engine and
// the request handlers, and the canonical key used to identify a watched path.
package event

import "path/filepath"

// Kind classifies an outbound event. The string values double as the "type"
// tag of the JSON frames sent to dashboard clients.
type Kind string

const (
	// KindLog carries one newly tailed, numbered line.
	KindLog Kind = "log"
	// KindLogBatch carries a chunk of historical replay lines.
	KindLogBatch Kind = "log_batch"
	// KindSearchResult carries literal or regex search matches.
	KindSearchResult Kind = "search_result"
	// KindNotification carries a line that matched a path's notify pattern.
	KindNotification Kind = "notification"
)

// NotificationPrefix is prepended to the numbered line of every notification.
const NotificationPrefix = "NOTIFICATION: "

// Event is a single outbound event tagged with the originating path. Log and
// Notification events use Line; LogBatch and SearchResult events use Lines.
// Events are treated as immutable once published.
type Event struct {
	Kind  Kind
	Path  string
	Line  string
	Lines []string
}

// Log returns a Log event for one numbered line.
func Log(path, line string) Event {
	return Event{Kind: KindLog, Path: path, Line: line}
}

// LogBatch returns a LogBatch event holding a chunk of replayed lines.
func LogBatch(path string, lines []string) Event {
	return Event{Kind: KindLogBatch, Path: path, Lines: lines}
}

// SearchResult returns a SearchResult event. A nil lines slice is normalised
// to an empty one so clients always receive an array.
func SearchResult(path string, lines []string) Event {
	if lines == nil {
		lines = []string{}
	}
	return Event{Kind: KindSearchResult, Path: path, Lines: lines}
}

// Notification returns a Notification event for the given numbered line.
func Notification(path, line string) Event {
	return Event{Kind: KindNotification, Path: path, Line: NotificationPrefix + line}
}

// Publisher accepts events for delivery. Implementations must not block the
// caller on slow consumers.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts an ordinary function to the Publisher interface.
type PublisherFunc func(Event)

// Publish calls f(e).
func (f PublisherFunc) Publish(e Event) { f(e) }

// CanonicalPath returns the key under which path is registered: an absolute,
// lexically cleaned form. Symlinks are not resolved so that a path that does
// not exist yet still has a stable key.
func CanonicalPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
