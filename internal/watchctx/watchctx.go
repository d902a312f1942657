// Package watchctx holds the per-path filter and notify patterns and decides
// what happens to each newly tailed line.
//
// A Context is the only structure written by the request-handling side and
// read by the tailing loop, so every access goes through one mutex and each
// critical section is a single map operation.
package watchctx

import (
	"sync"

	"github.com/loggyxp/loggyxp/internal/event"
	"github.com/loggyxp/loggyxp/internal/match"
)

// Patterns is a read-only view of the settings for one path. Empty strings
// mean "not set".
type Patterns struct {
	Filter string `json:"filter,omitempty"`
	Notify string `json:"notify,omitempty"`
}

// Context stores filter and notify patterns keyed by canonical path. The zero
// value is not usable; construct with New.
type Context struct {
	mu       sync.Mutex
	filters  map[string]string
	notifies map[string]string
}

// New returns an empty Context.
func New() *Context {
	return &Context{
		filters:  make(map[string]string),
		notifies: make(map[string]string),
	}
}

// SetFilter sets the filter pattern for every path in paths. Lines whose
// content does not contain the pattern are no longer delivered as Log events.
func (c *Context) SetFilter(paths []string, pattern string) {
	for _, p := range paths {
		key := event.CanonicalPath(p)
		c.mu.Lock()
		c.filters[key] = pattern
		c.mu.Unlock()
	}
}

// RemoveFilter clears the filter for every path in paths.
func (c *Context) RemoveFilter(paths []string) {
	for _, p := range paths {
		key := event.CanonicalPath(p)
		c.mu.Lock()
		delete(c.filters, key)
		c.mu.Unlock()
	}
}

// SetNotify sets the notification pattern for every path in paths.
func (c *Context) SetNotify(paths []string, pattern string) {
	for _, p := range paths {
		key := event.CanonicalPath(p)
		c.mu.Lock()
		c.notifies[key] = pattern
		c.mu.Unlock()
	}
}

// RemoveNotify clears the notification pattern for every path in paths.
func (c *Context) RemoveNotify(paths []string) {
	for _, p := range paths {
		key := event.CanonicalPath(p)
		c.mu.Lock()
		delete(c.notifies, key)
		c.mu.Unlock()
	}
}

// Patterns returns the current settings for path.
func (c *Context) Patterns(path string) Patterns {
	key := event.CanonicalPath(path)
	return Patterns{Filter: c.filter(key), Notify: c.notify(key)}
}

func (c *Context) filter(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filters[key]
}

func (c *Context) notify(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notifies[key]
}

// Dispose publishes the events produced by one numbered line ("<n>: <content>")
// of the file identified by key, which must already be canonical.
//
// A Notification is emitted when the notify pattern is found in the content,
// regardless of the filter. The Log event is then suppressed if a filter is
// set and not found in the content. Both checks ignore case and skip the
// "<n>: " prefix.
func (c *Context) Dispose(key, line string, pub event.Publisher) {
	content := match.Content(line)

	if pattern := c.notify(key); pattern != "" && match.ContainsFold(content, pattern) {
		pub.Publish(event.Notification(key, line))
	}

	if pattern := c.filter(key); pattern != "" && !match.ContainsFold(content, pattern) {
		return
	}

	pub.Publish(event.Log(key, line))
}
