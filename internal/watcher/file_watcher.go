// This file provides the Notifier factory and the shared configuration used
// by both notifier variants:
//
//	fsnotify.go : kernel-backed notifications via fsnotify (default)
//	file.go     : stat polling, for filesystems where inotify/kqueue events
//	              are unavailable (network mounts, some container overlays)
package watcher

import (
	"fmt"
	"log/slog"
	"time"
)

// defaultBufferSize is the default capacity of the Change channel. Overflow
// drops notifications, which is safe because consumers re-derive state from
// file offsets, but a generous buffer keeps latency low under bursts.
const defaultBufferSize = 1024

// Notifier kinds accepted by Config.Kind.
const (
	KindFSNotify = "fsnotify"
	KindPoll     = "poll"
)

// Config selects and tunes a Notifier.
type Config struct {
	// Kind is KindFSNotify or KindPoll. Empty selects KindFSNotify.
	Kind string

	// BufferSize is the capacity of the Events channel. A value of 0 or
	// less uses defaultBufferSize.
	BufferSize int

	// PollInterval is the scan interval of the polling notifier. Zero uses
	// DefaultPollInterval. Ignored by the fsnotify notifier.
	PollInterval time.Duration
}

// New constructs the Notifier described by cfg.
func New(cfg Config, logger *slog.Logger) (Notifier, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}

	switch cfg.Kind {
	case "", KindFSNotify:
		return NewFSNotifier(logger, cfg.BufferSize)
	case KindPoll:
		return NewPollNotifier(logger, cfg.PollInterval, cfg.BufferSize), nil
	default:
		return nil, fmt.Errorf("watcher: unknown notifier kind %q", cfg.Kind)
	}
}

// send delivers c on events without blocking. It reports whether the change
// was queued.
func send(events chan<- Change, c Change) bool {
	select {
	case events <- c:
		return true
	default:
		return false
	}
}
