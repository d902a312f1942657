// Package bus provides the in-process event bus that fans tailing, replay and
// search events out to every connected dashboard session without ever
// blocking the goroutine that produced them.
//
// Design notes
//
//   - Each subscriber has a dedicated buffered channel. Publish never waits:
//     when a subscriber's buffer is full its oldest queued event is discarded
//     to make room, and the subscriber's Dropped counter is incremented. A
//     slow or stalled session therefore lags and loses history instead of
//     applying back-pressure to the watch manager.
//   - Subscribers only observe events published after they subscribe; the bus
//     is not a durable log.
//   - Publishing with no subscribers is a silent no-op.
//   - Unsubscribe closes the subscriber channel so the session's write loop
//     exits cleanly. The subscriber set is guarded by an RWMutex so that a
//     channel is never closed while a Publish is sending on it.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/loggyxp/loggyxp/internal/event"
)

// DefaultBufferSize is the per-subscriber queue depth used when New is given
// a non-positive size. It comfortably holds one full replay of a file (a
// handful of 200-line batches) plus a burst of tailed lines.
const DefaultBufferSize = 256

// maxEvictions bounds how many queued events a single Publish may discard
// from one subscriber before giving up on delivering the new one.
const maxEvictions = 4

// Subscription is one subscriber's view of the bus. It is created by
// Bus.Subscribe and is valid until Bus.Unsubscribe or Bus.Close.
type Subscription struct {
	id string
	ch chan event.Event
	// done is closed together with ch.
	done chan struct{}

	// Dropped counts events this subscriber lost to buffer overflow.
	Dropped atomic.Int64
}

// end closes the subscription's channels. Callers ensure it runs once.
func (s *Subscription) end() {
	close(s.ch)
	close(s.done)
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string { return s.id }

// C returns the channel on which events are delivered. It is closed when the
// subscription ends.
func (s *Subscription) C() <-chan event.Event { return s.ch }

// Bus fans events out to all current subscribers. It is safe for concurrent
// use by any number of publishers and subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	bufSize int
	logger  *slog.Logger

	published atomic.Int64
	dropped   atomic.Int64
}

// New creates a Bus whose subscribers each buffer up to bufSize events. Pass
// 0 to use DefaultBufferSize.
func New(logger *slog.Logger, bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Bus{
		subs:    make(map[string]*Subscription),
		bufSize: bufSize,
		logger:  logger,
	}
}

// Subscribe registers a new subscriber. The subscription is removed
// automatically when ctx is cancelled; callers may also end it early with
// Unsubscribe. If the bus is already closed the returned subscription's
// channel is already closed.
func (b *Bus) Subscribe(ctx context.Context) *Subscription {
	s := &Subscription{
		id:   uuid.NewString(),
		ch:   make(chan event.Event, b.bufSize),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.end()
		return s
	}
	b.subs[s.id] = s
	b.mu.Unlock()

	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				b.Unsubscribe(s)
			case <-s.done:
			}
		}()
	}

	b.logger.Debug("bus: subscriber added", slog.String("subscriber_id", s.id))
	return s
}

// Unsubscribe removes s and closes its channel. Unsubscribing twice, or after
// Close, is a no-op.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; !ok {
		return
	}
	delete(b.subs, s.id)
	s.end()
	b.logger.Debug("bus: subscriber removed",
		slog.String("subscriber_id", s.id),
		slog.Int64("dropped", s.Dropped.Load()),
	)
}

// Publish delivers e to every current subscriber without blocking.
func (b *Bus) Publish(e event.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, s := range b.subs {
		b.deliver(s, e)
	}
}

// deliver performs a non-blocking send, evicting the oldest queued events when
// the subscriber's buffer is full.
func (b *Bus) deliver(s *Subscription, e event.Event) {
	for i := 0; i <= maxEvictions; i++ {
		select {
		case s.ch <- e:
			return
		default:
		}
		select {
		case <-s.ch:
			s.Dropped.Add(1)
			b.dropped.Add(1)
		default:
		}
	}
	s.Dropped.Add(1)
	b.dropped.Add(1)
	b.logger.Debug("bus: subscriber buffer contended, dropping event",
		slog.String("subscriber_id", s.id),
		slog.String("kind", string(e.Kind)),
		slog.String("path", e.Path),
	)
}

// SubscriberCount returns the number of current subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Published returns the number of events accepted by Publish.
func (b *Bus) Published() int64 { return b.published.Load() }

// Dropped returns the total number of events lost to subscriber overflow.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close ends every subscription and turns Publish into a no-op. It is safe to
// call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.end()
	}
}
