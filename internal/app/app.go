// Package app contains the loggyxp service orchestrator. It wires together
// the change notifier, the watch manager, the event bus, the request
// handlers and the notification journal, and manages their lifecycle
// through a shared context.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/loggyxp/loggyxp/internal/bus"
	"github.com/loggyxp/loggyxp/internal/config"
	"github.com/loggyxp/loggyxp/internal/event"
	"github.com/loggyxp/loggyxp/internal/journal"
	"github.com/loggyxp/loggyxp/internal/manager"
	"github.com/loggyxp/loggyxp/internal/search"
	"github.com/loggyxp/loggyxp/internal/watchctx"
	"github.com/loggyxp/loggyxp/internal/watcher"
)

// Service is the central orchestrator. Transports talk to it through Handle,
// Subscribe and the read-only accessors.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	bus      *bus.Bus
	wctx     *watchctx.Context
	search   *search.Handler
	notifier watcher.Notifier
	manager  *manager.Manager
	journal  *journal.Journal

	startTime time.Time
	cancel    context.CancelFunc

	mu      sync.RWMutex
	running bool
	stopped bool
	wg      sync.WaitGroup
}

// Option is a functional option for Service construction.
type Option func(*Service)

// WithNotifier replaces the notifier built from the configuration.
func WithNotifier(n watcher.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithJournal replaces the journal opened from the configuration.
func WithJournal(j *journal.Journal) Option {
	return func(s *Service) { s.journal = j }
}

// New builds a Service from cfg. Components not supplied through options are
// constructed from the configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:    cfg,
		logger: logger,
		wctx:   watchctx.New(),
		bus:    bus.New(logger, cfg.SubscriberBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.notifier == nil {
		n, err := watcher.New(watcher.Config{
			Kind:         cfg.Notifier,
			BufferSize:   cfg.NotifierBuffer,
			PollInterval: cfg.PollInterval,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("app: notifier: %w", err)
		}
		s.notifier = n
	}

	if s.journal == nil {
		retain := journal.DefaultRetain
		if cfg.Journal.Retain != nil {
			retain = *cfg.Journal.Retain
		}
		j, err := journal.Open(cfg.Journal.Path, retain, logger)
		if err != nil {
			_ = s.notifier.Close()
			return nil, fmt.Errorf("app: journal: %w", err)
		}
		s.journal = j
	}

	s.search = search.New(s.bus, cfg.ReplayBatchSize, logger)

	mopts := []manager.Option{
		manager.WithInterval(cfg.PollInterval),
		manager.WithQueueSize(cfg.CommandQueue),
	}
	if cfg.Replay() {
		mopts = append(mopts, manager.WithReplayer(s.search))
	}
	s.manager = manager.New(s.notifier, s.wctx, s.bus, logger, mopts...)

	return s, nil
}

// Start launches the watch loop and the journal and submits the configured
// initial watch paths. It returns an error if the service is already running
// or has been stopped.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("app: already started")
	}
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.logger.Info("starting loggyxp",
		slog.String("listen_addr", s.cfg.ListenAddr),
		slog.String("notifier", s.cfg.Notifier),
		slog.Duration("poll_interval", s.cfg.PollInterval),
		slog.Bool("replay_on_add", s.cfg.Replay()),
		slog.Int("initial_watches", len(s.cfg.Watch)),
	)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.manager.Run(ctx); err != nil {
			s.logger.Error("watch loop exited", slog.Any("error", err))
		}
	}()
	sub := s.bus.Subscribe(ctx)
	go func() {
		defer s.wg.Done()
		if err := s.journal.Run(ctx, sub); err != nil {
			s.logger.Error("journal exited", slog.Any("error", err))
		}
	}()

	if len(s.cfg.Watch) > 0 {
		if err := s.manager.Add(ctx, s.cfg.Watch...); err != nil {
			s.Stop()
			return fmt.Errorf("app: submit initial watches: %w", err)
		}
	}

	s.logger.Info("loggyxp started")
	return nil
}

// Run starts the service, blocks until ctx is cancelled, then stops it.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop shuts every component down and waits for internal goroutines to
// exit. It is safe to call Stop multiple times.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.stopped = true
	s.mu.Unlock()

	if err := s.manager.Shutdown(context.Background()); err != nil {
		s.logger.Debug("watch loop already stopped", slog.Any("error", err))
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.bus.Close()
	if err := s.notifier.Close(); err != nil {
		s.logger.Warn("error closing notifier", slog.Any("error", err))
	}
	if err := s.journal.Close(); err != nil {
		s.logger.Warn("error closing journal", slog.Any("error", err))
	}

	s.logger.Info("loggyxp stopped")
}

// Handle applies one client request. Watch commands are queued for the watch
// loop, pattern changes apply immediately, and searches run in the
// background with their results delivered through the bus. Handle never
// waits for a search to finish.
func (s *Service) Handle(ctx context.Context, req Request) error {
	if err := req.validate(); err != nil {
		return err
	}

	switch req.Type {
	case RequestWatchPaths:
		return s.manager.Add(ctx, req.Paths...)
	case RequestStopTailing:
		return s.manager.Remove(ctx, req.Paths...)
	case RequestSetFilter:
		s.wctx.SetFilter(req.Paths, req.Pattern)
	case RequestRemoveFilter:
		s.wctx.RemoveFilter(req.Paths)
	case RequestSetNotify:
		s.wctx.SetNotify(req.Paths, req.Pattern)
	case RequestRemoveNotify:
		s.wctx.RemoveNotify(req.Paths)
	case RequestSearch:
		return s.startSearch(req)
	}
	return nil
}

func (s *Service) startSearch(req Request) error {
	s.mu.RLock()
	if !s.running {
		s.mu.RUnlock()
		return ErrNotRunning
	}
	s.wg.Add(1)
	s.mu.RUnlock()

	go func() {
		defer s.wg.Done()
		for _, p := range req.Paths {
			s.search.Search(event.CanonicalPath(p), req.Pattern, req.Regex)
		}
	}()
	return nil
}

// Subscribe attaches a new event subscriber that lives until ctx is done.
func (s *Service) Subscribe(ctx context.Context) *bus.Subscription {
	return s.bus.Subscribe(ctx)
}

// Watches returns the current watch set.
func (s *Service) Watches() []manager.Watch {
	return s.manager.Snapshot()
}

// Patterns returns the filter and notify patterns set for path.
func (s *Service) Patterns(path string) watchctx.Patterns {
	return s.wctx.Patterns(path)
}

// Notifications returns up to limit journaled notifications, newest first.
// An empty path selects every path.
func (s *Service) Notifications(ctx context.Context, path string, limit int) ([]journal.Entry, error) {
	if path != "" {
		path = event.CanonicalPath(path)
	}
	return s.journal.Recent(ctx, path, limit)
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status          string  `json:"status"`
	UptimeS         float64 `json:"uptime_s"`
	Watched         int     `json:"watched"`
	Subscribers     int     `json:"subscribers"`
	Published       int64   `json:"published"`
	Dropped         int64   `json:"dropped"`
	NotifierDropped int64   `json:"notifier_dropped"`
	Notifications   int64   `json:"notifications"`
}

// dropCounter is implemented by notifiers that count discarded changes.
type dropCounter interface {
	Dropped() int64
}

// Health returns a snapshot of the current service health state.
func (s *Service) Health() HealthStatus {
	s.mu.RLock()
	running := s.running
	start := s.startTime
	s.mu.RUnlock()

	h := HealthStatus{
		Status:        "ok",
		Watched:       len(s.manager.Snapshot()),
		Subscribers:   s.bus.SubscriberCount(),
		Published:     s.bus.Published(),
		Dropped:       s.bus.Dropped(),
		Notifications: s.journal.Recorded(),
	}
	if dc, ok := s.notifier.(dropCounter); ok {
		h.NotifierDropped = dc.Dropped()
	}
	if !running {
		h.Status = "stopped"
	} else {
		h.UptimeS = time.Since(start).Seconds()
	}
	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the service's
// health status as a JSON object and HTTP 200.
func (s *Service) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := s.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		s.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
