// Package server provides the HTTP surface of loggyxp: the dashboard page,
// the WebSocket session endpoint, the health check and the read-only REST
// API.
//
// Route layout:
//
//	GET /                       dashboard HTML (no authentication)
//	GET /healthz                liveness check (no authentication)
//	GET /ws                     WebSocket session (JWT when auth is enabled)
//	GET /api/v1/watches         watched files with cursor and patterns
//	GET /api/v1/notifications   journaled notifications
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/loggyxp/loggyxp/internal/app"
	"github.com/loggyxp/loggyxp/internal/audit"
	"github.com/loggyxp/loggyxp/internal/bus"
	"github.com/loggyxp/loggyxp/internal/journal"
	"github.com/loggyxp/loggyxp/internal/manager"
	"github.com/loggyxp/loggyxp/internal/watchctx"
)

// shutdownTimeout bounds how long ListenAndServe waits for in-flight HTTP
// requests once its context is cancelled.
const shutdownTimeout = 10 * time.Second

// Service is the subset of *app.Service used by the HTTP layer.
type Service interface {
	Handle(ctx context.Context, req app.Request) error
	Subscribe(ctx context.Context) *bus.Subscription
	Watches() []manager.Watch
	Patterns(path string) watchctx.Patterns
	Notifications(ctx context.Context, path string, limit int) ([]journal.Entry, error)
	HealthzHandler(w http.ResponseWriter, r *http.Request)
}

// Config holds the settings of the HTTP layer.
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:3000".
	Addr string
	// DashboardPath is the HTML file served at "/". It is read on every
	// request so that edits show up without a restart.
	DashboardPath string
	// Auth, when non-nil, protects /ws and /api/v1.
	Auth *Authenticator
	// Audit, when non-nil, records every request received on a session.
	Audit *audit.Trail
}

// Server serves the HTTP surface for a Service.
type Server struct {
	cfg    Config
	svc    Service
	logger *slog.Logger
}

// New creates a Server.
func New(cfg Config, svc Service, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, svc: svc, logger: logger}
}

// Router returns the configured chi.Router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleDashboard)
	r.Get("/healthz", s.svc.HealthzHandler)

	r.Group(func(r chi.Router) {
		if s.cfg.Auth != nil {
			r.Use(s.cfg.Auth.Middleware)
		}
		r.Get("/ws", s.handleSession)
		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/watches", s.handleGetWatches)
			r.Get("/notifications", s.handleGetNotifications)
		})
	})

	return r
}

// ListenAndServe serves HTTP on cfg.Addr until ctx is cancelled, then shuts
// down gracefully. Request contexts derive from ctx, so open WebSocket
// sessions end when it is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %q: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", slog.String("addr", ln.Addr().String()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: serve: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}
	return <-errCh
}
