package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
)

// notFoundPage is served at "/" when the dashboard file cannot be read.
const notFoundPage = "<h1>File not found</h1>"

// Notification listing limits.
const (
	defaultNotificationLimit = 100
	maxNotificationLimit     = 1000
)

// writeJSON encodes v as the JSON response body with the given status.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes {"error": detail} with the given status.
func writeJSONError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := fmt.Sprintf(`{"error":%q}`, detail)
	_, _ = w.Write([]byte(body))
}

// handleDashboard responds to GET / with the dashboard HTML file.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	page, err := os.ReadFile(s.cfg.DashboardPath)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err != nil {
		s.logger.Warn("dashboard: cannot read page",
			slog.String("path", s.cfg.DashboardPath),
			slog.Any("error", err),
		)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(notFoundPage))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(page)
}

// WatchInfo is one element of the GET /api/v1/watches response.
type WatchInfo struct {
	Path     string `json:"path"`
	Offset   int64  `json:"offset"`
	NextLine int    `json:"next_line"`
	Filter   string `json:"filter,omitempty"`
	Notify   string `json:"notify,omitempty"`
}

// handleGetWatches responds to GET /api/v1/watches with a JSON array of the
// watched files ordered by path.
func (s *Server) handleGetWatches(w http.ResponseWriter, r *http.Request) {
	watches := s.svc.Watches()
	out := make([]WatchInfo, 0, len(watches))
	for _, wt := range watches {
		p := s.svc.Patterns(wt.Path)
		out = append(out, WatchInfo{
			Path:     wt.Path,
			Offset:   wt.Offset,
			NextLine: wt.NextLine,
			Filter:   p.Filter,
			Notify:   p.Notify,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetNotifications responds to GET /api/v1/notifications.
//
// Supported query parameters:
//
//	path  only notifications for this file (optional)
//	limit maximum number of results (default 100, max 1000)
//
// Returns HTTP 200 with a JSON array of entries, newest first.
func (s *Server) handleGetNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := defaultNotificationLimit
	if limitStr := q.Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		limit = min(n, maxNotificationLimit)
	}

	entries, err := s.svc.Notifications(r.Context(), q.Get("path"), limit)
	if err != nil {
		s.logger.Warn("notifications: query failed", slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
