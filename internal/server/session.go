package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/loggyxp/loggyxp/internal/app"
	"github.com/loggyxp/loggyxp/internal/audit"
	"github.com/loggyxp/loggyxp/internal/bus"
	"github.com/loggyxp/loggyxp/internal/event"
)

// Session tuning.
const (
	readLimit    = 64 << 10
	writeTimeout = 10 * time.Second
)

// lineMessage is the wire form of log and notification events.
type lineMessage struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Line string `json:"line"`
}

// linesMessage is the wire form of log_batch and search_result events. Lines
// is always encoded as an array.
type linesMessage struct {
	Type  string   `json:"type"`
	Path  string   `json:"path"`
	Lines []string `json:"lines"`
}

// wireMessage converts e to its JSON frame.
func wireMessage(e event.Event) any {
	switch e.Kind {
	case event.KindLogBatch, event.KindSearchResult:
		lines := e.Lines
		if lines == nil {
			lines = []string{}
		}
		return linesMessage{Type: string(e.Kind), Path: e.Path, Lines: lines}
	default:
		return lineMessage{Type: string(e.Kind), Path: e.Path, Line: e.Line}
	}
}

// handleSession upgrades GET /ws to a WebSocket and runs one client session:
// bus events are written to the client while inbound frames are decoded as
// requests. A malformed or rejected request is logged and the session
// continues.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("ws: accept failed", slog.Any("error", err))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	id := uuid.NewString()
	logger := s.logger.With(slog.String("session_id", id))
	logger.Info("ws: session opened", slog.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := s.svc.Subscribe(ctx)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		s.writeLoop(ctx, conn, sub, logger)
	}()

	origin := audit.Command{Session: id, Remote: r.RemoteAddr}
	if claims, ok := ClaimsFromContext(r.Context()); ok {
		origin.Subject = claims.Subject
	}
	s.readLoop(ctx, conn, origin, logger)
	cancel()
	<-writerDone

	conn.Close(websocket.StatusNormalClosure, "")
	logger.Info("ws: session closed", slog.Int64("dropped", sub.Dropped.Load()))
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, origin audit.Command, logger *slog.Logger) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				logger.Debug("ws: client closed")
			default:
				if !errors.Is(err, context.Canceled) {
					logger.Debug("ws: read ended", slog.Any("error", err))
				}
			}
			return
		}
		if typ != websocket.MessageText {
			logger.Warn("ws: ignoring binary frame")
			continue
		}

		var req app.Request
		if err := json.Unmarshal(data, &req); err != nil {
			logger.Warn("ws: malformed request", slog.Any("error", err))
			continue
		}
		err = s.svc.Handle(ctx, req)
		s.record(origin, req, err, logger)
		if err != nil {
			logger.Warn("ws: request rejected",
				slog.String("type", req.Type),
				slog.Any("error", err),
			)
			continue
		}
		logger.Debug("ws: request accepted",
			slog.String("type", req.Type),
			slog.Any("paths", req.Paths),
		)
	}
}

// record appends req and its outcome to the audit trail, if one is set.
func (s *Server) record(origin audit.Command, req app.Request, handleErr error, logger *slog.Logger) {
	if s.cfg.Audit == nil {
		return
	}
	cmd := origin
	cmd.Type = req.Type
	cmd.Paths = req.Paths
	cmd.Pattern = req.Pattern
	cmd.Regex = req.Regex
	cmd.Accepted = handleErr == nil
	if handleErr != nil {
		cmd.Error = handleErr.Error()
	}
	if _, err := s.cfg.Audit.Append(cmd); err != nil {
		logger.Error("audit: append failed", slog.Any("error", err))
	}
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, sub *bus.Subscription, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, wireMessage(e))
			cancel()
			if err != nil {
				logger.Debug("ws: write failed", slog.Any("error", err))
				return
			}
		}
	}
}
