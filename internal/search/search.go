// Package search implements the on-demand request handlers: historical replay
// of a whole file and literal or regex search over its current content.
//
// Handlers read the file once per request and deliver their output as events
// through a Publisher rather than returning it to the transport, so a slow
// search never holds up a client session.
//
// Structured files (".json") are rendered in an indented form before they are
// split into lines. Replay and search therefore number lines against the
// rendered form, while tailing numbers the raw bytes appended afterwards.
package search

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/loggyxp/loggyxp/internal/event"
	"github.com/loggyxp/loggyxp/internal/match"
)

// DefaultBatchSize is the number of lines per LogBatch event.
const DefaultBatchSize = 200

// Handler serves replay and search requests.
type Handler struct {
	pub       event.Publisher
	batchSize int
	logger    *slog.Logger
}

// New returns a Handler publishing to pub. A non-positive batchSize selects
// DefaultBatchSize.
func New(pub event.Publisher, batchSize int, logger *slog.Logger) *Handler {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Handler{pub: pub, batchSize: batchSize, logger: logger}
}

// Replayed describes a completed replay.
type Replayed struct {
	// Lines is the number of lines sent; tailing continues numbering after it.
	Lines int
	// Size is the number of raw bytes the replay covered; tailing resumes
	// from this offset.
	Size int64
}

// Replay publishes the whole current content of path as LogBatch events of up
// to the configured batch size, numbered from 1. The final partial batch is
// always sent. path is used verbatim as the event path.
func (h *Handler) Replay(path string) (Replayed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Replayed{}, fmt.Errorf("search: replay %q: %w", path, err)
	}

	lines := match.SplitLines(h.render(path, raw))
	batch := make([]string, 0, min(len(lines), h.batchSize))
	for i, line := range lines {
		batch = append(batch, match.Number(i+1, line))
		if len(batch) == h.batchSize {
			h.pub.Publish(event.LogBatch(path, batch))
			batch = make([]string, 0, min(len(lines)-i-1, h.batchSize))
		}
	}
	if len(batch) > 0 {
		h.pub.Publish(event.LogBatch(path, batch))
	}

	h.logger.Debug("search: replay sent",
		slog.String("path", path),
		slog.Int("lines", len(lines)),
	)
	return Replayed{Lines: len(lines), Size: int64(len(raw))}, nil
}

// Search publishes one SearchResult for path. With regex unset the pattern is
// a case-insensitive literal; an empty literal matches nothing. With regex set
// a pattern that fails to compile yields the single match.InvalidPattern
// result. Read failures are logged and publish nothing.
func (h *Handler) Search(path, pattern string, regex bool) {
	lines, err := h.Matches(path, pattern, regex)
	if err != nil {
		h.logger.Warn("search: read failed",
			slog.String("path", path),
			slog.Any("error", err),
		)
		return
	}
	h.pub.Publish(event.SearchResult(path, lines))
}

// Matches returns the numbered lines of path matching pattern.
func (h *Handler) Matches(path, pattern string, regex bool) ([]string, error) {
	if !regex {
		if pattern == "" {
			return nil, nil
		}
		text, err := h.load(path)
		if err != nil {
			return nil, err
		}
		return match.Literal(text, pattern), nil
	}

	re, err := match.Compile(pattern)
	if err != nil {
		h.logger.Info("search: invalid regex pattern",
			slog.String("path", path),
			slog.String("pattern", pattern),
			slog.Any("error", err),
		)
		return []string{match.InvalidPattern}, nil
	}
	text, err := h.load(path)
	if err != nil {
		return nil, err
	}
	return match.Regex(text, re), nil
}

func (h *Handler) load(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("search: read %q: %w", path, err)
	}
	return h.render(path, raw), nil
}

// render returns the display form of a file's content. JSON documents are
// indented; anything else, including a ".json" file that does not parse, is
// returned as is.
func (h *Handler) render(path string, raw []byte) string {
	if !isStructured(path) {
		return string(raw)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(raw), "", "  "); err != nil {
		h.logger.Debug("search: structured file did not parse, using raw content",
			slog.String("path", path),
			slog.Any("error", err),
		)
		return string(raw)
	}
	buf.WriteByte('\n')
	return buf.String()
}

func isStructured(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}
