// Package tail implements the per-path read cursor that turns "file changed"
// into the sequence of newly appended, numbered lines.
//
// A State is owned by exactly one goroutine (the watch manager) and is never
// shared, so it carries no synchronisation of its own.
//
// Rotation policy: when the file is found to be shorter than the recorded
// offset it has been truncated or replaced, and both the offset and the line
// counter restart from zero before reading. A rewrite that leaves the file at
// the same or a greater size cannot be told apart from an append.
package tail

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/loggyxp/loggyxp/internal/match"
)

// State is the cursor for one watched file.
type State struct {
	// Offset is the byte position up to which the file has been consumed.
	Offset int64
	// NextLine is the number of the last line handed out; the next line read
	// is numbered NextLine+1.
	NextLine int
}

// reset restarts numbering and reading from the beginning of the file. Offset
// and NextLine are always reset together.
func (s *State) reset() {
	s.Offset = 0
	s.NextLine = 0
}

// Tracker advances States against the filesystem.
type Tracker struct {
	logger *slog.Logger
}

// NewTracker returns a Tracker that reports I/O failures to logger.
func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{logger: logger}
}

// Advance reads the bytes appended to path since st.Offset and returns them as
// lines rendered "<n>: <content>", in file order. I/O failures are logged and
// yield an empty result with st untouched; they are never returned to the
// caller, so a transient permission or deletion race cannot stop the loop
// driving the tracker.
func (t *Tracker) Advance(st *State, path string) []string {
	data, err := t.read(st, path)
	if err != nil {
		t.logger.Warn("tail: read failed",
			slog.String("path", path),
			slog.Any("error", err),
		)
		return nil
	}

	lines := match.SplitLines(string(data))
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		st.NextLine++
		out = append(out, match.Number(st.NextLine, line))
	}
	return out
}

// read returns the unread bytes of path and moves st forward past them. On
// error st is left as it was, except that a detected truncation is applied
// only together with a successful read.
func (t *Tracker) read(st *State, path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	size := info.Size()

	next := *st
	if size < next.Offset {
		t.logger.Info("tail: file truncated or rotated, restarting from the beginning",
			slog.String("path", path),
			slog.Int64("previous_offset", next.Offset),
			slog.Int64("size", size),
		)
		next.reset()
	}
	if size == next.Offset {
		*st = next
		return nil, nil
	}

	if _, err := f.Seek(next.Offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek: %w", err)
	}
	data, err := io.ReadAll(io.LimitReader(f, size-next.Offset))
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	// Normally next.Offset+len(data) == size; a concurrent truncation can
	// shorten the read and the offset must not run past what was consumed.
	next.Offset += int64(len(data))
	*st = next
	return data, nil
}
