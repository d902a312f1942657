// Package audit keeps a tamper-evident trail of client commands. Every
// request received on a WebSocket session is appended as one JSON line whose
// hash covers the previous line, so that edits, deletions and reordering are
// detected by Verify.
//
// The hash of entry N is SHA-256 over the JSON encoding of
// {seq, ts, command, prev_hash}. The first entry links to GenesisHash.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"
)

// GenesisHash is the prev_hash of the first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// maxLine bounds a single trail line.
const maxLine = 1 << 20

// Command describes one client request and its outcome.
type Command struct {
	Session  string   `json:"session"`
	Remote   string   `json:"remote,omitempty"`
	Subject  string   `json:"subject,omitempty"`
	Type     string   `json:"type"`
	Paths    []string `json:"paths,omitempty"`
	Pattern  string   `json:"pattern,omitempty"`
	Regex    bool     `json:"regex,omitempty"`
	Accepted bool     `json:"accepted"`
	Error    string   `json:"error,omitempty"`
}

// Entry is one line of the trail.
type Entry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Command   Command   `json:"command"`
	PrevHash  string    `json:"prev_hash"`
	EventHash string    `json:"event_hash"`
}

// hashed is the part of an Entry covered by EventHash.
type hashed struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Command   Command   `json:"command"`
	PrevHash  string    `json:"prev_hash"`
}

func (e Entry) digest() (string, error) {
	raw, err := json.Marshal(hashed{Seq: e.Seq, Timestamp: e.Timestamp, Command: e.Command, PrevHash: e.PrevHash})
	if err != nil {
		return "", fmt.Errorf("audit: marshal entry %d: %w", e.Seq, err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Trail appends commands to a hash-chained JSON-lines file. It is safe for
// concurrent use.
type Trail struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
	now      func() time.Time
}

// Open opens or creates the trail at path. An existing trail is verified and
// extended; a broken chain is an error.
func Open(path string) (*Trail, error) {
	entries, err := Verify(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	t := &Trail{prevHash: GenesisHash, now: func() time.Time { return time.Now().UTC() }}
	if n := len(entries); n > 0 {
		t.seq = entries[n-1].Seq
		t.prevHash = entries[n-1].EventHash
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}
	t.file = f
	return t, nil
}

// Append records cmd and returns the written entry.
func (t *Trail) Append(cmd Command) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := Entry{
		Seq:       t.seq + 1,
		Timestamp: t.now(),
		Command:   cmd,
		PrevHash:  t.prevHash,
	}
	hash, err := e.digest()
	if err != nil {
		return Entry{}, err
	}
	e.EventHash = hash

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := t.file.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("audit: write entry: %w", err)
	}

	t.seq = e.Seq
	t.prevHash = e.EventHash
	return e, nil
}

// Close syncs and closes the trail file.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	syncErr := t.file.Sync()
	if err := t.file.Close(); err != nil {
		return fmt.Errorf("audit: close: %w", err)
	}
	if syncErr != nil {
		return fmt.Errorf("audit: sync: %w", syncErr)
	}
	return nil
}

// Verify reads the trail at path and checks every link of the chain. It
// returns the entries in order, or the first inconsistency found. A missing
// file yields an error wrapping fs.ErrNotExist.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}
	defer f.Close()
	return verify(f)
}

func verify(r io.Reader) ([]Entry, error) {
	var entries []Entry
	prevHash := GenesisHash
	var seq int64

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("audit: malformed entry after seq %d: %w", seq, err)
		}
		if e.Seq != seq+1 {
			return nil, fmt.Errorf("audit: sequence gap: expected %d, got %d", seq+1, e.Seq)
		}
		if e.PrevHash != prevHash {
			return nil, fmt.Errorf("audit: chain break at seq %d", e.Seq)
		}
		got, err := e.digest()
		if err != nil {
			return nil, err
		}
		if got != e.EventHash {
			return nil, fmt.Errorf("audit: hash mismatch at seq %d: stored %s, computed %s", e.Seq, e.EventHash, got)
		}
		entries = append(entries, e)
		prevHash = e.EventHash
		seq = e.Seq
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan: %w", err)
	}
	return entries, nil
}
