package app

import (
	"errors"
	"fmt"
)

// Request types accepted from clients. The values are the "type" tag of
// inbound WebSocket frames.
const (
	RequestWatchPaths   = "watch_paths"
	RequestStopTailing  = "stop_tailing"
	RequestSetFilter    = "set_filter"
	RequestRemoveFilter = "remove_filter"
	RequestSetNotify    = "set_notify"
	RequestRemoveNotify = "remove_notify"
	RequestSearch       = "search"
)

// ErrUnknownRequest is returned by Handle for an unrecognised request type.
var ErrUnknownRequest = errors.New("app: unknown request type")

// ErrNotRunning is returned by Handle for a search while the service is not
// running.
var ErrNotRunning = errors.New("app: not running")

// Request is one client instruction.
type Request struct {
	Type    string   `json:"type"`
	Paths   []string `json:"paths"`
	Pattern string   `json:"pattern,omitempty"`
	Regex   bool     `json:"regex,omitempty"`
}

// validate checks the fields required by r.Type.
func (r Request) validate() error {
	switch r.Type {
	case RequestWatchPaths, RequestStopTailing, RequestRemoveFilter, RequestRemoveNotify,
		RequestSetFilter, RequestSetNotify, RequestSearch:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRequest, r.Type)
	}
	if len(r.Paths) == 0 {
		return fmt.Errorf("app: %s: paths is required", r.Type)
	}
	for i, p := range r.Paths {
		if p == "" {
			return fmt.Errorf("app: %s: paths[%d] is empty", r.Type, i)
		}
	}
	return nil
}
