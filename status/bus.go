// Package status is the core's sole host-facing event channel: one
// pluggable callback, set once, that every fallible operation reports
// through instead of writing to standard output (spec.md §7).
package status

import "sync"

// Code is a status-callback severity/kind code. Negative values are errors,
// zero is informational, positive is success.
type Code int

const (
	Notice  Code = 0
	Success Code = 1

	ErrPortAccess    Code = -1
	ErrNoDetect      Code = -2
	ErrNoResponse    Code = -3
	ErrNoConnect     Code = -4
	ErrMonitorFailed Code = -5
	ErrAttachFailed  Code = -6
	ErrAlloc         Code = -7
	ErrNoFlash       Code = -8
	ErrEraseFailed   Code = -9
	ErrWriteFailed   Code = -10
	ErrDoneFailed    Code = -11
	ErrCRCFailed     Code = -12
	ErrFileIO        Code = -13
	ErrGeneral       Code = -14
)

// Handler receives a status message. It returns a value the producer may
// use as an acknowledgement; the core does not interpret it.
type Handler func(code Code, msg string) int

// Bus holds the single process-wide status callback. A Session owns one Bus.
type Bus struct {
	mu      sync.RWMutex
	handler Handler
}

// New returns a Bus with no handler registered; Post is a no-op until one is set.
func New() *Bus {
	return &Bus{}
}

// SetHandler installs the host's callback. It may be called exactly once in
// normal use ("the status-callback pointer is set once at startup"), but
// later calls simply replace it rather than erroring, so tests can swap
// handlers freely.
func (b *Bus) SetHandler(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// Post delivers a message to the registered handler, if any, and returns its
// result (0 if no handler is registered).
func (b *Bus) Post(code Code, msg string) int {
	b.mu.RLock()
	h := b.handler
	b.mu.RUnlock()
	if h == nil {
		return 0
	}
	return h(code, msg)
}

// Error is the same as Post at a negative code, returned as an error value
// so callers can both notify the bus and return a Go error in one line.
func (b *Bus) Error(code Code, msg string) error {
	b.Post(code, msg)
	return &Err{Code: code, Msg: msg}
}

// Err is the error type returned by Bus.Error, carrying the status code
// along for callers that want to branch on it instead of string-matching.
type Err struct {
	Code Code
	Msg  string
}

func (e *Err) Error() string { return e.Msg }
