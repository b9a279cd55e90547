// Package transport defines the tagged-union byte pipe the RSP codec and
// probe session are driven through, so neither has to know whether the
// probe is reached over a USB serial device or a TCP socket.
package transport

import (
	"errors"
	"time"
)

// ErrNone is returned by any operation attempted while no transport is open.
var ErrNone = errors.New("transport: no probe connected")

// Port is the non-blocking byte pipe surface both Serial and TCP transports
// satisfy. Every call below the probe session goes through this interface;
// there is no other entry point into the wire.
type Port interface {
	// Xmit writes data to the wire and returns the number of bytes written.
	Xmit(data []byte) (int, error)
	// Recv is non-blocking: it returns immediately with whatever bytes are
	// already buffered, 0 and nil if none are available yet.
	Recv(buf []byte) (int, error)
	// IsOpen reports whether the transport still refers to a live connection.
	IsOpen() bool
	// Close releases the underlying descriptor. Safe to call more than once.
	Close() error
}

// None is the explicit "no transport" value a Session holds before connect()
// and after disconnect(), replacing the C idiom of "valid if handle != -1".
type None struct{}

func (None) Xmit([]byte) (int, error)     { return 0, ErrNone }
func (None) Recv([]byte) (int, error)     { return 0, ErrNone }
func (None) IsOpen() bool                 { return false }
func (None) Close() error                 { return nil }

// WaitForData polls p at a fixed 50ms step until at least one Recv attempt
// returns data or timeout elapses, per the spec's "all higher-level waits
// are polling loops with a 50ms sleep step."
func WaitForData(p Port, buf []byte, timeout time.Duration) (int, error) {
	const pollStep = 50 * time.Millisecond
	deadline := time.Now().Add(timeout)
	for {
		n, err := p.Recv(buf)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return n, nil
		}
		if time.Now().After(deadline) {
			return 0, nil
		}
		time.Sleep(pollStep)
	}
}
