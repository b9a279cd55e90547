package serial

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode"
)

// Parity selects the parity scheme negotiated when a Handle is opened.
type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
)

// FlowControl selects the flow-control scheme negotiated when a Handle is opened.
type FlowControl int

const (
	FlowNone FlowControl = iota
	FlowRTSCTS
	FlowXonXoff
)

// Line identifies one of the modem-control lines a caller can drive directly.
type Line int

const (
	LineRTS Line = iota
	LineDTR
	LineBreak
)

// Handle is the non-blocking, line-control-capable serial port surface the
// probe session drives. It wraps the raw termios Port with the baud/parity/
// flow negotiation and timeout semantics the transport layer requires.
type Handle struct {
	port   *Port
	broken atomic.Bool
}

var baudRates = map[int]CFlag{
	50:      B50,
	75:      B75,
	110:     B110,
	134:     B134,
	150:     B150,
	200:     B200,
	300:     B300,
	600:     B600,
	1200:    B1200,
	1800:    B1800,
	2400:    B2400,
	4800:    B4800,
	9600:    B9600,
	19200:   B19200,
	38400:   B38400,
	57600:   B57600,
	115200:  B115200,
	230400:  B230400,
	460800:  B460800,
	500000:  B500000,
	576000:  B576000,
	921600:  B921600,
	1000000: B1000000,
	1152000: B1152000,
	1500000: B1500000,
	2000000: B2000000,
}

var databitFlags = map[int]CFlag{5: CS5, 6: CS6, 7: CS7, 8: CS8}

// OpenHandle opens name at the given baud/databits/stopbits/parity/flow
// settings, asserting raw mode with a zero read timeout (recv returns
// immediately with whatever is already buffered). name is tried verbatim
// first; if it does not resolve and does not look like an absolute path,
// "/dev/" is tried as a prefix, mirroring how a caller might pass a bare
// port name.
func OpenHandle(name string, baud, databits, stopbits int, parity Parity, flow FlowControl) (*Handle, error) {
	opts := NewOptions().SetReadTimeout(0)
	port, err := tryOpen(name, opts)
	if err != nil {
		return nil, wrapErr("open "+name, err)
	}

	attrs, err := port.GetAttr()
	if err != nil {
		port.Close()
		return nil, wrapErr("get termios", err)
	}
	attrs.MakeRaw()

	rate, ok := baudRates[baud]
	if !ok {
		port.Close()
		return nil, wrapErr("baud rate", ErrClosed)
	}
	attrs.SetSpeed(rate)

	bits, ok := databitFlags[databits]
	if !ok {
		bits = CS8
	}
	attrs.Cflag &^= CSIZE
	attrs.Cflag |= bits

	if stopbits >= 2 {
		attrs.Cflag |= CSTOPB
	} else {
		attrs.Cflag &^= CSTOPB
	}

	switch parity {
	case ParityOdd:
		attrs.Cflag |= PARENB | PARODD
	case ParityEven:
		attrs.Cflag |= PARENB
		attrs.Cflag &^= PARODD
	default:
		attrs.Cflag &^= (PARENB | PARODD)
	}

	switch flow {
	case FlowRTSCTS:
		attrs.Cflag |= CRTSCTS
		attrs.Iflag &^= (IXON | IXOFF)
	case FlowXonXoff:
		attrs.Cflag &^= CRTSCTS
		attrs.Iflag |= IXON | IXOFF
	default:
		attrs.Cflag &^= CRTSCTS
		attrs.Iflag &^= (IXON | IXOFF)
	}

	attrs.Cflag |= CREAD | CLOCAL
	attrs.Cc[VMIN] = 0
	attrs.Cc[VTIME] = 0

	if err := port.SetAttr(TCSANOW, attrs); err != nil {
		port.Close()
		return nil, wrapErr("set termios", err)
	}

	return &Handle{port: port}, nil
}

// tryOpen opens name directly, retrying with a "/dev/" prefix if the bare
// name does not resolve (mirrors the Windows "COMx" retry the spec
// describes, expressed for the Linux device-node world this package targets).
func tryOpen(name string, opts *Options) (*Port, error) {
	port, err := Open(name, opts)
	if err == nil {
		return port, nil
	}
	if strings.HasPrefix(name, "/") {
		return nil, err
	}
	return Open(filepath.Join("/dev", name), opts)
}

// Close closes the underlying device. Safe to call more than once.
func (h *Handle) Close() error {
	if h.broken.Swap(true) {
		return nil
	}
	return h.port.Close()
}

// IsOpen reports whether the handle still refers to an open descriptor.
func (h *Handle) IsOpen() bool {
	return !h.broken.Load() && h.port.Fd() >= 0
}

// Xmit writes data to the wire, returning the number of bytes actually written.
func (h *Handle) Xmit(data []byte) (int, error) {
	if !h.IsOpen() {
		return 0, ErrClosed
	}
	return h.port.Write(data)
}

// Recv is non-blocking: it returns immediately with whatever is already
// buffered, 0 bytes and a nil error if nothing is available.
func (h *Handle) Recv(buf []byte) (int, error) {
	if !h.IsOpen() {
		return 0, ErrClosed
	}
	n, err := h.port.ReadTimeout(buf, 0)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Flush discards both the input and output queues.
func (h *Handle) Flush() error {
	if !h.IsOpen() {
		return ErrClosed
	}
	return h.port.Flush(TCIOFLUSH)
}

// Peek reports how many bytes are currently queued for read, without
// consuming them.
func (h *Handle) Peek() (int, error) {
	if !h.IsOpen() {
		return 0, ErrClosed
	}
	return h.port.InputQueued()
}

// SetLine drives one of the RTS/DTR/BREAK lines.
func (h *Handle) SetLine(line Line, on bool) error {
	if !h.IsOpen() {
		return ErrClosed
	}
	switch line {
	case LineBreak:
		if on {
			return h.port.SetBreak()
		}
		return h.port.ClearBreak()
	case LineRTS:
		if on {
			return h.port.EnableModemLines(TIOCM_RTS)
		}
		return h.port.DisableModemLines(TIOCM_RTS)
	case LineDTR:
		if on {
			return h.port.EnableModemLines(TIOCM_DTR)
		}
		return h.port.DisableModemLines(TIOCM_DTR)
	}
	return wrapErr("unknown line", ErrClosed)
}

// GetLine returns the current modem-line bitmask (RTS/DTR/CTS/DSR/…).
func (h *Handle) GetLine() (ModemLine, error) {
	if !h.IsOpen() {
		return 0, ErrClosed
	}
	return h.port.GetModemLines()
}

// sleepPoll is the fixed 50ms poll step the spec mandates for every blocking
// wait implemented above the transport layer.
const sleepPoll = 50 * time.Millisecond

// WaitForData blocks up to timeout for at least one byte to be available,
// polling at the fixed 50ms step the spec mandates for waits above the
// transport layer. It returns without error on timeout; callers distinguish
// "timed out" from "error" by checking Peek() afterwards.
func (h *Handle) WaitForData(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		n, err := h.Peek()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return nil
		}
		time.Sleep(sleepPoll)
	}
}

// Collect enumerates serial device nodes under /dev, sorted so ttyS* sorts
// last and numeric suffixes within a common prefix sort numerically rather
// than lexically (ttyACM2 before ttyACM10).
func Collect() ([]string, error) {
	entries, err := os.ReadDir("/dev")
	if err != nil {
		return nil, wrapErr("readdir /dev", err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if isCandidatePort(name) {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		return portLess(names[i], names[j])
	})
	for i, n := range names {
		names[i] = filepath.Join("/dev", n)
	}
	return names, nil
}

func isCandidatePort(name string) bool {
	switch {
	case strings.HasPrefix(name, "ttyACM"):
		return true
	case strings.HasPrefix(name, "ttyUSB"):
		return true
	case strings.HasPrefix(name, "ttyS"):
		return true
	}
	return false
}

// portLess orders device names so "ttyS*" is always last (it usually
// enumerates the onboard UART, not a USB probe), and otherwise by
// (alphabetic prefix, numeric suffix) so ttyACM2 < ttyACM10.
func portLess(a, b string) bool {
	aS, bS := strings.HasPrefix(a, "ttyS"), strings.HasPrefix(b, "ttyS")
	if aS != bS {
		return bS
	}
	aPrefix, aNum := splitTrailingDigits(a)
	bPrefix, bNum := splitTrailingDigits(b)
	if aPrefix != bPrefix {
		return aPrefix < bPrefix
	}
	return aNum < bNum
}

func splitTrailingDigits(s string) (string, int) {
	i := len(s)
	for i > 0 && unicode.IsDigit(rune(s[i-1])) {
		i--
	}
	n, _ := strconv.Atoi(s[i:])
	return s[:i], n
}
