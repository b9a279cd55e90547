package probe

import (
	"testing"

	"github.com/blackmagic-tools/bmpflash/rsp"
)

// fakePort is a minimal in-memory transport.Port, following the same
// hand-rolled style as rsp/codec_test.go's fixture.
type fakePort struct {
	toCodec   []byte
	fromCodec []byte
	open      bool
}

func newFakePort() *fakePort { return &fakePort{open: true} }

func (p *fakePort) Xmit(data []byte) (int, error) {
	p.fromCodec = append(p.fromCodec, data...)
	return len(data), nil
}

func (p *fakePort) Recv(buf []byte) (int, error) {
	if len(p.toCodec) == 0 {
		return 0, nil
	}
	n := copy(buf, p.toCodec)
	p.toCodec = p.toCodec[n:]
	return n, nil
}

func (p *fakePort) IsOpen() bool { return p.open }
func (p *fakePort) Close() error { p.open = false; return nil }

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

// newTestSession builds a Session already wired to a fake transport and
// codec, skipping Connect's handshake entirely (no test here exercises
// Connect).
func newTestSession(port *fakePort) *Session {
	s := NewSession()
	s.transport = port
	s.codec = rsp.NewCodec(port)
	s.packetSize = 400
	return s
}

func TestMonitorSendsQRcmdAndAcceptsOK(t *testing.T) {
	port := newFakePort()
	s := newTestSession(port)
	port.toCodec = []byte("+$OK#9a")

	ok := s.Monitor("tpwr enable")
	assert(t, ok, "expected Monitor to succeed")
	assert(t, len(port.fromCodec) > 0, "expected a frame to be transmitted")
}

func TestGetMonitorCmdsAccumulatesAndSorts(t *testing.T) {
	port := newFakePort()
	s := newTestSession(port)
	// Two O-records (each needing a valid checksum) followed by a final OK.
	frames := []string{
		oRecordFrame("zed -- last\n"),
		oRecordFrame("alpha -- first\n"),
		"$OK#9a",
	}
	port.toCodec = []byte("+" + frames[0] + "+" + frames[1] + "+" + frames[2])

	list, err := s.GetMonitorCmds()
	assert(t, err == nil, "GetMonitorCmds error: %v", err)
	assert(t, list == "alpha zed", "list = %q, want %q", list, "alpha zed")
}

func TestHasCommandAndExpandMonitorCmd(t *testing.T) {
	list := "erase_mass jtag_scan swdp_scan"
	assert(t, HasCommand("jtag_scan", list), "expected jtag_scan present")
	assert(t, !HasCommand("jtag", list), "expected exact-match only")
	assert(t, ExpandMonitorCmd("swdp", list) == "swdp_scan", "expected prefix expansion")
	assert(t, ExpandMonitorCmd("nope", list) == "", "expected no match to return empty")
}

func TestCheckVersionStringRecognizesBlackMagicDebug(t *testing.T) {
	port := newFakePort()
	s := newTestSession(port)
	port.toCodec = []byte("+" + oRecordFrame("Black Magic Debug v1.9.2\n") + "+$OK#9a")

	kind, err := s.CheckVersionString()
	assert(t, err == nil, "CheckVersionString error: %v", err)
	assert(t, kind == ProbeBlackMagicDebug, "kind = %v, want ProbeBlackMagicDebug", kind)
}

func TestGetPartIDParsesHexLine(t *testing.T) {
	port := newFakePort()
	s := newTestSession(port)
	port.toCodec = []byte("+" + oRecordFrame("Part ID: 0x10036419\n") + "+$OK#9a")

	id, err := s.GetPartID()
	assert(t, err == nil, "GetPartID error: %v", err)
	assert(t, id == 0x10036419, "id = %#x, want 0x10036419", id)
}

func TestInterruptTargetSendsBareCtrlC(t *testing.T) {
	port := newFakePort()
	s := newTestSession(port)
	port.toCodec = []byte("$T05#b9") // stop reply, discarded

	err := s.InterruptTarget()
	assert(t, err == nil, "InterruptTarget error: %v", err)
	assert(t, len(port.fromCodec) >= 1 && port.fromCodec[0] == 0x03, "expected bare 0x03 as first byte sent, got %v", port.fromCodec)
}

func TestParseMemoryMapSortsByBaseAddress(t *testing.T) {
	doc := []byte(`<?xml version="1.0"?>
<memory-map>
  <memory type="flash" start="0x8020000" length="0x20000">
    <property name="blocksize">0x20000</property>
  </memory>
  <memory type="flash" start="0x8000000" length="0x20000">
    <property name="blocksize">0x4000</property>
  </memory>
  <memory type="ram" start="0x20000000" length="0x10000"/>
</memory-map>`)

	regions, err := parseMemoryMap(doc)
	assert(t, err == nil, "parseMemoryMap error: %v", err)
	assert(t, len(regions) == 2, "expected 2 flash regions, got %d", len(regions))
	assert(t, regions[0].Base == 0x8000000, "regions[0].Base = %#x, want 0x8000000", regions[0].Base)
	assert(t, regions[1].Base == 0x8020000, "regions[1].Base = %#x, want 0x8020000", regions[1].Base)
	assert(t, regions[0].BlockSize == 0x4000, "regions[0].BlockSize = %#x, want 0x4000", regions[0].BlockSize)
}

func TestSplitFamilyArch(t *testing.T) {
	family, arch, ok := splitFamilyArch("1: STM32F4xx M4")
	assert(t, ok, "expected a numbered target line to match")
	assert(t, family == "STM32F4xx", "family = %q, want STM32F4xx", family)
	assert(t, arch == "M4", "arch = %q, want M4", arch)
}

func TestSplitFamilyArchIgnoresUnrelatedLines(t *testing.T) {
	_, _, ok := splitFamilyArch("Available Targets:")
	assert(t, !ok, "expected a non-numbered line to not match")
}

func TestLineBufferSplitsAcrossFeeds(t *testing.T) {
	var lb lineBuffer
	lines := lb.Feed([]byte("hel"))
	assert(t, len(lines) == 0, "expected no complete lines yet")
	lines = lb.Feed([]byte("lo\nworld\npart"))
	assert(t, len(lines) == 2, "expected 2 complete lines, got %d", len(lines))
	assert(t, lines[0] == "hello", "lines[0] = %q, want hello", lines[0])
	assert(t, lines[1] == "world", "lines[1] = %q, want world", lines[1])
	assert(t, lb.Flush() == "part", "expected trailing partial \"part\"")
}

// oRecordFrame builds a valid "$O<hex>#cc" frame for the given console text,
// prefixed with nothing (callers prepend the ack '+').
func oRecordFrame(text string) string {
	hex := toHex([]byte(text))
	payload := "O" + hex
	return "$" + payload + "#" + toChecksumHex(payload)
}

func toHex(data []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(data)*2)
	for i, b := range data {
		out[2*i] = digits[b>>4]
		out[2*i+1] = digits[b&0xf]
	}
	return string(out)
}

func toChecksumHex(payload string) string {
	var sum byte
	for i := 0; i < len(payload); i++ {
		sum += payload[i]
	}
	const digits = "0123456789abcdef"
	return string([]byte{digits[sum>>4], digits[sum&0xf]})
}
