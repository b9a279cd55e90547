package flash

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmagic-tools/bmpflash/loader"
	"github.com/blackmagic-tools/bmpflash/probe"
)

// fakePort is a minimal in-memory transport.Port, following the same
// hand-rolled style used by rsp/codec_test.go and probe/session_test.go.
type fakePort struct {
	toCodec   []byte
	fromCodec [][]byte
	open      bool
}

func newFakePort() *fakePort { return &fakePort{open: true} }

// Xmit records framed requests only; the single '+'/'-' byte the codec sends
// back for each frame it receives is not kept in fromCodec.
func (p *fakePort) Xmit(data []byte) (int, error) {
	if len(data) == 1 && (data[0] == '+' || data[0] == '-') {
		return 1, nil
	}
	p.fromCodec = append(p.fromCodec, append([]byte(nil), data...))
	return len(data), nil
}

// Recv hands over queued bytes no further than the end of the next "#cc"
// frame terminator, the way a probe releases one reply per request, so the
// ack queued for the following request is left for the codec's waitAck.
func (p *fakePort) Recv(buf []byte) (int, error) {
	if len(p.toCodec) == 0 {
		return 0, nil
	}
	avail := p.toCodec
	if i := bytes.IndexByte(avail, '#'); i >= 0 && i+3 <= len(avail) {
		avail = avail[:i+3]
	}
	n := copy(buf, avail)
	p.toCodec = p.toCodec[n:]
	return n, nil
}

func (p *fakePort) IsOpen() bool { return p.open }
func (p *fakePort) Close() error { p.open = false; return nil }

func okFrame() string { return "$OK#9a" }

func toHex(data []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(data)*2)
	for i, b := range data {
		out[2*i] = digits[b>>4]
		out[2*i+1] = digits[b&0xf]
	}
	return string(out)
}

func checksumHex(payload string) string {
	var sum byte
	for i := 0; i < len(payload); i++ {
		sum += payload[i]
	}
	const digits = "0123456789abcdef"
	return string([]byte{digits[sum>>4], digits[sum&0xf]})
}

func frame(payload string) string {
	return "$" + payload + "#" + checksumHex(payload)
}

func hexUint32(v uint32) string {
	const digits = "0123456789abcdef"
	b := []byte{
		digits[(v>>28)&0xf], digits[(v>>24)&0xf],
		digits[(v>>20)&0xf], digits[(v>>16)&0xf],
		digits[(v>>12)&0xf], digits[(v>>8)&0xf],
		digits[(v>>4)&0xf], digits[v&0xf],
	}
	i := 0
	for i < len(b)-1 && b[i] == '0' {
		i++
	}
	return string(b[i:])
}

func TestDownloadErasesWritesAndDonesOneRegion(t *testing.T) {
	port := newFakePort()
	port.toCodec = []byte("+" + okFrame() + "+" + okFrame() + "+" + okFrame())

	session := probe.NewSessionWithTransport(port, 64)
	session.SetRegions([]probe.Region{{Base: 0x08000000, Size: 0x1000, BlockSize: 0x400}})

	built, err := loader.Detect([]byte{0xDE, 0xAD, 0xBE, 0xEF}, nil)
	require.NoError(t, err)
	built.Relocate(0x08000000)

	err = Download(session, built)
	require.NoError(t, err)
	require.Len(t, port.fromCodec, 3, "expected erase, write, done")
	assert.Contains(t, string(port.fromCodec[0]), "vFlashErase:8000000,")
	assert.Contains(t, string(port.fromCodec[1]), "vFlashWrite:8000000:")
	assert.Contains(t, string(port.fromCodec[2]), "vFlashDone")

	step, rng := session.ProgressGet()
	want := 1 + len(built.Sections()[0].Data)
	assert.Equal(t, want, step)
	assert.Equal(t, want, rng)
}

func TestDownloadChunksAcrossSmallPacketSize(t *testing.T) {
	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(i)
	}
	built, err := loader.Detect(data, nil)
	require.NoError(t, err)
	built.Relocate(0x08000000)

	port := newFakePort()
	var queued strings.Builder
	queued.WriteString("+" + okFrame()) // erase
	for i := 0; i < 8; i++ {
		queued.WriteString("+" + okFrame()) // plenty of spare OKs for each write block
	}
	queued.WriteString("+" + okFrame()) // done
	port.toCodec = []byte(queued.String())

	session := probe.NewSessionWithTransport(port, 48)
	session.SetRegions([]probe.Region{{Base: 0x08000000, Size: 0x1000, BlockSize: 0x400}})

	err = Download(session, built)
	require.NoError(t, err)
	assert.Greater(t, len(port.fromCodec), 3, "expected more than one write frame for a small packet size")

	for _, f := range port.fromCodec {
		body := string(f)
		if !strings.Contains(body, "vFlashWrite:") {
			continue
		}
		payloadStart := strings.Index(body, ":") + 1
		payloadStart = strings.Index(body[payloadStart:], ":") + payloadStart + 1
		raw := body[payloadStart:strings.LastIndexByte(body, '#')]
		// Every '}' is an escape prefix (the data holds no literal 0x7d), so
		// the block's byte count is the wire length minus the escape count.
		n := len(raw) - strings.Count(raw, "}")
		assert.True(t, n%16 == 0 || n < 16, "write block length %d not 16-aligned", n)
	}
}

func TestDownloadFailsWithoutRegions(t *testing.T) {
	port := newFakePort()
	session := probe.NewSessionWithTransport(port, 400)
	built, _ := loader.Detect([]byte{1, 2}, nil)

	err := Download(session, built)
	assert.Error(t, err)
}

func TestVerifyComputesCRC32AndComparesToQCRCReply(t *testing.T) {
	// {0xDE,0xAD,0xBE,0xEF} at 0x08000000 is spec.md §8 scenario 4's worked
	// example; 0x81da1a18 is GDB's own remote_crc() value for those four
	// bytes (forward, non-reflected CRC-32, poly 0x04C11DB7, init
	// 0xFFFFFFFF, no xorout) — pinned here, not derived from crc32IEEE, so
	// the test actually exercises interop with a real probe's qCRC reply
	// instead of checking crc32IEEE against itself.
	data := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	const wantCRC = 0x81da1a18

	port := newFakePort()
	port.toCodec = []byte("+" + frame("C"+hexUint32(wantCRC)))

	session := probe.NewSessionWithTransport(port, 400)
	session.SetRegions([]probe.Region{{Base: 0x08000000, Size: 0x10000, BlockSize: 0x400}})

	built, err := loader.Detect(data, nil)
	require.NoError(t, err)
	built.Relocate(0x08000000)

	assert.NoError(t, Verify(session, built))
}

func TestVerifyFailsOnMismatch(t *testing.T) {
	port := newFakePort()
	port.toCodec = []byte("+" + frame("C00000000"))

	session := probe.NewSessionWithTransport(port, 400)
	session.SetRegions([]probe.Region{{Base: 0x08000000, Size: 0x10000, BlockSize: 0x400}})

	built, _ := loader.Detect([]byte("nonzero crc data"), nil)
	built.Relocate(0x08000000)

	assert.Error(t, Verify(session, built))
}

func TestFullEraseBacksOffOnFailure(t *testing.T) {
	port := newFakePort()
	// The first erase attempt (full extent) is rejected; eraseWithBackoff
	// halves the extent and the retry succeeds.
	port.toCodec = []byte("+$E01#a6+" + okFrame())

	session := probe.NewSessionWithTransport(port, 400)
	session.SetRegions([]probe.Region{{Base: 0x08000000, Size: 0x1000, BlockSize: 0x400}})

	err := FullErase(session, 0x08001000)
	require.NoError(t, err)
	assert.Len(t, port.fromCodec, 2, "expected a halved retry")
}

func TestBlankCheckDetectsNonBlankByte(t *testing.T) {
	data := make([]byte, 512)
	for i := range data {
		data[i] = 0xFF
	}
	data[10] = 0x00

	port := newFakePort()
	port.toCodec = []byte("+" + frame(toHex(data)))

	// A 512-byte read comes back as a 1028-byte frame, so the codec's cache
	// (packet size + 16) must be at least that large.
	session := probe.NewSessionWithTransport(port, 1024)
	session.SetRegions([]probe.Region{{Base: 0x08000000, Size: 512, BlockSize: 0x400}})

	blank, err := BlankCheck(session, 0x08001000)
	require.NoError(t, err)
	assert.False(t, blank)
}

func TestDumpFlashWritesTrimmedImage(t *testing.T) {
	data := make([]byte, 512)
	data[0] = 0xAB
	data[1] = 0xCD
	for i := 2; i < len(data); i++ {
		data[i] = 0xFF
	}

	port := newFakePort()
	port.toCodec = []byte("+" + frame(toHex(data)))

	session := probe.NewSessionWithTransport(port, 1024)
	session.SetRegions([]probe.Region{{Base: 0x08000000, Size: 512, BlockSize: 0x400}})

	path := t.TempDir() + "/dump.bin"
	require.NoError(t, DumpFlash(session, path, 0x08001000))

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, out, 4, "expected trailing 0xFF trimmed to a 4-byte-aligned length")
	assert.Equal(t, byte(0xAB), out[0])
	assert.Equal(t, byte(0xCD), out[1])
}

func TestEnableTraceParsesLegacyEndpoint(t *testing.T) {
	port := newFakePort()
	oLine := "1234:1:85\n"
	port.toCodec = []byte("+" + frame("O"+toHex([]byte(oLine))) + "+" + okFrame())

	session := probe.NewSessionWithTransport(port, 400)
	ep, err := EnableTrace(session, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(0x85), ep)
}

func TestEnableTraceParsesNewStyleEndpointAndSetsHighBit(t *testing.T) {
	port := newFakePort()
	oLine := "Trace enabled for BMP, baudrate 2250000, USB EP 85\n"
	port.toCodec = []byte("+" + frame("O"+toHex([]byte(oLine))) + "+" + okFrame())

	session := probe.NewSessionWithTransport(port, 400)
	ep, err := EnableTrace(session, 2250000)
	require.NoError(t, err)
	assert.NotZero(t, ep&0x80, "expected high bit set for new-style reply")
}
