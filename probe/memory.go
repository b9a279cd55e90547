package probe

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/blackmagic-tools/bmpflash/rsp"
)

// ReadMemory issues an "m<addr>,<len>" read and returns the decoded bytes.
// It is the low-level primitive the script engine and the Flash pipeline's
// blank-check and dump steps build on.
func (s *Session) ReadMemory(addr uint32, size int) ([]byte, error) {
	req := fmt.Sprintf("m%x,%x", addr, size)
	reply, err := s.request([]byte(req), defaultReplyWait)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(reply, "E") {
		return nil, fmt.Errorf("probe: read %#x,%d: %s", addr, size, reply)
	}
	return rsp.Hex2Array(reply)
}

// WriteMemory issues a binary "X<addr>,<len>:<data>" write and requires an
// "OK" reply.
func (s *Session) WriteMemory(addr uint32, data []byte) error {
	req := append([]byte(fmt.Sprintf("X%x,%x:", addr, len(data))), data...)
	reply, err := s.request(req, defaultReplyWait)
	if err != nil {
		return err
	}
	if reply != "OK" {
		return fmt.Errorf("probe: write %#x,%d: %s", addr, len(data), reply)
	}
	return nil
}

// ReadWord reads a little-endian word of the given byte width (1, 2, or 4).
func (s *Session) ReadWord(addr uint32, width int) (uint32, error) {
	data, err := s.ReadMemory(addr, width)
	if err != nil {
		return 0, err
	}
	if len(data) != width {
		return 0, fmt.Errorf("probe: short read at %#x: got %d bytes, want %d", addr, len(data), width)
	}
	return decodeWidth(data), nil
}

// WriteWord writes value's low width bytes, little-endian.
func (s *Session) WriteWord(addr uint32, width int, value uint32) error {
	return s.WriteMemory(addr, encodeWidth(value, width))
}

func decodeWidth(data []byte) uint32 {
	switch len(data) {
	case 1:
		return uint32(data[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(data))
	default:
		buf := make([]byte, 4)
		copy(buf, data)
		return binary.LittleEndian.Uint32(buf)
	}
}

func encodeWidth(value uint32, width int) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	if width <= 0 || width > 4 {
		width = 4
	}
	return buf[:width]
}
