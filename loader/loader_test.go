package loader

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/blackmagic-tools/bmpflash/status"
)

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

func hexRecordLine(recType byte, addr uint16, data []byte) string {
	body := []byte{byte(len(data)), byte(addr >> 8), byte(addr), recType}
	body = append(body, data...)
	var sum byte
	for _, b := range body {
		sum += b
	}
	checksum := byte(0x100 - int(sum))
	body = append(body, checksum)
	return ":" + toHexString(body)
}

func toHexString(data []byte) string {
	const digits = "0123456789ABCDEF"
	out := make([]byte, len(data)*2)
	for i, b := range data {
		out[2*i] = digits[b>>4]
		out[2*i+1] = digits[b&0xf]
	}
	return string(out)
}

func TestDetectBINFallback(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04}
	f, err := Detect(data, nil)
	assert(t, err == nil, "Detect error: %v", err)
	assert(t, f.Type() == FileBIN, "Type = %v, want BIN", f.Type())
	assert(t, len(f.Sections()) == 1 && f.Sections()[0].Address == 0, "expected one section at address 0")
}

func TestDetectAndParseIntelHexDataRecord(t *testing.T) {
	lines := []string{
		hexRecordLine(0x00, 0x0000, []byte{0xDE, 0xAD, 0xBE, 0xEF}),
		hexRecordLine(0x01, 0x0000, nil),
	}
	doc := []byte(bytes.Join(toByteSlices(lines), []byte("\n")))

	f, err := Detect(doc, nil)
	assert(t, err == nil, "Detect error: %v", err)
	assert(t, f.Type() == FileHEX, "Type = %v, want HEX", f.Type())
	sections := f.Sections()
	assert(t, len(sections) == 1, "expected 1 section, got %d", len(sections))
	assert(t, bytes.Equal(sections[0].Data, []byte{0xDE, 0xAD, 0xBE, 0xEF}), "data = %v", sections[0].Data)
}

func TestIntelHexBaseAddressJumpSplitsSection(t *testing.T) {
	lines := []string{
		hexRecordLine(0x00, 0x0000, []byte{0x01, 0x02}),
		hexRecordLine(0x04, 0x0000, []byte{0x08, 0x00}), // linear base -> 0x08000000
		hexRecordLine(0x00, 0x0000, []byte{0x03, 0x04}),
		hexRecordLine(0x01, 0x0000, nil),
	}
	doc := []byte(bytes.Join(toByteSlices(lines), []byte("\n")))

	f, err := Detect(doc, nil)
	assert(t, err == nil, "Detect error: %v", err)
	sections := f.Sections()
	assert(t, len(sections) == 2, "expected a base jump to split into 2 sections, got %d", len(sections))
	assert(t, sections[0].Address == 0, "sections[0].Address = %#x, want 0", sections[0].Address)
	assert(t, sections[1].Address == 0x08000000, "sections[1].Address = %#x, want 0x08000000", sections[1].Address)
}

func TestIntelHexMissingEOFFails(t *testing.T) {
	doc := []byte(hexRecordLine(0x00, 0x0000, []byte{0x01}))
	_, err := parseIntelHex(doc, nil)
	assert(t, err != nil, "expected failure for a hex stream missing its EOF record")
}

func TestIntelHexBadChecksumFails(t *testing.T) {
	line := hexRecordLine(0x00, 0x0000, []byte{0x01, 0x02})
	// Flip the last checksum nibble to corrupt it.
	corrupted := line[:len(line)-1] + "0"
	if line[len(line)-1] == '0' {
		corrupted = line[:len(line)-1] + "1"
	}
	_, err := decodeHexRecord([]byte(corrupted[1:]))
	assert(t, err != nil, "expected checksum failure for corrupted record")
}

func TestIntelHexUnknownRecordTypeWarnsOnBus(t *testing.T) {
	var notices []string
	bus := status.New()
	bus.SetHandler(func(code status.Code, msg string) int {
		if code == status.Notice {
			notices = append(notices, msg)
		}
		return 0
	})

	lines := []string{
		hexRecordLine(0x06, 0x0000, nil), // not in the 00-05 supported set
		hexRecordLine(0x00, 0x0000, []byte{0x01}),
		hexRecordLine(0x01, 0x0000, nil),
	}
	doc := []byte(bytes.Join(toByteSlices(lines), []byte("\n")))

	_, err := parseIntelHex(doc, bus)
	assert(t, err == nil, "parseIntelHex error: %v", err)
	assert(t, len(notices) == 1, "expected exactly one notice, got %d", len(notices))
}

func TestGetAddressReturnsMutableView(t *testing.T) {
	f := &File{kind: FileBIN, sections: []Section{{Address: 0x1000, Data: make([]byte, 16)}}}
	view, err := f.GetAddress(0x1004, 4)
	assert(t, err == nil, "GetAddress error: %v", err)
	binary.LittleEndian.PutUint32(view, 0xCAFEBABE)
	assert(t, binary.LittleEndian.Uint32(f.sections[0].Data[4:8]) == 0xCAFEBABE, "mutation through GetAddress view did not propagate")
}

func TestRelocateShiftsAllSections(t *testing.T) {
	f := &File{kind: FileBIN, sections: []Section{{Address: 0, Data: []byte{1, 2, 3, 4}}}}
	f.Relocate(0x08000000)
	assert(t, f.sections[0].Address == 0x08000000, "Address = %#x, want 0x08000000", f.sections[0].Address)
}

func TestPatchVectorTablePatchesChecksumSlot(t *testing.T) {
	data := make([]byte, 32)
	binary.LittleEndian.PutUint32(data[0:4], 0x20001000)
	binary.LittleEndian.PutUint32(data[4:8], 0x08000100)
	f := &File{kind: FileELF, sections: []Section{{Address: 0x08000000, Data: data}}}

	result, err := f.PatchVectorTable("STM32F405")
	assert(t, err == nil, "PatchVectorTable error: %v", err)
	assert(t, result == VectorPatched, "result = %v, want VectorPatched", result)

	var sum uint32
	for i := 0; i < 8; i++ {
		sum += binary.LittleEndian.Uint32(data[i*4 : i*4+4])
	}
	assert(t, sum == 0, "vector table words should sum to 0 after patch, got %#x", sum)

	result2, err := f.PatchVectorTable("STM32F405")
	assert(t, err == nil, "PatchVectorTable error: %v", err)
	assert(t, result2 == VectorAlreadySet, "expected idempotent re-patch to report VectorAlreadySet, got %v", result2)
}

func TestPatchVectorTableNoDriverMatch(t *testing.T) {
	f := &File{kind: FileELF, sections: []Section{{Address: 0, Data: make([]byte, 32)}}}
	result, err := f.PatchVectorTable("SomeExoticMCU")
	assert(t, err == nil, "PatchVectorTable error: %v", err)
	assert(t, result == VectorNoDriver, "result = %v, want VectorNoDriver", result)
}

func TestCRPRoundTrip(t *testing.T) {
	data := make([]byte, 0x300)
	binary.LittleEndian.PutUint32(data[crpWordAddress:crpWordAddress+4], 0x12345678)
	f := &File{kind: FileBIN, sections: []Section{{Address: 0, Data: data}}}

	lvl, err := f.GetCRP()
	assert(t, err == nil, "GetCRP error: %v", err)
	assert(t, lvl == CRP1, "lvl = %v, want CRP1", lvl)

	err = f.SetCRP(CRP2)
	assert(t, err == nil, "SetCRP error: %v", err)
	lvl2, err := f.GetCRP()
	assert(t, err == nil, "GetCRP error: %v", err)
	assert(t, lvl2 == CRP2, "lvl2 = %v, want CRP2", lvl2)
}

func toByteSlices(lines []string) [][]byte {
	out := make([][]byte, len(lines))
	for i, l := range lines {
		out[i] = []byte(l)
	}
	return out
}
