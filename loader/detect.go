package loader

import (
	"bytes"

	"github.com/blackmagic-tools/bmpflash/status"
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// Detect classifies and loads data as ELF (by magic), Intel-HEX (by a
// successful parse), or BIN (the fallback), per spec.md §4.5's detection
// order. bus may be nil; when non-nil it receives a Notice for any
// unrecognized Intel-HEX record type encountered.
func Detect(data []byte, bus *status.Bus) (*File, error) {
	if bytes.HasPrefix(data, elfMagic) {
		return loadELF(data)
	}
	if looksLikeIntelHex(data) {
		sections, err := parseIntelHex(data, bus)
		if err != nil {
			return nil, err
		}
		return &File{kind: FileHEX, sections: sections}, nil
	}
	return &File{
		kind: FileBIN,
		sections: []Section{
			{Address: 0, Data: append([]byte(nil), data...), Type: SectionData},
		},
	}, nil
}

// looksLikeIntelHex checks only that the first non-blank line parses as a
// well-formed (checksum-valid) Intel-HEX record, per spec.md §4.5:
// "Intel-HEX (by successful first-record parse)". A genuinely malformed
// HEX file past its first line still fails in parseIntelHex, not here.
func looksLikeIntelHex(data []byte) bool {
	for _, raw := range bytes.Split(data, []byte("\n")) {
		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			continue
		}
		if line[0] != ':' {
			return false
		}
		_, err := decodeHexRecord(line[1:])
		return err == nil
	}
	return false
}
