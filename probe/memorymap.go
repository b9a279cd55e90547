package probe

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// memoryMapXML mirrors the subset of GDB's "<memory-map>" target-description
// format the probe emits in reply to "qXfer:memory-map:read::" (spec.md
// §4.3: "parse the memory-map XML into an address-sorted Region list").
type memoryMapXML struct {
	XMLName xml.Name    `xml:"memory-map"`
	Memory  []memoryXML `xml:"memory"`
}

type memoryXML struct {
	Type     string        `xml:"type,attr"`
	Start    string        `xml:"start,attr"`
	Length   string        `xml:"length,attr"`
	Property []propertyXML `xml:"property"`
}

type propertyXML struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

// parseMemoryMap extracts the flash regions from a memory-map document,
// sorted ascending by base address.
func parseMemoryMap(doc []byte) ([]Region, error) {
	var m memoryMapXML
	if err := xml.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("probe: parse memory-map: %w", err)
	}

	var regions []Region
	for _, mem := range m.Memory {
		if mem.Type != "flash" {
			continue
		}
		base, err := parseHexAddr(mem.Start)
		if err != nil {
			return nil, fmt.Errorf("probe: memory-map start %q: %w", mem.Start, err)
		}
		size, err := parseHexAddr(mem.Length)
		if err != nil {
			return nil, fmt.Errorf("probe: memory-map length %q: %w", mem.Length, err)
		}
		blockSize := uint32(0)
		for _, p := range mem.Property {
			if p.Name == "blocksize" {
				bs, err := parseHexAddr(strings.TrimSpace(p.Value))
				if err == nil {
					blockSize = bs
				}
			}
		}
		regions = append(regions, Region{Base: base, Size: size, BlockSize: blockSize})
	}

	sort.Slice(regions, func(i, j int) bool { return regions[i].Base < regions[j].Base })
	return regions, nil
}

func parseHexAddr(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	return uint32(v), err
}

// overlaps reports whether the address-sorted region list (as produced by
// parseMemoryMap) contains any overlapping pair. Attach treats this as a
// non-fatal condition (spec.md §9 open question: "MCU name-list matching
// treated as strictly non-mutating" extends here too — Attach posts a
// notice and keeps the regions as reported rather than rejecting them).
func overlaps(regions []Region) bool {
	for i := 1; i < len(regions); i++ {
		if regions[i].Base < regions[i-1].End() {
			return true
		}
	}
	return false
}
