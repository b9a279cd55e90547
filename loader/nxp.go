package loader

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// VectorTableResult is patch_vector_table's outcome (spec.md §4.5).
type VectorTableResult int

const (
	VectorAlreadySet VectorTableResult = iota
	VectorPatched
	VectorNoDriver
	VectorNoVectorTable
)

// cortexDrivers are the MCU family name patterns (matched as a
// case-insensitive substring) whose checksum slot is vector word 7.
var cortexDrivers = []string{"LPC17", "LPC43", "STM32", "SAM3", "SAM4"}

// arm7Drivers use vector word 5 instead (the classic ARM7TDMI vector layout
// reserves word 6 for a branch and checksums into word 5).
var arm7Drivers = []string{"LPC21", "LPC22", "LPC23", "LPC24"}

// PatchVectorTable reads the first 8 words of the file's first section,
// computes the two's-complement negative sum of the other 7 words, and
// writes it into the Cortex-M checksum slot (word 7) or the ARM7TDMI slot
// (word 5), depending on driver's family name.
func (f *File) PatchVectorTable(driver string) (VectorTableResult, error) {
	slot, ok := vectorChecksumSlot(driver)
	if !ok {
		return VectorNoDriver, nil
	}
	if len(f.sections) == 0 || len(f.sections[0].Data) < 32 {
		return VectorNoVectorTable, nil
	}

	words := make([]uint32, 8)
	data := f.sections[0].Data
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[i*4 : i*4+4])
	}

	var sum uint32
	for i, w := range words {
		if i == slot {
			continue
		}
		sum += w
	}
	checksum := -sum

	if words[slot] == checksum {
		return VectorAlreadySet, nil
	}

	binary.LittleEndian.PutUint32(data[slot*4:slot*4+4], checksum)
	return VectorPatched, nil
}

func vectorChecksumSlot(driver string) (int, bool) {
	upper := strings.ToUpper(driver)
	for _, p := range arm7Drivers {
		if strings.Contains(upper, p) {
			return 5, true
		}
	}
	for _, p := range cortexDrivers {
		if strings.Contains(upper, p) {
			return 7, true
		}
	}
	return 0, false
}

// CRPLevel is an NXP Code Read Protection level.
type CRPLevel int

const (
	CRPNone  CRPLevel = 0
	CRP1     CRPLevel = 1
	CRP2     CRPLevel = 2
	CRP3     CRPLevel = 3
	CRP4     CRPLevel = 4
	CRPNoISP CRPLevel = 9
)

const crpWordAddress = 0x000002FC

var crpMagic = map[uint32]CRPLevel{
	0x12345678: CRP1,
	0x87654321: CRP2,
	0x43218765: CRP3,
	0x1A2B3C4D: CRP4,
	0x4E697370: CRPNoISP,
}

// GetCRP reads the CRP word from the file's address space and maps it to a
// known level, 0 if the word isn't one of the recognized magic values.
func (f *File) GetCRP() (CRPLevel, error) {
	view, err := f.GetAddress(crpWordAddress, 4)
	if err != nil {
		return CRPNone, nil
	}
	word := binary.LittleEndian.Uint32(view)
	return crpMagic[word], nil
}

// SetCRP writes the magic value for level, but only if the existing CRP
// word is already one of the recognized magic values (spec.md §4.5).
func (f *File) SetCRP(level CRPLevel) error {
	view, err := f.GetAddress(crpWordAddress, 4)
	if err != nil {
		return fmt.Errorf("loader: no CRP word present: %w", err)
	}
	existing := binary.LittleEndian.Uint32(view)
	if _, ok := crpMagic[existing]; !ok {
		return fmt.Errorf("loader: existing CRP word %#x is not a recognized magic value", existing)
	}
	for magic, lvl := range crpMagic {
		if lvl == level {
			binary.LittleEndian.PutUint32(view, magic)
			return nil
		}
	}
	return fmt.Errorf("loader: no magic value for CRP level %d", level)
}
