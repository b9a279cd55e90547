// Package loader reads ELF, Intel-HEX, and raw binary firmware images into
// a uniform list of address/byte sections the Flash pipeline writes out
// (spec.md §4.5).
package loader

import "fmt"

// SectionType classifies a Section's content.
type SectionType int

const (
	SectionData SectionType = iota
	SectionCode
)

// FileType identifies which of the three supported formats a File was
// detected as.
type FileType int

const (
	FileELF FileType = iota
	FileHEX
	FileBIN
)

func (t FileType) String() string {
	switch t {
	case FileELF:
		return "ELF"
	case FileHEX:
		return "HEX"
	case FileBIN:
		return "BIN"
	}
	return "unknown"
}

// Section is one contiguous run of bytes destined for Address.
type Section struct {
	Address uint32
	Data    []byte
	Type    SectionType
}

// End returns the exclusive end address of the section.
func (s Section) End() uint32 { return s.Address + uint32(len(s.Data)) }

// File is a loaded firmware image: its detected format plus its sections.
type File struct {
	kind     FileType
	sections []Section
}

// Type reports which format File was detected as.
func (f *File) Type() FileType { return f.kind }

// Sections returns the file's sections directly (not a copy): callers such
// as the NXP vector-table patcher are expected to mutate section bytes in
// place (spec.md §9: "return a bounded mutable slice").
func (f *File) Sections() []Section { return f.sections }

// GetSection returns a pointer to the i'th section for in-place mutation.
func (f *File) GetSection(i int) (*Section, error) {
	if i < 0 || i >= len(f.sections) {
		return nil, fmt.Errorf("loader: section index %d out of range (have %d)", i, len(f.sections))
	}
	return &f.sections[i], nil
}

// GetAddress returns a mutable view of size bytes starting at addr, if that
// whole range lies within a single section.
func (f *File) GetAddress(addr uint32, size int) ([]byte, error) {
	end := addr + uint32(size)
	for i := range f.sections {
		sec := &f.sections[i]
		if addr >= sec.Address && end <= sec.End() {
			off := addr - sec.Address
			return sec.Data[off : off+uint32(size)], nil
		}
	}
	return nil, fmt.Errorf("loader: range [%#x,%#x) not within a single section", addr, end)
}

// Relocate shifts every section's address by offset, for BIN images loaded
// at a nonzero base.
func (f *File) Relocate(offset int32) {
	for i := range f.sections {
		f.sections[i].Address = uint32(int64(f.sections[i].Address) + int64(offset))
	}
}
