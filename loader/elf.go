package loader

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
)

// loadELF walks an ELF32 file's program headers, producing one Section per
// non-empty PT_LOAD segment at its physical address (spec.md §4.5). A
// segment whose virtual and physical addresses match is classified as
// code, following the PT_LOAD-walk shape grounded on the pack's ELF
// builders; a mismatch (the linker separated load-time and run-time
// addresses) is classified as data.
func loadELF(data []byte) (*File, error) {
	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("loader: parse ELF: %w", err)
	}
	if ef.Class != elf.ELFCLASS32 {
		return nil, fmt.Errorf("loader: only 32-bit ELF files are supported")
	}

	var sections []Section
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		buf, err := io.ReadAll(prog.Open())
		if err != nil {
			return nil, fmt.Errorf("loader: read PT_LOAD segment at %#x: %w", prog.Paddr, err)
		}
		typ := SectionData
		if prog.Vaddr == prog.Paddr {
			typ = SectionCode
		}
		sections = append(sections, Section{Address: uint32(prog.Paddr), Data: buf, Type: typ})
	}
	if len(sections) == 0 {
		return nil, fmt.Errorf("loader: ELF has no loadable segments")
	}
	return &File{kind: FileELF, sections: sections}, nil
}
