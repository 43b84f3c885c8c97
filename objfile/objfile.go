// Package objfile reads the object-file containers the runtime links
// against: ELF, Mach-O and COFF/PE. It is a thin adapter over the
// stdlib debug/* parsers exposing only what symbolication needs.
package objfile

import (
	"bytes"
	"debug/dwarf"
	"fmt"
)

// Section describes a section of an object file in its native
// (pre-relocation) addressing.
type Section struct {
	Name  string
	Addr  uint64
	Size  uint64
	Index int
}

// Symbol is a function symbol. Size may be computed from the distance
// to the next symbol for formats that do not record it (Mach-O, COFF).
type Symbol struct {
	Name    string
	Addr    uint64
	Size    uint64
	Section int
}

// File is a parsed object file.
type File interface {
	// TextSections returns the executable sections, in file order.
	TextSections() []Section
	// FunctionSymbols returns function symbols sorted by address.
	FunctionSymbols() []Symbol
	// SectionData returns the raw contents of a named section.
	SectionData(name string) ([]byte, error)
	// DWARF returns the debug-info tables, if the file carries any.
	DWARF() (*dwarf.Data, error)
	// PreferredBase is the address the image was linked to load at,
	// or 0 for position-independent formats.
	PreferredBase() uint64
	// UUID returns the unique build identifier for formats that
	// embed one (Mach-O LC_UUID).
	UUID() ([16]byte, bool)
}

var (
	elfMagic     = []byte{0x7f, 'E', 'L', 'F'}
	peMagic      = []byte{'M', 'Z'}
	machoMagics  = []uint32{0xfeedface, 0xfeedfacf, 0xcefaedfe, 0xcffaedfe}
	ErrBadObject = fmt.Errorf("unrecognized object file format")
	ErrNoDWARF   = fmt.Errorf("no DWARF info")
)

// Open parses an in-memory object file, detecting the container format
// from its magic number.
func Open(data []byte) (File, error) {
	if len(data) < 4 {
		return nil, ErrBadObject
	}
	if bytes.HasPrefix(data, elfMagic) {
		return openElf(data)
	}
	if bytes.HasPrefix(data, peMagic) {
		return openPE(data)
	}
	magic := uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
	for _, m := range machoMagics {
		if magic == m {
			return openMachO(data)
		}
	}
	return nil, ErrBadObject
}
