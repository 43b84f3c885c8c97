package objfile

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"sort"
)

type elfFile struct {
	f *elf.File
}

func openElf(data []byte) (File, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse elf: %w", err)
	}
	return &elfFile{f: f}, nil
}

func (e *elfFile) TextSections() []Section {
	var res []Section
	for i, sec := range e.f.Sections {
		if sec.Flags&elf.SHF_EXECINSTR == 0 || sec.Type != elf.SHT_PROGBITS {
			continue
		}
		res = append(res, Section{
			Name:  sec.Name,
			Addr:  sec.Addr,
			Size:  sec.Size,
			Index: i,
		})
	}
	return res
}

func (e *elfFile) FunctionSymbols() []Symbol {
	syms, err := e.f.Symbols()
	if err != nil {
		return nil
	}
	res := make([]Symbol, 0, len(syms))
	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC {
			continue
		}
		if sym.Section == elf.SHN_UNDEF || int(sym.Section) >= len(e.f.Sections) {
			continue
		}
		res = append(res, Symbol{
			Name:    sym.Name,
			Addr:    sym.Value,
			Size:    sym.Size,
			Section: int(sym.Section),
		})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Addr < res[j].Addr })
	return res
}

func (e *elfFile) SectionData(name string) ([]byte, error) {
	sec := e.f.Section(name)
	if sec == nil {
		return nil, fmt.Errorf("no section %q", name)
	}
	return sec.Data()
}

func (e *elfFile) DWARF() (*dwarf.Data, error) {
	// The stdlib builds an empty context when the sections are absent;
	// report absence instead so callers can fall back to symbols.
	if e.f.Section(".debug_info") == nil && e.f.Section(".zdebug_info") == nil {
		return nil, ErrNoDWARF
	}
	return e.f.DWARF()
}

func (e *elfFile) PreferredBase() uint64 { return 0 }

func (e *elfFile) UUID() ([16]byte, bool) { return [16]byte{}, false }
