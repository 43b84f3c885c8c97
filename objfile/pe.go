package objfile

import (
	"bytes"
	"debug/dwarf"
	"debug/pe"
	"fmt"
	"sort"
)

type peFile struct {
	f    *pe.File
	base uint64
}

func openPE(data []byte) (File, error) {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse pe: %w", err)
	}
	var base uint64
	switch hdr := f.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		base = hdr.ImageBase
	case *pe.OptionalHeader32:
		base = uint64(hdr.ImageBase)
	}
	return &peFile{f: f, base: base}, nil
}

func (p *peFile) TextSections() []Section {
	const imageScnCntCode = 0x00000020
	var res []Section
	for i, sec := range p.f.Sections {
		if sec.Characteristics&imageScnCntCode == 0 {
			continue
		}
		res = append(res, Section{
			Name:  sec.Name,
			Addr:  p.base + uint64(sec.VirtualAddress),
			Size:  uint64(sec.VirtualSize),
			Index: i,
		})
	}
	return res
}

func (p *peFile) FunctionSymbols() []Symbol {
	const imageSymDtypeFunction = 2
	var res []Symbol
	for _, sym := range p.f.COFFSymbols {
		if sym.Type>>4 != imageSymDtypeFunction {
			continue
		}
		secNum := int(sym.SectionNumber)
		if secNum <= 0 || secNum > len(p.f.Sections) {
			continue
		}
		name, err := sym.FullName(p.f.StringTable)
		if err != nil {
			continue
		}
		sec := p.f.Sections[secNum-1]
		res = append(res, Symbol{
			Name:    name,
			Addr:    p.base + uint64(sec.VirtualAddress) + uint64(sym.Value),
			Section: secNum - 1,
		})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Addr < res[j].Addr })
	// COFF symbols carry no size either.
	for i := range res {
		sec := p.f.Sections[res[i].Section]
		end := p.base + uint64(sec.VirtualAddress) + uint64(sec.VirtualSize)
		if i+1 < len(res) && res[i+1].Section == res[i].Section {
			end = res[i+1].Addr
		}
		if end > res[i].Addr {
			res[i].Size = end - res[i].Addr
		}
	}
	return res
}

func (p *peFile) SectionData(name string) ([]byte, error) {
	sec := p.f.Section(name)
	if sec == nil {
		return nil, fmt.Errorf("no section %q", name)
	}
	return sec.Data()
}

func (p *peFile) DWARF() (*dwarf.Data, error) {
	if p.f.Section(".debug_info") == nil {
		return nil, ErrNoDWARF
	}
	return p.f.DWARF()
}

func (p *peFile) PreferredBase() uint64 { return p.base }

func (p *peFile) UUID() ([16]byte, bool) { return [16]byte{}, false }
