package objfile

import (
	"bytes"
	"debug/dwarf"
	"debug/macho"
	"fmt"
	"sort"
)

const lcUUID = 0x1b

type machoFile struct {
	f *macho.File
}

func openMachO(data []byte) (File, error) {
	f, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse mach-o: %w", err)
	}
	return &machoFile{f: f}, nil
}

func (m *machoFile) isText(idx int) bool {
	if idx < 0 || idx >= len(m.f.Sections) {
		return false
	}
	sec := m.f.Sections[idx]
	const sAttrSomeInstructions = 0x400
	const sAttrPureInstructions = 0x80000000
	return sec.Seg == "__TEXT" && (sec.Flags&(sAttrPureInstructions|sAttrSomeInstructions) != 0 || sec.Name == "__text")
}

func (m *machoFile) TextSections() []Section {
	var res []Section
	for i, sec := range m.f.Sections {
		if !m.isText(i) {
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

// Mach-O symbols carry no size; use the distance to the next symbol in
// the same section, bounded by the section end.
func (m *machoFile) FunctionSymbols() []Symbol {
	if m.f.Symtab == nil {
		return nil
	}
	const nType, nSect = 0x0e, 0x0e
	var res []Symbol
	for _, sym := range m.f.Symtab.Syms {
		if sym.Type&nType != nSect || sym.Sect == 0 {
			continue
		}
		idx := int(sym.Sect) - 1
		if !m.isText(idx) {
			continue
		}
		res = append(res, Symbol{
			Name:    sym.Name,
			Addr:    sym.Value,
			Section: idx,
		})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Addr < res[j].Addr })
	for i := range res {
		sec := m.f.Sections[res[i].Section]
		end := sec.Addr + sec.Size
		if i+1 < len(res) && res[i+1].Section == res[i].Section {
			end = res[i+1].Addr
		}
		if end > res[i].Addr {
			res[i].Size = end - res[i].Addr
		}
	}
	return res
}

func (m *machoFile) SectionData(name string) ([]byte, error) {
	sec := m.f.Section(name)
	if sec == nil {
		return nil, fmt.Errorf("no section %q", name)
	}
	return sec.Data()
}

func (m *machoFile) DWARF() (*dwarf.Data, error) {
	if m.f.Section("__debug_info") == nil && m.f.Section("__zdebug_info") == nil {
		return nil, ErrNoDWARF
	}
	return m.f.DWARF()
}

func (m *machoFile) PreferredBase() uint64 { return 0 }

func (m *machoFile) UUID() ([16]byte, bool) {
	var uuid [16]byte
	for _, load := range m.f.Loads {
		raw := load.Raw()
		if len(raw) < 24 {
			continue
		}
		if m.f.ByteOrder.Uint32(raw[0:4]) != lcUUID {
			continue
		}
		copy(uuid[:], raw[8:24])
		return uuid, true
	}
	return [16]byte{}, false
}
