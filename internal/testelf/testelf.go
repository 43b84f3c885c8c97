// Package testelf builds minimal ELF64 images in memory for tests.
// The produced bytes parse with debug/elf and carry a symbol table,
// which is all the package under test needs.
package testelf

import (
	"bytes"
	"encoding/binary"
)

// Section describes one allocated section of the synthetic file.
type Section struct {
	Name string
	Addr uint64
	Data []byte
	Exec bool
}

// Symbol is one STT_FUNC entry of the synthetic symbol table. Section
// names a Section passed alongside.
type Symbol struct {
	Name    string
	Addr    uint64
	Size    uint64
	Section string
}

const (
	ehdrSize = 64
	shdrSize = 64
	symSize  = 24

	shtProgbits = 1
	shtSymtab   = 2
	shtStrtab   = 3

	shfAlloc     = 0x2
	shfExecinstr = 0x4

	sttFunc      = 2
	stbGlobal    = 1
	stInfoGlobal = stbGlobal<<4 | sttFunc
)

// Build assembles an ELF64 relocatable-style image with the given
// sections and function symbols.
func Build(sections []Section, symbols []Symbol) []byte {
	le := binary.LittleEndian

	sectionIndex := make(map[string]int, len(sections))
	for i, s := range sections {
		sectionIndex[s.Name] = i + 1 // 0 is SHN_UNDEF
	}

	// String tables.
	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	shstrOff := func(name string) uint32 {
		off := uint32(shstrtab.Len())
		shstrtab.WriteString(name)
		shstrtab.WriteByte(0)
		return off
	}

	var strtab bytes.Buffer
	strtab.WriteByte(0)
	strOff := func(name string) uint32 {
		off := uint32(strtab.Len())
		strtab.WriteString(name)
		strtab.WriteByte(0)
		return off
	}

	// Symbol table: null entry first.
	var symtab bytes.Buffer
	symtab.Write(make([]byte, symSize))
	for _, sym := range symbols {
		var ent [symSize]byte
		le.PutUint32(ent[0:], strOff(sym.Name))
		ent[4] = stInfoGlobal
		le.PutUint16(ent[6:], uint16(sectionIndex[sym.Section]))
		le.PutUint64(ent[8:], sym.Addr)
		le.PutUint64(ent[16:], sym.Size)
		symtab.Write(ent[:])
	}

	type shdr struct {
		name      uint32
		typ       uint32
		flags     uint64
		addr      uint64
		offset    uint64
		size      uint64
		link      uint32
		info      uint32
		addralign uint64
		entsize   uint64
	}

	nsec := len(sections)
	strtabIdx := nsec + 2
	shstrtabIdx := nsec + 3
	shnum := nsec + 4

	headers := make([]shdr, 1, shnum) // [0] stays zero (SHN_UNDEF)
	var body bytes.Buffer
	offset := func() uint64 { return uint64(ehdrSize + body.Len()) }

	for _, s := range sections {
		flags := uint64(shfAlloc)
		if s.Exec {
			flags |= shfExecinstr
		}
		headers = append(headers, shdr{
			name:      shstrOff(s.Name),
			typ:       shtProgbits,
			flags:     flags,
			addr:      s.Addr,
			offset:    offset(),
			size:      uint64(len(s.Data)),
			addralign: 1,
		})
		body.Write(s.Data)
	}
	headers = append(headers, shdr{
		name:      shstrOff(".symtab"),
		typ:       shtSymtab,
		offset:    offset(),
		size:      uint64(symtab.Len()),
		link:      uint32(strtabIdx),
		info:      1, // first global symbol
		addralign: 8,
		entsize:   symSize,
	})
	body.Write(symtab.Bytes())
	headers = append(headers, shdr{
		name:      shstrOff(".strtab"),
		typ:       shtStrtab,
		offset:    offset(),
		size:      uint64(strtab.Len()),
		addralign: 1,
	})
	body.Write(strtab.Bytes())
	headers = append(headers, shdr{
		name:      shstrOff(".shstrtab"),
		typ:       shtStrtab,
		offset:    offset(),
		size:      uint64(shstrtab.Len()),
		addralign: 1,
	})
	body.Write(shstrtab.Bytes())

	shoff := uint64(ehdrSize + body.Len())

	var out bytes.Buffer
	var ehdr [ehdrSize]byte
	copy(ehdr[:], "\x7fELF")
	ehdr[4] = 2 // ELFCLASS64
	ehdr[5] = 1 // little endian
	ehdr[6] = 1 // EV_CURRENT
	le.PutUint16(ehdr[16:], 1)  // ET_REL
	le.PutUint16(ehdr[18:], 62) // EM_X86_64
	le.PutUint32(ehdr[20:], 1)
	le.PutUint64(ehdr[40:], shoff)
	le.PutUint16(ehdr[52:], ehdrSize)
	le.PutUint16(ehdr[58:], shdrSize)
	le.PutUint16(ehdr[60:], uint16(shnum))
	le.PutUint16(ehdr[62:], uint16(shstrtabIdx))
	out.Write(ehdr[:])
	out.Write(body.Bytes())

	for _, h := range headers {
		var raw [shdrSize]byte
		le.PutUint32(raw[0:], h.name)
		le.PutUint32(raw[4:], h.typ)
		le.PutUint64(raw[8:], h.flags)
		le.PutUint64(raw[16:], h.addr)
		le.PutUint64(raw[24:], h.offset)
		le.PutUint64(raw[32:], h.size)
		le.PutUint32(raw[40:], h.link)
		le.PutUint32(raw[44:], h.info)
		le.PutUint64(raw[48:], h.addralign)
		le.PutUint64(raw[56:], h.entsize)
		out.Write(raw[:])
	}
	return out.Bytes()
}
