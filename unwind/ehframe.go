// Package unwind indexes the .eh_frame data of JIT-compiled code so a
// stack unwinder can find the FDE covering any instruction pointer,
// including from a signal handler. Tables are kept for the process
// lifetime; deregistration only detaches the system unwinder.
package unwind

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

// TableEntry locates one FDE inside its eh_frame region. Offsets are
// relative to the region base so an entry fits in two words.
type TableEntry struct {
	StartIPOffset int32
	FDEOffset     int32
}

// Table is the sorted FDE index of one registered eh_frame region.
type Table struct {
	Base    uint64 // runtime address of the eh_frame bytes
	StartIP uint64
	EndIP   uint64
	Entries []TableEntry // ascending StartIPOffset
}

// BuildTable scans the eh_frame bytes loaded at base and produces the
// FDE lookup table. CIEs define the pointer encoding of the FDEs that
// reference them; records after a zero-length terminator are ignored.
func BuildTable(data []byte, base uint64) (*Table, error) {
	t := &Table{Base: base, StartIP: ^uint64(0)}
	cieEncodings := make(map[int]byte)

	p := 0
	for p+4 <= len(data) {
		length := int(binary.LittleEndian.Uint32(data[p:]))
		if length == 0 {
			break
		}
		next := p + 4 + length
		if next > len(data) || length < 4 {
			return nil, errors.Errorf("eh_frame record at %#x overruns the section", p)
		}
		cieID := binary.LittleEndian.Uint32(data[p+4:])
		if cieID == 0 {
			enc, err := parseCIE(data[p+8 : next])
			if err != nil {
				return nil, errors.Wrapf(err, "eh_frame CIE at %#x", p)
			}
			cieEncodings[p] = enc
		} else {
			// The CIE pointer counts back from its own field.
			ciePos := p + 4 - int(cieID)
			enc, ok := cieEncodings[ciePos]
			if !ok {
				return nil, errors.Errorf("eh_frame FDE at %#x references unknown CIE %#x", p, ciePos)
			}
			start, size, err := parseFDE(data, p+8, enc, base)
			if err != nil {
				return nil, errors.Wrapf(err, "eh_frame FDE at %#x", p)
			}
			if size > 0 {
				t.Entries = append(t.Entries, TableEntry{
					StartIPOffset: int32(int64(start) - int64(base)),
					FDEOffset:     int32(p),
				})
				if start < t.StartIP {
					t.StartIP = start
				}
				if start+size > t.EndIP {
					t.EndIP = start + size
				}
			}
		}
		p = next
	}
	if len(t.Entries) == 0 {
		return nil, errors.New("eh_frame contains no FDEs")
	}
	sort.Slice(t.Entries, func(i, j int) bool {
		return t.Entries[i].StartIPOffset < t.Entries[j].StartIPOffset
	})
	return t, nil
}

// parseCIE extracts the FDE pointer encoding from a CIE body (starting
// after the length and CIE-id fields). Without a 'zR' augmentation the
// encoding defaults to native-width absolute.
func parseCIE(body []byte) (byte, error) {
	if len(body) < 2 {
		return 0, errors.New("truncated CIE")
	}
	version := body[0]
	if version != 1 && version != 3 {
		return 0, errors.Errorf("unsupported CIE version %d", version)
	}
	// Augmentation string.
	augStart := 1
	augEnd := augStart
	for augEnd < len(body) && body[augEnd] != 0 {
		augEnd++
	}
	if augEnd == len(body) {
		return 0, errors.New("unterminated CIE augmentation")
	}
	aug := string(body[augStart:augEnd])
	off := augEnd + 1

	_, off = uleb(body, off) // code alignment
	_, off = sleb(body, off) // data alignment
	if version == 1 {
		off++ // return address register, single byte
	} else {
		_, off = uleb(body, off)
	}

	if len(aug) == 0 || aug[0] != 'z' {
		return peAbsptr, nil
	}
	_, off = uleb(body, off) // augmentation data length
	for _, c := range aug[1:] {
		switch c {
		case 'R':
			if off >= len(body) {
				return 0, errors.New("truncated CIE augmentation data")
			}
			return body[off], nil
		case 'L':
			off++
		case 'P':
			if off >= len(body) {
				return 0, errors.New("truncated CIE augmentation data")
			}
			penc := body[off]
			off++
			if n := encodedSize(penc); n > 0 {
				off += n
			} else {
				_, off = uleb(body, off)
			}
		default:
			return 0, errors.Errorf("unsupported CIE augmentation %q", aug)
		}
	}
	return peAbsptr, nil
}

// parseFDE decodes the initial-location and range fields of an FDE
// whose body starts at off. The range is always encoded with the value
// format alone, never PC-relative.
func parseFDE(data []byte, off int, enc byte, base uint64) (start, size uint64, err error) {
	start, off, err = readEncoded(data, off, enc, base+uint64(off))
	if err != nil {
		return 0, 0, err
	}
	size, _, err = readEncoded(data, off, enc&peFormatMask, 0)
	if err != nil {
		return 0, 0, err
	}
	return start, size, nil
}

// FindFDE locates the FDE covering ip, returning the runtime address
// of its record.
func (t *Table) FindFDE(ip uint64) (uint64, bool) {
	if ip < t.StartIP || ip >= t.EndIP {
		return 0, false
	}
	rel := int32(int64(ip) - int64(t.Base))
	i := sort.Search(len(t.Entries), func(i int) bool {
		return t.Entries[i].StartIPOffset > rel
	})
	if i == 0 {
		return 0, false
	}
	return t.Base + uint64(t.Entries[i-1].FDEOffset), true
}
