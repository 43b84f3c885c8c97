package unwind

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// DWARF exception-header pointer encodings, per the LSB. The low
// nibble is the value format, the high nibble how it is applied.
const (
	peAbsptr  = 0x00
	peULEB128 = 0x01
	peUData2  = 0x02
	peUData4  = 0x03
	peUData8  = 0x04
	peSLEB128 = 0x09
	peSData2  = 0x0a
	peSData4  = 0x0b
	peSData8  = 0x0c
	peOmit    = 0xff

	pePCRel = 0x10

	peFormatMask = 0x0f
	peApplyMask  = 0x70
)

var errUnsupportedEncoding = errors.New("unsupported eh_frame pointer encoding")

// uleb decodes an unsigned LEB128 at buf[off:], returning the value
// and the offset past it.
func uleb(buf []byte, off int) (uint64, int) {
	var v uint64
	var shift uint
	for off < len(buf) {
		b := buf[off]
		off++
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	return v, off
}

// sleb decodes a signed LEB128 at buf[off:].
func sleb(buf []byte, off int) (int64, int) {
	var v int64
	var shift uint
	for off < len(buf) {
		b := buf[off]
		off++
		v |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if b&0x40 != 0 && shift < 64 {
				v |= -1 << shift
			}
			break
		}
	}
	return v, off
}

// readEncoded reads one encoded pointer from buf[off:]. pc is the
// runtime address of the field itself, used for PC-relative values.
func readEncoded(buf []byte, off int, enc byte, pc uint64) (uint64, int, error) {
	if enc == peOmit {
		return 0, off, nil
	}
	var v uint64
	switch enc & peFormatMask {
	case peAbsptr, peUData8:
		if off+8 > len(buf) {
			return 0, off, errors.New("eh_frame truncated pointer")
		}
		v = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	case peUData4:
		if off+4 > len(buf) {
			return 0, off, errors.New("eh_frame truncated pointer")
		}
		v = uint64(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	case peUData2:
		if off+2 > len(buf) {
			return 0, off, errors.New("eh_frame truncated pointer")
		}
		v = uint64(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
	case peSData8:
		if off+8 > len(buf) {
			return 0, off, errors.New("eh_frame truncated pointer")
		}
		v = uint64(int64(binary.LittleEndian.Uint64(buf[off:])))
		off += 8
	case peSData4:
		if off+4 > len(buf) {
			return 0, off, errors.New("eh_frame truncated pointer")
		}
		v = uint64(int64(int32(binary.LittleEndian.Uint32(buf[off:]))))
		off += 4
	case peSData2:
		if off+2 > len(buf) {
			return 0, off, errors.New("eh_frame truncated pointer")
		}
		v = uint64(int64(int16(binary.LittleEndian.Uint16(buf[off:]))))
		off += 2
	case peULEB128:
		v, off = uleb(buf, off)
	case peSLEB128:
		var s int64
		s, off = sleb(buf, off)
		v = uint64(s)
	default:
		return 0, off, errUnsupportedEncoding
	}
	switch enc & peApplyMask {
	case 0:
	case pePCRel:
		v += pc
	default:
		return 0, off, errUnsupportedEncoding
	}
	return v, off, nil
}

// encodedSize reports the byte width of a fixed-size encoding, or -1
// for variable-length ones.
func encodedSize(enc byte) int {
	switch enc & peFormatMask {
	case peAbsptr, peUData8, peSData8:
		return 8
	case peUData4, peSData4:
		return 4
	case peUData2, peSData2:
		return 2
	}
	return -1
}
