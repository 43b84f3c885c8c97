package objfile

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
)

// DebugLink reads the .gnu_debuglink section: a NUL-terminated file
// name, padded to a 4-byte boundary, followed by the CRC32 of the
// companion debug file.
func DebugLink(f File) (name string, crc uint32, ok bool) {
	data, err := f.SectionData(".gnu_debuglink")
	if err != nil || len(data) < 6 {
		return "", 0, false
	}
	name = cString(data)
	crcOff := align4(len(name) + 1)
	if crcOff+4 > len(data) {
		return "", 0, false
	}
	return name, binary.LittleEndian.Uint32(data[crcOff : crcOff+4]), true
}

// DebugLinkCRC is the checksum .gnu_debuglink validates companion
// files against (plain CRC-32/IEEE, same polynomial as gdb uses).
func DebugLinkCRC(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

var ErrNoBuildID = fmt.Errorf("build ID section not found")

// GNUBuildID returns the hex-encoded GNU build ID note, if present.
func GNUBuildID(f File) (string, error) {
	data, err := f.SectionData(".note.gnu.build-id")
	if err != nil {
		return "", ErrNoBuildID
	}
	if len(data) < 16 {
		return "", fmt.Errorf(".note.gnu.build-id is too small")
	}
	if !bytes.Equal([]byte("GNU"), data[12:15]) {
		return "", fmt.Errorf(".note.gnu.build-id is not a GNU build-id")
	}
	raw := data[16:]
	if len(raw) != 20 && len(raw) != 8 { // 8 is xxhash, seen on Container-Optimized OS
		return "", fmt.Errorf(".note.gnu.build-id has wrong size %d", len(raw))
	}
	return hex.EncodeToString(raw), nil
}

func align4(n int) int { return (n + 3) &^ 3 }

func cString(bs []byte) string {
	i := 0
	for ; i < len(bs); i++ {
		if bs[i] == 0 {
			break
		}
	}
	return string(bs[:i])
}
