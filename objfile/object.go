package objfile

import (
	"debug/dwarf"

	"github.com/klauspost/compress/zstd"
)

// Shared codec state. EncodeAll/DecodeAll are safe for concurrent use.
var (
	zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	zstdDec, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

// CodeObject owns the bytes of one registered object file for the rest
// of the process lifetime: JIT code may be unwound or symbolicated at
// any future point, including from a signal handler, so the bytes are
// retained forever instead of reference counted. The bytes are kept
// zstd-compressed until first use and the object transitions
// compressed -> decompressed -> parsed, never backward.
//
// All state transitions must happen under the owning registry's lock.
type CodeObject struct {
	data             []byte
	uncompressedSize int // 0 once materialized (or never compressed)

	file    File
	fileErr bool
	info    *dwarf.Data
	infoErr bool
}

// NewCodeObject copies and compresses raw, trading CPU for resident
// memory since the object persists indefinitely.
func NewCodeObject(raw []byte) *CodeObject {
	if zstdEnc != nil {
		return &CodeObject{
			data:             zstdEnc.EncodeAll(raw, nil),
			uncompressedSize: len(raw),
		}
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return &CodeObject{data: cp}
}

// RetainedBytes reports how many bytes the object currently pins.
func (o *CodeObject) RetainedBytes() int { return len(o.data) }

// materialize decompresses the cached bytes. A decompression failure
// clears them for good: the object is treated as empty from then on
// rather than retried indefinitely.
func (o *CodeObject) materialize() {
	if o.uncompressedSize == 0 {
		return
	}
	unpacked, err := zstdDec.DecodeAll(o.data, make([]byte, 0, o.uncompressedSize))
	if err != nil {
		o.data = nil
	} else {
		o.data = unpacked
	}
	o.uncompressedSize = 0
}

// File returns the parsed object-file handle, materializing it on first
// use. A parse failure also clears the cached bytes.
func (o *CodeObject) File() (File, bool) {
	if o.file != nil {
		return o.file, true
	}
	if o.fileErr {
		return nil, false
	}
	o.materialize()
	if len(o.data) == 0 {
		o.fileErr = true
		return nil, false
	}
	f, err := Open(o.data)
	if err != nil {
		o.data = nil
		o.fileErr = true
		return nil, false
	}
	o.file = f
	return f, true
}

// DWARF returns the object's debug-info tables, constructed on first
// need and cached permanently.
func (o *CodeObject) DWARF() (*dwarf.Data, bool) {
	if o.info != nil {
		return o.info, true
	}
	if o.infoErr {
		return nil, false
	}
	f, ok := o.File()
	if !ok {
		o.infoErr = true
		return nil, false
	}
	d, err := f.DWARF()
	if err != nil {
		o.infoErr = true
		return nil, false
	}
	o.info = d
	return d, true
}
