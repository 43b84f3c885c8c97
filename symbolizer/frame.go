// Package symbolizer turns code addresses into source-level frames
// using DWARF line and inlining tables, expanding inlined calls and
// demangling the JIT's symbol naming scheme.
package symbolizer

// InvalidName is the sentinel some debug-info producers emit for a
// missing function or file name. It is treated as absent.
const InvalidName = "<invalid>"

// specializationSep terminates the per-specialization disambiguation
// tag appended to inlined function names. The tag only matters for the
// innermost symbol-table lookup, not for source display.
const specializationSep = ';'

// Frame is one entry of a symbolicated stack, innermost first.
type Frame struct {
	Func string
	File string
	Line int

	// FromNative marks frames owned by foreign/native code rather
	// than the JIT.
	FromNative bool
	// Inlined marks frames reconstructed from inlining records; the
	// last frame of an expansion is the concrete function.
	Inlined bool

	// Inst is the opaque language-level code-instance handle owning
	// the concrete frame, when known.
	Inst any
}

// Resolve expands the already-known innermost frame using the object's
// debug info. With no usable line information it falls back to
// demangling whatever name the known frame carries. With inlining the
// result places the known (concrete) frame last and newly resolved
// inlined frames before it, innermost first.
//
// The DWARFInfo mutates internal caches on every query; callers must
// serialize calls for a given info across threads.
func Resolve(info *DWARFInfo, pc uint64, slide int64, known Frame, expandInline bool) []Frame {
	if info == nil {
		return []Frame{demangleFallback(known)}
	}
	lines, ok := info.SourceLines(uint64(int64(pc) + slide))
	if !ok || len(lines) == 0 {
		// No line info for this address (e.g. a foreign symbol).
		return []Frame{demangleFallback(known)}
	}
	if !expandInline && len(lines) > 1 {
		// Keep the concrete function, but the source position of
		// the sampled address.
		concrete := lines[len(lines)-1]
		concrete.File = lines[0].File
		concrete.Line = lines[0].Line
		lines = []lineFrame{concrete}
	}
	n := len(lines)
	frames := make([]Frame, n)
	for i, lf := range lines {
		fr := Frame{
			Func:       lf.Name,
			File:       lf.File,
			Line:       lf.Line,
			FromNative: known.FromNative,
		}
		if i == n-1 {
			fr.Inst = known.Inst
			if fr.Func == "" || fr.Func == InvalidName {
				fr.Func = known.Func
			}
		} else {
			fr.Inlined = true
			if !fr.FromNative {
				fr.Func = trimSpecialization(fr.Func)
			}
		}
		if fr.Func == InvalidName {
			fr.Func = ""
		}
		if fr.Func == "" {
			fr.FromNative = true
		}
		if fr.File == InvalidName {
			fr.File = ""
		}
		frames[i] = fr
	}
	return frames
}

// demangleFallback is the no-context path: at most demangle the name we
// already have and classify the frame.
func demangleFallback(known Frame) Frame {
	fr := known
	if fr.Func == InvalidName {
		fr.Func = ""
	}
	if fr.Func == "" {
		// Hide anonymous wrapper thunks from managed backtraces.
		fr.FromNative = true
		return fr
	}
	if stripped, isJIT := DemangleJIT(fr.Func); isJIT {
		fr.Func = stripped
		fr.FromNative = false
		return fr
	}
	fr.Func = DemangleForeign(fr.Func)
	fr.FromNative = true
	return fr
}

func trimSpecialization(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == specializationSep {
			return name[:i]
		}
	}
	return name
}
