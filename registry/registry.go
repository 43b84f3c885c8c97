// Package registry stores JIT-compiled object blobs and maps load
// addresses back to the owning blob, section and compiled method. All
// registered state is retained for the process lifetime so that any
// address that was ever executable stays symbolicatable, including
// from a profiling signal handler.
package registry

import (
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/jitsym/jitsym/objfile"
	"github.com/jitsym/jitsym/sigsafe"
	"github.com/jitsym/jitsym/symbolizer"
)

// SectionEntry maps one loaded text section to its owning object.
// Slide translates a runtime pointer back into the object file's
// native section-relative addressing.
type SectionEntry struct {
	LoadAddr     uint64
	Size         uint64
	Slide        int64 // sectionAddr - loadAddr
	SectionIndex int
	Object       *objfile.CodeObject
}

// SectionRef is a section match with the object's lazily materialized
// handles resolved.
type SectionRef struct {
	Entry   SectionEntry
	File    objfile.File
	Symbols []objfile.Symbol
	Info    *symbolizer.DWARFInfo // nil when the object carries no DWARF
}

// instRange is the coarse "which compiled method owns this PC" index
// entry, kept separately from the section index.
type instRange struct {
	start uint64
	size  uint64
	inst  any
}

type Registry struct {
	logger  log.Logger
	metrics *Metrics

	// Leaf lock; see sigsafe. Protects sections, instRanges, every
	// CodeObject state transition and every DWARF context query.
	lock sigsafe.Lock

	sections   []SectionEntry // ascending LoadAddr, ranges disjoint
	instRanges []instRange    // ascending start

	// contexts and symbols cache per-object parse results so repeat
	// lookups stay bounded.
	contexts map[*objfile.CodeObject]*symbolizer.DWARFInfo
	symbols  map[*objfile.CodeObject][]objfile.Symbol

	pendingMu sync.Mutex
	pending   map[string]any // mangled name -> code instance

	imagesMu sync.Mutex
	images   map[uint64]ImageInfo
}

func New(logger log.Logger, metrics *Metrics) *Registry {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Registry{
		logger:   logger,
		metrics:  metrics,
		contexts: make(map[*objfile.CodeObject]*symbolizer.DWARFInfo),
		symbols:  make(map[*objfile.CodeObject][]objfile.Symbol),
		pending:  make(map[string]any),
		images:   make(map[uint64]ImageInfo),
	}
}

// AddCodeInFlight records that the JIT is about to emit a function with
// the given mangled symbol name on behalf of inst. The binding is
// consumed by the next RegisterObject that defines the symbol.
func (r *Registry) AddCodeInFlight(mangled string, inst any) {
	r.pendingMu.Lock()
	r.pending[mangled] = inst
	r.pendingMu.Unlock()
}

func (r *Registry) takePending(mangled string) (any, bool) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	inst, ok := r.pending[mangled]
	if ok {
		delete(r.pending, mangled)
	}
	return inst, ok
}

// RegisterObject indexes a fully linked in-memory object file emitted
// by the JIT. loadAddr maps a section name to its final load address.
// Objects with no function symbols are ignored; objects yielding no
// usable text section are discarded without leaving registry entries.
func (r *Registry) RegisterObject(data []byte, loadAddr func(section string) (uint64, bool)) {
	f, err := objfile.Open(data)
	if err != nil {
		level.Error(r.logger).Log("msg", "cannot parse jit object", "err", err)
		r.metrics.RegisterErrors.WithLabelValues("parse").Inc()
		return
	}
	funcs := f.FunctionSymbols()
	if len(funcs) == 0 {
		// Non-code blob; keep it out of the index.
		return
	}

	texts := f.TextSections()
	sectionByIndex := make(map[int]objfile.Section, len(texts))
	for _, sec := range texts {
		sectionByIndex[sec.Index] = sec
	}

	obj := objfile.NewCodeObject(data)

	var entries []SectionEntry
	seen := make(map[int]bool)
	var bindings []instRange

	for _, sym := range funcs {
		sec, ok := sectionByIndex[sym.Section]
		if !ok {
			continue
		}
		load, ok := loadAddr(sec.Name)
		if !ok || load == 0 {
			continue
		}
		addr := sym.Addr + (load - sec.Addr)
		if inst, ok := r.takePending(sym.Name); ok {
			bindings = append(bindings, instRange{start: addr, size: sym.Size, inst: inst})
		}
		if !seen[sym.Section] {
			seen[sym.Section] = true
			entries = append(entries, SectionEntry{
				LoadAddr:     load,
				Size:         sec.Size,
				Slide:        int64(sec.Addr) - int64(load),
				SectionIndex: sym.Section,
				Object:       obj,
			})
		}
	}
	if len(entries) == 0 {
		// No usable section; drop the blob so nothing dangles.
		r.metrics.RegisterErrors.WithLabelValues("no_section").Inc()
		return
	}

	t := r.lock.Acquire()
	for _, e := range entries {
		r.insertSection(e)
	}
	for _, b := range bindings {
		r.insertInstRange(b)
	}
	r.lock.Release(t)

	r.metrics.Objects.Inc()
	r.metrics.Sections.Add(float64(len(entries)))
	r.metrics.RetainedBytes.Add(float64(obj.RetainedBytes()))
	level.Debug(r.logger).Log("msg", "registered jit object", "sections", len(entries), "bytes", obj.RetainedBytes())
}

func (r *Registry) insertSection(e SectionEntry) {
	i := sort.Search(len(r.sections), func(i int) bool {
		return r.sections[i].LoadAddr >= e.LoadAddr
	})
	r.sections = append(r.sections, SectionEntry{})
	copy(r.sections[i+1:], r.sections[i:])
	r.sections[i] = e
}

func (r *Registry) insertInstRange(b instRange) {
	i := sort.Search(len(r.instRanges), func(i int) bool {
		return r.instRanges[i].start >= b.start
	})
	r.instRanges = append(r.instRanges, instRange{})
	copy(r.instRanges[i+1:], r.instRanges[i:])
	r.instRanges[i] = b
}

// FindSection resolves the section owning addr, materializing the
// object handle and its debug context under the registry lock. The
// boolean result distinguishes a miss from a match without debug info
// (Info == nil).
func (r *Registry) FindSection(addr uint64) (SectionRef, bool) {
	t := r.lock.Acquire()
	defer r.lock.Release(t)

	e, ok := r.findSectionLocked(addr)
	if !ok {
		return SectionRef{}, false
	}
	ref := SectionRef{Entry: e}
	before := e.Object.RetainedBytes()
	if f, ok := e.Object.File(); ok {
		ref.File = f
		if syms, ok := r.symbols[e.Object]; ok {
			ref.Symbols = syms
		} else {
			ref.Symbols = f.FunctionSymbols()
			r.symbols[e.Object] = ref.Symbols
		}
		if info, ok := r.contexts[e.Object]; ok {
			ref.Info = info
		} else if data, ok := e.Object.DWARF(); ok {
			ref.Info = symbolizer.NewDWARFInfo(data)
			r.contexts[e.Object] = ref.Info
		}
	}
	if after := e.Object.RetainedBytes(); after != before {
		r.metrics.RetainedBytes.Add(float64(after - before))
	}
	return ref, true
}

func (r *Registry) findSectionLocked(addr uint64) (SectionEntry, bool) {
	i := sort.Search(len(r.sections), func(i int) bool {
		return r.sections[i].LoadAddr > addr
	})
	if i == 0 {
		return SectionEntry{}, false
	}
	e := r.sections[i-1]
	if addr >= e.LoadAddr+e.Size {
		return SectionEntry{}, false
	}
	return e, true
}

// LookupCodeInstance answers which compiled method owns pc, using the
// coarse per-function index.
func (r *Registry) LookupCodeInstance(pc uint64) any {
	t := r.lock.Acquire()
	defer r.lock.Release(t)
	i := sort.Search(len(r.instRanges), func(i int) bool {
		return r.instRanges[i].start > pc
	})
	if i == 0 {
		return nil
	}
	b := r.instRanges[i-1]
	if pc >= b.start+b.size {
		return nil
	}
	return b.inst
}

// UnwindLookup reports the load address of the registered section
// containing pc, or 0. Unwinders use it to decide whether a PC belongs
// to JIT code.
func (r *Registry) UnwindLookup(pc uint64) uint64 {
	t := r.lock.Acquire()
	defer r.lock.Release(t)
	e, ok := r.findSectionLocked(pc)
	if !ok {
		return 0
	}
	return e.LoadAddr
}

// WithProfileLock runs f under the registry leaf lock. It exists for
// the resolver's DWARF queries, which share the lock with the index;
// f must stay bounded and must not re-enter the registry.
func (r *Registry) WithProfileLock(f func()) {
	t := r.lock.Acquire()
	f()
	r.lock.Release(t)
}
