package dso

import (
	"os"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/jitsym/jitsym/objfile"
	"github.com/jitsym/jitsym/symbolizer"
)

// Resolver symbolicates native addresses. Entries are created once per
// module base and never evicted; a module that fails to load is cached
// as nil so the failing path is not retried on every sample.
type Resolver struct {
	logger  log.Logger
	metrics *Metrics
	modules ModuleResolver

	// fsRoot is prepended to every path the resolver opens: "" for
	// the live filesystem, a sysroot when symbolicating another
	// system's binaries, a fixture tree in tests.
	fsRoot string

	mu      sync.Mutex
	entries map[uint64]*Entry
}

func NewResolver(logger log.Logger, metrics *Metrics, modules ModuleResolver, rootDir string) *Resolver {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Resolver{
		logger:  logger,
		metrics: metrics,
		modules: modules,
		fsRoot:  rootDir,
		entries: make(map[uint64]*Entry),
	}
}

// Entry is the loaded view of one native module. Immutable after
// construction except for the lazily built debug context and symbol
// table, which are guarded separately.
type Entry struct {
	Path  string
	Base  uint64
	Slide int64 // objectAddr = runtimeAddr + Slide

	file objfile.File // debug companion when found, else the binary

	infoMu   sync.Mutex
	info     *symbolizer.DWARFInfo
	infoDone bool

	symMu sync.RWMutex
	syms  []objfile.Symbol // sorted by Addr, built on first use
}

// Lookup symbolicates a native address, also reporting which module
// covered it. The boolean result is false only when no module covers
// the address; a module that cannot be read still yields one bare
// frame, since the enumerator proved native code lives there.
func (r *Resolver) Lookup(addr uint64, expandInline bool) ([]symbolizer.Frame, Module, bool) {
	mod, ok := r.modules.Resolve(addr)
	if !ok {
		r.metrics.Misses.Inc()
		return nil, Module{}, false
	}
	e := r.entry(mod)
	if e == nil {
		known := symbolizer.Frame{Func: mod.symbolHint(addr), FromNative: true}
		return symbolizer.Resolve(nil, addr, 0, known, expandInline), mod, true
	}
	objAddr := uint64(int64(addr) + e.Slide)

	known := symbolizer.Frame{FromNative: true}
	if sym, ok := e.SymbolAt(objAddr); ok {
		known.Func = sym.Name
	}
	frames := e.frames(objAddr, known, expandInline)
	if last := &frames[len(frames)-1]; last.Func == "" {
		// Debug info and the symbol table both came up empty; the
		// enumerator's own nearest-symbol report is the last resort.
		if hint := mod.symbolHint(addr); hint != "" {
			hinted := symbolizer.Resolve(nil, addr, 0, symbolizer.Frame{Func: hint, FromNative: true}, false)
			last.Func = hinted[0].Func
			last.FromNative = hinted[0].FromNative
		}
	}
	return frames, mod, true
}

// EntryFor exposes the cached module entry, loading it on first use.
func (r *Resolver) EntryFor(mod Module) *Entry {
	return r.entry(mod)
}

func (r *Resolver) entry(mod Module) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[mod.Base]; ok {
		return e
	}
	e, err := r.loadEntry(mod)
	if err != nil {
		level.Debug(r.logger).Log("msg", "cannot load module", "path", mod.Path, "err", err)
		r.metrics.LoadErrors.Inc()
		e = nil
	} else {
		r.metrics.Modules.Inc()
	}
	r.entries[mod.Base] = e
	return e
}

func (r *Resolver) loadEntry(mod Module) (*Entry, error) {
	data, err := os.ReadFile(r.fsRoot + mod.Path)
	if err != nil {
		return nil, err
	}
	f, err := objfile.Open(data)
	if err != nil {
		return nil, err
	}
	e := &Entry{
		Path:  mod.Path,
		Base:  mod.Base,
		Slide: int64(f.PreferredBase()) - int64(mod.Base),
		file:  f,
	}
	if dbg := r.findDebugFile(mod.Path, f); dbg != nil {
		// Keep the original's symbol table if the companion has none.
		if len(dbg.FunctionSymbols()) == 0 {
			e.syms = f.FunctionSymbols()
		}
		e.file = dbg
	}
	return e, nil
}

// SymbolAt finds the function symbol covering the object-file address,
// building the sorted table on first use.
func (e *Entry) SymbolAt(objAddr uint64) (objfile.Symbol, bool) {
	e.symMu.RLock()
	syms := e.syms
	e.symMu.RUnlock()
	if syms == nil {
		e.symMu.Lock()
		if e.syms == nil {
			e.syms = e.file.FunctionSymbols()
			if e.syms == nil {
				e.syms = []objfile.Symbol{}
			}
		}
		syms = e.syms
		e.symMu.Unlock()
	}
	i := sort.Search(len(syms), func(i int) bool {
		return syms[i].Addr > objAddr
	})
	if i == 0 {
		return objfile.Symbol{}, false
	}
	s := syms[i-1]
	if s.Size > 0 && objAddr >= s.Addr+s.Size {
		return objfile.Symbol{}, false
	}
	return s, true
}

func (e *Entry) frames(objAddr uint64, known symbolizer.Frame, expandInline bool) []symbolizer.Frame {
	e.infoMu.Lock()
	defer e.infoMu.Unlock()
	if !e.infoDone {
		e.infoDone = true
		if d, err := e.file.DWARF(); err == nil && d != nil {
			e.info = symbolizer.NewDWARFInfo(d)
		}
	}
	// Slide is already applied by the caller.
	return symbolizer.Resolve(e.info, objAddr, 0, known, expandInline)
}
