// Package jitsym symbolicates addresses in a process that mixes
// JIT-compiled code, precompiled images and native libraries. The
// registry half ingests object files as the JIT emits them; the lookup
// half turns sampled instruction pointers into source-level frames.
package jitsym

import (
	"sort"

	"github.com/go-kit/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jitsym/jitsym/dso"
	"github.com/jitsym/jitsym/objfile"
	"github.com/jitsym/jitsym/registry"
	"github.com/jitsym/jitsym/symbolizer"
	"github.com/jitsym/jitsym/unwind"
)

// ErrNotFound reports that no registered or native code covers the
// address.
var ErrNotFound = errors.New("no code found at address")

type Service struct {
	cfg     Config
	logger  log.Logger
	metrics *serviceMetrics

	Registry *registry.Registry
	Native   *dso.Resolver
	Unwind   *unwind.Registrar

	cache *lru.Cache[lookupKey, []symbolizer.Frame]
}

type lookupKey struct {
	addr         uint64
	skipNative   bool
	expandInline bool
}

// New wires the subsystems together. modules may be nil, in which case
// native resolution uses the process map; reg may be nil to skip
// metrics registration.
func New(cfg Config, logger log.Logger, reg prometheus.Registerer, modules dso.ModuleResolver) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if modules == nil {
		pr, err := dso.NewProcResolver()
		if err != nil {
			return nil, errors.Wrap(err, "module resolver")
		}
		modules = pr
	}
	s := &Service{
		cfg:      cfg,
		logger:   logger,
		metrics:  newServiceMetrics(reg),
		Registry: registry.New(log.With(logger, "component", "registry"), registry.NewMetrics(reg)),
		Native:   dso.NewResolver(log.With(logger, "component", "dso"), dso.NewMetrics(reg), modules, cfg.DebugFileRoot),
		Unwind:   unwind.NewRegistrar(log.With(logger, "component", "unwind"), unwind.NewMetrics(reg), nil),
	}
	if cfg.FrameCacheSize > 0 {
		cache, err := lru.New[lookupKey, []symbolizer.Frame](cfg.FrameCacheSize)
		if err != nil {
			return nil, err
		}
		s.cache = cache
	}
	return s, nil
}

// Lookup symbolicates one instruction pointer using the configured
// defaults for native skipping and inline expansion.
func (s *Service) Lookup(addr uint64) ([]symbolizer.Frame, error) {
	return s.LookupFrames(addr, s.cfg.SkipNative, s.cfg.ExpandInline)
}

// LookupFrames symbolicates one instruction pointer, innermost frame
// first. JIT code wins over native code; misses return ErrNotFound.
func (s *Service) LookupFrames(addr uint64, skipNative, expandInline bool) ([]symbolizer.Frame, error) {
	key := lookupKey{addr: addr, skipNative: skipNative, expandInline: expandInline}
	if s.cache != nil {
		if frames, ok := s.cache.Get(key); ok {
			s.metrics.cacheHits.Inc()
			// Callers may mutate the result; never hand out the
			// cached slice itself.
			return append([]symbolizer.Frame(nil), frames...), nil
		}
	}
	frames, outcome, err := s.lookup(addr, skipNative, expandInline)
	s.metrics.lookups.WithLabelValues(outcome).Inc()
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Add(key, append([]symbolizer.Frame(nil), frames...))
	}
	return frames, nil
}

func (s *Service) lookup(addr uint64, skipNative, expandInline bool) ([]symbolizer.Frame, string, error) {
	if ref, ok := s.Registry.FindSection(addr); ok {
		return s.lookupJIT(addr, ref, expandInline), "jit", nil
	}
	if skipNative {
		return []symbolizer.Frame{{FromNative: true}}, "native_skipped", nil
	}
	frames, mod, ok := s.Native.Lookup(addr, expandInline)
	if !ok {
		return nil, "miss", ErrNotFound
	}
	s.recoverImageInstance(addr, mod, frames)
	return frames, "native", nil
}

func (s *Service) lookupJIT(addr uint64, ref registry.SectionRef, expandInline bool) []symbolizer.Frame {
	objAddr := uint64(int64(addr) + ref.Entry.Slide)
	known := symbolizer.Frame{
		Func: symbolNameAt(ref.Symbols, objAddr),
		Inst: s.Registry.LookupCodeInstance(addr),
	}
	var frames []symbolizer.Frame
	// DWARF queries mutate the per-object caches, which the registry
	// lock guards.
	s.Registry.WithProfileLock(func() {
		frames = symbolizer.Resolve(ref.Info, addr, ref.Entry.Slide, known, expandInline)
	})
	return frames
}

// RegisterUnwindRange indexes the eh_frame records of a JIT code block
// and installs them with the system unwinder.
func (s *Service) RegisterUnwindRange(ehFrame []byte, base uint64) error {
	return s.Unwind.RegisterRange(ehFrame, base)
}

// DeregisterUnwindRange detaches a code block from the system
// unwinder. The side table is retained; see unwind.Registrar.
func (s *Service) DeregisterUnwindRange(base uint64) error {
	return s.Unwind.DeregisterRange(base)
}

// RegisterStaticImage records the entry-point tables of a precompiled
// image so its addresses resolve to code instances.
func (s *Service) RegisterStaticImage(base uint64, info registry.ImageInfo) {
	s.Registry.RegisterImage(base, info)
}

// recoverImageInstance attaches the owning code instance to the
// concrete frame when the address falls in a registered precompiled
// image. Image code has no per-function registration; the instance is
// found through the image's entry-point tables.
func (s *Service) recoverImageInstance(addr uint64, mod dso.Module, frames []symbolizer.Frame) {
	if len(frames) == 0 {
		return
	}
	img, ok := s.Registry.ImageInfoAt(mod.Base)
	if !ok {
		return
	}
	e := s.Native.EntryFor(mod)
	if e == nil {
		return
	}
	sym, ok := e.SymbolAt(uint64(int64(addr) + e.Slide))
	if !ok {
		return
	}
	entryAddr := uint64(int64(sym.Addr) - e.Slide)
	if inst := img.InstanceForEntry(entryAddr); inst != nil {
		last := &frames[len(frames)-1]
		last.Inst = inst
		last.FromNative = false
	}
}

func symbolNameAt(syms []objfile.Symbol, objAddr uint64) string {
	i := sort.Search(len(syms), func(i int) bool {
		return syms[i].Addr > objAddr
	})
	if i == 0 {
		return ""
	}
	s := syms[i-1]
	if s.Size > 0 && objAddr >= s.Addr+s.Size {
		return ""
	}
	return s.Name
}

type serviceMetrics struct {
	lookups   *prometheus.CounterVec
	cacheHits prometheus.Counter
}

func newServiceMetrics(reg prometheus.Registerer) *serviceMetrics {
	m := &serviceMetrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jitsym_lookups_total",
			Help: "Address lookups by outcome.",
		}, []string{"outcome"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jitsym_frame_cache_hits_total",
			Help: "Lookups served from the frame cache.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.lookups, m.cacheHits)
	}
	return m
}
