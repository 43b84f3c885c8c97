// Package dso resolves addresses in native code: shared objects and
// the main executable. It discovers separate debug files the way gdb
// does (build-id paths, .gnu_debuglink, dSYM bundles, embedded
// minidebug) and caches one immutable entry per loaded module.
package dso

import (
	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
)

// Module is a loaded native binary: where it sits and what file backs
// it.
type Module struct {
	Path string
	Base uint64

	// Symbol is an optional nearest-symbol report from the enumeration
	// primitive. Some platforms produce untrustworthy names for local
	// symbols, so it is consulted only after both debug info and the
	// module's own symbol table fail.
	Symbol ModuleSymbol
}

// ModuleSymbol is the enumerator's nearest exported symbol at or below
// the queried address.
type ModuleSymbol struct {
	Name string
	Addr uint64
}

// symbolHint returns the enumerator-reported name when it plausibly
// covers addr.
func (m Module) symbolHint(addr uint64) string {
	if m.Symbol.Name == "" || addr < m.Symbol.Addr {
		return ""
	}
	return m.Symbol.Name
}

// ModuleResolver maps a runtime address to the module containing it.
type ModuleResolver interface {
	Resolve(addr uint64) (Module, bool)
}

// ProcResolver resolves modules from /proc/self/maps. Mappings are
// re-read on every miss since libraries load at any time.
type ProcResolver struct {
	proc procfs.Proc
}

func NewProcResolver() (*ProcResolver, error) {
	proc, err := procfs.Self()
	if err != nil {
		return nil, errors.Wrap(err, "open procfs")
	}
	return &ProcResolver{proc: proc}, nil
}

func (p *ProcResolver) Resolve(addr uint64) (Module, bool) {
	maps, err := p.proc.ProcMaps()
	if err != nil {
		return Module{}, false
	}
	for _, m := range maps {
		if addr < uint64(m.StartAddr) || addr >= uint64(m.EndAddr) {
			continue
		}
		if m.Pathname == "" || !m.Perms.Execute {
			return Module{}, false
		}
		// The text mapping's start minus its file offset recovers the
		// load base shared by all of the module's segments.
		return Module{
			Path: m.Pathname,
			Base: uint64(m.StartAddr) - uint64(m.Offset),
		}, true
	}
	return Module{}, false
}

// StaticResolver serves a fixed module list; used in tests and on
// platforms where the process map cannot be trusted.
type StaticResolver struct {
	Modules []StaticModule
}

type StaticModule struct {
	Module
	End uint64
}

func (s *StaticResolver) Resolve(addr uint64) (Module, bool) {
	for _, m := range s.Modules {
		if addr >= m.Base && addr < m.End {
			return m.Module, true
		}
	}
	return Module{}, false
}
