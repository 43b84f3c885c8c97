package jitsym

import (
	"github.com/google/pprof/profile"

	"github.com/jitsym/jitsym/symbolizer"
)

// Sample is one sampled stack, leaf address first.
type Sample struct {
	Stack []uint64
	Value int64
}

// Profile symbolicates the samples into a pprof profile. Addresses no
// code covers become locations without line information instead of
// failing the export.
func (s *Service) Profile(samples []Sample) (*profile.Profile, error) {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
	}
	mapping := &profile.Mapping{ID: 1, File: "[jit]"}
	p.Mapping = []*profile.Mapping{mapping}

	locs := make(map[uint64]*profile.Location)
	funcs := make(map[string]*profile.Function)

	location := func(addr uint64) *profile.Location {
		if loc, ok := locs[addr]; ok {
			return loc
		}
		loc := &profile.Location{
			ID:      uint64(len(p.Location) + 1),
			Mapping: mapping,
			Address: addr,
		}
		frames, err := s.Lookup(addr)
		if err == nil {
			for _, fr := range frames {
				loc.Line = append(loc.Line, profile.Line{
					Function: internFunction(p, funcs, fr),
					Line:     int64(fr.Line),
				})
			}
		}
		p.Location = append(p.Location, loc)
		locs[addr] = loc
		return loc
	}

	for _, sm := range samples {
		ps := &profile.Sample{Value: []int64{sm.Value}}
		for _, addr := range sm.Stack {
			ps.Location = append(ps.Location, location(addr))
		}
		p.Sample = append(p.Sample, ps)
	}
	return p, nil
}

func internFunction(p *profile.Profile, funcs map[string]*profile.Function, fr symbolizer.Frame) *profile.Function {
	key := fr.Func + "\x00" + fr.File
	if fn, ok := funcs[key]; ok {
		return fn
	}
	fn := &profile.Function{
		ID:       uint64(len(p.Function) + 1),
		Name:     fr.Func,
		Filename: fr.File,
	}
	p.Function = append(p.Function, fn)
	funcs[key] = fn
	return fn
}
