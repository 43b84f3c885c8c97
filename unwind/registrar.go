package unwind

import (
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jitsym/jitsym/sigsafe"
)

// SystemUnwinder is the platform facility that consumes raw eh_frame
// registrations (libunwind's __register_frame or an equivalent).
// Implementations must tolerate duplicate deregistration.
type SystemUnwinder interface {
	Register(ehFrameAddr uint64, data []byte) error
	Deregister(ehFrameAddr uint64) error
}

// NopUnwinder satisfies SystemUnwinder on platforms with no frame
// registration hook; the side tables still serve FindFDE.
type NopUnwinder struct{}

func (NopUnwinder) Register(uint64, []byte) error { return nil }
func (NopUnwinder) Deregister(uint64) error       { return nil }

// Registrar owns the FDE side tables. Registration parses eagerly so
// that FindFDE does no allocation or parsing; lookups run under the
// signal-safe leaf lock. Deregistration detaches the system unwinder
// but keeps the table: a profiler may still hold samples pointing into
// freed code.
type Registrar struct {
	logger  log.Logger
	metrics *Metrics
	system  SystemUnwinder

	lock   sigsafe.Lock
	tables []*Table // ascending StartIP
}

func NewRegistrar(logger log.Logger, metrics *Metrics, system SystemUnwinder) *Registrar {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if system == nil {
		system = NopUnwinder{}
	}
	return &Registrar{logger: logger, metrics: metrics, system: system}
}

// RegisterRange indexes the eh_frame bytes loaded at base and hands
// them to the system unwinder.
func (g *Registrar) RegisterRange(data []byte, base uint64) error {
	table, err := BuildTable(data, base)
	if err != nil {
		g.metrics.Errors.Inc()
		return err
	}
	if err := g.system.Register(base, data); err != nil {
		level.Error(g.logger).Log("msg", "system unwinder registration failed", "base", base, "err", err)
		g.metrics.Errors.Inc()
		// The side table is still installed; FindFDE keeps working.
	}

	t := g.lock.Acquire()
	i := sort.Search(len(g.tables), func(i int) bool {
		return g.tables[i].StartIP >= table.StartIP
	})
	g.tables = append(g.tables, nil)
	copy(g.tables[i+1:], g.tables[i:])
	g.tables[i] = table
	g.lock.Release(t)

	g.metrics.Tables.Inc()
	g.metrics.FDEs.Add(float64(len(table.Entries)))
	level.Debug(g.logger).Log("msg", "registered eh_frame range", "base", base, "fdes", len(table.Entries))
	return nil
}

// DeregisterRange removes the range from the system unwinder only. The
// side table stays resolvable forever.
func (g *Registrar) DeregisterRange(base uint64) error {
	return g.system.Deregister(base)
}

// FindFDE returns the runtime address of the FDE covering ip. Safe to
// call concurrently with registration; does bounded work and no
// allocation.
func (g *Registrar) FindFDE(ip uint64) (uint64, bool) {
	t := g.lock.Acquire()
	defer g.lock.Release(t)
	i := sort.Search(len(g.tables), func(i int) bool {
		return g.tables[i].StartIP > ip
	})
	if i == 0 {
		return 0, false
	}
	// Ranges are disjoint, so only the predecessor can cover ip.
	return g.tables[i-1].FindFDE(ip)
}

type Metrics struct {
	Tables prometheus.Counter
	FDEs   prometheus.Counter
	Errors prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Tables: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jitsym_unwind_tables_total",
			Help: "eh_frame regions indexed.",
		}),
		FDEs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jitsym_unwind_fdes_total",
			Help: "FDE records indexed across all regions.",
		}),
		Errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jitsym_unwind_errors_total",
			Help: "eh_frame registrations that failed to parse or install.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Tables, m.FDEs, m.Errors)
	}
	return m
}
