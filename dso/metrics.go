package dso

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Modules    prometheus.Counter
	LoadErrors prometheus.Counter
	Misses     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Modules: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jitsym_dso_modules_total",
			Help: "Native modules loaded into the resolver cache.",
		}),
		LoadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jitsym_dso_load_errors_total",
			Help: "Native modules that could not be read or parsed.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jitsym_dso_misses_total",
			Help: "Address lookups not covered by any module.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Modules, m.LoadErrors, m.Misses)
	}
	return m
}
