package registry

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Objects        prometheus.Counter
	Sections       prometheus.Counter
	Images         prometheus.Counter
	RetainedBytes  prometheus.Gauge
	RegisterErrors *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Objects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jitsym_registry_objects_total",
			Help: "Total JIT object files registered.",
		}),
		Sections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jitsym_registry_sections_total",
			Help: "Total text sections indexed.",
		}),
		Images: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jitsym_registry_images_total",
			Help: "Total precompiled images registered.",
		}),
		RetainedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jitsym_registry_retained_bytes",
			Help: "Bytes of object data retained by the registry, after compression.",
		}),
		RegisterErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jitsym_registry_register_errors_total",
			Help: "Objects rejected at registration time.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Objects,
			m.Sections,
			m.Images,
			m.RetainedBytes,
			m.RegisterErrors,
		)
	}
	return m
}
