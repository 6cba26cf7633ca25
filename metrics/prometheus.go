package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus exposes recorded statistics as gauges, one per statistic name.
// Gauges are registered lazily the first time a name appears; "/" and "." in
// statistic names become "_" to satisfy the metric-name charset.
type Prometheus struct {
	Namespace  string
	Registerer prometheus.Registerer

	mu     sync.Mutex
	gauges map[string]prometheus.Gauge
	step   prometheus.Gauge
}

// NewPrometheus creates a sink registering its gauges with reg. A nil reg
// uses the default registerer.
func NewPrometheus(namespace string, reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Prometheus{
		Namespace:  namespace,
		Registerer: reg,
		gauges:     make(map[string]prometheus.Gauge),
	}
}

func (p *Prometheus) Record(stats map[string]float64, step int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.step == nil {
		p.step = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.Namespace,
			Name:      "collection_step",
			Help:      "Latest experience-collection iteration recorded.",
		})
		p.Registerer.MustRegister(p.step)
	}
	p.step.Set(float64(step))
	for name, value := range stats {
		gauge, ok := p.gauges[name]
		if !ok {
			gauge = prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: p.Namespace,
				Name:      metricName(name),
				Help:      "Experience-collection statistic " + name + ".",
			})
			p.Registerer.MustRegister(gauge)
			p.gauges[name] = gauge
		}
		gauge.Set(value)
	}
}

func metricName(stat string) string {
	replacer := strings.NewReplacer("/", "_", ".", "_", "-", "_")
	return replacer.Replace(stat)
}
