package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink accepts named numeric observations from the pool. The pool does not
// persist metrics itself; it reports into whatever sink the embedding process
// hands it on each heartbeat.
type Sink interface {
	Set(name string, value float64)
}

// Prometheus is a Sink backed by prometheus gauges on a private registry.
type Prometheus struct {
	namespace string
	registry  *prometheus.Registry

	mu     sync.Mutex
	gauges map[string]prometheus.Gauge
}

func NewPrometheus(namespace string) *Prometheus {
	return &Prometheus{
		namespace: namespace,
		registry:  prometheus.NewRegistry(),
		gauges:    make(map[string]prometheus.Gauge),
	}
}

// Set records the observation, creating and registering the gauge on first
// use of a name.
func (p *Prometheus) Set(name string, value float64) {
	p.mu.Lock()
	g, ok := p.gauges[name]
	if !ok {
		g = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Name:      name,
			Help:      "dispatcher pool subsystem metric " + name,
		})
		p.registry.MustRegister(g)
		p.gauges[name] = g
	}
	p.mu.Unlock()

	g.Set(value)
}

// Handler exposes the registry in the prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
