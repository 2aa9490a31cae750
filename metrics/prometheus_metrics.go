package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics implements Metrics on a private prometheus registry so
// that multiple pools in one process never collide on registration.
type PrometheusMetrics struct {
	registry *prometheus.Registry
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
}

func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
		counters: make(map[string]prometheus.Counter),
		gauges:   make(map[string]prometheus.Gauge),
	}
}

// Register creates a Counter or Gauge under name. Unknown metric types are
// logged and ignored rather than panicking a running pool.
func (p *PrometheusMetrics) Register(name, metricType, help string) {
	switch metricType {
	case "Counter":
		counter := prometheus.NewCounter(prometheus.CounterOpts{
			Name: name,
			Help: help,
		})
		p.registry.MustRegister(counter)
		p.counters[name] = counter
	case "Gauge":
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: name,
			Help: help,
		})
		p.registry.MustRegister(gauge)
		p.gauges[name] = gauge
	default:
		log.Printf("metrics: unknown metric type %q for %q", metricType, name)
	}
}

// Record adds value to a counter or sets a gauge. Recording an unregistered
// name is a no-op.
func (p *PrometheusMetrics) Record(name string, value float64) {
	if counter, ok := p.counters[name]; ok {
		counter.Add(value)
		return
	}
	if gauge, ok := p.gauges[name]; ok {
		gauge.Set(value)
	}
}

// Handler exposes the registry for scraping.
func (p *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// StartMetricsServer serves /metrics on the given port. Run it in its own
// goroutine.
func (p *PrometheusMetrics) StartMetricsServer(port string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())
	return http.ListenAndServe(":"+port, mux)
}
