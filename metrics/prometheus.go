package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink adapts Sink to github.com/prometheus/client_golang.
// Counters, gauges, and histograms are created lazily on first use and
// registered against the supplied registerer (or the default global
// registry if none is given).
type PrometheusSink struct {
	reg prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	histograms map[string]prometheus.Histogram
}

// NewPrometheusSink builds a PrometheusSink. If reg is nil, metrics are
// registered against prometheus.DefaultRegisterer.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusSink{
		reg:        reg,
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		histograms: make(map[string]prometheus.Histogram),
	}
}

func sanitize(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

func (s *PrometheusSink) counter(name string) prometheus.Counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: sanitize(name), Help: name})
	s.reg.MustRegister(c)
	s.counters[name] = c
	return c
}

func (s *PrometheusSink) gauge(name string) prometheus.Gauge {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: sanitize(name), Help: name})
	s.reg.MustRegister(g)
	s.gauges[name] = g
	return g
}

func (s *PrometheusSink) histogram(name string) prometheus.Histogram {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.histograms[name]; ok {
		return h
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: sanitize(name), Help: name})
	s.reg.MustRegister(h)
	s.histograms[name] = h
	return h
}

// Inc implements Sink.
func (s *PrometheusSink) Inc(name string, delta float64) { s.counter(name).Add(delta) }

// Set implements Sink.
func (s *PrometheusSink) Set(name string, value float64) { s.gauge(name).Set(value) }

// Observe implements Sink.
func (s *PrometheusSink) Observe(name string, value float64) { s.histogram(name).Observe(value) }
