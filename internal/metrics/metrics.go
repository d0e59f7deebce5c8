// Package metrics exposes presence tracking counters for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "presenced"

// Metrics holds the collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	probes       *prometheus.CounterVec
	lookupErrors *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	present      *prometheus.GaugeVec
}

// New creates and registers all collectors on a fresh registry.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Total number of reachability probes sent",
		}, []string{"person"}),
		lookupErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookup_errors_total",
			Help:      "Total number of failed ARP table lookups",
		}, []string{"person"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Total number of confirmed presence transitions",
		}, []string{"person", "state"}),
		present: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "present",
			Help:      "1 while the person is present, 0 while absent",
		}, []string{"person"}),
	}

	for _, c := range []prometheus.Collector{
		m.probes,
		m.lookupErrors,
		m.transitions,
		m.present,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Track initializes the series for a person so they export before the
// first transition.
func (m *Metrics) Track(person string, present bool) {
	m.probes.WithLabelValues(person)
	m.lookupErrors.WithLabelValues(person)
	m.present.WithLabelValues(person).Set(gaugeValue(present))
}

// ProbeSent counts a probe.
func (m *Metrics) ProbeSent(person string) {
	m.probes.WithLabelValues(person).Inc()
}

// LookupFailed counts an ARP lookup error.
func (m *Metrics) LookupFailed(person string) {
	m.lookupErrors.WithLabelValues(person).Inc()
}

// StateChanged counts a transition and updates the presence gauge.
func (m *Metrics) StateChanged(person string, present bool) {
	state := "absent"
	if present {
		state = "present"
	}
	m.transitions.WithLabelValues(person, state).Inc()
	m.present.WithLabelValues(person).Set(gaugeValue(present))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func gaugeValue(present bool) float64 {
	if present {
		return 1
	}
	return 0
}
