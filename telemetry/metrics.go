// Package telemetry exports workflow outcomes as Prometheus metrics.
package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/production-engine/production"
)

// Metrics counts workflow events and times them. It is a production.Observer.
type Metrics struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	volume   *prometheus.CounterVec
}

var _ production.Observer = (*Metrics)(nil)

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "production",
			Name:      "workflow_events_total",
			Help:      "Workflow outcomes by kind and failure code.",
		}, []string{"kind", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "production",
			Name:      "workflow_duration_seconds",
			Help:      "Time from lock acquisition to outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		volume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "production",
			Name:      "validated_volume_cubic_metres_total",
			Help:      "Input and output volume of validated entries.",
		}, []string{"side"}),
	}
	m.registry.MustRegister(
		m.events, m.duration, m.volume,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Observe(_ context.Context, e production.Event) {
	m.events.WithLabelValues(string(e.Kind), string(e.Code)).Inc()
	m.duration.WithLabelValues(string(e.Kind)).Observe(e.Duration.Seconds())

	if e.Kind == production.EventValidated && e.Totals != nil {
		in, _ := e.Totals.InputVolume.Float64()
		out, _ := e.Totals.OutputVolume.Float64()
		m.volume.WithLabelValues("input").Add(in)
		m.volume.WithLabelValues("output").Add(out)
	}
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
