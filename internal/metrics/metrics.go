// Package metrics exposes ingest, query and store instrumentation on a
// dedicated Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "logbook"

// Failure reasons for IngestFailed.
const (
	ReasonValidation = "validation"
	ReasonStore      = "store"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ingested    prometheus.Counter
	failures    *prometheus.CounterVec
	recoveries  prometheus.Counter
	saveSeconds prometheus.Histogram
	querySecs   prometheus.Histogram
	stored      prometheus.Gauge
}

// New registers the logbook collectors plus the Go and process collectors on
// a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ingested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_records_total",
			Help:      "Records accepted and persisted.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_failures_total",
			Help:      "Ingest requests that did not persist, by reason.",
		}, []string{"reason"}),
		recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_corruption_recoveries_total",
			Help:      "Times an unreadable record image was reset to empty.",
		}),
		saveSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_save_duration_seconds",
			Help:      "Time to write and atomically replace the record image.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		querySecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Time to load, filter and sort records for a query.",
			Buckets:   prometheus.DefBuckets,
		}),
		stored: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stored_records",
			Help:      "Records in the image as of the last load or save.",
		}),
	}

	// Both label values are known up front; export them at zero.
	m.failures.WithLabelValues(ReasonValidation)
	m.failures.WithLabelValues(ReasonStore)

	m.registry.MustRegister(
		m.ingested,
		m.failures,
		m.recoveries,
		m.saveSeconds,
		m.querySecs,
		m.stored,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IngestSucceeded(n int) {
	if m == nil {
		return
	}
	m.ingested.Add(float64(n))
}

func (m *Metrics) IngestFailed(reason string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(reason).Inc()
}

// CorruptionRecovered matches the store's corruption hook signature.
func (m *Metrics) CorruptionRecovered(string, error) {
	if m == nil {
		return
	}
	m.recoveries.Inc()
}

// ObserveSave matches the store's save hook signature. Failed saves are not
// timed.
func (m *Metrics) ObserveSave(d time.Duration, err error) {
	if m == nil || err != nil {
		return
	}
	m.saveSeconds.Observe(d.Seconds())
}

func (m *Metrics) ObserveQuery(d time.Duration) {
	if m == nil {
		return
	}
	m.querySecs.Observe(d.Seconds())
}

func (m *Metrics) SetStored(n int) {
	if m == nil {
		return
	}
	m.stored.Set(float64(n))
}
