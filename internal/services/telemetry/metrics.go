package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cropsense/cropsense/internal/model"
)

// Drop reasons
const (
	dropPersistError = "persist_error"
	dropSuperseded   = "superseded"
)

// Metrics groups the service collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	ingested             prometheus.Counter
	persisted            prometheus.Counter
	dropped              *prometheus.CounterVec
	requeued             prometheus.Counter
	flushCycles          prometheus.Counter
	flushSkipped         prometheus.Counter
	flushDuration        prometheus.Histogram
	bufferReadings       prometheus.Gauge
	decisions            *prometheus.CounterVec
	deviceUpdateFailures prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ingested: f.NewCounter(prometheus.CounterOpts{
			Name: "cropsense_readings_ingested_total",
			Help: "Readings accepted into the buffer.",
		}),
		persisted: f.NewCounter(prometheus.CounterOpts{
			Name: "cropsense_readings_persisted_total",
			Help: "Readings written to the telemetry store.",
		}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cropsense_readings_dropped_total",
			Help: "Readings lost during a flush.",
		}, []string{"reason"}),
		requeued: f.NewCounter(prometheus.CounterOpts{
			Name: "cropsense_readings_requeued_total",
			Help: "Failed readings handed back to the buffer.",
		}),
		flushCycles: f.NewCounter(prometheus.CounterOpts{
			Name: "cropsense_flush_cycles_total",
			Help: "Completed flush cycles.",
		}),
		flushSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "cropsense_flush_skipped_total",
			Help: "Ticks ignored because a flush was still running.",
		}),
		flushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cropsense_flush_duration_seconds",
			Help:    "Duration of flush cycles.",
			Buckets: prometheus.DefBuckets,
		}),
		bufferReadings: f.NewGauge(prometheus.GaugeOpts{
			Name: "cropsense_buffer_readings",
			Help: "Readings currently staged.",
		}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cropsense_decisions_total",
			Help: "Irrigation decisions by outcome.",
		}, []string{"status"}),
		deviceUpdateFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "cropsense_device_update_failures_total",
			Help: "Device metadata updates that failed.",
		}),
	}
}

// Registry is exposed so main can add runtime collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) observeDecision(s model.DecisionStatus) {
	m.decisions.WithLabelValues(string(s)).Inc()
}
