// Package observability holds the process-wide Prometheus metrics of the filter service.
package observability

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var datasetLabel atomic.Value

func init() {
	datasetLabel.Store("default")
	Init(prometheus.DefaultRegisterer, true)
}

func SetDataset(s string) {
	if s == "" {
		s = "default"
	}
	datasetLabel.Store(s)
}

func getDataset() string {
	if v := datasetLabel.Load(); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "default"
}

type metricSet struct {
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	upstream       *prometheus.HistogramVec
	catalogLoads   *prometheus.CounterVec
	catalogValues  *prometheus.GaugeVec
	layerUpdates   *prometheus.CounterVec
	sessionsActive prometheus.Gauge
	mirrorOps      *prometheus.CounterVec
	mirrorDuration *prometheus.HistogramVec
	events         *prometheus.CounterVec
}

func newMetricSet() *metricSet {
	return &metricSet{
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "route", "status", "dataset"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
			},
			[]string{"method", "route", "status", "dataset"},
		),
		upstream: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "upstream_latency_seconds",
				Help:    "Latency of upstream calls in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"upstream", "dataset"},
		),
		catalogLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_loads_total",
				Help: "Attribute catalog loads by outcome.",
			},
			[]string{"outcome", "dataset"},
		),
		catalogValues: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "catalog_values",
				Help: "Number of distinct attribute values in the last loaded catalog.",
			},
			[]string{"dataset"},
		),
		layerUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "layer_updates_total",
				Help: "Sub-layer query updates by kind and outcome.",
			},
			[]string{"kind", "outcome", "dataset"},
		),
		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sessions_active",
				Help: "Live page sessions held by this instance.",
			},
		),
		mirrorOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirror_ops_total",
				Help: "Session mirror operations by op and result.",
			},
			[]string{"op", "result"},
		),
		mirrorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mirror_op_duration_seconds",
				Help:    "Duration of session mirror operations in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
			[]string{"op"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "selection_events_total",
				Help: "Selection events handed to the publisher by result.",
			},
			[]string{"result"},
		),
	}
}

func (m *metricSet) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.httpRequests, m.httpDuration, m.upstream,
		m.catalogLoads, m.catalogValues, m.layerUpdates,
		m.sessionsActive, m.mirrorOps, m.mirrorDuration,
		m.events,
	}
}

var (
	mu      sync.RWMutex
	enabled bool
	current *metricSet
	byReg   = map[prometheus.Registerer]*metricSet{}
)

// Init points all observations at reg. Calling it again with the same
// registerer reuses the already registered set.
func Init(reg prometheus.Registerer, on bool) {
	mu.Lock()
	defer mu.Unlock()
	enabled = on
	if !on || reg == nil {
		return
	}
	if m, ok := byReg[reg]; ok {
		current = m
		return
	}
	m := newMetricSet()
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
	byReg[reg] = m
	current = m
}

func active() *metricSet {
	mu.RLock()
	defer mu.RUnlock()
	if !enabled {
		return nil
	}
	return current
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	m := active()
	if m == nil {
		return
	}
	d := getDataset()
	st := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, route, st, d).Inc()
	m.httpDuration.WithLabelValues(method, route, st, d).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	if m := active(); m != nil {
		m.upstream.WithLabelValues(upstream, getDataset()).Observe(durationSeconds)
	}
}

// outcome is "ok" or "error"; n is ignored on error
func ObserveCatalogLoad(outcome string, n int) {
	m := active()
	if m == nil {
		return
	}
	d := getDataset()
	m.catalogLoads.WithLabelValues(outcome, d).Inc()
	if outcome == "ok" {
		m.catalogValues.WithLabelValues(d).Set(float64(n))
	}
}

// kind is "clear" or "filter"; outcome is applied|deferred|dropped|superseded|failed|invalid
func ObserveLayerUpdate(kind, outcome string) {
	if m := active(); m != nil {
		m.layerUpdates.WithLabelValues(kind, outcome, getDataset()).Inc()
	}
}

func SetSessionsActive(n int) {
	if m := active(); m != nil {
		m.sessionsActive.Set(float64(n))
	}
}

func ObserveMirrorOp(op string, err error, durationSeconds float64) {
	m := active()
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.mirrorOps.WithLabelValues(op, result).Inc()
	m.mirrorDuration.WithLabelValues(op).Observe(durationSeconds)
}

func IncSelectionEvent(result string) {
	if m := active(); m != nil {
		m.events.WithLabelValues(result).Inc()
	}
}
