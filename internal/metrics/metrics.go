// Package metrics exposes Prometheus collectors for pipeline runs, fetch
// attempts and store state. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "healthdata"

// Metrics bundles every collector the pipeline reports to.
type Metrics struct {
	registry *prometheus.Registry

	fetchAttempts  *prometheus.CounterVec
	updatesTotal   *prometheus.CounterVec
	updateDuration prometheus.Histogram
	lastSuccessTS  prometheus.Gauge
	flaggedRows    prometheus.Gauge
	storeStatus    *prometheus.GaugeVec
	tableRows      *prometheus.GaugeVec
}

// New creates the collectors and registers them on a fresh registry, along
// with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.fetchAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_attempts_total",
		Help:      "Spreadsheet export attempts by outcome",
	}, []string{"outcome"})
	m.updatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "updates_total",
		Help:      "Pipeline runs by terminal status",
	}, []string{"status"})
	m.updateDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "update_duration_seconds",
		Help:      "Wall time of a pipeline run",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	m.lastSuccessTS = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last successful update",
	})
	m.flaggedRows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "flagged_rows",
		Help:      "Rows flagged by validation in the last successful update",
	})
	m.storeStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "store_status",
		Help:      "1 for the current store status, 0 otherwise",
	}, []string{"status"})
	m.tableRows = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "table_rows",
		Help:      "Row count per table after the last successful update",
	}, []string{"table"})

	m.registry.MustRegister(
		m.fetchAttempts, m.updatesTotal, m.updateDuration,
		m.lastSuccessTS, m.flaggedRows, m.storeStatus, m.tableRows,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// FetchAttempt counts one HTTP attempt. outcome is ok, retry or fail.
func (m *Metrics) FetchAttempt(outcome string) {
	if m == nil {
		return
	}
	m.fetchAttempts.WithLabelValues(outcome).Inc()
}

// UpdateFinished records a terminal update result.
func (m *Metrics) UpdateFinished(status string, took time.Duration, flagged int, at time.Time) {
	if m == nil {
		return
	}
	m.updatesTotal.WithLabelValues(status).Inc()
	if status == "in_progress" {
		return
	}
	m.updateDuration.Observe(took.Seconds())
	if status == "ready" {
		m.lastSuccessTS.Set(float64(at.Unix()))
		m.flaggedRows.Set(float64(flagged))
	}
}

// SetStoreStatus marks status as current among all known values.
func (m *Metrics) SetStoreStatus(status string, known ...string) {
	if m == nil {
		return
	}
	for _, k := range known {
		m.storeStatus.WithLabelValues(k).Set(0)
	}
	m.storeStatus.WithLabelValues(status).Set(1)
}

// SetTableRows records the row count of each table.
func (m *Metrics) SetTableRows(counts map[string]int64) {
	if m == nil {
		return
	}
	for table, n := range counts {
		m.tableRows.WithLabelValues(table).Set(float64(n))
	}
}
