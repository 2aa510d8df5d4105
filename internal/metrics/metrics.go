// Package metrics exposes pipeline counters and gauges in Prometheus
// format. One Metrics instance owns its own registry so tests never collide
// on the default registry.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label values for poll results.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Drop reason label values.
const (
	ReasonQueue = "queue"
	ReasonRate  = "rate"
)

// Metrics holds every instrument the pipeline records into.
type Metrics struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	lastMerges uint64

	PollsTotal        *prometheus.CounterVec
	MergesTotal       prometheus.Counter
	TrackedEntities   prometheus.Gauge
	DisplayedTracks   prometheus.Gauge
	PublishesTotal    *prometheus.CounterVec
	PublishDropsTotal *prometheus.CounterVec
	ReconnectsTotal   *prometheus.CounterVec
}

// New creates a metrics set backed by a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		PollsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "skybridge_polls_total",
			Help: "Feed poll attempts by source and result.",
		}, []string{"source", "result"}),
		MergesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "skybridge_merges_total",
			Help: "Snapshots merged into the track store.",
		}),
		TrackedEntities: factory.NewGauge(prometheus.GaugeOpts{
			Name: "skybridge_tracked_entities",
			Help: "Entities currently held in the track store.",
		}),
		DisplayedTracks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "skybridge_displayed_tracks",
			Help: "Tracks in the most recently published view.",
		}),
		PublishesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "skybridge_publishes_total",
			Help: "Messages successfully written by sink.",
		}, []string{"sink"}),
		PublishDropsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "skybridge_publish_drops_total",
			Help: "Messages dropped by sink and reason.",
		}, []string{"sink", "reason"}),
		ReconnectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "skybridge_reconnects_total",
			Help: "Reconnection attempts by sink.",
		}, []string{"sink"}),
	}
}

// Handler returns the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordMergeTotal feeds the store's cumulative merge counter, adding only
// the delta since the previous call.
func (m *Metrics) RecordMergeTotal(total uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if total > m.lastMerges {
		m.MergesTotal.Add(float64(total - m.lastMerges))
		m.lastMerges = total
	}
}

// RecordPoll counts one poll attempt.
func (m *Metrics) RecordPoll(source string, err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.PollsTotal.WithLabelValues(source, result).Inc()
}
