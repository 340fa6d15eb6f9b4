// Package metrics holds the prometheus collectors for the referral engine.
//
// Every Observe* method is safe on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	// Pipeline
	TransitionsTotal *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec

	// Ledger
	LedgerEntriesTotal  *prometheus.CounterVec
	RewardUnlocksTotal  prometheus.Counter
	ActiveConfigVersion prometheus.Gauge

	// Fanout
	FanoutDeliveredTotal prometheus.Counter
	FanoutDroppedTotal   *prometheus.CounterVec
	LiveSessions         prometheus.Gauge
	OutboxPosition       prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers all collectors on reg. Pass prometheus.NewRegistry() in
// tests to avoid duplicate registration.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TransitionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "referral_transitions_total",
				Help: "Committed pipeline transitions",
			},
			[]string{"from", "to"},
		),
		RetriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "referral_operation_retries_total",
				Help: "Operations re-run after a conflict or transient storage failure",
			},
			[]string{"operation"},
		),
		LedgerEntriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "referral_ledger_entries_total",
				Help: "Committed ledger entries by kind",
			},
			[]string{"kind"},
		),
		RewardUnlocksTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "referral_reward_unlocks_total",
			Help: "Loot boxes unlocked",
		}),
		ActiveConfigVersion: f.NewGauge(prometheus.GaugeOpts{
			Name: "referral_reward_config_version",
			Help: "Latest published reward config version",
		}),
		FanoutDeliveredTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "referral_fanout_delivered_total",
			Help: "Events handed to live sessions",
		}),
		FanoutDroppedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "referral_fanout_dropped_total",
				Help: "Events that could not be handed to a session or sink",
			},
			[]string{"reason"},
		),
		LiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "referral_live_sessions",
			Help: "Connected fanout sessions",
		}),
		OutboxPosition: f.NewGauge(prometheus.GaugeOpts{
			Name: "referral_outbox_position",
			Help: "Last event sequence dispatched",
		}),
		gatherer: reg,
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveRetry(operation string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(operation).Inc()
}

func (m *Metrics) ObserveEntry(kind string) {
	if m == nil {
		return
	}
	m.LedgerEntriesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveUnlock() {
	if m == nil {
		return
	}
	m.RewardUnlocksTotal.Inc()
}

func (m *Metrics) ObserveConfigVersion(version int) {
	if m == nil {
		return
	}
	m.ActiveConfigVersion.Set(float64(version))
}

func (m *Metrics) ObserveDelivered(n int) {
	if m == nil || n == 0 {
		return
	}
	m.FanoutDeliveredTotal.Add(float64(n))
}

func (m *Metrics) ObserveDropped(reason string) {
	if m == nil {
		return
	}
	m.FanoutDroppedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.LiveSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.LiveSessions.Dec()
}

func (m *Metrics) ObserveOutboxPosition(seq int64) {
	if m == nil {
		return
	}
	m.OutboxPosition.Set(float64(seq))
}
