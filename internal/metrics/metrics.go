// Package metrics exposes Prometheus instrumentation for the worker
// runtime: mutation throughput, order submissions, command errors, and
// per-venue strategy instance counts. A nil *Metrics is valid everywhere —
// every method no-ops — so tests and embedded uses don't need a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	mutationsEmitted *prometheus.CounterVec
	ordersSubmitted  *prometheus.CounterVec
	commandErrors    *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	strategyActive   *prometheus.GaugeVec
}

// New registers the runtime's collectors on reg and returns the handle the
// workers share.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		mutationsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venueworker_mutations_emitted_total",
			Help: "Store mutation commands emitted, per venue.",
		}, []string{"venue"}),
		ordersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venueworker_orders_submitted_total",
			Help: "Order operations submitted through the pipeline, per venue and operation.",
		}, []string{"venue", "op"}),
		commandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venueworker_command_errors_total",
			Help: "Failed worker commands, per venue and error kind.",
		}, []string{"venue", "kind"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venueworker_feed_reconnects_total",
			Help: "Feed reconnect attempts observed, per venue.",
		}, []string{"venue"}),
		strategyActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "venueworker_strategy_instances",
			Help: "Currently running strategy instances, per venue and engine.",
		}, []string{"venue", "engine"}),
	}
	reg.MustRegister(m.mutationsEmitted, m.ordersSubmitted, m.commandErrors, m.reconnects, m.strategyActive)
	return m
}

func (m *Metrics) AddMutations(venue string, n int) {
	if m == nil {
		return
	}
	m.mutationsEmitted.WithLabelValues(venue).Add(float64(n))
}

func (m *Metrics) IncOrders(venue, op string, n int) {
	if m == nil {
		return
	}
	m.ordersSubmitted.WithLabelValues(venue, op).Add(float64(n))
}

func (m *Metrics) IncCommandError(venue, kind string) {
	if m == nil {
		return
	}
	m.commandErrors.WithLabelValues(venue, kind).Inc()
}

func (m *Metrics) IncReconnects(venue string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(venue).Inc()
}

func (m *Metrics) SetStrategyActive(venue, engine string, n int) {
	if m == nil {
		return
	}
	m.strategyActive.WithLabelValues(venue, engine).Set(float64(n))
}
