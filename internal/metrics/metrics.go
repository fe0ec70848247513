// Package metrics owns the Prometheus instruments for the bot.
//
// Everything registers on a private registry rather than the global
// default, so tests can build as many registries as they like. The
// /metrics endpoint serves exactly this registry through Handler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Source health gauge values. Mirrors the three-state health model:
// 2=healthy, 1=degraded, 0=down.
const (
	SourceDown     = 0
	SourceDegraded = 1
	SourceHealthy  = 2
)

// Registry holds every instrument the bot exports.
type Registry struct {
	reg *prometheus.Registry

	OpportunitiesDetected *prometheus.CounterVec
	TradesFilled          *prometheus.CounterVec
	TradesClosed          *prometheus.CounterVec
	Errors                *prometheus.CounterVec
	GateDenials           *prometheus.CounterVec
	SourceCalls           *prometheus.CounterVec
	Cycles                *prometheus.CounterVec
	ObserverDropped       prometheus.Counter

	StepDuration      *prometheus.HistogramVec
	SourceCallLatency *prometheus.HistogramVec

	EquityUSD       *prometheus.GaugeVec
	OpenPositions   *prometheus.GaugeVec
	TrackedMarkets  prometheus.Gauge
	SourceHealth    *prometheus.GaugeVec
	StrategyEnabled *prometheus.GaugeVec
}

// New builds and registers all instruments.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		OpportunitiesDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polylab_opportunities_detected_total",
				Help: "Opportunities produced by each strategy detector",
			},
			[]string{"strategy"},
		),

		TradesFilled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polylab_trades_filled_total",
				Help: "Paper fills committed per strategy",
			},
			[]string{"strategy"},
		),

		TradesClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polylab_trades_closed_total",
				Help: "Paper closes per strategy and close reason",
			},
			[]string{"strategy", "reason"},
		),

		Errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polylab_errors_total",
				Help: "Errors by component and error kind",
			},
			[]string{"component", "kind"},
		),

		GateDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polylab_gate_denials_total",
				Help: "Execution gate denials by reason",
			},
			[]string{"reason"},
		),

		SourceCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polylab_source_calls_total",
				Help: "Outbound source calls by source and outcome",
			},
			[]string{"source", "status"},
		),

		Cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polylab_cycles_total",
				Help: "Scan cycles by result (ok, aborted, skipped)",
			},
			[]string{"result"},
		),

		ObserverDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "polylab_observer_dropped_total",
				Help: "Events dropped because a subscriber fell behind",
			},
		),

		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polylab_cycle_step_seconds",
				Help:    "Duration of each scan cycle step in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"step", "result"},
		),

		SourceCallLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polylab_source_call_seconds",
				Help:    "Latency of outbound source calls in seconds",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"source"},
		),

		EquityUSD: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "polylab_equity_usd",
				Help: "Current equity per strategy ledger",
			},
			[]string{"strategy"},
		),

		OpenPositions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "polylab_open_positions",
				Help: "Open paper positions per strategy",
			},
			[]string{"strategy"},
		),

		TrackedMarkets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "polylab_tracked_markets",
				Help: "Markets currently held by the market cache",
			},
		),

		SourceHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "polylab_source_health",
				Help: "Source health state (2=healthy, 1=degraded, 0=down)",
			},
			[]string{"source"},
		),

		StrategyEnabled: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "polylab_strategy_enabled",
				Help: "Whether a strategy may trade (1=enabled, 0=disabled)",
			},
			[]string{"strategy"},
		),
	}

	r.reg.MustRegister(
		r.OpportunitiesDetected,
		r.TradesFilled,
		r.TradesClosed,
		r.Errors,
		r.GateDenials,
		r.SourceCalls,
		r.Cycles,
		r.ObserverDropped,
		r.StepDuration,
		r.SourceCallLatency,
		r.EquityUSD,
		r.OpenPositions,
		r.TrackedMarkets,
		r.SourceHealth,
		r.StrategyEnabled,
	)
	return r
}

// Handler serves this registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// StepTimer measures one cycle step.
type StepTimer struct {
	registry *Registry
	step     string
	start    time.Time
}

// StartStep begins timing a cycle step.
func (r *Registry) StartStep(step string) *StepTimer {
	return &StepTimer{registry: r, step: step, start: time.Now()}
}

// Stop records the elapsed time under the given result label.
func (st *StepTimer) Stop(result string) {
	st.registry.StepDuration.WithLabelValues(st.step, result).Observe(time.Since(st.start).Seconds())
}

// RecordSourceCall counts one outbound call and its latency.
func (r *Registry) RecordSourceCall(source, status string, elapsed time.Duration) {
	r.SourceCalls.WithLabelValues(source, status).Inc()
	r.SourceCallLatency.WithLabelValues(source).Observe(elapsed.Seconds())
}

// RecordError counts one error against a component.
func (r *Registry) RecordError(component, kind string) {
	r.Errors.WithLabelValues(component, kind).Inc()
}
