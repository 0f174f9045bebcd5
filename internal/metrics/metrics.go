// Package metrics exposes Prometheus instrumentation for the orchestrator.
// A Metrics value is constructed once and injected; a nil *Metrics is a
// valid no-op so tests don't have to wire one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestrator's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	advisorCalls    *prometheus.CounterVec
	advisorCacheHit prometheus.Counter
	ticksTotal      prometheus.Counter
	tickErrors      prometheus.Counter
	tradesExecuted  prometheus.Counter
	riskRejections  *prometheus.CounterVec
	executions      *prometheus.CounterVec
	breakerOpen     *prometheus.GaugeVec
	decoysPlaced    prometheus.Counter
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.advisorCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "advisor_calls_total",
		Help:      "Advisor provider calls by provider and outcome.",
	}, []string{"provider", "outcome"})

	m.advisorCacheHit = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "advisor_cache_hits_total",
		Help:      "Advisor responses served from the prompt cache.",
	})

	m.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "scheduler_ticks_total",
		Help:      "Completed scheduler ticks.",
	})

	m.tickErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "scheduler_tick_errors_total",
		Help:      "Scheduler ticks that ended in error.",
	})

	m.tradesExecuted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "trades_executed_total",
		Help:      "Trades accepted by risk and executed.",
	})

	m.riskRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "risk_rejections_total",
		Help:      "Trades rejected by the risk manager, by rule.",
	}, []string{"rule"})

	m.executions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "executions_total",
		Help:      "Execution engine runs by tactic.",
	}, []string{"tactic"})

	m.breakerOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Name:      "breaker_open",
		Help:      "1 when a circuit breaker is open, by scope.",
	}, []string{"scope"})

	m.decoysPlaced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "decoys_placed_total",
		Help:      "Decoy orders placed by the execution engine.",
	})

	m.registry.MustRegister(
		m.advisorCalls, m.advisorCacheHit,
		m.ticksTotal, m.tickErrors, m.tradesExecuted,
		m.riskRejections, m.executions, m.breakerOpen, m.decoysPlaced,
	)
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) AdvisorCall(provider, outcome string) {
	if m == nil {
		return
	}
	m.advisorCalls.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) AdvisorCacheHit() {
	if m == nil {
		return
	}
	m.advisorCacheHit.Inc()
}

func (m *Metrics) Tick() {
	if m == nil {
		return
	}
	m.ticksTotal.Inc()
}

func (m *Metrics) TickError() {
	if m == nil {
		return
	}
	m.tickErrors.Inc()
}

func (m *Metrics) TradeExecuted() {
	if m == nil {
		return
	}
	m.tradesExecuted.Inc()
}

func (m *Metrics) RiskRejection(rule string) {
	if m == nil {
		return
	}
	m.riskRejections.WithLabelValues(rule).Inc()
}

func (m *Metrics) Execution(tactic string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(tactic).Inc()
}

func (m *Metrics) SetBreakerOpen(scope string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1.0
	}
	m.breakerOpen.WithLabelValues(scope).Set(v)
}

func (m *Metrics) DecoyPlaced() {
	if m == nil {
		return
	}
	m.decoysPlaced.Inc()
}
