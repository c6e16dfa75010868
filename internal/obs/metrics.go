package obs

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "odte"

// LedgerView is the subset of the risk ledger exported as gauges.
type LedgerView struct {
	OpenExposure      float64
	OpenPositions     int
	RealizedPnL       float64
	UnrealizedPnL     float64
	WorstCaseOpenPnL  float64
	DailyStopBreached bool
}

// Metrics collects engine counters and latency stats. A nil *Metrics is a
// valid no-op sink.
type Metrics struct {
	registry prometheus.Registerer

	events    *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	signals   *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	vetoes    *prometheus.CounterVec
	intents   *prometheus.CounterVec
	closed    *prometheus.CounterVec
	flattens  prometheus.Counter
	queueDrop prometheus.Counter

	eventLatency prometheus.Histogram
	evalLatency  LatencyStats
	flowLatency  LatencyStats
}

// Snapshot is a point-in-time view of the in-process latency stats.
type Snapshot struct {
	EvalLatency LatencySnapshot
	FlowLatency LatencySnapshot
}

// NewMetrics registers the engine collectors on reg. A nil registerer uses a
// private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_total", Help: "Events processed by type",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dropped_total", Help: "Events dropped by reason",
		}, []string{"reason"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_total", Help: "Detector signals by setup",
		}, []string{"setup"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_rejected_total", Help: "Arbiter rejections by reason",
		}, []string{"reason"}),
		vetoes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "risk_vetoes_total", Help: "Governor vetoes by reason",
		}, []string{"reason"}),
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "intents_total", Help: "Execution intents by kind and result",
		}, []string{"kind", "result"}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "positions_closed_total", Help: "Closed positions by setup and exit",
		}, []string{"setup", "exit"}),
		flattens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "forced_flattens_total", Help: "Flatten broadcasts applied",
		}),
		queueDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "queue_drops_total", Help: "Shard queue publish failures",
		}),
		eventLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "event_latency_seconds", Help: "Receive to decision latency",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
	}
	reg.MustRegister(m.events, m.dropped, m.signals, m.rejected, m.vetoes,
		m.intents, m.closed, m.flattens, m.queueDrop, m.eventLatency)
	return m
}

// WatchLedger exports the risk ledger through gauge funcs.
func (m *Metrics) WatchLedger(view func() LedgerView) {
	if m == nil || view == nil {
		return
	}
	gauge := func(name, help string, f func(LedgerView) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
			func() float64 { return f(view()) })
	}
	m.registry.MustRegister(
		gauge("open_exposure", "Open notional exposure", func(v LedgerView) float64 { return v.OpenExposure }),
		gauge("open_positions", "Open positions", func(v LedgerView) float64 { return float64(v.OpenPositions) }),
		gauge("realized_pnl", "Realized P&L of the session", func(v LedgerView) float64 { return v.RealizedPnL }),
		gauge("unrealized_pnl", "Unrealized P&L of open positions", func(v LedgerView) float64 { return v.UnrealizedPnL }),
		gauge("worst_case_open_pnl", "P&L if every open stop is hit", func(v LedgerView) float64 { return v.WorstCaseOpenPnL }),
		gauge("daily_stop_breached", "1 once the daily stop is breached", func(v LedgerView) float64 {
			if v.DailyStopBreached {
				return 1
			}
			return 0
		}),
	)
}

// ObserveEvent counts a processed event and its receive latency.
func (m *Metrics) ObserveEvent(kind string, latency time.Duration) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
	if latency >= 0 {
		m.eventLatency.Observe(latency.Seconds())
	}
}

// IncDropped counts an event dropped before detection.
func (m *Metrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// IncSignal counts a detector signal.
func (m *Metrics) IncSignal(setup string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(setup).Inc()
}

// IncRejected counts an arbiter rejection.
func (m *Metrics) IncRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

// IncVeto counts a governor veto.
func (m *Metrics) IncVeto(reason string) {
	if m == nil {
		return
	}
	m.vetoes.WithLabelValues(reason).Inc()
}

// IncIntent counts an execution intent outcome.
func (m *Metrics) IncIntent(kind, result string) {
	if m == nil {
		return
	}
	m.intents.WithLabelValues(kind, result).Inc()
}

// IncClosed counts a terminal position.
func (m *Metrics) IncClosed(setup, exit string) {
	if m == nil {
		return
	}
	m.closed.WithLabelValues(setup, exit).Inc()
}

// IncFlatten counts an applied flatten broadcast.
func (m *Metrics) IncFlatten() {
	if m == nil {
		return
	}
	m.flattens.Inc()
}

// IncQueueDrop records a queue drop.
func (m *Metrics) IncQueueDrop() {
	if m == nil {
		return
	}
	m.queueDrop.Inc()
}

// ObserveEval measures detector and arbiter evaluation latency.
func (m *Metrics) ObserveEval(d time.Duration) {
	if m == nil {
		return
	}
	m.evalLatency.Observe(d)
}

// ObserveOrderFlow measures intent submission latency.
func (m *Metrics) ObserveOrderFlow(d time.Duration) {
	if m == nil {
		return
	}
	m.flowLatency.Observe(d)
}

// Snapshot returns a copy of the latency stats.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		EvalLatency: m.evalLatency.Snapshot(),
		FlowLatency: m.flowLatency.Snapshot(),
	}
}

// Serve exposes the gatherer on /metrics. The caller owns shutdown.
func Serve(addr string, gatherer prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
