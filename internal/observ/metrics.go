package observ

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	Evaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autonomy",
			Subsystem: "loop",
			Name:      "evaluations_total",
			Help:      "Completed evaluations by action outcome",
		},
		[]string{"symbol", "timeframe", "action"},
	)

	EvaluationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autonomy",
			Subsystem: "loop",
			Name:      "evaluation_errors_total",
			Help:      "Evaluation failures by error kind",
		},
		[]string{"symbol", "kind"},
	)

	EvaluationsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autonomy",
			Subsystem: "loop",
			Name:      "evaluations_skipped_total",
			Help:      "Ticks skipped because the prior evaluation for the pair was still running",
		},
		[]string{"symbol", "timeframe"},
	)

	EvaluationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "autonomy",
			Subsystem: "loop",
			Name:      "evaluation_duration_seconds",
			Help:      "Wall time of a single pair evaluation",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"timeframe"},
	)

	GateOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autonomy",
			Subsystem: "gate",
			Name:      "outcomes_total",
			Help:      "Gate decisions by outcome and failing check (check empty on pass)",
		},
		[]string{"outcome", "check"},
	)

	Halts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autonomy",
			Subsystem: "gate",
			Name:      "halts_total",
			Help:      "Halt transitions by trigger",
		},
		[]string{"trigger"},
	)

	OrdersDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "autonomy",
			Subsystem: "exec",
			Name:      "orders_dispatched_total",
			Help:      "Orders handed to the execution collaborator",
		},
	)

	OrdersFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "autonomy",
			Subsystem: "exec",
			Name:      "orders_failed_total",
			Help:      "Execution collaborator failures (timeouts, breaker open, broker errors)",
		},
	)

	OrdersSuppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "autonomy",
			Subsystem: "exec",
			Name:      "orders_suppressed_total",
			Help:      "Dispatches suppressed by the idempotency journal",
		},
	)

	LoopRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "autonomy",
			Subsystem: "loop",
			Name:      "running",
			Help:      "1 while the autonomy loop is started",
		},
	)

	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "autonomy",
			Subsystem: "account",
			Name:      "open_positions",
			Help:      "Open autonomous positions from the latest account snapshot",
		},
	)

	Drawdown = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "autonomy",
			Subsystem: "account",
			Name:      "drawdown",
			Help:      "Peak-to-current equity decline in account currency",
		},
	)

	LastConfidence = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "autonomy",
			Subsystem: "decision",
			Name:      "last_confidence",
			Help:      "Most recent confidence score per pair",
		},
		[]string{"symbol", "timeframe"},
	)
)

// Register installs the engine collectors on the default registry.
// Safe to call from multiple binaries; only the first call registers.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			Evaluations,
			EvaluationErrors,
			EvaluationsSkipped,
			EvaluationDuration,
			GateOutcomes,
			Halts,
			OrdersDispatched,
			OrdersFailed,
			OrdersSuppressed,
			LoopRunning,
			OpenPositions,
			Drawdown,
			LastConfidence,
		)
	})
}

// MetricsHandler serves the Prometheus exposition endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
