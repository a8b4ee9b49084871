package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	namespace = "fleet"
	subsystem = "master"

	rpcAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rpc_attempts_total",
			Help:      "Outbound RPC attempts by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	rpcDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rpc_duration_seconds",
			Help:      "Duration of single outbound RPC attempts",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method"},
	)

	detectionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "detection_transitions_total",
			Help:      "Detection status transitions by target status",
		},
		[]string{"status"},
	)

	dispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dispatch_outcomes_total",
			Help:      "Trigger dispatch outcomes by strategy and result",
		},
		[]string{"strategy", "result"},
	)

	tokenVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fleet_token_verifications_total",
			Help:      "Fleet token verifications by result",
		},
		[]string{"result"},
	)

	taskPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "task_panics_total",
			Help:      "Background tasks that panicked",
		},
	)

	tasksOutstanding = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tasks_outstanding",
			Help:      "Background tasks currently running",
		},
	)

	workersOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "workers_online",
			Help:      "Workers last seen online",
		},
	)

	feedConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "feed_connections",
			Help:      "Open live feed connections",
		},
	)

	feedFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "feed_frames_total",
			Help:      "Live feed frames by result",
		},
		[]string{"result"},
	)
)

func ObserveRPC(method, outcome string, seconds float64) {
	rpcAttempts.WithLabelValues(method, outcome).Inc()
	rpcDuration.WithLabelValues(method).Observe(seconds)
}

func IncDetectionTransition(status string) {
	detectionTransitions.WithLabelValues(status).Inc()
}

func IncDispatch(strategy, result string) {
	dispatchOutcomes.WithLabelValues(strategy, result).Inc()
}

func IncTokenVerification(result string) {
	tokenVerifications.WithLabelValues(result).Inc()
}

func IncTaskPanic() { taskPanics.Inc() }

func AddOutstandingTasks(delta float64) { tasksOutstanding.Add(delta) }

func SetWorkersOnline(n int) { workersOnline.Set(float64(n)) }

func SetFeedConnections(n int) { feedConnections.Set(float64(n)) }

func AddFeedFrames(result string, n int) { feedFrames.WithLabelValues(result).Add(float64(n)) }

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
