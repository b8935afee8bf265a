package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()
	once     sync.Once

	tasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "execution_tasks_total",
			Help: "Total number of execution tasks processed, by outcome.",
		},
		[]string{"outcome"},
	)
	nodeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "node_call_latency_seconds",
			Help:    "Latency of execution node calls in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"platform"},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "execution_queue_depth",
			Help: "Current depth of the execution queue.",
		},
		[]string{"queue", "state"},
	)
	settlementFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_failures_total",
			Help: "Total number of settlement failures, by error code.",
		},
		[]string{"code"},
	)
	riskRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_rejections_total",
			Help: "Total number of signals rejected by risk rules.",
		},
		[]string{"rule"},
	)
	fillsRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fills_recorded_total",
		Help: "Total number of fills recorded against orders.",
	})
)

// Init registers metrics with the registry once.
func Init() {
	once.Do(func() {
		registry.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			tasksProcessed,
			nodeLatency,
			queueDepth,
			settlementFailures,
			riskRejections,
			fillsRecorded,
		)
	})
}

// Handler exposes the Prometheus metrics endpoint handler.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncTasksProcessed increments the task counter for an outcome.
func IncTasksProcessed(outcome string) {
	Init()
	tasksProcessed.WithLabelValues(outcome).Inc()
}

// ObserveNodeLatency records a node call duration for a platform.
func ObserveNodeLatency(platform string, d time.Duration) {
	Init()
	nodeLatency.WithLabelValues(platform).Observe(d.Seconds())
}

// SetQueueDepth sets the current queue depth for a queue state.
func SetQueueDepth(queue, state string, depth float64) {
	Init()
	queueDepth.WithLabelValues(queue, state).Set(depth)
}

// IncSettlementFailures increments the settlement failure counter for a code.
func IncSettlementFailures(code string) {
	Init()
	settlementFailures.WithLabelValues(code).Inc()
}

// IncRiskRejections increments the risk rejection counter for a rule code.
func IncRiskRejections(rule string) {
	Init()
	riskRejections.WithLabelValues(rule).Inc()
}

// IncFillsRecorded increments the recorded fill counter.
func IncFillsRecorded() {
	Init()
	fillsRecorded.Inc()
}
