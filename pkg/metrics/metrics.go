package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry metrics
	ServicesTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dynsched_services_tracked",
			Help: "Number of dynamic services currently tracked",
		},
	)

	ServicesFailing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dynsched_services_failing",
			Help: "Number of tracked services whose status is failing",
		},
	)

	// Observation metrics
	ObservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dynsched_observations_total",
			Help: "Observation tasks by outcome (ok, failed, removal)",
		},
		[]string{"outcome"},
	)

	ObservationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dynsched_observation_duration_seconds",
			Help:    "Duration of one observation task",
			Buckets: prometheus.DefBuckets,
		},
	)

	ObservationCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dynsched_observation_cycles_total",
			Help: "Number of periodic enqueue cycles",
		},
	)

	TriggersDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dynsched_observation_triggers_dropped_total",
			Help: "Triggers dropped because the service was running or disabled",
		},
	)

	// Removal metrics
	RemovalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dynsched_removals_total",
			Help: "Removal workflow runs by result (removed, frozen, failed)",
		},
		[]string{"result"},
	)

	JanitorVolumesRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dynsched_janitor_volumes_removed_total",
			Help: "Orphaned volume sets removed by the janitor",
		},
	)

	LabelPersistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dynsched_label_persist_failures_total",
			Help: "Failures to write a service context to its container labels",
		},
	)

	// API metrics
	GRPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dynsched_grpc_requests_total",
			Help: "gRPC requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	prometheus.MustRegister(ServicesTracked)
	prometheus.MustRegister(ServicesFailing)
	prometheus.MustRegister(ObservationsTotal)
	prometheus.MustRegister(ObservationDuration)
	prometheus.MustRegister(ObservationCycles)
	prometheus.MustRegister(TriggersDropped)
	prometheus.MustRegister(RemovalsTotal)
	prometheus.MustRegister(JanitorVolumesRemoved)
	prometheus.MustRegister(LabelPersistFailures)
	prometheus.MustRegister(GRPCRequestsTotal)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in a histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time in a labeled histogram
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
