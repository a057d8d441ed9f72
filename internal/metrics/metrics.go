package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowerpower-dev/flowerpower/internal/health"
)

var (
	// Worker metrics

	JobPickupLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "flowerpower",
		Name:      "job_pickup_latency_seconds",
		Help:      "Time from a job becoming due to a worker claiming it.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	JobExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "flowerpower",
		Name:      "job_execution_duration_seconds",
		Help:      "Duration of job function execution.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"outcome"})

	JobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowerpower",
		Name:      "worker_jobs_in_flight",
		Help:      "Number of jobs currently being executed by the worker.",
	})

	JobsCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowerpower",
		Name:      "jobs_completed_total",
		Help:      "Total jobs finished, by outcome.",
	}, []string{"outcome"})

	JobsEnqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowerpower",
		Name:      "jobs_enqueued_total",
		Help:      "Total jobs accepted into a queue.",
	}, []string{"queue"})

	// Scheduler metrics

	SchedulesFiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowerpower",
		Name:      "schedules_fired_total",
		Help:      "Total jobs materialized from schedules.",
	})

	ScheduleMisfiresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowerpower",
		Name:      "schedule_misfires_total",
		Help:      "Total fire times discarded because they exceeded the misfire grace.",
	})

	// Sweep metrics

	SweepReclaimedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowerpower",
		Name:      "sweep_reclaimed_total",
		Help:      "Total jobs handled by the expiry sweep, by action.",
	}, []string{"action"})

	SweepCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "flowerpower",
		Name:      "sweep_cycle_duration_seconds",
		Help:      "Time taken for one expiry sweep.",
		Buckets:   prometheus.DefBuckets,
	})

	// Worker lifecycle

	WorkerStartTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowerpower",
		Name:      "worker_start_time_seconds",
		Help:      "Unix timestamp when the worker started.",
	})

	WorkerShutdownsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowerpower",
		Name:      "worker_shutdowns_total",
		Help:      "Number of times the worker has shut down.",
	})
)

func Register() {
	prometheus.MustRegister(
		JobPickupLatency,
		JobExecutionDuration,
		JobsInFlight,
		JobsCompletedTotal,
		JobsEnqueuedTotal,
		SchedulesFiredTotal,
		ScheduleMisfiresTotal,
		SweepReclaimedTotal,
		SweepCycleDuration,
		WorkerStartTime,
		WorkerShutdownsTotal,
	)
}

func NewServer(addr string, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, checker.Liveness(r.Context()))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, checker.Readiness(r.Context()))
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func writeHealth(w http.ResponseWriter, result health.HealthResult) {
	w.Header().Set("Content-Type", "application/json")
	if result.Status != health.StatusUp {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(result)
}
