package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Proxmox API
	ProxmoxRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pveprov_proxmox_requests_total",
			Help: "Proxmox API requests by operation and result",
		},
		[]string{"op", "result"}, // op: login|fetch, result: ok|connection|auth|protocol|status
	)
	ProxmoxDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pveprov_proxmox_request_duration_seconds",
			Help:    "Latency of Proxmox API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// LLM
	LLMRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pveprov_llm_requests_total",
			Help: "Number of LLM requests by provider/model",
		},
		[]string{"provider", "model"},
	)

	// Runs
	RunStatusChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pveprov_run_status_total",
			Help: "Provisioning runs by final or intermediate status",
		},
		[]string{"status"},
	)
	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pveprov_runs_active",
			Help: "Current number of executing runs",
		},
	)
	RefineIterations = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pveprov_refine_iterations",
			Help:    "Review/refine iterations per run",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		},
	)
	RunDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pveprov_run_duration_seconds",
			Help:    "Histogram of run durations in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 9), // 1s..256s
		},
	)

	// Errors
	Errors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pveprov_errors_total",
			Help: "Errors encountered in components",
		},
		[]string{"component", "type"},
	)
)

func init() {
	prometheus.MustRegister(
		ProxmoxRequests,
		ProxmoxDurationSeconds,
		LLMRequests,
		RunStatusChanges,
		ActiveRuns,
		RefineIterations,
		RunDurationSeconds,
		Errors,
	)
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Proxmox
func ObserveProxmox(op, result string, d time.Duration) {
	ProxmoxRequests.WithLabelValues(op, result).Inc()
	ProxmoxDurationSeconds.WithLabelValues(op).Observe(d.Seconds())
}

// LLM
func IncLLMRequest(provider, model string) {
	LLMRequests.WithLabelValues(provider, model).Inc()
}

// Runs
func IncRunStatus(status string) {
	RunStatusChanges.WithLabelValues(status).Inc()
}

func RunStarted() {
	ActiveRuns.Inc()
}

func RunFinished(d time.Duration) {
	ActiveRuns.Dec()
	RunDurationSeconds.Observe(d.Seconds())
}

func ObserveIterations(n int) {
	RefineIterations.Observe(float64(n))
}

// Errors
func IncError(component, typ string) {
	Errors.WithLabelValues(component, typ).Inc()
}
