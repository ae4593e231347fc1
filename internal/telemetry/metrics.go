package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "usb_jobs_submitted_total", Help: "Jobs submitted via the API"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "usb_jobs_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	JobsSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "usb_jobs_completed_total", Help: "Jobs finished successfully"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "usb_jobs_retried_total", Help: "Job attempts that failed and were returned for retry"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "usb_jobs_failed_total", Help: "Jobs that exhausted their retries"})
	ActiveJobsGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "usb_jobs_active", Help: "Jobs currently leased by this worker"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			RateLimitRejects,
			JobsSucceeded,
			JobsRetried,
			JobsFailed,
			ActiveJobsGauge,
		)
	})
	return promhttp.Handler()
}
