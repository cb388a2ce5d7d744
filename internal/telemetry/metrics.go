package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueuedCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "fieldsync_items_enqueued_total", Help: "Items accepted into the queue"})
	ReplayedCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "fieldsync_items_replayed_total", Help: "Items submitted successfully and removed"})
	RetryCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "fieldsync_attempts_retryable_total", Help: "Attempts that failed transiently"})
	ParkedCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "fieldsync_items_parked_total", Help: "Items parked as failed"})
	ConflictCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "fieldsync_items_conflict_total", Help: "Items parked on a remote conflict"})
	DrainPassCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "fieldsync_drain_passes_total", Help: "Drain passes started"})
	PendingGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "fieldsync_items_pending", Help: "Pending items after the last drain pass"})
	FailedGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "fieldsync_items_failed", Help: "Failed items after the last drain pass"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueuedCounter,
			ReplayedCounter,
			RetryCounter,
			ParkedCounter,
			ConflictCounter,
			DrainPassCounter,
			PendingGauge,
			FailedGauge,
		)
	})
	return promhttp.Handler()
}
