package pa

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// verifications counts finished runs.
	// Labels: status (VALID, INVALID, ERROR)
	verifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkd_pa_verifications_total",
			Help: "Passive authentication runs grouped by final status",
		},
		[]string{"status"},
	)

	verificationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pkd_pa_verification_duration_seconds",
			Help:    "Duration of passive authentication runs in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// inFlight is the number of runs holding a pool slot.
	inFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pkd_pa_in_flight",
			Help: "Passive authentication runs currently executing",
		},
	)
)

func observeVerification(status Status, d time.Duration) {
	verifications.WithLabelValues(string(status)).Inc()
	verificationDuration.Observe(d.Seconds())
}
