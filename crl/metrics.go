package crl

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// cacheLookups counts cache hits per tier.
	// Labels: tier (memory, db), freshness (fresh, stale)
	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkd_crl_cache_hits_total",
			Help: "CRL cache hits grouped by tier and freshness",
		},
		[]string{"tier", "freshness"},
	)

	// fetchDuration tracks live CRL fetches from the directory.
	fetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pkd_crl_fetch_duration_seconds",
			Help:    "Duration of live CRL fetches in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"result"},
	)

	// revocationChecks counts revocation outcomes.
	// Labels: outcome (good, revoked, fail_open)
	revocationChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkd_revocation_checks_total",
			Help: "Revocation checks grouped by outcome",
		},
		[]string{"outcome"},
	)
)

func recordLookup(tier Origin, stale bool) {
	freshness := "fresh"
	if stale {
		freshness = "stale"
	}
	cacheLookups.WithLabelValues(string(tier), freshness).Inc()
}

func observeFetch(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	fetchDuration.WithLabelValues(result).Observe(d.Seconds())
}

func recordCheck(outcome string) {
	revocationChecks.WithLabelValues(outcome).Inc()
}
