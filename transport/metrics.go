package transport

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// httpRequests counts served requests.
	// Labels: code, method
	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkd_http_requests_total",
			Help: "HTTP requests grouped by status code and method",
		},
		[]string{"code", "method"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pkd_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"method"},
	)

	httpInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pkd_http_requests_in_flight",
			Help: "HTTP requests currently being served",
		},
	)
)

// MetricsMiddleware 记录请求计数、耗时与并发数
func MetricsMiddleware(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerInFlight(httpInFlight,
		promhttp.InstrumentHandlerDuration(httpDuration,
			promhttp.InstrumentHandlerCounter(httpRequests, next)))
}

// MetricsHandler 暴露 Prometheus 指标
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
