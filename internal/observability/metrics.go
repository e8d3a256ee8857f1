package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	HTTPRequestsTotal           *prometheus.CounterVec
	HTTPRequestDuration         *prometheus.HistogramVec
	NotificationsAcceptedTotal  *prometheus.CounterVec
	NotificationsProcessedTotal *prometheus.CounterVec
	RetryAttemptsTotal          *prometheus.CounterVec
	DeadLetteredTotal           *prometheus.CounterVec
	BreakerOpenTotal            *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		NotificationsAcceptedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_accepted_total",
				Help: "Total number of notifications accepted at ingress",
			},
			[]string{"channel"},
		),
		NotificationsProcessedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_processed_total",
				Help: "Total number of notifications processed by workers",
			},
			[]string{"channel", "status"},
		),
		RetryAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retry_attempts_total",
				Help: "Total number of retry republishes",
			},
			[]string{"channel"},
		),
		DeadLetteredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dead_lettered_total",
				Help: "Total number of messages published to the failed queue",
			},
			[]string{"channel"},
		),
		BreakerOpenTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "breaker_open_total",
				Help: "Total number of calls rejected by an open circuit breaker",
			},
			[]string{"backend"},
		),
	}
}
