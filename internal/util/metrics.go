package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CheckoutsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkouts_created_total",
		Help: "Total number of checkouts created",
	})

	CheckoutsConfirmedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkouts_confirmed_total",
		Help: "Total number of checkouts confirmed",
	})

	CheckoutsCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkouts_cancelled_total",
		Help: "Total number of checkouts cancelled",
	})

	CheckoutsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkouts_expired_total",
		Help: "Total number of checkouts expired by the sweep",
	})

	CheckoutsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkouts_failed_total",
		Help: "Total number of failed checkout operations",
	}, []string{"operation", "reason"})

	SeatLockLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "seat_lock_latency_seconds",
		Help:    "Latency of atomic seat lock acquisition",
		Buckets: prometheus.DefBuckets,
	})

	SeatLockConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seat_lock_conflicts_total",
		Help: "Total number of seat lock attempts that hit a held seat",
	})

	ChartRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seat_chart_requests_total",
		Help: "Total number of seat chart provider calls",
	}, []string{"action", "outcome"})

	PaymentCallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_callbacks_total",
		Help: "Total number of payment callbacks by acknowledgement code",
	}, []string{"code"})

	OutboxPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_published_total",
		Help: "Total number of outbox events relayed to the broker",
	})

	OutboxPublishFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_publish_failed_total",
		Help: "Total number of outbox relay failures",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
