package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatch", Name: "offers_created_total",
		Help: "Ride offers extended to drivers",
	})
	OffersAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatch", Name: "offers_accepted_total",
		Help: "Ride offers accepted by drivers",
	})
	OffersRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatch", Name: "offers_rejected_total",
		Help: "Ride offers rejected by drivers",
	})
	OffersTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatch", Name: "offers_timed_out_total",
		Help: "Ride offers expired without a response",
	})
	NoDriverFound = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatch", Name: "no_driver_found_total",
		Help: "Offering cycles that exhausted all candidates",
	})
	RetriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatch", Name: "retries_scheduled_total",
		Help: "No-driver retries scheduled",
	})
	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch", Name: "events_consumed_total",
		Help: "Inbound booking events consumed",
	}, []string{"topic"})
	EventsDuplicate = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch", Name: "events_duplicate_total",
		Help: "Inbound events skipped by the idempotency ledger",
	}, []string{"topic"})
	PublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch", Name: "publish_errors_total",
		Help: "Outbound event publish failures (state already committed)",
	}, []string{"topic"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
