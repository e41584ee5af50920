package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rider_agent", Name: "offers_received_total", Help: "Offers received by source"},
		[]string{"source"},
	)
	OfferDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rider_agent", Name: "offer_decisions_total", Help: "Offer outcomes"},
		[]string{"outcome"},
	)
	Conflicts       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rider_agent", Name: "assignment_conflicts_total", Help: "Assignments lost to another rider"})
	HasAssignment   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "rider_agent", Name: "assignment_active", Help: "1 while an assignment is held"})
	OfferQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "rider_agent", Name: "offer_queue_depth", Help: "Offers waiting for display"})

	StageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rider_agent", Name: "stage_transitions_total", Help: "Stage transitions by target stage"},
		[]string{"stage"},
	)
	StageSyncFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rider_agent", Name: "stage_sync_failures_total", Help: "Stage updates the backend did not acknowledge"})
	OTPFailures       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rider_agent", Name: "otp_failures_total", Help: "Rejected OTP entries"})
	Completions       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rider_agent", Name: "completions_total", Help: "Completed assignments"})
	EarningsTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rider_agent", Name: "earnings_total", Help: "Sum of recorded earnings"})

	LocationTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rider_agent", Name: "location_ticks_total", Help: "Location loop ticks by result"},
		[]string{"result"},
	)
	RouteFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rider_agent", Name: "route_fetches_total", Help: "Route computations by result"},
		[]string{"result"},
	)
	RealtimeReconnects = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rider_agent", Name: "realtime_reconnects_total", Help: "Realtime channel reconnect attempts"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rider_agent", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rider_agent",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
