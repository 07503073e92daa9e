package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TripsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "trips_created_total", Help: "Trips created"})

	AcceptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "accepts_total", Help: "Accept attempts by outcome"},
		[]string{"result"},
	)

	OffersSent = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "offers_sent_total", Help: "Trip offers delivered by channel"},
		[]string{"channel"},
	)
	OffersSkipped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "offers_skipped_total", Help: "Candidates unreachable on every channel"})

	StandbyPromotions = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "standby_promotions_total", Help: "Standby entries promoted"})

	TripsReverted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "trips_reverted_total", Help: "Trips reclaimed from silent drivers"})
	TripsExpired  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "trips_expired_total", Help: "Trips expired by reapers"})

	NotifyRetries   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "notify_retries_total", Help: "Assignment confirmation resends"})
	AnomaliesHealed = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "anomalies_healed_total", Help: "Driver slot anomalies repaired"})

	DriversOnline        = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "dispatch", Name: "drivers_online", Help: "Drivers currently online"})
	StaleLocationReports = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "stale_location_reports_total", Help: "Location reports dropped by the sequence guard"})

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
