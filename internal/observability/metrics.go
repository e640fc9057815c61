package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LiveShareWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "shuttle_tracker", Name: "live_share_writes_total", Help: "Live share writes by operation and result"},
		[]string{"op", "result"},
	)

	SightingsReported = promauto.NewCounter(prometheus.CounterOpts{Namespace: "shuttle_tracker", Name: "sightings_reported_total", Help: "Sightings appended"})

	GeofenceRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "shuttle_tracker", Name: "geofence_rejections_total", Help: "Positions rejected for being outside the operating area"},
		[]string{"source"},
	)
	MalformedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "shuttle_tracker", Name: "malformed_records_total", Help: "Stored records excluded from reads because they failed decoding"},
		[]string{"namespace"},
	)
	ActiveSubscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "shuttle_tracker", Name: "active_subscriptions", Help: "Open stream subscriptions"},
		[]string{"namespace"},
	)
	DeliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "shuttle_tracker", Name: "delivery_latency_seconds", Help: "Time to re-read and deliver one subscription update", Buckets: prometheus.DefBuckets},
		[]string{"namespace"},
	)
	ProximityAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "shuttle_tracker", Name: "proximity_alerts_total", Help: "Proximity alerts raised by sink result"},
		[]string{"result"},
	)
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "shuttle_tracker", Name: "events_published_total", Help: "Audit events published to kafka"},
		[]string{"type", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "shuttle_tracker", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shuttle_tracker",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
