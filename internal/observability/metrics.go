package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flow",
		Name:      "frames_processed_total",
		Help:      "Total number of frames processed",
	}, []string{"camera_id"})

	PersonsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flow",
		Name:      "persons_detected_total",
		Help:      "Total number of person detections handed to the tracker",
	}, []string{"camera_id"})

	BusinessEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flow",
		Name:      "business_events_total",
		Help:      "Business events emitted by the zone transition engine",
	}, []string{"camera_id", "type"})

	ResolverOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flow",
		Name:      "resolver_outcomes_total",
		Help:      "Identity resolution outcomes",
	}, []string{"outcome"})

	KnownIdentities = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "flow",
		Name:      "known_identities",
		Help:      "Identities currently held in the search index",
	})

	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "flow",
		Name:      "inference_duration_seconds",
		Help:      "Duration of ML inference stages",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"stage"})

	ActiveSources = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "flow",
		Name:      "active_sources",
		Help:      "Number of currently running video sources",
	})

	LogFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flow",
		Name:      "event_log_flushes_total",
		Help:      "Event log batch flushes by result",
	}, []string{"result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "flow",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "flow",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})

	EventStreamDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "flow",
		Name:      "event_stream_messages",
		Help:      "Messages retained in the business event stream",
	})
)
