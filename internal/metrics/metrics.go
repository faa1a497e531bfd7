package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Orders accepted by the API.
	OrdersSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "order_router_orders_submitted_total",
			Help: "Total number of orders accepted for execution.",
		},
	)

	// Lifecycle events persisted, by status.
	StatusEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_router_status_events_total",
			Help: "Number of order status events persisted (by status).",
		},
		[]string{"status"},
	)

	// Job outcomes by result = "ok" | "retry" | "dead".
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_router_jobs_processed_total",
			Help: "Number of queue jobs processed (by result).",
		},
		[]string{"result"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "order_router_job_duration_seconds",
			Help:    "Time taken to process one job attempt.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms → ~25s
		},
		[]string{"result"},
	)

	// Venue calls by venue, op = "quote" | "execute", result = "ok" | "error".
	VenueRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_router_venue_requests_total",
			Help: "Number of venue quote/execute calls.",
		},
		[]string{"venue", "op", "result"},
	)

	VenueLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "order_router_venue_latency_seconds",
			Help:    "Latency of venue quote/execute calls.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"venue", "op"},
	)

	// Winning venue per routing decision.
	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_router_routing_decisions_total",
			Help: "Number of routing decisions (by chosen venue).",
		},
		[]string{"venue"},
	)

	ActiveSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "order_router_status_subscribers",
			Help: "Number of live status subscriptions in this process.",
		},
	)

	// Tracks NATS messages processed by subject and result.
	NATSMessageCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nats_messages_total",
			Help: "Total number of NATS messages processed.",
		},
		[]string{"subject", "result"}, // result = "ok" | "error"
	)

	NATSMessageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nats_message_latency_seconds",
			Help:    "Time taken to publish NATS messages",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"subject"},
	)

	SecretsCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secrets_cache_access_total",
			Help: "Number of cache hits/misses in secret cache.",
		},
		[]string{"result"}, // hit | miss
	)

	DeadLetterDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "order_router_dead_letter_jobs",
			Help: "Number of jobs parked after exhausting their attempts.",
		},
	)

	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_router_errors_total",
			Help: "Count of errors by component.",
		},
		[]string{"component", "reason"},
	)
)

// ObserveDuration records the time taken for a function and updates the given histogram.
func ObserveDuration(v interface{}, start time.Time, labels ...string) {
	duration := time.Since(start).Seconds()

	switch metric := v.(type) {
	case *prometheus.HistogramVec:
		metric.WithLabelValues(labels...).Observe(duration)
	case *prometheus.SummaryVec:
		metric.WithLabelValues(labels...).Observe(duration)
	default:
		// counters are not duration metrics
	}
}

func IncStatusEvent(status string) {
	StatusEvents.WithLabelValues(status).Inc()
}

func IncJob(result string) {
	JobsProcessed.WithLabelValues(result).Inc()
}

func IncVenueRequest(venue, op, result string) {
	VenueRequests.WithLabelValues(venue, op, result).Inc()
}

func IncRoutingDecision(venue string) {
	RoutingDecisions.WithLabelValues(venue).Inc()
}

func IncNATSMessage(subject, result string) {
	NATSMessageCount.WithLabelValues(subject, result).Inc()
}

func IncCacheHit(result string) {
	SecretsCacheHits.WithLabelValues(result).Inc()
}

func IncError(component, reason string) {
	ErrorsTotal.WithLabelValues(component, reason).Inc()
}
