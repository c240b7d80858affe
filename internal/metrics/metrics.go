package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Delivery outcomes used as label values
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Bus message outcomes used as label values
const (
	BusDecoded     = "decoded"
	BusDecodeError = "decode_error"
	BusDropped     = "dropped"
)

// Metrics holds Prometheus metrics for the relay
type Metrics struct {
	// API metrics
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec
	PublishedTotal     *prometheus.CounterVec

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   prometheus.Counter
	ClientFrames    *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Registry metrics
	GroupsActive prometheus.Gauge
	JoinsTotal   prometheus.Counter
	LeavesTotal  *prometheus.CounterVec

	// Router metrics
	RouterEventsTotal   *prometheus.CounterVec
	RouterEventDuration *prometheus.HistogramVec
	DeliveriesTotal     *prometheus.CounterVec
	FanOutSize          *prometheus.HistogramVec

	// Bus metrics
	BusMessagesTotal *prometheus.CounterVec
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics(prometheus.DefaultRegisterer)
	})
	return instance
}

// NewWithRegistry creates an independent metrics set registered with reg.
// Useful for tests that need isolated counters.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

// newMetrics initializes and registers all metrics
func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{}

	// API metrics
	m.APIRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.APIRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
		[]string{"method", "path"},
	)

	m.PublishedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_published_total",
			Help: "Total number of notification records published through the relay",
		},
		[]string{"outcome"},
	)

	// Session metrics
	m.SessionsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "Number of open client sessions",
		},
	)

	m.SessionsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_sessions_total",
			Help: "Total number of client sessions accepted",
		},
	)

	m.ClientFrames = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_client_frames_total",
			Help: "Total number of frames received from clients",
		},
		[]string{"event"},
	)

	m.SessionDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_session_duration_seconds",
			Help:    "Lifetime of client sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10), // from 1s to ~3 days
		},
	)

	// Registry metrics
	m.GroupsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_groups_active",
			Help: "Number of identities with at least one joined connection",
		},
	)

	m.JoinsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_joins_total",
			Help: "Total number of group joins",
		},
	)

	m.LeavesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_leaves_total",
			Help: "Total number of group leaves",
		},
		[]string{"reason"}, // leave, rejoin, disconnect
	)

	// Router metrics
	m.RouterEventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_router_events_total",
			Help: "Total number of events routed",
		},
		[]string{"event"},
	)

	m.RouterEventDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_router_event_duration_seconds",
			Help:    "Time spent fanning out a single event in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 15), // from 10us to ~160ms
		},
		[]string{"event"},
	)

	m.DeliveriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Total number of per-connection deliveries",
		},
		[]string{"event", "outcome"},
	)

	m.FanOutSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_fanout_size",
			Help:    "Number of connections an event was fanned out to",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
		},
		[]string{"event"},
	)

	// Bus metrics
	m.BusMessagesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_bus_messages_total",
			Help: "Total number of messages received from the bus",
		},
		[]string{"outcome"},
	)

	return m
}
