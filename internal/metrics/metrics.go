package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry metrics
var (
	// ActiveConnections tracks the number of registered WebSocket connections
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_active_connections",
			Help: "Number of registered WebSocket connections",
		},
	)

	// ActiveChannels tracks the number of channels in the registry
	ActiveChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_active_channels",
			Help: "Number of channels in the broadcast registry",
		},
	)

	// ActiveSessions tracks the number of named sessions
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_active_sessions",
			Help: "Number of named sessions",
		},
	)

	// CommandChannelDepth tracks the current broadcaster command channel depth
	CommandChannelDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_broadcaster_command_channel_depth",
			Help: "Current broadcaster command channel depth",
		},
	)
)

// Fan-out metrics
var (
	// BroadcastsTotal counts broadcast calls
	BroadcastsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_broadcasts_total",
			Help: "Total broadcast operations",
		},
	)

	// DeliveriesTotal counts per-recipient deliveries handed to writer pumps
	DeliveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_deliveries_total",
			Help: "Total per-recipient message deliveries",
		},
	)

	// DeliveryFailuresTotal counts per-recipient delivery failures
	DeliveryFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_delivery_failures_total",
			Help: "Per-recipient delivery failures during broadcast fan-out",
		},
	)

	// SlowClientsEvicted counts clients evicted due to a full send buffer
	SlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_slow_clients_evicted_total",
			Help: "WebSocket clients evicted because their send buffer was full",
		},
	)

	// MessageSendDuration tracks the latency of a single socket write
	MessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacon_message_send_duration_seconds",
			Help:    "Duration of a single WebSocket message write",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)
)

// Connection lifecycle metrics
var (
	// PingFailures counts failed keepalive pings
	PingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_ws_ping_failures_total",
			Help: "Failed WebSocket keepalive pings",
		},
	)

	// BroadcasterPanicsTotal tracks broadcaster panic recoveries
	BroadcasterPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_broadcaster_panics_total",
			Help: "Total broadcaster panic recoveries",
		},
	)

	// BroadcasterStopTimeoutsTotal tracks broadcaster stops that exceeded timeout
	BroadcasterStopTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_broadcaster_stop_timeouts_total",
			Help: "Broadcaster stops that exceeded the shutdown timeout",
		},
	)
)

// Relay metrics
var (
	// RelayPublishedTotal counts messages published to the relay
	RelayPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_relay_published_total",
			Help: "Messages published to the cross-instance relay",
		},
	)

	// RelayReceivedTotal counts messages received from the relay
	RelayReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_relay_received_total",
			Help: "Messages received from the cross-instance relay",
		},
	)

	// RelayPublishFailures counts failed relay publishes
	RelayPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_relay_publish_failures_total",
			Help: "Failed relay publish attempts (including open circuit)",
		},
	)
)
