// Package metrics registers the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TicksReceived counts decoded upstream ticks by tick type.
	TicksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ibstream_ticks_received_total",
		Help: "Ticks decoded from the upstream session",
	}, []string{"tick_type"})

	// TicksRouted counts ticks delivered to handlers.
	TicksRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ibstream_ticks_routed_total",
		Help: "Ticks delivered to registered stream handlers",
	}, []string{"tick_type"})

	// StorageWritten counts messages appended per format.
	StorageWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ibstream_storage_written_total",
		Help: "Messages appended to storage",
	}, []string{"format"})

	// StorageDropped counts messages dropped on full writer queues.
	StorageDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ibstream_storage_dropped_total",
		Help: "Messages dropped because a writer queue was full",
	}, []string{"format"})

	// StorageErrors counts failed batch writes.
	StorageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ibstream_storage_errors_total",
		Help: "Batch writes that returned an error",
	}, []string{"format"})

	// ActiveHandlers tracks registered stream handlers.
	ActiveHandlers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ibstream_active_handlers",
		Help: "Stream handlers currently registered with the router",
	})

	// WSConnections tracks open WebSocket connections.
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ibstream_ws_connections",
		Help: "Open WebSocket connections",
	})

	// SSEClients tracks open SSE responses.
	SSEClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ibstream_sse_clients",
		Help: "Open SSE subscriber responses",
	})

	// SubscriberDropped counts subscribers terminated for slow consumption.
	SubscriberDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ibstream_subscribers_dropped_total",
		Help: "Subscribers terminated by the slow-consumer policy",
	}, []string{"transport"})

	// UpstreamReconnects counts background session reconnect attempts.
	UpstreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ibstream_upstream_reconnects_total",
		Help: "Upstream reconnect attempts by the background manager",
	})
)
