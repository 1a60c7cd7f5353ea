// Package metrics provides Prometheus instrumentation for the fabric.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WebSocket metrics.
var (
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_ws_connections_active",
		Help: "Number of active WebSocket connections.",
	})

	WSDisconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_ws_disconnects_total",
		Help: "WebSocket disconnects classified by close reason.",
	}, []string{"reason"})

	WSBufferedMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_ws_buffered_messages_total",
		Help: "Messages parked in the pending buffer because no socket was attached.",
	})
)

// RPC metrics.
var (
	RPCRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_rpc_requests_total",
		Help: "Total number of RPC invocations.",
	}, []string{"method", "code"})

	RPCRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fabric_rpc_request_duration_seconds",
		Help:    "RPC invocation duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	RPCIdempotentReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_rpc_idempotent_replays_total",
		Help: "RPC calls short-circuited by an idempotency marker.",
	})
)

// Listener metrics.
var (
	ListenersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fabric_listeners_active",
		Help: "Attached listeners by type.",
	}, []string{"type"})

	ListenerEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_listener_events_total",
		Help: "Events published by the listener supervisor.",
	}, []string{"event"})
)

// Cache metrics.
var (
	CacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_cache_hits_total",
		Help: "Cache reads served from the KV store.",
	}, []string{"data_type"})

	CacheMissesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_cache_misses_total",
		Help: "Cache reads that fell through to the source.",
	}, []string{"data_type"})
)

// Agent metrics.
var (
	AgentTurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_agent_turns_total",
		Help: "Unified workflow turns by mode.",
	}, []string{"mode"})

	StreamChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_agent_stream_chunks_total",
		Help: "Streaming chunks broadcast over WebSocket.",
	})
)

// LPT metrics.
var (
	LPTDispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_lpt_dispatches_total",
		Help: "LPT requests handed to the transport.",
	}, []string{"transport", "outcome"})

	LPTCallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_lpt_callbacks_total",
		Help: "LPT callbacks received, by response status.",
	}, []string{"status"})
)

// Scheduler metrics.
var (
	SchedulerRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_scheduler_runs_total",
		Help: "Planned task executions by outcome.",
	}, []string{"outcome"})
)
