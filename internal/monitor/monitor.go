package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "grain_gateway"

// Dispatch Metrics
var (
	DispatchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "requests_total",
		Help:      "Inbound requests by routing decision",
	}, []string{"route"})

	DNSLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "dns_lookups_total",
		Help:      "Public-ID TXT lookups by outcome (hit, miss, error)",
	}, []string{"result"})

	WwwHandlerCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "www_handler_cache_size",
		Help:      "Number of public IDs with a cached static publishing handler",
	})
)

// Proxy Metrics
var (
	ProxyActiveCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "active_count",
		Help:      "Number of live session proxies",
	})

	ProxyPortsAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "ports_available",
		Help:      "Released ports waiting to be reused",
	})

	ProxyRPCRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "rpc_retries_total",
		Help:      "Requests retried after a supervisor connection failure",
	})

	ProxyActiveWebSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "active_websockets",
		Help:      "Number of currently relayed WebSocket connections",
	})
)

// Grain Metrics
var (
	GrainStartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grain",
		Name:      "starts_total",
		Help:      "Supervisor starts by result (ready, spawn_error, never_ready)",
	}, []string{"result"})

	GrainStartLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "grain",
		Name:      "start_latency_seconds",
		Help:      "Time from spawn to supervisor readiness",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	GrainRunningCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "grain",
		Name:      "running_count",
		Help:      "Supervisors started by this process that are still running",
	})
)

// Session Metrics
var (
	SessionActiveCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "active_count",
		Help:      "Number of currently open sessions",
	})

	SessionOpenLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "open_latency_seconds",
		Help:      "Latency of opening a session, including grain start",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30},
	})

	SessionsSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "swept_total",
		Help:      "Idle sessions closed by the garbage collector",
	})
)
