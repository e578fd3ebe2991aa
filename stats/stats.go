// Package stats registers the counters and gauges this module
// exposes for diagnostics (§ SPEC_FULL "Supplemented features").
//
// Grounded on stats/target_stats.go's metric-naming convention
// ("*.n" counter, "*.ns" latency, "*.size" bytes) applied to
// Prometheus metric names instead of the teacher's StatsD tracker map
// (stats/common_statsd.go) — the registry here is a thin typed struct
// of prometheus.Counter/Gauge fields rather than a generic
// name-keyed map, since there is no StatsD sink to keep format-
// compatible with.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is this node's metric set. Construct with New; all fields
// are safe for concurrent use (prometheus metrics are themselves
// goroutine-safe).
type Registry struct {
	reg *prometheus.Registry

	DatagramsSent     prometheus.Counter
	DatagramsReceived prometheus.Counter
	DatagramsDropped  prometheus.Counter

	RoutesAdded   prometheus.Counter
	RoutesRemoved prometheus.Counter
	RouteCount    prometheus.Gauge

	ClockOffsetMs prometheus.Gauge

	BundleQueueLen    prometheus.Gauge
	BundlesSubmitted  prometheus.Counter
	BundlesDelivered  prometheus.Counter
	BundlesForwarded  prometheus.Counter
	BundlesDropped    prometheus.Counter
	BundlesExpired    prometheus.Counter
}

// New builds a fresh Registry under namespace (e.g. "meshbus").
func New(namespace string) *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Registry{
		reg: reg,

		DatagramsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dmp", Name: "sent_total",
			Help: "Datagrams written to a connection.",
		}),
		DatagramsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dmp", Name: "received_total",
			Help: "Datagrams read from a connection.",
		}),
		DatagramsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dmp", Name: "dropped_total",
			Help: "Datagrams dropped as malformed or unbound.",
		}),

		RoutesAdded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sfrp", Name: "routes_added_total",
			Help: "SFRP ROUTE_ADDED notifications.",
		}),
		RoutesRemoved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sfrp", Name: "routes_removed_total",
			Help: "SFRP ROUTE_REMOVED notifications.",
		}),
		RouteCount: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sfrp", Name: "route_count",
			Help: "Originators with a currently valid route.",
		}),

		ClockOffsetMs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "clocksync", Name: "offset_ms",
			Help: "Current offset applied to the internal clock.",
		}),

		BundleQueueLen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "bundleagent", Name: "queue_length",
			Help: "Records currently queued for processing.",
		}),
		BundlesSubmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bundleagent", Name: "submitted_total",
			Help: "Bundles accepted onto the queue.",
		}),
		BundlesDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bundleagent", Name: "delivered_total",
			Help: "Bundles delivered to a local endpoint.",
		}),
		BundlesForwarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bundleagent", Name: "forwarded_total",
			Help: "Bundles sent toward a resolved next hop.",
		}),
		BundlesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bundleagent", Name: "dropped_total",
			Help: "Bundles dropped: queue full, resolution failed, or malformed.",
		}),
		BundlesExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bundleagent", Name: "expired_total",
			Help: "Bundles dropped for exceeding their lifetime.",
		}),
	}
}

// Gatherer exposes the underlying registry for /metrics handlers.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
