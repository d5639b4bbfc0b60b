package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loykin/banco/internal/node"
	"github.com/loykin/banco/internal/registry"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	nodeStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "banco",
			Subsystem: "node",
			Name:      "starts_total",
			Help:      "Number of successful node spawns.",
		}, []string{"name"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "banco",
			Subsystem: "node",
			Name:      "spawn_failures_total",
			Help:      "Number of start_node requests rejected by the OS.",
		}, []string{"name"},
	)
	nodeStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "banco",
			Subsystem: "node",
			Name:      "stops_total",
			Help:      "Number of transitions to Stopped.",
		}, []string{"name", "crashed", "cause"},
	)
	heartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "banco",
			Subsystem: "heartbeat",
			Name:      "received_total",
			Help:      "Heartbeats received, split by whether the node was tracked.",
		}, []string{"known"},
	)
	staleNodes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "banco",
			Subsystem: "heartbeat",
			Name:      "stale_total",
			Help:      "Nodes declared crashed after missing heartbeats.",
		}, []string{"name"},
	)
	nodesByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "banco",
			Subsystem: "registry",
			Name:      "nodes",
			Help:      "Registered nodes by status.",
		}, []string{"status"},
	)
	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "banco",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Handled IPC requests by op and result.",
		}, []string{"op", "result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{nodeStarts, spawnFailures, nodeStops, heartbeats, staleNodes, nodesByStatus, rpcRequests}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The helpers below no-op until Register succeeded.

// Observe turns registry events into counters and keeps the status gauge
// in step. It is a registry.Observer and never blocks.
func Observe(ev registry.Event) {
	if !regOK.Load() {
		return
	}
	switch ev.Type {
	case registry.EventStarted:
		nodeStarts.WithLabelValues(ev.Node.Name).Inc()
		nodesByStatus.WithLabelValues(ev.Node.Status.Label()).Inc()
	case registry.EventSpawnFailed:
		spawnFailures.WithLabelValues(ev.Node.Name).Inc()
	case registry.EventRunning:
		moveStatus(ev.Previous, ev.Node.Status)
	case registry.EventStopped:
		crashed := "false"
		if ev.Node.Status.Crashed() {
			crashed = "true"
		}
		nodeStops.WithLabelValues(ev.Node.Name, crashed, string(ev.Cause)).Inc()
		moveStatus(ev.Previous, ev.Node.Status)
	case registry.EventRemoved:
		nodesByStatus.WithLabelValues(ev.Node.Status.Label()).Dec()
	}
}

func moveStatus(from, to node.Status) {
	nodesByStatus.WithLabelValues(from.Label()).Dec()
	nodesByStatus.WithLabelValues(to.Label()).Inc()
}

func IncHeartbeat(known bool) {
	if regOK.Load() {
		if known {
			heartbeats.WithLabelValues("true").Inc()
		} else {
			heartbeats.WithLabelValues("false").Inc()
		}
	}
}

func IncStale(name string) {
	if regOK.Load() {
		staleNodes.WithLabelValues(name).Inc()
	}
}

func IncRequest(op string, err error) {
	if regOK.Load() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		rpcRequests.WithLabelValues(op, result).Inc()
	}
}
