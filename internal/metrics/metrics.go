// Package metrics exposes the service's Prometheus collectors. One registry
// is created at startup and injected where needed; no package-level
// singleton state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics bundles every collector the service records.
type Metrics struct {
	Registry *prometheus.Registry

	// Core operations
	Operations   *prometheus.CounterVec
	OperationErr *prometheus.CounterVec

	// Broadcast hub
	ActiveClients    prometheus.Gauge
	BroadcastsTotal  *prometheus.CounterVec
	DroppedClients   prometheus.Counter
	MessagesDelivered prometheus.Counter

	// Expiry monitor
	SweepsTotal     prometheus.Counter
	SweepExpired    prometheus.Counter
	SweepWarned     prometheus.Counter
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitle_operations_total",
			Help: "Core license operations by name and outcome.",
		}, []string{"operation", "outcome"}),
		OperationErr: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitle_operation_errors_total",
			Help: "Core license operation errors by name and kind.",
		}, []string{"operation", "kind"}),
		ActiveClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "entitle_ws_active_clients",
			Help: "Currently connected broadcast subscribers.",
		}),
		BroadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitle_ws_broadcasts_total",
			Help: "Broadcast events published by event type.",
		}, []string{"event"}),
		DroppedClients: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entitle_ws_dropped_clients_total",
			Help: "Subscribers disconnected because their send buffer filled.",
		}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entitle_ws_messages_delivered_total",
			Help: "Event frames handed to subscriber send queues.",
		}),
		SweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entitle_expiry_sweeps_total",
			Help: "Expiry monitor sweep runs.",
		}),
		SweepExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entitle_expiry_expired_total",
			Help: "Licenses transitioned to expired by the monitor.",
		}),
		SweepWarned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entitle_expiry_warnings_total",
			Help: "One-time expiry warnings emitted by the monitor.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Operations,
		m.OperationErr,
		m.ActiveClients,
		m.BroadcastsTotal,
		m.DroppedClients,
		m.MessagesDelivered,
		m.SweepsTotal,
		m.SweepExpired,
		m.SweepWarned,
	)
	return m
}
