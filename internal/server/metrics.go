package server

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server
type Metrics struct {
	// Counters
	CommandsTotal        prometheus.CounterVec
	ConnectionsTotal     prometheus.CounterVec
	EventsIngestedTotal  prometheus.Counter
	EventsDeliveredTotal prometheus.Counter
	EventsDroppedTotal   prometheus.CounterVec
	TransferBytesTotal   prometheus.CounterVec
	ErrorsTotal          prometheus.CounterVec

	// Gauges
	ConnectionsActive   prometheus.Gauge
	SubscriptionsActive prometheus.Gauge

	// Histograms
	CommandDuration prometheus.HistogramVec
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// InitMetrics initializes global Prometheus metrics
func InitMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			CommandsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "binshare_commands_total",
					Help: "Total commands handled",
				},
				[]string{"op", "status"},
			),
			ConnectionsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "binshare_connections_total",
					Help: "Total connections (accepted/rejected)",
				},
				[]string{"status"},
			),
			EventsIngestedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "binshare_events_ingested_total",
					Help: "Total events accepted into the log",
				},
			),
			EventsDeliveredTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "binshare_events_delivered_total",
					Help: "Total events delivered to subscribers",
				},
			),
			EventsDroppedTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "binshare_events_dropped_total",
					Help: "Total events not delivered, by reason",
				},
				[]string{"reason"},
			),
			TransferBytesTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "binshare_transfer_bytes_total",
					Help: "Total database bytes transferred",
				},
				[]string{"direction"},
			),
			ErrorsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "binshare_errors_total",
					Help: "Total errors by component",
				},
				[]string{"component", "type"},
			),
			ConnectionsActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "binshare_connections_active",
					Help: "Current active connections",
				},
			),
			SubscriptionsActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "binshare_subscriptions_active",
					Help: "Current active branch subscriptions",
				},
			),
			CommandDuration: *promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "binshare_command_duration_seconds",
					Help:    "Command handling duration",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"op"},
			),
		}
	})
	return globalMetrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	if globalMetrics == nil {
		return InitMetrics()
	}
	return globalMetrics
}

// RecordCommand records a handled command
func (m *Metrics) RecordCommand(op string, status string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(op, status).Inc()
}

// RecordCommandDuration records command handling duration
func (m *Metrics) RecordCommandDuration(op string, seconds float64) {
	if m == nil {
		return
	}
	m.CommandDuration.WithLabelValues(op).Observe(seconds)
}

// RecordConnection records a connection attempt
func (m *Metrics) RecordConnection(status string) {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues(status).Inc()
}

// RecordEventIngested records an event accepted into the log
func (m *Metrics) RecordEventIngested() {
	if m == nil {
		return
	}
	m.EventsIngestedTotal.Inc()
}

// RecordEventDelivered records an event pushed to a subscriber
func (m *Metrics) RecordEventDelivered() {
	if m == nil {
		return
	}
	m.EventsDeliveredTotal.Inc()
}

// RecordEventDropped records an event that was not delivered
func (m *Metrics) RecordEventDropped(reason string) {
	if m == nil {
		return
	}
	m.EventsDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordTransfer records database bytes moved in either direction
func (m *Metrics) RecordTransfer(direction string, bytes int64) {
	if m == nil {
		return
	}
	m.TransferBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// SetActiveConnections sets the current active connection count
func (m *Metrics) SetActiveConnections(count int64) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Set(float64(count))
}

// SetActiveSubscriptions sets the current subscription count
func (m *Metrics) SetActiveSubscriptions(count int64) {
	if m == nil {
		return
	}
	m.SubscriptionsActive.Set(float64(count))
}

// RecordError records an error
func (m *Metrics) RecordError(component string, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
