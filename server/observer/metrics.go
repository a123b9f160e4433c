// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package observer

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "sonar"
	metricsSubsystem = "access"
)

// MetricsMonitor counts access events. It implements
// prometheus.Collector.
type MetricsMonitor struct {
	connections prometheus.Gauge
	connects    prometheus.Counter
	logins      prometheus.Counter
	failures    prometheus.Counter
}

// NewMetricsMonitor returns a new, unregistered, MetricsMonitor.
func NewMetricsMonitor() *MetricsMonitor {
	return &MetricsMonitor{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "connections",
			Help:      "Number of connected clients.",
		}),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "connects_total",
			Help:      "Number of accepted connections.",
		}),
		logins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "logins_total",
			Help:      "Number of successful logins.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "login_failures_total",
			Help:      "Number of failed logins.",
		}),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *MetricsMonitor) Describe(ch chan<- *prometheus.Desc) {
	m.connections.Describe(ch)
	m.connects.Describe(ch)
	m.logins.Describe(ch)
	m.failures.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *MetricsMonitor) Collect(ch chan<- prometheus.Metric) {
	m.connections.Collect(ch)
	m.connects.Collect(ch)
	m.logins.Collect(ch)
	m.failures.Collect(ch)
}

// Connect is part of the server.AccessMonitor interface.
func (m *MetricsMonitor) Connect(string) {
	m.connects.Inc()
	m.connections.Inc()
}

// Authenticate is part of the server.AccessMonitor interface.
func (m *MetricsMonitor) Authenticate(string, string) {
	m.logins.Inc()
}

// Fail is part of the server.AccessMonitor interface.
func (m *MetricsMonitor) Fail(string, string) {
	m.failures.Inc()
}

// Disconnect is part of the server.AccessMonitor interface.
func (m *MetricsMonitor) Disconnect(string, string) {
	m.connections.Dec()
}
