// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sched

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "sonar"

// Metrics collects job statistics for any number of schedulers, labelled
// by scheduler name. It implements prometheus.Collector.
type Metrics struct {
	jobs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	depth    *prometheus.GaugeVec
}

// NewMetrics returns a new, unregistered, Metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "jobs_total",
			Help:      "Number of jobs performed.",
		}, []string{"scheduler"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "job_failures_total",
			Help:      "Number of jobs which returned an error.",
		}, []string{"scheduler"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Time taken to perform a job.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"scheduler"}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Number of jobs waiting when a job was last added.",
		}, []string{"scheduler"}),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.jobs.Describe(ch)
	m.failures.Describe(ch)
	m.duration.Describe(ch)
	m.depth.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.jobs.Collect(ch)
	m.failures.Collect(ch)
	m.duration.Collect(ch)
	m.depth.Collect(ch)
}

func (m *Metrics) queued(name string, depth int) {
	if m == nil {
		return
	}
	m.depth.WithLabelValues(name).Set(float64(depth))
}

func (m *Metrics) performed(name string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(name).Inc()
	m.duration.WithLabelValues(name).Observe(d.Seconds())
	if err != nil {
		m.failures.WithLabelValues(name).Inc()
	}
}
