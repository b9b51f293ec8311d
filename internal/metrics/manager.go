// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
)

// Manager owns the prometheus registry and the service's collectors.
// A nil *Manager is valid and turns every record call into a no-op, so
// callers never have to branch on metrics being enabled.
type Manager struct {
	registry *prometheus.Registry

	workflowsGenerated *prometheus.CounterVec
	stepsExecuted      *prometheus.CounterVec
	workersBusy        prometheus.Gauge
	copyDuration       prometheus.Histogram
}

func NewManager() *Manager {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Manager{
		registry: registry,
		workflowsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediamgr_workflows_generated_total",
			Help: "Work-flows emitted by generators, by first step action.",
		}, []string{"action"}),
		stepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediamgr_worksteps_executed_total",
			Help: "Work-steps executed by workers, by action and result status.",
		}, []string{"action", "status"}),
		workersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediamgr_workers_busy",
			Help: "Number of workers currently executing or warming up.",
		}),
		copyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mediamgr_copy_duration_seconds",
			Help:    "Duration of copy work-steps.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}

	registry.MustRegister(m.workflowsGenerated, m.stepsExecuted, m.workersBusy, m.copyDuration)

	log.Info().Msg("Metrics manager initialized")
	return m
}

func (m *Manager) GetRegistry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Manager) RecordWorkflowGenerated(action string) {
	if m == nil {
		return
	}
	m.workflowsGenerated.WithLabelValues(action).Inc()
}

func (m *Manager) RecordStepExecuted(action, status string) {
	if m == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(action, status).Inc()
}

func (m *Manager) WorkerBusy(delta float64) {
	if m == nil {
		return
	}
	m.workersBusy.Add(delta)
}

func (m *Manager) ObserveCopyDuration(seconds float64) {
	if m == nil {
		return
	}
	m.copyDuration.Observe(seconds)
}
