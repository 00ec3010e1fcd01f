// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and tracing for dialog
// synchronization.
//
// # Description
//
// Prometheus metrics cover chunk application, catch-up runs, subscription
// phases, approvals, history loads and the push connection. Tracing is
// OpenTelemetry with an OTLP or stdout exporter.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every recording method is a no-op on a nil *Metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "chatsync"

// Subsystem for dialog metrics
const dialogSubsystem = "dialog"

// Metrics holds all Prometheus metrics for dialog synchronization.
//
// # Fields
//
//   - ChunksTotal: Chunks seen by channel, source and outcome
//   - CatchUpRunsTotal: Catch-up runs by outcome
//   - CatchUpDurationSeconds: Catch-up latency
//   - CatchUpDiscardedTotal: Chunks dropped by truncation at MESSAGE_END
//   - SubscriptionTransitionsTotal: Subscription phase changes
//   - ActiveSubscriptions: Conversations currently subscribed
//   - ApprovalsTotal: Approval decisions by decision and outcome
//   - HistoryPagesTotal: History pages by source and outcome
//   - PushConnected: 1 while the push transport is connected
//   - PushReconnectsTotal: Push reconnections
type Metrics struct {
	// Labels: channel, source (push, catchup), outcome (applied, duplicate, invalid, dropped, stale)
	ChunksTotal *prometheus.CounterVec

	// Labels: outcome (applied, failed, skipped, stale)
	CatchUpRunsTotal *prometheus.CounterVec

	CatchUpDurationSeconds prometheus.Histogram

	CatchUpDiscardedTotal prometheus.Counter

	// Labels: phase
	SubscriptionTransitionsTotal *prometheus.CounterVec

	ActiveSubscriptions prometheus.Gauge

	// Labels: decision (approved, rejected), outcome (ok, noop, conflict, error)
	ApprovalsTotal *prometheus.CounterVec

	// Labels: source (server, cache), outcome (ok, error)
	HistoryPagesTotal *prometheus.CounterVec

	PushConnected prometheus.Gauge

	PushReconnectsTotal prometheus.Counter
}

// DefaultMetrics is the process-wide instance. Initialized by InitMetrics.
var DefaultMetrics *Metrics

// InitMetrics registers the metrics with the default Prometheus registry
// and stores them in DefaultMetrics.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *Metrics {
	DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewMetrics creates and registers the metrics with reg.
//
// # Examples
//
//	reg := prometheus.NewRegistry()
//	m := observability.NewMetrics(reg)
//	m.RecordChunk("client", "push", "applied")
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChunksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: dialogSubsystem,
				Name:      "chunks_total",
				Help:      "Streaming chunks by channel, source and outcome",
			},
			[]string{"channel", "source", "outcome"},
		),

		CatchUpRunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: dialogSubsystem,
				Name:      "catchup_runs_total",
				Help:      "Catch-up runs by outcome",
			},
			[]string{"outcome"},
		),

		CatchUpDurationSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: dialogSubsystem,
				Name:      "catchup_duration_seconds",
				Help:      "Catch-up fetch and replay duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),

		CatchUpDiscardedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: dialogSubsystem,
				Name:      "catchup_discarded_chunks_total",
				Help:      "Fetched chunks at or before the last MESSAGE_END",
			},
		),

		SubscriptionTransitionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: dialogSubsystem,
				Name:      "subscription_transitions_total",
				Help:      "Subscription phase transitions by target phase",
			},
			[]string{"phase"},
		),

		ActiveSubscriptions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: dialogSubsystem,
				Name:      "active_subscriptions",
				Help:      "Conversations with an active push subscription",
			},
		),

		ApprovalsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: dialogSubsystem,
				Name:      "approvals_total",
				Help:      "Approval decisions by decision and outcome",
			},
			[]string{"decision", "outcome"},
		),

		HistoryPagesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: dialogSubsystem,
				Name:      "history_pages_total",
				Help:      "History pages loaded by source and outcome",
			},
			[]string{"source", "outcome"},
		),

		PushConnected: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: dialogSubsystem,
				Name:      "push_connected",
				Help:      "1 while the push transport is connected",
			},
		),

		PushReconnectsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: dialogSubsystem,
				Name:      "push_reconnects_total",
				Help:      "Push transport reconnections",
			},
		),
	}
}

// =============================================================================
// Recording Helpers
// =============================================================================

// RecordChunk counts one chunk.
func (m *Metrics) RecordChunk(channel, source, outcome string) {
	if m == nil {
		return
	}
	m.ChunksTotal.WithLabelValues(channel, source, outcome).Inc()
}

// RecordCatchUp counts one catch-up run and its duration.
func (m *Metrics) RecordCatchUp(outcome string, elapsed time.Duration, discarded int) {
	if m == nil {
		return
	}
	m.CatchUpRunsTotal.WithLabelValues(outcome).Inc()
	if outcome == "skipped" {
		return
	}
	m.CatchUpDurationSeconds.Observe(elapsed.Seconds())
	if discarded > 0 {
		m.CatchUpDiscardedTotal.Add(float64(discarded))
	}
}

// RecordTransition counts a subscription phase change.
func (m *Metrics) RecordTransition(phase string) {
	if m == nil {
		return
	}
	m.SubscriptionTransitionsTotal.WithLabelValues(phase).Inc()
}

// SetActiveSubscriptions sets the subscription gauge.
func (m *Metrics) SetActiveSubscriptions(n int) {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Set(float64(n))
}

// RecordApproval counts one approval decision.
func (m *Metrics) RecordApproval(decision, outcome string) {
	if m == nil {
		return
	}
	m.ApprovalsTotal.WithLabelValues(decision, outcome).Inc()
}

// RecordHistoryPage counts one history page.
func (m *Metrics) RecordHistoryPage(source, outcome string) {
	if m == nil {
		return
	}
	m.HistoryPagesTotal.WithLabelValues(source, outcome).Inc()
}

// SetPushConnected records the push connection state.
func (m *Metrics) SetPushConnected(connected bool, reconnect bool) {
	if m == nil {
		return
	}
	if connected {
		m.PushConnected.Set(1)
		if reconnect {
			m.PushReconnectsTotal.Inc()
		}
		return
	}
	m.PushConnected.Set(0)
}
