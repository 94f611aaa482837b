// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package metrics exports stage timings and sync queue depth to Prometheus.
// The server and the client sync driver share the same recorder.
package metrics

import (
	"context"
	"fmt"

	"github.com/mobiletoly/go-overledger/ledger"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder exports stage timings and sync queue depth
type PrometheusRecorder struct {
	stageDuration *prometheus.HistogramVec
	stageItems    *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
}

var (
	_ ledger.StageMetricsRecorder = (*PrometheusRecorder)(nil)
	_ ledger.QueueCountsRecorder  = (*PrometheusRecorder)(nil)
)

// NewPrometheusRecorder registers the collectors on reg
func NewPrometheusRecorder(reg prometheus.Registerer, namespace string) (*PrometheusRecorder, error) {
	r := &PrometheusRecorder{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of sync and API stages.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "stage", "error"}),
		stageItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_items_total",
			Help:      "Items processed per stage.",
		}, []string{"op", "stage"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_queue_items",
			Help:      "Sync queue items by status.",
		}, []string{"status"}),
	}
	for _, c := range []prometheus.Collector{r.stageDuration, r.stageItems, r.queueDepth} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return r, nil
}

func (r *PrometheusRecorder) ObserveStage(_ context.Context, timing ledger.StageTiming) {
	errLabel := "false"
	if timing.Error {
		errLabel = "true"
	}
	r.stageDuration.WithLabelValues(timing.Operation, timing.Stage, errLabel).Observe(timing.Duration.Seconds())
	if timing.Count > 0 {
		r.stageItems.WithLabelValues(timing.Operation, timing.Stage).Add(float64(timing.Count))
	}
}

// SetQueueCounts publishes the current queue depth
func (r *PrometheusRecorder) SetQueueCounts(c ledger.QueueCounts) {
	r.queueDepth.WithLabelValues(string(ledger.StatusPending)).Set(float64(c.Pending))
	r.queueDepth.WithLabelValues(string(ledger.StatusSyncing)).Set(float64(c.Syncing))
	r.queueDepth.WithLabelValues(string(ledger.StatusCompleted)).Set(float64(c.Completed))
	r.queueDepth.WithLabelValues(string(ledger.StatusFailed)).Set(float64(c.Failed))
}
