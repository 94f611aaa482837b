// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/mobiletoly/go-overledger/ledger"
)

const (
	MetricsOpDrain = "drain"

	MetricsStageTotal = "total"

	// Per-item drain stages.
	MetricsStageRemote = "remote"
	MetricsStageCommit = "commit"
)

type stageObserver struct {
	config *Config
	logger *slog.Logger
}

func (s stageObserver) start() time.Time {
	if s.config.StageMetrics == nil && !s.config.LogStageTimings {
		return time.Time{}
	}
	return time.Now()
}

func (s stageObserver) observe(ctx context.Context, op, stage string, start time.Time, count, attempt int, hadError bool) {
	if start.IsZero() {
		return
	}
	timing := ledger.StageTiming{
		Operation: op,
		Stage:     stage,
		Duration:  time.Since(start),
		Count:     count,
		Attempt:   attempt,
		Error:     hadError,
	}
	if s.config.StageMetrics != nil {
		s.config.StageMetrics.ObserveStage(ctx, timing)
	}
	if s.config.LogStageTimings {
		s.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"attempt", timing.Attempt,
			"error", timing.Error,
		)
	}
}
