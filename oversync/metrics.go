// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"time"

	"github.com/mobiletoly/go-overledger/ledger"
)

const (
	MetricsOpList   = "list"
	MetricsOpCreate = "create"
	MetricsOpUpdate = "update"
	MetricsOpDelete = "delete"

	MetricsStageTotal = "total"
	// Balance recomputation after a transaction change
	MetricsStageBalance = "balance"
)

func (s *LedgerService) stageTimingEnabled() bool {
	if s == nil || s.config == nil {
		return false
	}
	return s.config.StageMetrics != nil || s.config.LogStageTimings
}

func (s *LedgerService) stageStart() time.Time {
	if !s.stageTimingEnabled() {
		return time.Time{}
	}
	return time.Now()
}

func (s *LedgerService) observeStage(ctx context.Context, op string, kind ledger.Kind, stage string, start time.Time, count int, hadError bool) {
	if start.IsZero() || s == nil || s.config == nil {
		return
	}

	timing := ledger.StageTiming{
		Operation: op + "_" + string(kind),
		Stage:     stage,
		Duration:  time.Since(start),
		Count:     count,
		Attempt:   1,
		Error:     hadError,
	}

	if s.config.StageMetrics != nil {
		s.config.StageMetrics.ObserveStage(ctx, timing)
	}
	if s.config.LogStageTimings && s.logger != nil {
		s.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"error", timing.Error,
		)
	}
}
