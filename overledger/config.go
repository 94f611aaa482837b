// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package overledger is the client side of go-overledger: an optimistic
// mutation engine over an in-process cache, the sync queue drain driver and
// the connectivity/status observer that ties them together.
package overledger

import (
	"time"

	"github.com/mobiletoly/go-overledger/ledger"
)

// Config holds engine and driver settings
type Config struct {
	// MaxRetries is stored on every enqueued item
	MaxRetries int

	// Background loop timing (Driver.Run)
	SyncInterval time.Duration
	BackoffMin   time.Duration
	BackoffMax   time.Duration

	// PruneCompleted deletes completed queue items after a pass that leaves nothing outstanding
	PruneCompleted bool

	StageMetrics    ledger.StageMetricsRecorder
	LogStageTimings bool

	// Now overrides the clock, mostly for tests
	Now func() time.Time
}

// DefaultConfig returns the settings used when nil is passed
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:     ledger.DefaultMaxRetries,
		SyncInterval:   30 * time.Second,
		BackoffMin:     1 * time.Second,
		BackoffMax:     60 * time.Second,
		PruneCompleted: true,
	}
}

func (c *Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func normalizeConfig(c *Config) *Config {
	if c == nil {
		return DefaultConfig()
	}
	cp := *c
	def := DefaultConfig()
	if cp.MaxRetries <= 0 {
		cp.MaxRetries = def.MaxRetries
	}
	if cp.SyncInterval <= 0 {
		cp.SyncInterval = def.SyncInterval
	}
	if cp.BackoffMin <= 0 {
		cp.BackoffMin = def.BackoffMin
	}
	if cp.BackoffMax <= 0 {
		cp.BackoffMax = def.BackoffMax
	}
	if cp.BackoffMax < cp.BackoffMin {
		cp.BackoffMax = cp.BackoffMin
	}
	return &cp
}
