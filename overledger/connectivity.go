// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mobiletoly/go-overledger/ledger"
)

type listeners struct {
	mu   sync.Mutex
	fns  map[int]func(bool)
	next int
}

func (l *listeners) add(fn func(bool)) func() {
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[int]func(bool))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners) emit(online bool) {
	l.mu.Lock()
	fns := make([]func(bool), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(online)
	}
}

// ManualConnectivity is switched explicitly, e.g. by tests or a simulator
type ManualConnectivity struct {
	mu     sync.RWMutex
	online bool
	subs   listeners
}

var _ ledger.Connectivity = (*ManualConnectivity)(nil)

func NewManualConnectivity(online bool) *ManualConnectivity {
	return &ManualConnectivity{online: online}
}

func (m *ManualConnectivity) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

func (m *ManualConnectivity) Subscribe(fn func(online bool)) func() {
	return m.subs.add(fn)
}

// SetOnline changes the state; listeners only hear about actual transitions
func (m *ManualConnectivity) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()
	if changed {
		m.subs.emit(online)
	}
}

// ProbeConnectivity derives online state from a periodic health probe
type ProbeConnectivity struct {
	probe    func(ctx context.Context) error
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	online bool
	subs   listeners
}

var _ ledger.Connectivity = (*ProbeConnectivity)(nil)

// NewProbeConnectivity creates a prober; it reports offline until the first
// successful probe.
func NewProbeConnectivity(probe func(ctx context.Context) error, interval time.Duration, logger *slog.Logger) *ProbeConnectivity {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProbeConnectivity{
		probe:    probe,
		interval: interval,
		timeout:  interval,
		logger:   logger,
	}
}

func (p *ProbeConnectivity) IsOnline() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.online
}

func (p *ProbeConnectivity) Subscribe(fn func(online bool)) func() {
	return p.subs.add(fn)
}

// Check runs one probe and publishes a transition if the state changed
func (p *ProbeConnectivity) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.probe(probeCtx)
	cancel()
	online := err == nil

	p.mu.Lock()
	changed := p.online != online
	p.online = online
	p.mu.Unlock()

	if changed {
		if online {
			p.logger.Info("Remote store reachable")
		} else {
			p.logger.Warn("Remote store unreachable", "error", err)
		}
		p.subs.emit(online)
	}
	return online
}

// Run probes until ctx is cancelled
func (p *ProbeConnectivity) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
