// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package simulator drives an offline-first client through a scripted
// offline/online cycle against a ledger server.
package simulator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mobiletoly/go-overledger/internal/auth"
	"github.com/mobiletoly/go-overledger/ledger"
	"github.com/mobiletoly/go-overledger/metrics"
	"github.com/mobiletoly/go-overledger/overledger"
	"github.com/mobiletoly/go-overledger/oversqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// Options wires the client side of a simulation
type Options struct {
	ServerURL  string
	Token      func(ctx context.Context) (string, error)
	HTTPClient *http.Client
	SQLitePath string // ":memory:" when empty
	OwnerID    string
	Sync       *overledger.Config
	Logger     *slog.Logger

	// Metrics receives drain stage timings and queue depth; Report.Metrics
	// is filled from it when set.
	Metrics *prometheus.Registry
	// ProbeTimeout bounds the health check done before reconnecting (default 5s)
	ProbeTimeout time.Duration
}

// Scenario describes the offline work done before reconnecting
type Scenario struct {
	Customers               int
	TransactionsPerCustomer int
	// Renames every customer once while still offline
	RenameOffline bool
}

// Report is the outcome of one Run
type Report struct {
	Offline   overledger.SyncStatus  `json:"offline"`
	Drain     overledger.DrainResult `json:"drain"`
	Final     overledger.SyncStatus  `json:"final"`
	Customers []CustomerSummary      `json:"customers"`
	Metrics   map[string]float64     `json:"metrics,omitempty"`
}

type CustomerSummary struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Balance      decimal.Decimal `json:"balance"`
	Transactions int             `json:"transactions"`
}

// Simulator owns one client stack: local store, engine, driver and observer.
// A background sync loop retries failed items with backoff while online.
type Simulator struct {
	store    *oversqlite.Store
	conn     *overledger.ManualConnectivity
	probe    *overledger.ProbeConnectivity
	engine   *overledger.Engine
	driver   *overledger.Driver
	observer *overledger.Observer
	registry *prometheus.Registry
	logger   *slog.Logger

	stopLoop context.CancelFunc
	loopDone chan struct{}
}

// New opens the local store and starts the client offline
func New(ctx context.Context, opts Options) (*Simulator, error) {
	if opts.OwnerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	path := opts.SQLitePath
	if path == "" {
		path = ":memory:"
	}

	store, err := oversqlite.Open(ctx, path, oversqlite.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	syncCfg := overledger.DefaultConfig()
	if opts.Sync != nil {
		c := *opts.Sync
		syncCfg = &c
	}
	var recorder *metrics.PrometheusRecorder
	if opts.Metrics != nil {
		if recorder, err = metrics.NewPrometheusRecorder(opts.Metrics, "ledgersim"); err != nil {
			_ = store.Close()
			return nil, err
		}
		syncCfg.StageMetrics = recorder
	}

	remote := oversqlite.NewRemoteClient(opts.ServerURL, opts.Token, opts.HTTPClient, logger)
	probeTimeout := opts.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	conn := overledger.NewManualConnectivity(false)
	cache := overledger.NewCache()
	engine := overledger.NewEngine(store, remote, conn, auth.ContextPrincipal{Fallback: opts.OwnerID}, cache, syncCfg, logger)
	driver := overledger.NewDriver(store, remote, cache, nil, syncCfg, logger)
	observer := overledger.NewObserver(ctx, conn, driver, store, cache, logger)
	if recorder != nil {
		observer.WithMetrics(recorder)
	}

	loopCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	s := &Simulator{
		store:    store,
		conn:     conn,
		probe:    overledger.NewProbeConnectivity(remote.Ping, probeTimeout, logger),
		engine:   engine,
		driver:   driver,
		observer: observer,
		registry: opts.Metrics,
		logger:   logger,
		stopLoop: stop,
		loopDone: make(chan struct{}),
	}
	go func() {
		defer close(s.loopDone)
		driver.Run(loopCtx, conn)
	}()
	return s, nil
}

// Close stops the sync loop and the observer, then closes the local store
func (s *Simulator) Close() error {
	s.stopLoop()
	<-s.loopDone
	s.observer.Close()
	return s.store.Close()
}

// Observer exposes the sync status source
func (s *Simulator) Observer() *overledger.Observer { return s.observer }

// Run performs the scenario offline, reconnects, waits for the triggered
// drain to finish and reloads from the server.
func (s *Simulator) Run(ctx context.Context, sc Scenario) (Report, error) {
	var report Report

	s.conn.SetOnline(false)
	if err := s.engine.Load(ctx); err != nil {
		return report, fmt.Errorf("failed to load local state: %w", err)
	}
	if err := s.offlineWork(ctx, sc); err != nil {
		return report, err
	}
	s.observer.RefreshCounts(ctx)
	report.Offline = s.observer.Status()
	s.logger.Info("Offline work queued", "pending", report.Offline.PendingCount)

	drained := make(chan overledger.DrainResult, 1)
	unsubDrain := s.driver.OnDrain(func(running bool, result overledger.DrainResult) {
		if !running {
			select {
			case drained <- result:
			default:
			}
		}
	})
	defer unsubDrain()

	// The observer clears IsSyncing only after it has seen the drain finish
	settled := make(chan struct{})
	var sawSyncing atomic.Bool
	var once sync.Once
	unsubStatus := s.observer.Subscribe(func(st overledger.SyncStatus) {
		if st.IsSyncing {
			sawSyncing.Store(true)
			return
		}
		if sawSyncing.Load() {
			once.Do(func() { close(settled) })
		}
	})
	defer unsubStatus()

	if !s.probe.Check(ctx) {
		return report, fmt.Errorf("ledger server is unreachable")
	}
	s.conn.SetOnline(true)

	select {
	case report.Drain = <-drained:
	case <-ctx.Done():
		return report, ctx.Err()
	}
	select {
	case <-settled:
	case <-ctx.Done():
		return report, ctx.Err()
	}

	if err := s.engine.Load(ctx); err != nil {
		return report, fmt.Errorf("failed to reload after sync: %w", err)
	}
	s.observer.RefreshCounts(ctx)
	report.Final = s.observer.Status()
	for _, c := range s.engine.Customers() {
		report.Customers = append(report.Customers, CustomerSummary{
			ID:           c.ID,
			Name:         c.Name,
			Balance:      c.Balance,
			Transactions: len(s.engine.Transactions(c.ID)),
		})
	}
	if s.registry != nil {
		values, err := gatherValues(s.registry)
		if err != nil {
			return report, err
		}
		report.Metrics = values
	}
	return report, nil
}

// gatherValues flattens counters and gauges into name{label=value,...} keys
func gatherValues(g prometheus.Gatherer) (map[string]float64, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}
	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var v float64
			switch {
			case m.GetCounter() != nil:
				v = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				v = m.GetGauge().GetValue()
			default:
				continue
			}
			labels := make([]string, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			sort.Strings(labels)
			out[mf.GetName()+"{"+strings.Join(labels, ",")+"}"] = v
		}
	}
	return out, nil
}

func (s *Simulator) offlineWork(ctx context.Context, sc Scenario) error {
	for i := 1; i <= sc.Customers; i++ {
		c, err := s.engine.CreateCustomer(ctx, ledger.Customer{Name: fmt.Sprintf("Customer %d", i)})
		if err != nil {
			return fmt.Errorf("failed to create customer %d: %w", i, err)
		}
		for j := 0; j < sc.TransactionsPerCustomer; j++ {
			if _, err := s.engine.CreateTransaction(ctx, scriptedTransaction(c.ID, j)); err != nil {
				return fmt.Errorf("failed to create transaction %d for customer %d: %w", j, i, err)
			}
		}
		if sc.RenameOffline {
			name := fmt.Sprintf("Customer %d (renamed)", i)
			if _, err := s.engine.UpdateCustomer(ctx, c.ID, ledger.CustomerPatch{Name: &name}); err != nil {
				return fmt.Errorf("failed to rename customer %d: %w", i, err)
			}
		}
	}
	return nil
}

// scriptedTransaction alternates credits and debits of 10, 20, 30...
func scriptedTransaction(customerID string, j int) ledger.Transaction {
	typ := ledger.TxCredit
	if j%2 == 1 {
		typ = ledger.TxDebit
	}
	return ledger.Transaction{
		CustomerID: customerID,
		Type:       typ,
		Amount:     decimal.NewFromInt(int64(10 * (j + 1))),
		Note:       fmt.Sprintf("scripted #%d", j+1),
	}
}

// ExpectedBalance is the balance scriptedTransaction produces for n transactions
func ExpectedBalance(n int) decimal.Decimal {
	total := decimal.Zero
	for j := 0; j < n; j++ {
		total = total.Add(scriptedTransaction("", j).Effect())
	}
	return total
}
