// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mobiletoly/go-overledger/ledger"
)

type ConnectionStatus string

const (
	ConnectionOnline  ConnectionStatus = "online"
	ConnectionOffline ConnectionStatus = "offline"
)

// QueueState is a one-word summary of the sync queue for UI badges
type QueueState string

const (
	QueueIdle    QueueState = "idle"
	QueuePending QueueState = "pending"
	QueueSyncing QueueState = "syncing"
	QueueError   QueueState = "error"
)

// SyncStatus is what the UI shows about synchronization.
// PendingCount includes failed items; FailedCount is the failed subset.
type SyncStatus struct {
	ConnectionStatus ConnectionStatus `json:"connection_status"`
	QueueStatus      QueueState       `json:"queue_status"`
	PendingCount     int              `json:"pending_count"`
	FailedCount      int              `json:"failed_count"`
	IsSyncing        bool             `json:"is_syncing"`
	LastSyncedAt     time.Time        `json:"last_synced_at,omitzero"`
	ErrorMessage     string           `json:"error_message,omitempty"`
}

// Observer tracks connectivity and queue state, and starts a drain whenever
// the device comes online or a sync is requested.
type Observer struct {
	conn    ledger.Connectivity
	driver  *Driver
	store   ledger.LocalStore
	metrics ledger.QueueCountsRecorder
	logger  *slog.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	status SyncStatus
	subs   map[int]func(SyncStatus)
	nextID int
	closed bool

	unsubs []func()
}

// NewObserver starts observing. cache is optional; when set, every cache
// change refreshes the queue counts. Close releases everything.
func NewObserver(ctx context.Context, conn ledger.Connectivity, driver *Driver, store ledger.LocalStore,
	cache *Cache, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	octx, cancel := context.WithCancel(ctx)
	o := &Observer{
		conn:   conn,
		driver: driver,
		store:  store,
		logger: logger,
		now:    driver.config.now,
		ctx:    octx,
		cancel: cancel,
		subs:   make(map[int]func(SyncStatus)),
	}
	o.status.ConnectionStatus = ConnectionOffline
	if conn.IsOnline() {
		o.status.ConnectionStatus = ConnectionOnline
	}
	o.status.QueueStatus = QueueIdle

	o.unsubs = append(o.unsubs, conn.Subscribe(o.onConnectivity))
	o.unsubs = append(o.unsubs, driver.OnDrain(o.onDrain))
	if cache != nil {
		o.unsubs = append(o.unsubs, cache.Subscribe(func() { o.RefreshCounts(o.ctx) }))
	}
	o.RefreshCounts(octx)
	return o
}

// WithMetrics mirrors queue counts into r
func (o *Observer) WithMetrics(r ledger.QueueCountsRecorder) *Observer {
	o.mu.Lock()
	o.metrics = r
	o.mu.Unlock()
	return o
}

func (o *Observer) Status() SyncStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// Subscribe registers fn for status changes; it is called with the current status first
func (o *Observer) Subscribe(fn func(SyncStatus)) (unsubscribe func()) {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = fn
	current := o.status
	o.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

func (o *Observer) update(fn func(s *SyncStatus)) {
	o.mu.Lock()
	fn(&o.status)
	o.status.QueueStatus = queueState(o.status)
	status := o.status
	fns := make([]func(SyncStatus), 0, len(o.subs))
	for _, f := range o.subs {
		fns = append(fns, f)
	}
	o.mu.Unlock()

	for _, f := range fns {
		f(status)
	}
}

func queueState(s SyncStatus) QueueState {
	switch {
	case s.IsSyncing:
		return QueueSyncing
	case s.FailedCount > 0:
		return QueueError
	case s.PendingCount > 0:
		return QueuePending
	default:
		return QueueIdle
	}
}

func (o *Observer) onConnectivity(online bool) {
	if online {
		o.logger.Info("Connectivity restored")
		o.update(func(s *SyncStatus) { s.ConnectionStatus = ConnectionOnline })
		o.TriggerSync()
		return
	}
	// An in-flight drain keeps going; its remote calls fail on their own.
	o.logger.Info("Connectivity lost")
	o.update(func(s *SyncStatus) { s.ConnectionStatus = ConnectionOffline })
}

// TriggerSync starts a drain in the background, as an online transition does.
// It is a no-op once the observer is closed.
func (o *Observer) TriggerSync() {
	o.mu.RLock()
	closed := o.closed
	if !closed {
		o.wg.Add(1)
	}
	o.mu.RUnlock()
	if closed {
		return
	}

	go func() {
		defer o.wg.Done()
		o.RefreshCounts(o.ctx)
		o.driver.Drain(o.ctx)
	}()
}

func (o *Observer) onDrain(running bool, result DrainResult) {
	if running {
		o.update(func(s *SyncStatus) { s.IsSyncing = true })
		return
	}
	counts, err := o.store.QueueCounts(o.ctx)
	o.update(func(s *SyncStatus) {
		s.IsSyncing = false
		if result.Total > 0 && result.Success > 0 {
			s.LastSyncedAt = o.now()
		}
		switch {
		case result.Failed > 0:
			s.ErrorMessage = fmt.Sprintf("%d of %d changes failed to sync", result.Failed, result.Total)
		case result.Total > 0:
			s.ErrorMessage = ""
		}
		if err == nil {
			s.PendingCount = counts.Outstanding()
			s.FailedCount = counts.Failed
		}
	})
	if err == nil {
		o.publishMetrics(counts)
	}
}

// RefreshCounts reloads the pending and failed counts from the store
func (o *Observer) RefreshCounts(ctx context.Context) {
	counts, err := o.store.QueueCounts(ctx)
	if err != nil {
		o.logger.Warn("Failed to read queue counts", "error", err)
		return
	}
	o.update(func(s *SyncStatus) {
		s.PendingCount = counts.Outstanding()
		s.FailedCount = counts.Failed
	})
	o.publishMetrics(counts)
}

func (o *Observer) publishMetrics(counts ledger.QueueCounts) {
	o.mu.RLock()
	m := o.metrics
	o.mu.RUnlock()
	if m != nil {
		m.SetQueueCounts(counts)
	}
}

// Close stops reacting to events and waits for triggered drains to finish
func (o *Observer) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	for _, unsub := range o.unsubs {
		unsub()
	}
	o.cancel()
	o.wg.Wait()
}
