// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mobiletoly/go-overledger/ledger"
)

// DrainResult summarizes one pass over the pending queue
type DrainResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

var errUnresolvedTempID = errors.New("temporary id has no server id yet")

// Driver replays queued mutations against the remote store. At most one pass
// runs at a time; items inside a pass are processed strictly in order.
type Driver struct {
	store    ledger.LocalStore
	remote   ledger.RemoteStore
	cache    *Cache
	notifier ledger.Notifier
	config   *Config
	logger   *slog.Logger
	stages   stageObserver

	inProgress atomic.Bool
	wake       chan struct{}

	lmu       sync.Mutex
	listeners map[int]func(running bool, result DrainResult)
	nextID    int
}

// NewDriver creates a driver. cache and notifier are optional.
func NewDriver(store ledger.LocalStore, remote ledger.RemoteStore, cache *Cache, notifier ledger.Notifier,
	config *Config, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := normalizeConfig(config)
	return &Driver{
		store:     store,
		remote:    remote,
		cache:     cache,
		notifier:  notifier,
		config:    cfg,
		logger:    logger,
		stages:    stageObserver{config: cfg, logger: logger},
		wake:      make(chan struct{}, 1),
		listeners: make(map[int]func(bool, DrainResult)),
	}
}

// IsSyncing reports whether a pass is running
func (d *Driver) IsSyncing() bool { return d.inProgress.Load() }

// OnDrain registers fn to be called when a pass starts (running=true) and ends
func (d *Driver) OnDrain(fn func(running bool, result DrainResult)) (unsubscribe func()) {
	d.lmu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.lmu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.lmu.Lock()
			delete(d.listeners, id)
			d.lmu.Unlock()
		})
	}
}

func (d *Driver) emit(running bool, result DrainResult) {
	d.lmu.Lock()
	fns := make([]func(bool, DrainResult), 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.lmu.Unlock()
	for _, fn := range fns {
		fn(running, result)
	}
}

// Drain processes every pending item once. ran is false when another pass
// was already in progress; that pass is not extended. Drain never fails:
// per-item errors only show up in the counts and in the queue items.
func (d *Driver) Drain(ctx context.Context) (result DrainResult, ran bool) {
	if !d.inProgress.CompareAndSwap(false, true) {
		d.logger.Debug("Drain already in progress, skipping")
		return DrainResult{}, false
	}
	defer d.inProgress.Store(false)

	d.emit(true, DrainResult{})
	defer func() { d.emit(false, result) }()

	start := d.stages.start()
	items, err := d.store.QueueByStatus(ctx, ledger.StatusPending)
	if err != nil {
		d.logger.Error("Failed to read sync queue", "error", err)
		return DrainResult{}, true
	}
	if len(items) == 0 {
		return DrainResult{}, true
	}

	d.logger.Debug("Draining sync queue", "items", len(items))
	if d.notifier != nil {
		d.notifier.Notify(fmt.Sprintf("Syncing %d offline changes", len(items)))
	}
	resolved := make(map[string]string)
	for _, item := range items {
		if ctx.Err() != nil {
			d.logger.Info("Drain interrupted", "processed", result.Total, "remaining", len(items)-result.Total)
			break
		}
		switch d.processItem(ctx, item, resolved) {
		case itemSynced:
			result.Total++
			result.Success++
		case itemFailed:
			result.Total++
			result.Failed++
		}
	}
	d.stages.observe(ctx, MetricsOpDrain, MetricsStageTotal, start, result.Total, 0, result.Failed > 0)

	if d.notifier != nil {
		d.notifier.Notify(fmt.Sprintf("Synced %d, %d failed", result.Success, result.Failed))
	}
	if d.config.PruneCompleted {
		if pruner, ok := d.store.(interface {
			PruneCompleted(ctx context.Context) (int, error)
		}); ok {
			if _, err := pruner.PruneCompleted(ctx); err != nil {
				d.logger.Warn("Failed to prune completed queue items", "error", err)
			}
		}
	}
	d.logger.Info("Drain finished", "success", result.Success, "failed", result.Failed, "total", result.Total)
	return result, true
}

// outcome is the local effect of a successful remote call
type outcome struct {
	resultID string
	batch    ledger.Batch
	apply    func()
}

type itemResult int

const (
	itemSynced itemResult = iota
	itemFailed
	// itemInterrupted means the pass was cancelled mid-item and the item went back to pending
	itemInterrupted
)

// processItem syncs one queue item. Queue bookkeeping ignores cancellation of
// ctx so that no item is left in syncing once the pass returns.
func (d *Driver) processItem(ctx context.Context, item ledger.SyncQueueItem, resolved map[string]string) itemResult {
	log := d.logger.With("item_id", item.ID, "action", item.ActionType, "entity_id", item.EntityID)
	bookCtx := context.WithoutCancel(ctx)

	if err := d.store.UpdateQueueItem(bookCtx, item.ID, ledger.QueuePatch{Status: ledger.StatusPtr(ledger.StatusSyncing)}); err != nil {
		log.Error("Failed to mark queue item syncing", "error", err)
		return itemFailed
	}

	start := d.stages.start()
	out, err := d.dispatch(ctx, item, resolved)
	d.stages.observe(bookCtx, MetricsOpDrain, MetricsStageRemote, start, 1, item.RetryCount+1, err != nil)
	if err != nil {
		if ctx.Err() != nil {
			d.requeue(bookCtx, item, err)
			return itemInterrupted
		}
		d.recordFailure(bookCtx, item, err)
		return itemFailed
	}

	if out.resultID != "" {
		resolved[item.EntityID] = out.resultID
	}
	patch := ledger.QueuePatch{Status: ledger.StatusPtr(ledger.StatusCompleted), ErrorMessage: new(string)}
	if out.resultID != "" {
		patch.ResultID = &out.resultID
	}
	out.batch.QueueUpdates = map[string]ledger.QueuePatch{item.ID: patch}

	// The remote call already succeeded, so the commit runs even if ctx was cancelled meanwhile.
	start = d.stages.start()
	err = d.store.Commit(bookCtx, out.batch)
	d.stages.observe(bookCtx, MetricsOpDrain, MetricsStageCommit, start, 1, item.RetryCount+1, err != nil)
	if err != nil {
		// Replaying is safe: creates are idempotent on the temp id and deletes accept 404.
		d.recordFailure(bookCtx, item, err)
		return itemFailed
	}
	if d.cache != nil && out.apply != nil {
		out.apply()
	}
	log.Debug("Queue item synced", "result_id", out.resultID)
	return itemSynced
}

// requeue puts an interrupted item back to pending without spending a retry
func (d *Driver) requeue(ctx context.Context, item ledger.SyncQueueItem, cause error) {
	msg := cause.Error()
	patch := ledger.QueuePatch{Status: ledger.StatusPtr(ledger.StatusPending), ErrorMessage: &msg}
	if err := d.store.UpdateQueueItem(ctx, item.ID, patch); err != nil {
		d.logger.Error("Failed to requeue interrupted item", "item_id", item.ID, "error", err, "cause", cause)
		return
	}
	d.logger.Info("Queue item interrupted, requeued", "item_id", item.ID, "action", item.ActionType)
}

func (d *Driver) recordFailure(ctx context.Context, item ledger.SyncQueueItem, cause error) {
	maxRetries := item.MaxRetries
	if maxRetries <= 0 {
		maxRetries = ledger.DefaultMaxRetries
	}
	retries := item.RetryCount + 1
	status := ledger.StatusPending
	msg := cause.Error()
	if retries >= maxRetries {
		retries = maxRetries
		status = ledger.StatusFailed
		msg = fmt.Errorf("%w: %w", ledger.ErrSyncItemExhausted, cause).Error()
	}

	patch := ledger.QueuePatch{Status: &status, RetryCount: &retries, ErrorMessage: &msg}
	if err := d.store.UpdateQueueItem(ctx, item.ID, patch); err != nil {
		d.logger.Error("Failed to record sync failure", "item_id", item.ID, "error", err, "cause", cause)
		return
	}
	if status == ledger.StatusFailed {
		d.logger.Warn("Queue item exhausted retries", "item_id", item.ID, "action", item.ActionType,
			"entity_id", item.EntityID, "retries", retries, "error", cause)
	} else {
		d.logger.Info("Queue item failed, will retry", "item_id", item.ID, "action", item.ActionType,
			"retries", retries, "error", cause)
	}
}

// resolveID maps a temporary id to its server id, first from this pass and
// then from completed creates recorded in the queue.
func (d *Driver) resolveID(ctx context.Context, id string, resolved map[string]string) (string, error) {
	if !ledger.IsTempID(id) {
		return id, nil
	}
	if serverID, ok := resolved[id]; ok {
		return serverID, nil
	}
	serverID, ok, err := d.store.ResolveTempID(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%s: %w", id, errUnresolvedTempID)
	}
	resolved[id] = serverID
	return serverID, nil
}

func (d *Driver) dispatch(ctx context.Context, item ledger.SyncQueueItem, resolved map[string]string) (outcome, error) {
	switch item.ActionType {
	case ledger.ActionCreateCustomer:
		return d.createCustomer(ctx, item)
	case ledger.ActionUpdateCustomer:
		return d.updateCustomer(ctx, item, resolved)
	case ledger.ActionDeleteCustomer:
		return d.deleteCustomer(ctx, item, resolved)
	case ledger.ActionCreateTransaction:
		return d.createTransaction(ctx, item, resolved)
	case ledger.ActionUpdateTransaction:
		return d.updateTransaction(ctx, item, resolved)
	default:
		return outcome{}, fmt.Errorf("unknown action type %q", item.ActionType)
	}
}

func (d *Driver) createCustomer(ctx context.Context, item ledger.SyncQueueItem) (outcome, error) {
	entity := ledger.Entity{ID: item.EntityID, OwnerID: item.OwnerID, Kind: ledger.KindCustomer, Fields: item.Payload}
	created, err := d.remote.CreateEntity(ctx, item.OwnerID, entity)
	if err != nil {
		return outcome{}, err
	}
	server, err := created.Customer()
	if err != nil {
		return outcome{}, err
	}

	// The cached balance may already include transactions still in the queue.
	local, ok, err := d.cachedCustomer(ctx, item.EntityID)
	if err != nil {
		return outcome{}, err
	}
	if !ok {
		// Deleted locally after it was queued; a later delete item removes it remotely.
		return outcome{resultID: server.ID}, nil
	}
	server.Balance = local.Balance
	serverEntity, err := ledger.NewCustomerEntity(server)
	if err != nil {
		return outcome{}, err
	}

	batch := ledger.Batch{Upserts: []ledger.Entity{serverEntity}}
	if item.EntityID != server.ID {
		batch.Deletes = []string{item.EntityID}
		rewritten, err := d.rewriteTransactions(ctx, item.OwnerID, item.EntityID, server.ID)
		if err != nil {
			return outcome{}, err
		}
		batch.Upserts = append(batch.Upserts, rewritten...)
	}
	return outcome{
		resultID: server.ID,
		batch:    batch,
		apply:    func() { d.cache.SwapCustomer(item.EntityID, server) },
	}, nil
}

// rewriteTransactions points cached transactions of oldID at newID
func (d *Driver) rewriteTransactions(ctx context.Context, ownerID, oldID, newID string) ([]ledger.Entity, error) {
	cached, err := d.store.GetAll(ctx, ownerID, ledger.KindTransaction)
	if err != nil {
		return nil, err
	}
	var out []ledger.Entity
	for _, ce := range cached {
		t, err := ce.Transaction()
		if err != nil {
			return nil, err
		}
		if t.CustomerID != oldID {
			continue
		}
		t.CustomerID = newID
		e, err := ledger.NewTransactionEntity(t)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (d *Driver) cachedCustomer(ctx context.Context, id string) (ledger.Customer, bool, error) {
	ce, ok, err := d.store.Get(ctx, id)
	if err != nil || !ok {
		return ledger.Customer{}, false, err
	}
	c, err := ce.Customer()
	if err != nil {
		return ledger.Customer{}, false, err
	}
	return c, true, nil
}

func (d *Driver) updateCustomer(ctx context.Context, item ledger.SyncQueueItem, resolved map[string]string) (outcome, error) {
	id, err := d.resolveID(ctx, item.EntityID, resolved)
	if err != nil {
		return outcome{}, err
	}
	res, err := d.remote.UpdateEntity(ctx, ledger.KindCustomer, id, item.Payload)
	if err != nil {
		return outcome{}, err
	}
	if res == nil {
		return outcome{}, nil
	}
	server, err := res.Customer()
	if err != nil {
		return outcome{}, err
	}
	if local, ok, err := d.cachedCustomer(ctx, id); err != nil {
		return outcome{}, err
	} else if ok {
		server.Balance = local.Balance
	}
	serverEntity, err := ledger.NewCustomerEntity(server)
	if err != nil {
		return outcome{}, err
	}
	return outcome{
		batch: ledger.Batch{Upserts: []ledger.Entity{serverEntity}},
		apply: func() { d.cache.PutCustomer(server) },
	}, nil
}

func (d *Driver) deleteCustomer(ctx context.Context, item ledger.SyncQueueItem, resolved map[string]string) (outcome, error) {
	id, err := d.resolveID(ctx, item.EntityID, resolved)
	if err != nil {
		return outcome{}, err
	}
	if err := d.remote.DeleteEntity(ctx, ledger.KindCustomer, id); err != nil {
		if !ledger.IsRemoteNotFound(err) {
			return outcome{}, err
		}
		d.logger.Debug("Customer already gone on remote", "id", id)
	}
	deletes := []string{id}
	if id != item.EntityID {
		deletes = append(deletes, item.EntityID)
	}
	cached, err := d.store.GetAll(ctx, item.OwnerID, ledger.KindTransaction)
	if err != nil {
		return outcome{}, err
	}
	for _, ce := range cached {
		t, err := ce.Transaction()
		if err != nil {
			return outcome{}, err
		}
		if t.CustomerID == id || t.CustomerID == item.EntityID {
			deletes = append(deletes, t.ID)
		}
	}
	return outcome{
		batch: ledger.Batch{Deletes: deletes},
		apply: func() {
			d.cache.RemoveCustomer(id)
			d.cache.RemoveCustomer(item.EntityID)
		},
	}, nil
}

func (d *Driver) createTransaction(ctx context.Context, item ledger.SyncQueueItem, resolved map[string]string) (outcome, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(item.Payload, &fields); err != nil {
		return outcome{}, fmt.Errorf("failed to decode transaction payload: %w", err)
	}
	var customerID string
	if err := json.Unmarshal(fields["customer_id"], &customerID); err != nil {
		return outcome{}, fmt.Errorf("transaction payload has no customer_id: %w", err)
	}
	serverCustomerID, err := d.resolveID(ctx, customerID, resolved)
	if err != nil {
		return outcome{}, err
	}
	payload := item.Payload
	if serverCustomerID != customerID {
		fields["customer_id"], _ = json.Marshal(serverCustomerID)
		if payload, err = json.Marshal(fields); err != nil {
			return outcome{}, fmt.Errorf("failed to encode transaction payload: %w", err)
		}
	}

	entity := ledger.Entity{ID: item.EntityID, OwnerID: item.OwnerID, Kind: ledger.KindTransaction, Fields: payload}
	created, err := d.remote.CreateEntity(ctx, item.OwnerID, entity)
	if err != nil {
		return outcome{}, err
	}
	server, err := created.Transaction()
	if err != nil {
		return outcome{}, err
	}
	if _, ok, err := d.store.Get(ctx, item.EntityID); err != nil {
		return outcome{}, err
	} else if !ok {
		return outcome{resultID: created.ID}, nil
	}
	batch := ledger.Batch{Upserts: []ledger.Entity{created}}
	if item.EntityID != created.ID {
		batch.Deletes = []string{item.EntityID}
	}
	return outcome{
		resultID: created.ID,
		batch:    batch,
		apply:    func() { d.cache.SwapTransaction(item.EntityID, server) },
	}, nil
}

func (d *Driver) updateTransaction(ctx context.Context, item ledger.SyncQueueItem, resolved map[string]string) (outcome, error) {
	id, err := d.resolveID(ctx, item.EntityID, resolved)
	if err != nil {
		return outcome{}, err
	}
	res, err := d.remote.UpdateEntity(ctx, ledger.KindTransaction, id, item.Payload)
	if err != nil {
		return outcome{}, err
	}
	if res == nil {
		return outcome{}, nil
	}
	server, err := res.Transaction()
	if err != nil {
		return outcome{}, err
	}
	return outcome{
		batch: ledger.Batch{Upserts: []ledger.Entity{*res}},
		apply: func() { d.cache.PutTransaction(server) },
	}, nil
}

// Wake asks a running Run loop to drain now
func (d *Driver) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drains on every interval tick and on Wake while conn reports online.
// Passes with failures back off exponentially up to BackoffMax.
func (d *Driver) Run(ctx context.Context, conn ledger.Connectivity) {
	d.logger.Debug("Sync loop started")
	defer d.logger.Debug("Sync loop stopped")

	backoff := d.config.BackoffMin
	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.wake:
		}

		if conn != nil && !conn.IsOnline() {
			continue
		}
		result, ran := d.Drain(ctx)
		if !ran || result.Failed == 0 {
			backoff = d.config.BackoffMin
			continue
		}

		if err := sleepWithContext(ctx, backoff); err != nil {
			return
		}
		backoff *= 2
		if backoff > d.config.BackoffMax {
			backoff = d.config.BackoffMax
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
