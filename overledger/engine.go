// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-overledger/ledger"
	"github.com/shopspring/decimal"
)

// Engine applies user mutations optimistically. Online mutations go to the
// remote store right away and are rolled back on failure; offline mutations
// (and any that reference a temporary id) are persisted together with a
// sync queue item and replayed later by the Driver.
type Engine struct {
	store     ledger.LocalStore
	remote    ledger.RemoteStore
	conn      ledger.Connectivity
	principal ledger.PrincipalProvider
	cache     *Cache
	config    *Config
	logger    *slog.Logger
}

// NewEngine wires an engine. cache may be shared with a Driver; nil creates one.
func NewEngine(store ledger.LocalStore, remote ledger.RemoteStore, conn ledger.Connectivity,
	principal ledger.PrincipalProvider, cache *Cache, config *Config, logger *slog.Logger) *Engine {
	if cache == nil {
		cache = NewCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		remote:    remote,
		conn:      conn,
		principal: principal,
		cache:     cache,
		config:    normalizeConfig(config),
		logger:    logger,
	}
}

// Cache returns the engine's in-process view
func (e *Engine) Cache() *Cache { return e.cache }

// Customers returns the cached customers
func (e *Engine) Customers() []ledger.Customer { return e.cache.Customers() }

// Customer returns one cached customer
func (e *Engine) Customer(id string) (ledger.Customer, bool) { return e.cache.Customer(id) }

// Transactions returns the cached transactions of a customer
func (e *Engine) Transactions(customerID string) []ledger.Transaction {
	return e.cache.Transactions(customerID)
}

func (e *Engine) owner(ctx context.Context) (string, error) {
	if e.principal == nil {
		return "", ledger.ErrNotAuthenticated
	}
	owner, ok := e.principal.PrincipalID(ctx)
	if !ok || owner == "" {
		return "", ledger.ErrNotAuthenticated
	}
	return owner, nil
}

func (e *Engine) online() bool {
	return e.conn != nil && e.conn.IsOnline()
}

// Load refreshes the cache. When online with an empty queue the remote store
// is authoritative and replaces the local copy; otherwise the local store is
// used so unsynced changes stay visible.
func (e *Engine) Load(ctx context.Context) error {
	owner, err := e.owner(ctx)
	if err != nil {
		return err
	}

	if e.online() {
		outstanding, err := e.store.PendingCount(ctx)
		if err != nil {
			return err
		}
		if outstanding == 0 {
			if err := e.refreshFromRemote(ctx, owner); err != nil {
				e.logger.Warn("Remote refresh failed, using local store", "owner_id", owner, "error", err)
			}
		}
	}
	return e.loadFromStore(ctx, owner)
}

func (e *Engine) refreshFromRemote(ctx context.Context, owner string) error {
	customers, err := e.remote.ListEntities(ctx, owner, ledger.KindCustomer)
	if err != nil {
		return err
	}
	transactions, err := e.remote.ListEntities(ctx, owner, ledger.KindTransaction)
	if err != nil {
		return err
	}
	if err := e.store.SetAll(ctx, owner, ledger.KindCustomer, customers); err != nil {
		return err
	}
	return e.store.SetAll(ctx, owner, ledger.KindTransaction, transactions)
}

func (e *Engine) loadFromStore(ctx context.Context, owner string) error {
	cachedCustomers, err := e.store.GetAll(ctx, owner, ledger.KindCustomer)
	if err != nil {
		return err
	}
	cachedTransactions, err := e.store.GetAll(ctx, owner, ledger.KindTransaction)
	if err != nil {
		return err
	}

	customers := make([]ledger.Customer, 0, len(cachedCustomers))
	for _, ce := range cachedCustomers {
		c, err := ce.Customer()
		if err != nil {
			e.logger.Warn("Skipping undecodable cached customer", "id", ce.ID, "error", err)
			continue
		}
		customers = append(customers, c)
	}
	transactions := make([]ledger.Transaction, 0, len(cachedTransactions))
	for _, ce := range cachedTransactions {
		t, err := ce.Transaction()
		if err != nil {
			e.logger.Warn("Skipping undecodable cached transaction", "id", ce.ID, "error", err)
			continue
		}
		transactions = append(transactions, t)
	}
	e.cache.Reset(customers, transactions)
	return nil
}

// CreateCustomer adds a customer with a zero balance
func (e *Engine) CreateCustomer(ctx context.Context, in ledger.Customer) (ledger.Customer, error) {
	owner, err := e.owner(ctx)
	if err != nil {
		return ledger.Customer{}, err
	}
	if err := ledger.ValidateCustomer(in); err != nil {
		return ledger.Customer{}, err
	}

	now := e.config.now()
	c := ledger.Customer{
		ID:        ledger.NewTempID(now),
		OwnerID:   owner,
		Name:      in.Name,
		Phone:     in.Phone,
		Balance:   decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
	entity, err := ledger.NewCustomerEntity(c)
	if err != nil {
		return ledger.Customer{}, err
	}

	snap := e.cache.Snapshot()
	e.cache.PutCustomer(c)

	if e.online() {
		created, err := e.remote.CreateEntity(ctx, owner, entity)
		if err != nil {
			return ledger.Customer{}, e.rollbackRemote(snap, "create customer", err)
		}
		server, err := created.Customer()
		if err != nil {
			return ledger.Customer{}, e.rollbackRemote(snap, "create customer", err)
		}
		e.persistConfirmed(ctx, ledger.Batch{Upserts: []ledger.Entity{created}})
		e.cache.SwapCustomer(c.ID, server)
		return server, nil
	}

	item := e.newQueueItem(owner, ledger.ActionCreateCustomer, c.ID, entity.Fields, now)
	if err := e.commitDeferred(ctx, snap, ledger.Batch{Upserts: []ledger.Entity{entity}, Enqueue: &item}); err != nil {
		return ledger.Customer{}, err
	}
	return c, nil
}

// UpdateCustomer applies a partial update
func (e *Engine) UpdateCustomer(ctx context.Context, id string, patch ledger.CustomerPatch) (ledger.Customer, error) {
	owner, err := e.owner(ctx)
	if err != nil {
		return ledger.Customer{}, err
	}
	if patch.IsEmpty() {
		return ledger.Customer{}, fmt.Errorf("%w: empty customer patch", ledger.ErrInvalidInput)
	}
	if err := ledger.ValidateCustomerPatch(patch); err != nil {
		return ledger.Customer{}, err
	}
	cur, ok := e.cache.Customer(id)
	if !ok || cur.OwnerID != owner {
		return ledger.Customer{}, fmt.Errorf("customer %s: %w", id, ledger.ErrNotFound)
	}

	now := e.config.now()
	updated := cur
	patch.Apply(&updated)
	updated.UpdatedAt = now
	entity, err := ledger.NewCustomerEntity(updated)
	if err != nil {
		return ledger.Customer{}, err
	}
	payload, err := json.Marshal(patch)
	if err != nil {
		return ledger.Customer{}, fmt.Errorf("failed to marshal customer patch: %w", err)
	}

	snap := e.cache.Snapshot()
	e.cache.PutCustomer(updated)

	if e.online() && !ledger.IsTempID(id) {
		res, err := e.remote.UpdateEntity(ctx, ledger.KindCustomer, id, payload)
		if err != nil {
			return ledger.Customer{}, e.rollbackRemote(snap, "update customer", err)
		}
		if res != nil {
			server, err := res.Customer()
			if err != nil {
				return ledger.Customer{}, e.rollbackRemote(snap, "update customer", err)
			}
			updated, entity = server, *res
		}
		e.persistConfirmed(ctx, ledger.Batch{Upserts: []ledger.Entity{entity}})
		e.cache.PutCustomer(updated)
		return updated, nil
	}

	item := e.newQueueItem(owner, ledger.ActionUpdateCustomer, id, payload, now)
	if err := e.commitDeferred(ctx, snap, ledger.Batch{Upserts: []ledger.Entity{entity}, Enqueue: &item}); err != nil {
		return ledger.Customer{}, err
	}
	return updated, nil
}

// ArchiveCustomer hides a customer without deleting its history
func (e *Engine) ArchiveCustomer(ctx context.Context, id string) (ledger.Customer, error) {
	archived := true
	return e.UpdateCustomer(ctx, id, ledger.CustomerPatch{Archived: &archived})
}

// DeleteCustomer removes a customer together with its cached transactions
func (e *Engine) DeleteCustomer(ctx context.Context, id string) error {
	owner, err := e.owner(ctx)
	if err != nil {
		return err
	}
	cur, ok := e.cache.Customer(id)
	if !ok || cur.OwnerID != owner {
		return fmt.Errorf("customer %s: %w", id, ledger.ErrNotFound)
	}

	deletes := []string{id}
	for _, t := range e.cache.Transactions(id) {
		deletes = append(deletes, t.ID)
	}

	snap := e.cache.Snapshot()
	e.cache.RemoveCustomer(id)

	if e.online() && !ledger.IsTempID(id) {
		if err := e.remote.DeleteEntity(ctx, ledger.KindCustomer, id); err != nil && !ledger.IsRemoteNotFound(err) {
			return e.rollbackRemote(snap, "delete customer", err)
		}
		e.persistConfirmed(ctx, ledger.Batch{Deletes: deletes})
		return nil
	}

	item := e.newQueueItem(owner, ledger.ActionDeleteCustomer, id, nil, e.config.now())
	return e.commitDeferred(ctx, snap, ledger.Batch{Deletes: deletes, Enqueue: &item})
}

// CreateTransaction records a credit or debit and adjusts the cached balance
func (e *Engine) CreateTransaction(ctx context.Context, in ledger.Transaction) (ledger.Transaction, error) {
	owner, err := e.owner(ctx)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if err := ledger.ValidateTransaction(in); err != nil {
		return ledger.Transaction{}, err
	}
	customer, ok := e.cache.Customer(in.CustomerID)
	if !ok || customer.OwnerID != owner {
		return ledger.Transaction{}, fmt.Errorf("customer %s: %w", in.CustomerID, ledger.ErrNotFound)
	}

	now := e.config.now()
	t := ledger.Transaction{
		ID:         ledger.NewTempID(now),
		OwnerID:    owner,
		CustomerID: in.CustomerID,
		Type:       in.Type,
		Amount:     in.Amount,
		Note:       in.Note,
		OccurredAt: in.OccurredAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if t.OccurredAt.IsZero() {
		t.OccurredAt = now
	}
	customer.Balance = customer.Balance.Add(t.Effect())
	customer.UpdatedAt = now

	txEntity, err := ledger.NewTransactionEntity(t)
	if err != nil {
		return ledger.Transaction{}, err
	}
	customerEntity, err := ledger.NewCustomerEntity(customer)
	if err != nil {
		return ledger.Transaction{}, err
	}

	snap := e.cache.Snapshot()
	e.cache.PutTransaction(t)
	e.cache.PutCustomer(customer)

	if e.online() && !ledger.IsTempID(t.CustomerID) {
		created, err := e.remote.CreateEntity(ctx, owner, txEntity)
		if err != nil {
			return ledger.Transaction{}, e.rollbackRemote(snap, "create transaction", err)
		}
		server, err := created.Transaction()
		if err != nil {
			return ledger.Transaction{}, e.rollbackRemote(snap, "create transaction", err)
		}
		e.persistConfirmed(ctx, ledger.Batch{Upserts: []ledger.Entity{created, customerEntity}})
		e.cache.SwapTransaction(t.ID, server)
		return server, nil
	}

	item := e.newQueueItem(owner, ledger.ActionCreateTransaction, t.ID, txEntity.Fields, now)
	batch := ledger.Batch{Upserts: []ledger.Entity{txEntity, customerEntity}, Enqueue: &item}
	if err := e.commitDeferred(ctx, snap, batch); err != nil {
		return ledger.Transaction{}, err
	}
	return t, nil
}

// UpdateTransaction applies a partial update and moves the cached balance by the difference
func (e *Engine) UpdateTransaction(ctx context.Context, id string, patch ledger.TransactionPatch) (ledger.Transaction, error) {
	owner, err := e.owner(ctx)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if patch.IsEmpty() {
		return ledger.Transaction{}, fmt.Errorf("%w: empty transaction patch", ledger.ErrInvalidInput)
	}
	if err := ledger.ValidateTransactionPatch(patch); err != nil {
		return ledger.Transaction{}, err
	}
	cur, ok := e.cache.Transaction(id)
	if !ok || cur.OwnerID != owner {
		return ledger.Transaction{}, fmt.Errorf("transaction %s: %w", id, ledger.ErrNotFound)
	}

	now := e.config.now()
	updated := cur
	patch.Apply(&updated)
	updated.UpdatedAt = now

	upserts := make([]ledger.Entity, 0, 2)
	txEntity, err := ledger.NewTransactionEntity(updated)
	if err != nil {
		return ledger.Transaction{}, err
	}
	upserts = append(upserts, txEntity)

	customer, hasCustomer := e.cache.Customer(cur.CustomerID)
	if hasCustomer {
		customer.Balance = customer.Balance.Sub(cur.Effect()).Add(updated.Effect())
		customer.UpdatedAt = now
		customerEntity, err := ledger.NewCustomerEntity(customer)
		if err != nil {
			return ledger.Transaction{}, err
		}
		upserts = append(upserts, customerEntity)
	}
	payload, err := json.Marshal(patch)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("failed to marshal transaction patch: %w", err)
	}

	snap := e.cache.Snapshot()
	e.cache.PutTransaction(updated)
	if hasCustomer {
		e.cache.PutCustomer(customer)
	}

	if e.online() && !ledger.IsTempID(id) && !ledger.IsTempID(cur.CustomerID) {
		res, err := e.remote.UpdateEntity(ctx, ledger.KindTransaction, id, payload)
		if err != nil {
			return ledger.Transaction{}, e.rollbackRemote(snap, "update transaction", err)
		}
		if res != nil {
			server, err := res.Transaction()
			if err != nil {
				return ledger.Transaction{}, e.rollbackRemote(snap, "update transaction", err)
			}
			updated, upserts[0] = server, *res
		}
		e.persistConfirmed(ctx, ledger.Batch{Upserts: upserts})
		e.cache.PutTransaction(updated)
		return updated, nil
	}

	item := e.newQueueItem(owner, ledger.ActionUpdateTransaction, id, payload, now)
	if err := e.commitDeferred(ctx, snap, ledger.Batch{Upserts: upserts, Enqueue: &item}); err != nil {
		return ledger.Transaction{}, err
	}
	return updated, nil
}

func (e *Engine) newQueueItem(owner string, action ledger.ActionType, entityID string, payload json.RawMessage, now time.Time) ledger.SyncQueueItem {
	return ledger.SyncQueueItem{
		ID:              uuid.NewString(),
		ActionType:      action,
		EntityID:        entityID,
		OwnerID:         owner,
		Payload:         payload,
		ClientTimestamp: now,
		AddedAt:         now.UnixMilli(),
		MaxRetries:      e.config.MaxRetries,
		Status:          ledger.StatusPending,
	}
}

// commitDeferred persists an offline mutation; the cache is restored if the store rejects it
func (e *Engine) commitDeferred(ctx context.Context, snap Snapshot, batch ledger.Batch) error {
	if err := e.store.Commit(ctx, batch); err != nil {
		e.cache.Restore(snap)
		e.logger.Error("Failed to persist deferred mutation", "action", batch.Enqueue.ActionType,
			"entity_id", batch.Enqueue.EntityID, "error", err)
		return ledger.WrapStorage("commit", err)
	}
	e.logger.Debug("Deferred mutation queued", "item_id", batch.Enqueue.ID,
		"action", batch.Enqueue.ActionType, "entity_id", batch.Enqueue.EntityID)
	// Listeners looking at queue counts need to hear about the durable enqueue too.
	e.cache.notify()
	return nil
}

func (e *Engine) rollbackRemote(snap Snapshot, op string, err error) error {
	e.cache.Restore(snap)
	var re *ledger.RemoteError
	if errors.As(err, &re) {
		return err
	}
	return &ledger.RemoteError{Op: op, Err: err}
}

// persistConfirmed writes records the remote store already accepted. A local
// failure is logged only; the next Load rewrites the store from the remote.
func (e *Engine) persistConfirmed(ctx context.Context, batch ledger.Batch) {
	if err := e.store.Commit(ctx, batch); err != nil {
		e.logger.Warn("Failed to persist confirmed remote change", "error", err)
	}
}
