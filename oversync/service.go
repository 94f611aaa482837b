// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-overledger/ledger"
	"github.com/shopspring/decimal"
)

var errServiceClosed = errors.New("ledger service has been closed")

// ServiceConfig holds configuration for the ledger service
type ServiceConfig struct {
	AppName string // Application name reported by the status endpoint

	StageMetrics    ledger.StageMetricsRecorder
	LogStageTimings bool

	Now func() time.Time
}

// LedgerService is the server of record for customers and transactions.
// Customer balances are always recomputed from the stored transactions;
// a balance sent by a client is ignored.
type LedgerService struct {
	store  Store
	logger *slog.Logger
	config *ServiceConfig

	mu     sync.RWMutex
	closed bool
}

func NewLedgerService(store Store, config *ServiceConfig, logger *slog.Logger) *LedgerService {
	if config == nil {
		config = &ServiceConfig{AppName: "go-overledger"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerService{store: store, logger: logger, config: config}
}

// Close rejects further requests. It does not close the underlying store.
func (s *LedgerService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *LedgerService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errServiceClosed
	}
	return nil
}

func (s *LedgerService) now() time.Time {
	if s.config.Now != nil {
		return s.config.Now().UTC()
	}
	return time.Now().UTC()
}

// Ping reports whether the store is reachable
func (s *LedgerService) Ping(ctx context.Context) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	return s.store.Ping(ctx)
}

func (s *LedgerService) List(ctx context.Context, ownerID string, kind ledger.Kind) (out []ledger.Entity, err error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ledger.ErrInvalidInput, kind)
	}
	start := s.stageStart()
	defer func() { s.observeStage(ctx, MetricsOpList, kind, MetricsStageTotal, start, len(out), err != nil) }()

	err = s.store.InTx(ctx, func(tx Tx) error {
		var err error
		out, err = tx.List(ctx, ownerID, kind)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}
	return out, nil
}

// Create stores a new entity with a server-assigned id. When clientID is set
// and was seen before, the entity created the first time is returned and
// created is false.
func (s *LedgerService) Create(ctx context.Context, ownerID string, kind ledger.Kind, clientID string, fields json.RawMessage) (out ledger.Entity, created bool, err error) {
	if err := s.checkClosed(); err != nil {
		return ledger.Entity{}, false, err
	}
	if !kind.Valid() {
		return ledger.Entity{}, false, fmt.Errorf("%w: unknown kind %q", ledger.ErrInvalidInput, kind)
	}
	start := s.stageStart()
	defer func() { s.observeStage(ctx, MetricsOpCreate, kind, MetricsStageTotal, start, 1, err != nil) }()

	newID := uuid.NewString()
	err = s.store.InTx(ctx, func(tx Tx) error {
		created = false
		if clientID != "" {
			bound, err := tx.ClaimClientID(ctx, ownerID, clientID, newID)
			if err != nil {
				return err
			}
			if bound != newID {
				s.logger.Debug("Replayed create", "kind", kind, "client_id", clientID, "server_id", bound)
				out, err = tx.Get(ctx, ownerID, kind, bound)
				return err
			}
		}

		var err error
		switch kind {
		case ledger.KindCustomer:
			out, err = s.createCustomer(ctx, tx, ownerID, newID, fields)
		case ledger.KindTransaction:
			out, err = s.createTransaction(ctx, tx, ownerID, newID, fields)
		}
		created = err == nil
		return err
	})
	if err != nil {
		return ledger.Entity{}, false, err
	}
	if created {
		s.logger.Info("Created entity", "kind", kind, "id", out.ID, "owner_id", ownerID, "client_id", clientID)
	}
	return out, created, nil
}

func (s *LedgerService) createCustomer(ctx context.Context, tx Tx, ownerID, id string, fields json.RawMessage) (ledger.Entity, error) {
	var c ledger.Customer
	if err := json.Unmarshal(fields, &c); err != nil {
		return ledger.Entity{}, fmt.Errorf("%w: malformed customer: %v", ledger.ErrInvalidInput, err)
	}
	if err := ledger.ValidateCustomer(c); err != nil {
		return ledger.Entity{}, err
	}
	now := s.now()
	c.ID = id
	c.OwnerID = ownerID
	c.Balance = decimal.Zero
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	e, err := ledger.NewCustomerEntity(c)
	if err != nil {
		return ledger.Entity{}, err
	}
	return e, tx.Put(ctx, e)
}

func (s *LedgerService) createTransaction(ctx context.Context, tx Tx, ownerID, id string, fields json.RawMessage) (ledger.Entity, error) {
	var t ledger.Transaction
	if err := json.Unmarshal(fields, &t); err != nil {
		return ledger.Entity{}, fmt.Errorf("%w: malformed transaction: %v", ledger.ErrInvalidInput, err)
	}
	if err := ledger.ValidateTransaction(t); err != nil {
		return ledger.Entity{}, err
	}
	if ledger.IsTempID(t.CustomerID) {
		return ledger.Entity{}, fmt.Errorf("%w: customer id %s is a temporary id", ledger.ErrInvalidInput, t.CustomerID)
	}
	if _, err := tx.Get(ctx, ownerID, ledger.KindCustomer, t.CustomerID); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return ledger.Entity{}, fmt.Errorf("%w: customer %s does not exist", ledger.ErrInvalidInput, t.CustomerID)
		}
		return ledger.Entity{}, err
	}

	now := s.now()
	t.ID = id
	t.OwnerID = ownerID
	if t.OccurredAt.IsZero() {
		t.OccurredAt = now
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	e, err := ledger.NewTransactionEntity(t)
	if err != nil {
		return ledger.Entity{}, err
	}
	if err := tx.Put(ctx, e); err != nil {
		return ledger.Entity{}, err
	}
	return e, s.recomputeBalance(ctx, tx, ownerID, t.CustomerID)
}

// Update applies a partial update. Unknown fields in patch are ignored.
func (s *LedgerService) Update(ctx context.Context, ownerID string, kind ledger.Kind, id string, patch json.RawMessage) (out ledger.Entity, err error) {
	if err := s.checkClosed(); err != nil {
		return ledger.Entity{}, err
	}
	if !kind.Valid() {
		return ledger.Entity{}, fmt.Errorf("%w: unknown kind %q", ledger.ErrInvalidInput, kind)
	}
	start := s.stageStart()
	defer func() { s.observeStage(ctx, MetricsOpUpdate, kind, MetricsStageTotal, start, 1, err != nil) }()

	err = s.store.InTx(ctx, func(tx Tx) error {
		current, err := tx.Get(ctx, ownerID, kind, id)
		if err != nil {
			return err
		}
		switch kind {
		case ledger.KindCustomer:
			out, err = s.updateCustomer(ctx, tx, current, patch)
		case ledger.KindTransaction:
			out, err = s.updateTransaction(ctx, tx, current, patch)
		}
		return err
	})
	if err != nil {
		return ledger.Entity{}, err
	}
	return out, nil
}

func (s *LedgerService) updateCustomer(ctx context.Context, tx Tx, current ledger.Entity, raw json.RawMessage) (ledger.Entity, error) {
	var p ledger.CustomerPatch
	if err := json.Unmarshal(raw, &p); err != nil {
		return ledger.Entity{}, fmt.Errorf("%w: malformed customer patch: %v", ledger.ErrInvalidInput, err)
	}
	if p.IsEmpty() {
		return ledger.Entity{}, fmt.Errorf("%w: empty patch", ledger.ErrInvalidInput)
	}
	if err := ledger.ValidateCustomerPatch(p); err != nil {
		return ledger.Entity{}, err
	}
	c, err := current.Customer()
	if err != nil {
		return ledger.Entity{}, err
	}
	p.Apply(&c)
	c.UpdatedAt = s.now()

	e, err := ledger.NewCustomerEntity(c)
	if err != nil {
		return ledger.Entity{}, err
	}
	return e, tx.Put(ctx, e)
}

func (s *LedgerService) updateTransaction(ctx context.Context, tx Tx, current ledger.Entity, raw json.RawMessage) (ledger.Entity, error) {
	var p ledger.TransactionPatch
	if err := json.Unmarshal(raw, &p); err != nil {
		return ledger.Entity{}, fmt.Errorf("%w: malformed transaction patch: %v", ledger.ErrInvalidInput, err)
	}
	if p.IsEmpty() {
		return ledger.Entity{}, fmt.Errorf("%w: empty patch", ledger.ErrInvalidInput)
	}
	if err := ledger.ValidateTransactionPatch(p); err != nil {
		return ledger.Entity{}, err
	}
	t, err := current.Transaction()
	if err != nil {
		return ledger.Entity{}, err
	}
	p.Apply(&t)
	t.UpdatedAt = s.now()

	e, err := ledger.NewTransactionEntity(t)
	if err != nil {
		return ledger.Entity{}, err
	}
	if err := tx.Put(ctx, e); err != nil {
		return ledger.Entity{}, err
	}
	return e, s.recomputeBalance(ctx, tx, t.OwnerID, t.CustomerID)
}

// Delete removes an entity. Deleting a customer also deletes its transactions.
func (s *LedgerService) Delete(ctx context.Context, ownerID string, kind ledger.Kind, id string) (err error) {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ledger.ErrInvalidInput, kind)
	}
	start := s.stageStart()
	defer func() { s.observeStage(ctx, MetricsOpDelete, kind, MetricsStageTotal, start, 1, err != nil) }()

	return s.store.InTx(ctx, func(tx Tx) error {
		current, err := tx.Get(ctx, ownerID, kind, id)
		if err != nil {
			return err
		}
		if kind == ledger.KindCustomer {
			txs, err := s.customerTransactions(ctx, tx, ownerID, id)
			if err != nil {
				return err
			}
			for _, t := range txs {
				if err := tx.Delete(ctx, ownerID, ledger.KindTransaction, t.ID); err != nil {
					return err
				}
			}
			return tx.Delete(ctx, ownerID, kind, id)
		}

		t, err := current.Transaction()
		if err != nil {
			return err
		}
		if err := tx.Delete(ctx, ownerID, kind, id); err != nil {
			return err
		}
		return s.recomputeBalance(ctx, tx, ownerID, t.CustomerID)
	})
}

func (s *LedgerService) customerTransactions(ctx context.Context, tx Tx, ownerID, customerID string) ([]ledger.Transaction, error) {
	all, err := tx.List(ctx, ownerID, ledger.KindTransaction)
	if err != nil {
		return nil, err
	}
	var out []ledger.Transaction
	for _, e := range all {
		t, err := e.Transaction()
		if err != nil {
			return nil, err
		}
		if t.CustomerID == customerID {
			out = append(out, t)
		}
	}
	return out, nil
}

// recomputeBalance sets the customer's balance to the sum of its transactions.
// A missing customer is not an error.
func (s *LedgerService) recomputeBalance(ctx context.Context, tx Tx, ownerID, customerID string) error {
	start := s.stageStart()
	e, err := tx.Get(ctx, ownerID, ledger.KindCustomer, customerID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	c, err := e.Customer()
	if err != nil {
		return err
	}
	txs, err := s.customerTransactions(ctx, tx, ownerID, customerID)
	if err != nil {
		return err
	}

	balance := decimal.Zero
	for _, t := range txs {
		balance = balance.Add(t.Effect())
	}
	if balance.Equal(c.Balance) {
		s.observeStage(ctx, MetricsOpUpdate, ledger.KindCustomer, MetricsStageBalance, start, len(txs), false)
		return nil
	}
	c.Balance = balance
	c.UpdatedAt = s.now()
	updated, err := ledger.NewCustomerEntity(c)
	if err != nil {
		return err
	}
	err = tx.Put(ctx, updated)
	s.observeStage(ctx, MetricsOpUpdate, ledger.KindCustomer, MetricsStageBalance, start, len(txs), err != nil)
	return err
}
