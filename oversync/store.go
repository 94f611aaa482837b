// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/mobiletoly/go-overledger/ledger"
)

// Store is the server-side persistence used by LedgerService.
// All reads and writes of one request happen inside a single InTx call.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}

// Tx is the view of the store inside a transaction. Every method is scoped to
// ownerID; entities of other owners are invisible.
type Tx interface {
	// Get returns ledger.ErrNotFound (wrapped) when the entity does not exist
	Get(ctx context.Context, ownerID string, kind ledger.Kind, id string) (ledger.Entity, error)
	List(ctx context.Context, ownerID string, kind ledger.Kind) ([]ledger.Entity, error)
	Put(ctx context.Context, e ledger.Entity) error
	// Delete returns ledger.ErrNotFound (wrapped) when the entity does not exist
	Delete(ctx context.Context, ownerID string, kind ledger.Kind, id string) error
	// ClaimClientID binds clientID to serverID unless it is already bound, and
	// returns the server id the client id ends up bound to.
	ClaimClientID(ctx context.Context, ownerID, clientID, serverID string) (string, error)
}

type entityKey struct {
	owner string
	kind  ledger.Kind
	id    string
}

type clientKey struct {
	owner    string
	clientID string
}

// MemoryStore keeps everything in process memory. Transactions are serialized
// and only become visible when fn returns nil.
type MemoryStore struct {
	mu        sync.Mutex
	entities  map[entityKey]ledger.Entity
	clientIDs map[clientKey]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:  make(map[entityKey]ledger.Entity),
		clientIDs: make(map[clientKey]string),
	}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTx{
		entities:  maps.Clone(s.entities),
		clientIDs: maps.Clone(s.clientIDs),
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.entities = tx.entities
	s.clientIDs = tx.clientIDs
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

type memoryTx struct {
	entities  map[entityKey]ledger.Entity
	clientIDs map[clientKey]string
}

func (t *memoryTx) Get(_ context.Context, ownerID string, kind ledger.Kind, id string) (ledger.Entity, error) {
	e, ok := t.entities[entityKey{ownerID, kind, id}]
	if !ok {
		return ledger.Entity{}, fmt.Errorf("%w: %s %s", ledger.ErrNotFound, kind, id)
	}
	return e, nil
}

func (t *memoryTx) List(_ context.Context, ownerID string, kind ledger.Kind) ([]ledger.Entity, error) {
	out := []ledger.Entity{}
	for k, e := range t.entities {
		if k.owner == ownerID && k.kind == kind {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memoryTx) Put(_ context.Context, e ledger.Entity) error {
	t.entities[entityKey{e.OwnerID, e.Kind, e.ID}] = e
	return nil
}

func (t *memoryTx) Delete(_ context.Context, ownerID string, kind ledger.Kind, id string) error {
	k := entityKey{ownerID, kind, id}
	if _, ok := t.entities[k]; !ok {
		return fmt.Errorf("%w: %s %s", ledger.ErrNotFound, kind, id)
	}
	delete(t.entities, k)
	return nil
}

func (t *memoryTx) ClaimClientID(_ context.Context, ownerID, clientID, serverID string) (string, error) {
	k := clientKey{ownerID, clientID}
	if existing, ok := t.clientIDs[k]; ok {
		return existing, nil
	}
	t.clientIDs[k] = serverID
	return serverID, nil
}
