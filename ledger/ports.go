// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"encoding/json"
)

// RemoteStore is the server of record. Every failure is a *RemoteError.
type RemoteStore interface {
	// ListEntities returns all entities of kind owned by ownerID
	ListEntities(ctx context.Context, ownerID string, kind Kind) ([]Entity, error)
	// CreateEntity creates e and returns it with its server id. e.ID is the
	// client's temporary id; the server uses it as an idempotency key.
	CreateEntity(ctx context.Context, ownerID string, e Entity) (Entity, error)
	// UpdateEntity applies a JSON patch. The result may be nil when the server
	// does not echo the entity back.
	UpdateEntity(ctx context.Context, kind Kind, id string, patch json.RawMessage) (*Entity, error)
	DeleteEntity(ctx context.Context, kind Kind, id string) error
}

// LocalStore is the durable on-device cache and sync queue.
// Every failure is a *StorageError.
type LocalStore interface {
	Init(ctx context.Context) error

	GetAll(ctx context.Context, ownerID string, kind Kind) ([]CachedEntity, error)
	SetAll(ctx context.Context, ownerID string, kind Kind, entities []Entity) error
	Get(ctx context.Context, id string) (CachedEntity, bool, error)
	Upsert(ctx context.Context, e Entity) error
	Delete(ctx context.Context, id string) error

	Enqueue(ctx context.Context, item SyncQueueItem) error
	UpdateQueueItem(ctx context.Context, id string, patch QueuePatch) error
	QueueItem(ctx context.Context, id string) (SyncQueueItem, bool, error)
	QueueByStatus(ctx context.Context, status QueueStatus) ([]SyncQueueItem, error)
	// PendingCount counts every item not yet completed, failed ones included
	PendingCount(ctx context.Context) (int, error)
	QueueCounts(ctx context.Context) (QueueCounts, error)
	// ResolveTempID returns the server id a completed create assigned to tempID
	ResolveTempID(ctx context.Context, tempID string) (string, bool, error)

	Commit(ctx context.Context, batch Batch) error
}

// Connectivity reports whether the remote store is reachable
type Connectivity interface {
	IsOnline() bool
	// Subscribe registers fn for online/offline transitions
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// PrincipalProvider supplies the owner of the current session
type PrincipalProvider interface {
	PrincipalID(ctx context.Context) (string, bool)
}

// PrincipalFunc adapts a function to PrincipalProvider
type PrincipalFunc func(ctx context.Context) (string, bool)

func (f PrincipalFunc) PrincipalID(ctx context.Context) (string, bool) { return f(ctx) }

// StaticPrincipal always returns the same owner; empty means signed out
type StaticPrincipal string

func (p StaticPrincipal) PrincipalID(context.Context) (string, bool) {
	return string(p), p != ""
}

// Notifier receives human readable sync status messages
type Notifier interface {
	Notify(message string)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(message string)

func (f NotifierFunc) Notify(message string) { f(message) }
