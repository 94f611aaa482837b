// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"encoding/json"
	"time"
)

// ActionType is the kind of deferred mutation carried by a queue item
type ActionType string

const (
	ActionCreateCustomer    ActionType = "create_customer"
	ActionUpdateCustomer    ActionType = "update_customer"
	ActionDeleteCustomer    ActionType = "delete_customer"
	ActionCreateTransaction ActionType = "create_transaction"
	ActionUpdateTransaction ActionType = "update_transaction"
)

// Kind returns the collection the action mutates
func (a ActionType) Kind() Kind {
	switch a {
	case ActionCreateTransaction, ActionUpdateTransaction:
		return KindTransaction
	default:
		return KindCustomer
	}
}

// IsCreate reports whether the action produces a new server id
func (a ActionType) IsCreate() bool {
	return a == ActionCreateCustomer || a == ActionCreateTransaction
}

// Valid reports whether a is a known action
func (a ActionType) Valid() bool {
	switch a {
	case ActionCreateCustomer, ActionUpdateCustomer, ActionDeleteCustomer,
		ActionCreateTransaction, ActionUpdateTransaction:
		return true
	}
	return false
}

// QueueStatus is the state of a sync queue item
type QueueStatus string

const (
	StatusPending   QueueStatus = "pending"
	StatusSyncing   QueueStatus = "syncing"
	StatusCompleted QueueStatus = "completed"
	StatusFailed    QueueStatus = "failed"
)

// DefaultMaxRetries is used when an item is enqueued without a limit
const DefaultMaxRetries = 3

// SyncQueueItem is one deferred mutation.
//
// Payload holds the serialized fields for creates and the serialized patch
// for updates; it is empty for deletes. EntityID is the (possibly temporary)
// id the mutation targets and ResultID is the server id produced by a
// completed create.
type SyncQueueItem struct {
	ID              string          `json:"id"`
	ActionType      ActionType      `json:"action_type"`
	EntityID        string          `json:"entity_id"`
	OwnerID         string          `json:"owner_id"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ClientTimestamp time.Time       `json:"client_timestamp"`
	AddedAt         int64           `json:"_addedAt"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	Status          QueueStatus     `json:"status"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ResultID        string          `json:"result_id,omitempty"`
}

// QueuePatch is a partial queue item update; nil fields are left unchanged
type QueuePatch struct {
	Status       *QueueStatus
	RetryCount   *int
	ErrorMessage *string
	ResultID     *string
	Payload      json.RawMessage
}

// QueueCounts summarizes the queue by status
type QueueCounts struct {
	Pending   int `json:"pending"`
	Syncing   int `json:"syncing"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Outstanding is every item that has not completed, failed ones included
func (c QueueCounts) Outstanding() int {
	return c.Pending + c.Syncing + c.Failed
}

// Batch is an explicitly atomic set of local store writes
type Batch struct {
	Upserts      []Entity
	Deletes      []string
	Enqueue      *SyncQueueItem
	QueueUpdates map[string]QueuePatch
}

// StatusPtr is a helper for building QueuePatch values
func StatusPtr(s QueueStatus) *QueueStatus { return &s }
