// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package ledger holds the domain model shared by the local store, the sync
// engine and the server of record: customers, their transactions, the sync
// queue item and the narrow interfaces the engine consumes.
package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind identifies an entity collection
type Kind string

const (
	KindCustomer    Kind = "customer"
	KindTransaction Kind = "transaction"
)

// Valid reports whether k is a known collection
func (k Kind) Valid() bool {
	return k == KindCustomer || k == KindTransaction
}

// TxType is the direction of a ledger transaction
type TxType string

const (
	// TxCredit increases what the customer owes
	TxCredit TxType = "credit"
	// TxDebit decreases what the customer owes (payment received)
	TxDebit TxType = "debit"
)

// Customer is a ledger counterparty. ID and OwnerID live on the envelope,
// not in the serialized fields.
type Customer struct {
	ID        string          `json:"-"`
	OwnerID   string          `json:"-"`
	Name      string          `json:"name" validate:"required,max=200"`
	Phone     string          `json:"phone,omitempty" validate:"max=32"`
	Balance   decimal.Decimal `json:"balance"`
	Archived  bool            `json:"archived"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Transaction is a single credit or debit against a customer
type Transaction struct {
	ID         string          `json:"-"`
	OwnerID    string          `json:"-"`
	CustomerID string          `json:"customer_id" validate:"required"`
	Type       TxType          `json:"type" validate:"required,oneof=credit debit"`
	Amount     decimal.Decimal `json:"amount"`
	Note       string          `json:"note,omitempty" validate:"max=500"`
	OccurredAt time.Time       `json:"occurred_at"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Effect returns the signed contribution of the transaction to its customer's balance
func (t Transaction) Effect() decimal.Decimal {
	if t.Type == TxDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// CustomerPatch is a partial customer update; nil fields are left unchanged
type CustomerPatch struct {
	Name     *string `json:"name,omitempty"`
	Phone    *string `json:"phone,omitempty"`
	Archived *bool   `json:"archived,omitempty"`
}

// IsEmpty reports whether the patch changes nothing
func (p CustomerPatch) IsEmpty() bool {
	return p.Name == nil && p.Phone == nil && p.Archived == nil
}

// Apply writes the non-nil fields of p into c
func (p CustomerPatch) Apply(c *Customer) {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Phone != nil {
		c.Phone = *p.Phone
	}
	if p.Archived != nil {
		c.Archived = *p.Archived
	}
}

// TransactionPatch is a partial transaction update. A transaction cannot move
// between customers.
type TransactionPatch struct {
	Type       *TxType          `json:"type,omitempty"`
	Amount     *decimal.Decimal `json:"amount,omitempty"`
	Note       *string          `json:"note,omitempty"`
	OccurredAt *time.Time       `json:"occurred_at,omitempty"`
}

// IsEmpty reports whether the patch changes nothing
func (p TransactionPatch) IsEmpty() bool {
	return p.Type == nil && p.Amount == nil && p.Note == nil && p.OccurredAt == nil
}

// Apply writes the non-nil fields of p into t
func (p TransactionPatch) Apply(t *Transaction) {
	if p.Type != nil {
		t.Type = *p.Type
	}
	if p.Amount != nil {
		t.Amount = *p.Amount
	}
	if p.Note != nil {
		t.Note = *p.Note
	}
	if p.OccurredAt != nil {
		t.OccurredAt = *p.OccurredAt
	}
}

// Entity is the storage and wire envelope of a Customer or Transaction
type Entity struct {
	ID      string          `json:"id"`
	OwnerID string          `json:"owner_id"`
	Kind    Kind            `json:"kind"`
	Fields  json.RawMessage `json:"fields"`
}

// CachedEntity is an Entity as last written to the local store
type CachedEntity struct {
	Entity
	CachedAt time.Time `json:"cached_at"`
}

// NewCustomerEntity wraps c into an envelope
func NewCustomerEntity(c Customer) (Entity, error) {
	fields, err := json.Marshal(c)
	if err != nil {
		return Entity{}, fmt.Errorf("failed to marshal customer %s: %w", c.ID, err)
	}
	return Entity{ID: c.ID, OwnerID: c.OwnerID, Kind: KindCustomer, Fields: fields}, nil
}

// NewTransactionEntity wraps t into an envelope
func NewTransactionEntity(t Transaction) (Entity, error) {
	fields, err := json.Marshal(t)
	if err != nil {
		return Entity{}, fmt.Errorf("failed to marshal transaction %s: %w", t.ID, err)
	}
	return Entity{ID: t.ID, OwnerID: t.OwnerID, Kind: KindTransaction, Fields: fields}, nil
}

// Customer decodes the envelope as a customer
func (e Entity) Customer() (Customer, error) {
	if e.Kind != KindCustomer {
		return Customer{}, fmt.Errorf("entity %s is a %s, not a customer", e.ID, e.Kind)
	}
	var c Customer
	if err := json.Unmarshal(e.Fields, &c); err != nil {
		return Customer{}, fmt.Errorf("failed to unmarshal customer %s: %w", e.ID, err)
	}
	c.ID = e.ID
	c.OwnerID = e.OwnerID
	return c, nil
}

// Transaction decodes the envelope as a transaction
func (e Entity) Transaction() (Transaction, error) {
	if e.Kind != KindTransaction {
		return Transaction{}, fmt.Errorf("entity %s is a %s, not a transaction", e.ID, e.Kind)
	}
	var t Transaction
	if err := json.Unmarshal(e.Fields, &t); err != nil {
		return Transaction{}, fmt.Errorf("failed to unmarshal transaction %s: %w", e.ID, err)
	}
	t.ID = e.ID
	t.OwnerID = e.OwnerID
	return t, nil
}

// TempIDPrefix marks client-generated ids of unconfirmed creates
const TempIDPrefix = "temp_"

// IsTempID reports whether id was generated locally and not yet confirmed
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// NewTempID returns temp_<unix-millis>_<8 hex chars>
func NewTempID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%d_%s", TempIDPrefix, now.UnixMilli(), suffix)
}
