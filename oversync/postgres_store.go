// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mobiletoly/go-overledger/ledger"
)

const (
	defaultTxAttempts  = 3
	defaultTxBaseDelay = 25 * time.Millisecond
)

// PostgresStore persists the ledger in PostgreSQL
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	TxAttempts  int
	TxBaseDelay time.Duration
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates the ledger schema if needed. The caller owns the pool.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PostgresStore{
		pool:        pool,
		logger:      logger,
		TxAttempts:  defaultTxAttempts,
		TxBaseDelay: defaultTxBaseDelay,
	}
	if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return initializeSchemaInTx(ctx, tx)
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	logger.Debug("Ledger schema initialized")
	return s, nil
}

// InTx runs fn in a read-committed transaction, retrying serialization and
// deadlock failures.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return withTxRetry(ctx, s.logger, s.TxAttempts, s.TxBaseDelay, func(attempt int) error {
		return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
			return fn(&pgTx{tx: tx})
		})
	})
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type pgTx struct {
	tx pgx.Tx
}

// Get locks the row until the transaction ends
func (t *pgTx) Get(ctx context.Context, ownerID string, kind ledger.Kind, id string) (ledger.Entity, error) {
	var fields string
	err := t.tx.QueryRow(ctx, `
		SELECT fields::text FROM ledger.entities
		WHERE owner_id = $1 AND kind = $2 AND id = $3
		FOR UPDATE`, ownerID, string(kind), id).Scan(&fields)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Entity{}, fmt.Errorf("%w: %s %s", ledger.ErrNotFound, kind, id)
	}
	if err != nil {
		return ledger.Entity{}, fmt.Errorf("failed to get %s %s: %w", kind, id, err)
	}
	return ledger.Entity{ID: id, OwnerID: ownerID, Kind: kind, Fields: json.RawMessage(fields)}, nil
}

func (t *pgTx) List(ctx context.Context, ownerID string, kind ledger.Kind) ([]ledger.Entity, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, fields::text FROM ledger.entities
		WHERE owner_id = $1 AND kind = $2
		ORDER BY id`, ownerID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}
	defer rows.Close()

	out := []ledger.Entity{}
	for rows.Next() {
		var id, fields string
		if err := rows.Scan(&id, &fields); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", kind, err)
		}
		out = append(out, ledger.Entity{ID: id, OwnerID: ownerID, Kind: kind, Fields: json.RawMessage(fields)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}
	return out, nil
}

func (t *pgTx) Put(ctx context.Context, e ledger.Entity) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ledger.entities (owner_id, kind, id, fields, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, now())
		ON CONFLICT (owner_id, kind, id) DO UPDATE
		SET fields = EXCLUDED.fields, updated_at = now()`,
		e.OwnerID, string(e.Kind), e.ID, string(e.Fields))
	if err != nil {
		return fmt.Errorf("failed to put %s %s: %w", e.Kind, e.ID, err)
	}
	return nil
}

func (t *pgTx) Delete(ctx context.Context, ownerID string, kind ledger.Kind, id string) error {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM ledger.entities WHERE owner_id = $1 AND kind = $2 AND id = $3`,
		ownerID, string(kind), id)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %s", ledger.ErrNotFound, kind, id)
	}
	return nil
}

// ClaimClientID blocks on a concurrent claim of the same client id until that
// transaction finishes, then returns whichever server id won.
func (t *pgTx) ClaimClientID(ctx context.Context, ownerID, clientID, serverID string) (string, error) {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO ledger.client_ids (owner_id, client_id, server_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, client_id) DO NOTHING`, ownerID, clientID, serverID); err != nil {
		return "", fmt.Errorf("failed to claim client id %s: %w", clientID, err)
	}
	var bound string
	if err := t.tx.QueryRow(ctx, `
		SELECT server_id FROM ledger.client_ids WHERE owner_id = $1 AND client_id = $2`,
		ownerID, clientID).Scan(&bound); err != nil {
		return "", fmt.Errorf("failed to read client id %s: %w", clientID, err)
	}
	return bound, nil
}
