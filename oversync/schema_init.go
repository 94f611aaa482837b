// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the ledger tables if they don't exist
func initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS ledger`,

		// Current state of every customer and transaction, owner-scoped
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS ledger.entities (
			owner_id    TEXT        NOT NULL,
			kind        TEXT        NOT NULL CHECK (kind IN ('customer','transaction')),
			id          TEXT        NOT NULL,
			fields      JSONB       NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (owner_id, kind, id)
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS entities_tx_customer_idx
			ON ledger.entities (owner_id, (fields->>'customer_id')) WHERE kind = 'transaction'`,

		// Idempotency gate for creates: client temp id -> server id
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS ledger.client_ids (
			owner_id    TEXT        NOT NULL,
			client_id   TEXT        NOT NULL,
			server_id   TEXT        NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (owner_id, client_id)
		)`,
	}

	for i, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to execute migration %d: %w", i+1, err)
		}
	}
	return nil
}
