// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-overledger/ledger"
)

const queueColumns = `id, action_type, entity_id, owner_id, payload, client_timestamp, added_at,
	retry_count, max_retries, status, error_message, result_id`

// Enqueue appends a deferred mutation. Missing id, timestamps, status and
// retry limit are filled in.
func (s *Store) Enqueue(ctx context.Context, item ledger.SyncQueueItem) error {
	if err := s.ensureInit(ctx); err != nil {
		return err
	}
	return ledger.WrapStorage("enqueue", s.insertQueueItem(ctx, s.DB, item))
}

func (s *Store) insertQueueItem(ctx context.Context, db execer, item ledger.SyncQueueItem) error {
	if !item.ActionType.Valid() {
		return fmt.Errorf("unknown action type %q", item.ActionType)
	}
	if item.EntityID == "" {
		return fmt.Errorf("queue item for %s has no entity id", item.ActionType)
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := s.now()
	if item.AddedAt == 0 {
		item.AddedAt = now.UnixMilli()
	}
	if item.ClientTimestamp.IsZero() {
		item.ClientTimestamp = now
	}
	if item.Status == "" {
		item.Status = ledger.StatusPending
	}
	if item.MaxRetries <= 0 {
		item.MaxRetries = ledger.DefaultMaxRetries
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_queue (`+queueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.ID, string(item.ActionType), item.EntityID, item.OwnerID,
		nullableBytes(item.Payload), item.ClientTimestamp.UnixMilli(), item.AddedAt,
		item.RetryCount, item.MaxRetries, string(item.Status),
		nullableString(item.ErrorMessage), nullableString(item.ResultID),
	)
	if err != nil {
		return fmt.Errorf("failed to insert queue item %s: %w", item.ID, err)
	}
	return nil
}

// UpdateQueueItem applies patch to the item with id
func (s *Store) UpdateQueueItem(ctx context.Context, id string, patch ledger.QueuePatch) error {
	if err := s.ensureInit(ctx); err != nil {
		return err
	}
	return ledger.WrapStorage("update queue item", updateQueueItem(ctx, s.DB, id, patch))
}

func updateQueueItem(ctx context.Context, db execer, id string, patch ledger.QueuePatch) error {
	var (
		sets []string
		args []any
	)
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *patch.RetryCount)
	}
	if patch.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullableString(*patch.ErrorMessage))
	}
	if patch.ResultID != nil {
		sets = append(sets, "result_id = ?")
		args = append(args, nullableString(*patch.ResultID))
	}
	if patch.Payload != nil {
		sets = append(sets, "payload = ?")
		args = append(args, string(patch.Payload))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := db.ExecContext(ctx, `UPDATE sync_queue SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update queue item %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected for queue item %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("queue item %s: %w", id, ledger.ErrNotFound)
	}
	return nil
}

// QueueItem returns a single queue item by id
func (s *Store) QueueItem(ctx context.Context, id string) (ledger.SyncQueueItem, bool, error) {
	if err := s.ensureInit(ctx); err != nil {
		return ledger.SyncQueueItem{}, false, err
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.SyncQueueItem{}, false, nil
	}
	if err != nil {
		return ledger.SyncQueueItem{}, false, ledger.WrapStorage("queue item", err)
	}
	return item, true, nil
}

// QueueByStatus returns items with status in insertion order
func (s *Store) QueueByStatus(ctx context.Context, status ledger.QueueStatus) ([]ledger.SyncQueueItem, error) {
	if err := s.ensureInit(ctx); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+queueColumns+`
		FROM sync_queue
		WHERE status = ?
		ORDER BY added_at ASC, rowid ASC
	`, string(status))
	if err != nil {
		return nil, ledger.WrapStorage("queue by status", fmt.Errorf("failed to query queue: %w", err))
	}
	defer rows.Close()

	var items []ledger.SyncQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, ledger.WrapStorage("queue by status", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.WrapStorage("queue by status", fmt.Errorf("error iterating queue: %w", err))
	}
	return items, nil
}

// PendingCount counts items that are not completed
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	if err := s.ensureInit(ctx); err != nil {
		return 0, err
	}
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE status != 'completed'`).Scan(&n); err != nil {
		return 0, ledger.WrapStorage("pending count", fmt.Errorf("failed to count queue: %w", err))
	}
	return n, nil
}

// QueueCounts returns per-status item counts
func (s *Store) QueueCounts(ctx context.Context) (ledger.QueueCounts, error) {
	var counts ledger.QueueCounts
	if err := s.ensureInit(ctx); err != nil {
		return counts, err
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return counts, ledger.WrapStorage("queue counts", fmt.Errorf("failed to count queue: %w", err))
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return counts, ledger.WrapStorage("queue counts", fmt.Errorf("failed to scan queue count: %w", err))
		}
		switch ledger.QueueStatus(status) {
		case ledger.StatusPending:
			counts.Pending = n
		case ledger.StatusSyncing:
			counts.Syncing = n
		case ledger.StatusCompleted:
			counts.Completed = n
		case ledger.StatusFailed:
			counts.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return counts, ledger.WrapStorage("queue counts", fmt.Errorf("error iterating queue counts: %w", err))
	}
	return counts, nil
}

// ResolveTempID looks up the server id recorded by a completed create of tempID
func (s *Store) ResolveTempID(ctx context.Context, tempID string) (string, bool, error) {
	if err := s.ensureInit(ctx); err != nil {
		return "", false, err
	}
	var resultID string
	err := s.DB.QueryRowContext(ctx, `
		SELECT result_id FROM sync_queue
		WHERE entity_id = ?
		  AND status = 'completed'
		  AND action_type IN ('create_customer', 'create_transaction')
		  AND result_id IS NOT NULL AND result_id != ''
		ORDER BY added_at DESC
		LIMIT 1
	`, tempID).Scan(&resultID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, ledger.WrapStorage("resolve temp id", fmt.Errorf("failed to resolve %s: %w", tempID, err))
	}
	return resultID, true, nil
}

// RetryFailed moves every failed item back to pending with a fresh retry budget
func (s *Store) RetryFailed(ctx context.Context) (int, error) {
	if err := s.ensureInit(ctx); err != nil {
		return 0, err
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'pending', retry_count = 0, error_message = NULL
		WHERE status = 'failed'
	`)
	if err != nil {
		return 0, ledger.WrapStorage("retry failed", fmt.Errorf("failed to reset failed items: %w", err))
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("Re-queued failed sync items", "count", n)
	}
	return int(n), nil
}

// DeleteQueueItem removes a single item regardless of status
func (s *Store) DeleteQueueItem(ctx context.Context, id string) error {
	if err := s.ensureInit(ctx); err != nil {
		return err
	}
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return ledger.WrapStorage("delete queue item", fmt.Errorf("failed to delete queue item %s: %w", id, err))
	}
	return nil
}

// ClearQueue drops every queue item, typically on sign-out
func (s *Store) ClearQueue(ctx context.Context) (int, error) {
	if err := s.ensureInit(ctx); err != nil {
		return 0, err
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM sync_queue`)
	if err != nil {
		return 0, ledger.WrapStorage("clear queue", fmt.Errorf("failed to clear queue: %w", err))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PruneCompleted deletes completed items, but only once nothing is outstanding,
// since later items may still need their result_id to resolve a temp id.
func (s *Store) PruneCompleted(ctx context.Context) (int, error) {
	if err := s.ensureInit(ctx); err != nil {
		return 0, err
	}
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM sync_queue
		WHERE status = 'completed'
		  AND NOT EXISTS (SELECT 1 FROM sync_queue WHERE status != 'completed')
	`)
	if err != nil {
		return 0, ledger.WrapStorage("prune completed", fmt.Errorf("failed to prune queue: %w", err))
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug("Pruned completed sync items", "count", n)
	}
	return int(n), nil
}

func scanQueueItem(row rowScanner) (ledger.SyncQueueItem, error) {
	var (
		item            ledger.SyncQueueItem
		actionType      string
		status          string
		payload         sql.NullString
		errorMessage    sql.NullString
		resultID        sql.NullString
		clientTimestamp int64
	)
	err := row.Scan(
		&item.ID, &actionType, &item.EntityID, &item.OwnerID, &payload, &clientTimestamp, &item.AddedAt,
		&item.RetryCount, &item.MaxRetries, &status, &errorMessage, &resultID,
	)
	if err != nil {
		return item, fmt.Errorf("failed to scan queue item: %w", err)
	}
	item.ActionType = ledger.ActionType(actionType)
	item.Status = ledger.QueueStatus(status)
	item.ClientTimestamp = time.UnixMilli(clientTimestamp)
	if payload.Valid {
		item.Payload = []byte(payload.String)
	}
	item.ErrorMessage = errorMessage.String
	item.ResultID = resultID.String
	return item, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
