// Package oversqlite provides the SQLite-backed local durable store for
// go-overledger offline-first synchronization, together with the HTTP client
// that talks to the server of record.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mobiletoly/go-overledger/ledger"
)

// Store persists cached entities and the sync queue in SQLite
type Store struct {
	DB     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	initMu   sync.Mutex
	initDone bool
}

var _ ledger.LocalStore = (*Store)(nil)

// StoreOption customizes a Store
type StoreOption func(*Store)

// WithLogger sets the store logger
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source used for cached_at and added_at
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open opens (creating if needed) the SQLite file at path and returns an
// initialized store. Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string, opts ...StoreOption) (*Store, error) {
	dsn := path + "?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, ledger.WrapStorage("open", fmt.Errorf("failed to open database: %w", err))
	}
	// Single writer connection; also keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := NewStore(db, opts...)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an already opened database. Init runs lazily on first use.
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{
		DB:     db,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.DB.Close()
}

// Init creates the store tables and indexes. It is idempotent and is called
// implicitly by every other operation.
func (s *Store) Init(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.initDone {
		return nil
	}
	if err := s.initializeDatabase(ctx); err != nil {
		return ledger.WrapStorage("init", err)
	}
	s.initDone = true
	return nil
}

func (s *Store) ensureInit(ctx context.Context) error {
	return s.Init(ctx)
}

func (s *Store) initializeDatabase(ctx context.Context) error {
	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		// Commit returns only after the write reached the disk.
		`PRAGMA synchronous=FULL`,
		`PRAGMA foreign_keys=ON`,
	}
	for _, p := range pragmas {
		if _, err := s.DB.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS ledger_entities (
			id         TEXT PRIMARY KEY,
			owner_id   TEXT NOT NULL,
			kind       TEXT NOT NULL CHECK (kind IN ('customer','transaction')),
			fields     TEXT NOT NULL,                -- JSON of the typed record
			cached_at  INTEGER NOT NULL              -- unix millis of the last local write
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entities_owner_kind ON ledger_entities(owner_id, kind)`,

		`CREATE TABLE IF NOT EXISTS sync_queue (
			id                TEXT PRIMARY KEY,
			action_type       TEXT NOT NULL CHECK (action_type IN (
				'create_customer','update_customer','delete_customer',
				'create_transaction','update_transaction')),
			entity_id         TEXT NOT NULL,
			owner_id          TEXT NOT NULL,
			payload           TEXT,
			client_timestamp  INTEGER NOT NULL,
			added_at          INTEGER NOT NULL,
			retry_count       INTEGER NOT NULL DEFAULT 0,
			max_retries       INTEGER NOT NULL DEFAULT 3,
			status            TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending','syncing','completed','failed')),
			error_message     TEXT,
			result_id         TEXT,
			CHECK (retry_count <= max_retries)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status, added_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(entity_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create store schema: %w", err)
		}
	}

	// A crash mid-drain leaves items in 'syncing'; hand them back to the next pass.
	res, err := s.DB.ExecContext(ctx, `UPDATE sync_queue SET status = 'pending' WHERE status = 'syncing'`)
	if err != nil {
		return fmt.Errorf("failed to reset syncing queue items: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Warn("Reset queue items left in syncing state", "count", n)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// GetAll returns every cached entity of kind owned by ownerID
func (s *Store) GetAll(ctx context.Context, ownerID string, kind ledger.Kind) ([]ledger.CachedEntity, error) {
	if err := s.ensureInit(ctx); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, owner_id, kind, fields, cached_at
		FROM ledger_entities
		WHERE owner_id = ? AND kind = ?
		ORDER BY id
	`, ownerID, string(kind))
	if err != nil {
		return nil, ledger.WrapStorage("get all", fmt.Errorf("failed to query entities: %w", err))
	}
	defer rows.Close()

	var out []ledger.CachedEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, ledger.WrapStorage("get all", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.WrapStorage("get all", fmt.Errorf("error iterating entities: %w", err))
	}
	return out, nil
}

// SetAll atomically replaces the owner's collection of kind with entities
func (s *Store) SetAll(ctx context.Context, ownerID string, kind ledger.Kind, entities []ledger.Entity) error {
	if err := s.ensureInit(ctx); err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return ledger.WrapStorage("set all", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_entities WHERE owner_id = ? AND kind = ?`, ownerID, string(kind)); err != nil {
		return ledger.WrapStorage("set all", fmt.Errorf("failed to clear entities: %w", err))
	}
	cachedAt := s.now().UnixMilli()
	for _, e := range entities {
		if e.OwnerID != ownerID || e.Kind != kind {
			return ledger.WrapStorage("set all", fmt.Errorf("entity %s (%s/%s) does not belong to %s/%s", e.ID, e.OwnerID, e.Kind, ownerID, kind))
		}
		if err := upsertEntity(ctx, tx, e, cachedAt); err != nil {
			return ledger.WrapStorage("set all", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return ledger.WrapStorage("set all", fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// Get returns the cached entity with id
func (s *Store) Get(ctx context.Context, id string) (ledger.CachedEntity, bool, error) {
	if err := s.ensureInit(ctx); err != nil {
		return ledger.CachedEntity{}, false, err
	}
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, owner_id, kind, fields, cached_at FROM ledger_entities WHERE id = ?
	`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.CachedEntity{}, false, nil
	}
	if err != nil {
		return ledger.CachedEntity{}, false, ledger.WrapStorage("get", err)
	}
	return e, true, nil
}

// Upsert writes a single entity
func (s *Store) Upsert(ctx context.Context, e ledger.Entity) error {
	if err := s.ensureInit(ctx); err != nil {
		return err
	}
	return ledger.WrapStorage("upsert", upsertEntity(ctx, s.DB, e, s.now().UnixMilli()))
}

// Delete removes a single entity; deleting an unknown id is not an error
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.ensureInit(ctx); err != nil {
		return err
	}
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM ledger_entities WHERE id = ?`, id); err != nil {
		return ledger.WrapStorage("delete", fmt.Errorf("failed to delete entity %s: %w", id, err))
	}
	return nil
}

// Commit applies an explicit batch of entity and queue writes atomically
func (s *Store) Commit(ctx context.Context, batch ledger.Batch) error {
	if err := s.ensureInit(ctx); err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return ledger.WrapStorage("commit", fmt.Errorf("failed to begin transaction: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, id := range batch.Deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_entities WHERE id = ?`, id); err != nil {
			return ledger.WrapStorage("commit", fmt.Errorf("failed to delete entity %s: %w", id, err))
		}
	}
	cachedAt := s.now().UnixMilli()
	for _, e := range batch.Upserts {
		if err := upsertEntity(ctx, tx, e, cachedAt); err != nil {
			return ledger.WrapStorage("commit", err)
		}
	}
	if batch.Enqueue != nil {
		if err := s.insertQueueItem(ctx, tx, *batch.Enqueue); err != nil {
			return ledger.WrapStorage("commit", err)
		}
	}
	for id, patch := range batch.QueueUpdates {
		if err := updateQueueItem(ctx, tx, id, patch); err != nil {
			return ledger.WrapStorage("commit", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return ledger.WrapStorage("commit", fmt.Errorf("failed to commit transaction: %w", err))
	}
	committed = true
	return nil
}

func upsertEntity(ctx context.Context, db execer, e ledger.Entity, cachedAt int64) error {
	if e.ID == "" {
		return fmt.Errorf("entity id must not be empty")
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("entity %s has unknown kind %q", e.ID, e.Kind)
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO ledger_entities (id, owner_id, kind, fields, cached_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			kind = excluded.kind,
			fields = excluded.fields,
			cached_at = excluded.cached_at
	`, e.ID, e.OwnerID, string(e.Kind), string(e.Fields), cachedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert entity %s: %w", e.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (ledger.CachedEntity, error) {
	var (
		e        ledger.CachedEntity
		kind     string
		fields   string
		cachedAt int64
	)
	if err := row.Scan(&e.ID, &e.OwnerID, &kind, &fields, &cachedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("failed to scan entity: %w", err)
	}
	e.Kind = ledger.Kind(kind)
	e.Fields = []byte(fields)
	e.CachedAt = time.UnixMilli(cachedAt)
	return e, nil
}
