package oversqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mobiletoly/go-overledger/ledger"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func customerEntity(t *testing.T, id, owner, name string) ledger.Entity {
	t.Helper()
	e, err := ledger.NewCustomerEntity(ledger.Customer{ID: id, OwnerID: owner, Name: name})
	require.NoError(t, err)
	return e
}

func TestInitializeDatabase(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Repeated init must not fail or alter anything
	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.initializeDatabase(ctx))

	for _, table := range []string{"ledger_entities", "sync_queue"} {
		var count int
		err := s.DB.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "Table %s should exist", table)
	}

	var index int
	err := s.DB.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name='idx_sync_queue_status'").Scan(&index)
	require.NoError(t, err)
	require.Equal(t, 1, index)

	// In-memory databases use "memory" mode instead of "wal"
	var journalMode string
	require.NoError(t, s.DB.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	require.Contains(t, []string{"wal", "memory"}, journalMode)

	var synchronous int
	require.NoError(t, s.DB.QueryRow("PRAGMA synchronous").Scan(&synchronous))
	require.Equal(t, 2, synchronous, "synchronous should be FULL")
}

func TestLazyInitOnFirstUse(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	s := NewStore(db)
	n, err := s.PendingCount(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestEntityRoundTripAndSetAll(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Upsert(ctx, customerEntity(t, "c1", "owner-1", "Jane")))
	require.NoError(t, s.Upsert(ctx, customerEntity(t, "c9", "owner-2", "Other")))

	got, ok, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	c, err := got.Customer()
	require.NoError(t, err)
	require.Equal(t, "Jane", c.Name)
	require.False(t, got.CachedAt.IsZero())

	_, ok, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	err = s.SetAll(ctx, "owner-1", ledger.KindCustomer, []ledger.Entity{
		customerEntity(t, "c2", "owner-1", "Bob"),
		customerEntity(t, "c3", "owner-1", "Ann"),
	})
	require.NoError(t, err)

	all, err := s.GetAll(ctx, "owner-1", ledger.KindCustomer)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "c2", all[0].ID)
	require.Equal(t, "c3", all[1].ID)

	// Other owners are untouched
	other, err := s.GetAll(ctx, "owner-2", ledger.KindCustomer)
	require.NoError(t, err)
	require.Len(t, other, 1)

	// Entities of another owner are rejected and nothing is replaced
	err = s.SetAll(ctx, "owner-1", ledger.KindCustomer, []ledger.Entity{customerEntity(t, "c4", "owner-2", "Nope")})
	var se *ledger.StorageError
	require.ErrorAs(t, err, &se)
	all, err = s.GetAll(ctx, "owner-1", ledger.KindCustomer)
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, s.Delete(ctx, "c2"))
	require.NoError(t, s.Delete(ctx, "c2"))
	all, err = s.GetAll(ctx, "owner-1", ledger.KindCustomer)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestQueueOrderedByAddedAt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, item := range []ledger.SyncQueueItem{
		{ID: "a", ActionType: ledger.ActionCreateCustomer, EntityID: "temp_1_aaaaaaaa", AddedAt: 1000},
		{ID: "b", ActionType: ledger.ActionCreateCustomer, EntityID: "temp_2_bbbbbbbb", AddedAt: 500},
		{ID: "c", ActionType: ledger.ActionCreateCustomer, EntityID: "temp_3_cccccccc", AddedAt: 2000},
		{ID: "d", ActionType: ledger.ActionCreateCustomer, EntityID: "temp_4_dddddddd", AddedAt: 1000},
	} {
		require.NoError(t, s.Enqueue(ctx, item))
	}

	items, err := s.QueueByStatus(ctx, ledger.StatusPending)
	require.NoError(t, err)
	var ids []string
	for _, it := range items {
		ids = append(ids, it.ID)
		require.Equal(t, ledger.DefaultMaxRetries, it.MaxRetries)
		require.Zero(t, it.RetryCount)
	}
	// Ties keep insertion order
	require.Equal(t, []string{"b", "a", "d", "c"}, ids)
}

func TestEnqueueDefaults(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	s, err := Open(ctx, ":memory:", WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	defer s.Close()

	payload := json.RawMessage(`{"name":"Jane"}`)
	require.NoError(t, s.Enqueue(ctx, ledger.SyncQueueItem{
		ActionType: ledger.ActionCreateCustomer,
		EntityID:   "temp_1_abcdef12",
		OwnerID:    "owner-1",
		Payload:    payload,
	}))

	items, err := s.QueueByStatus(ctx, ledger.StatusPending)
	require.NoError(t, err)
	require.Len(t, items, 1)
	it := items[0]
	require.NotEmpty(t, it.ID)
	require.Equal(t, now.UnixMilli(), it.AddedAt)
	require.Equal(t, now.UnixMilli(), it.ClientTimestamp.UnixMilli())
	require.JSONEq(t, string(payload), string(it.Payload))

	require.Error(t, s.Enqueue(ctx, ledger.SyncQueueItem{ActionType: "delete_transaction", EntityID: "x"}))
	require.Error(t, s.Enqueue(ctx, ledger.SyncQueueItem{ActionType: ledger.ActionDeleteCustomer}))
}

func TestUpdateQueueItem(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Enqueue(ctx, ledger.SyncQueueItem{ID: "q1", ActionType: ledger.ActionUpdateCustomer, EntityID: "c1"}))

	retries := 2
	msg := "boom"
	require.NoError(t, s.UpdateQueueItem(ctx, "q1", ledger.QueuePatch{
		Status:       ledger.StatusPtr(ledger.StatusPending),
		RetryCount:   &retries,
		ErrorMessage: &msg,
	}))
	it, ok, err := s.QueueItem(ctx, "q1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, it.RetryCount)
	require.Equal(t, "boom", it.ErrorMessage)

	// retry_count may never exceed max_retries
	tooMany := 4
	err = s.UpdateQueueItem(ctx, "q1", ledger.QueuePatch{RetryCount: &tooMany})
	var se *ledger.StorageError
	require.ErrorAs(t, err, &se)

	err = s.UpdateQueueItem(ctx, "missing", ledger.QueuePatch{Status: ledger.StatusPtr(ledger.StatusFailed)})
	require.ErrorAs(t, err, &se)
	require.ErrorIs(t, err, ledger.ErrNotFound)

	_, ok, err = s.QueueItem(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCommitIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.Commit(ctx, ledger.Batch{
		Upserts: []ledger.Entity{customerEntity(t, "temp_1_abcdef12", "owner-1", "Jane")},
		Enqueue: &ledger.SyncQueueItem{ActionType: "bogus", EntityID: "temp_1_abcdef12"},
	})
	var se *ledger.StorageError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "commit", se.Op)

	_, ok, err := s.Get(ctx, "temp_1_abcdef12")
	require.NoError(t, err)
	require.False(t, ok, "upsert must be rolled back with the failed enqueue")

	require.NoError(t, s.Commit(ctx, ledger.Batch{
		Upserts: []ledger.Entity{customerEntity(t, "temp_1_abcdef12", "owner-1", "Jane")},
		Enqueue: &ledger.SyncQueueItem{ID: "q1", ActionType: ledger.ActionCreateCustomer, EntityID: "temp_1_abcdef12", OwnerID: "owner-1"},
	}))

	// Swap the temp entity for the server one and complete the item in one batch
	resultID := "server-1"
	require.NoError(t, s.Commit(ctx, ledger.Batch{
		Deletes: []string{"temp_1_abcdef12"},
		Upserts: []ledger.Entity{customerEntity(t, "server-1", "owner-1", "Jane")},
		QueueUpdates: map[string]ledger.QueuePatch{
			"q1": {Status: ledger.StatusPtr(ledger.StatusCompleted), ResultID: &resultID},
		},
	}))
	all, err := s.GetAll(ctx, "owner-1", ledger.KindCustomer)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "server-1", all[0].ID)

	id, ok, err := s.ResolveTempID(ctx, "temp_1_abcdef12")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "server-1", id)

	_, ok, err = s.ResolveTempID(ctx, "temp_2_unknown0")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInitResetsSyncingItems(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(ctx, ledger.SyncQueueItem{ID: "q1", ActionType: ledger.ActionCreateCustomer, EntityID: "temp_1_abcdef12"}))
	require.NoError(t, s.UpdateQueueItem(ctx, "q1", ledger.QueuePatch{Status: ledger.StatusPtr(ledger.StatusSyncing)}))
	require.NoError(t, s.Close())

	// Simulated restart after a crash mid-drain
	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	it, ok, err := s.QueueItem(ctx, "q1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ledger.StatusPending, it.Status)
}

func TestQueueMaintenance(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Enqueue(ctx, ledger.SyncQueueItem{ID: "done", ActionType: ledger.ActionCreateCustomer, EntityID: "temp_1_aaaaaaaa", AddedAt: 1}))
	require.NoError(t, s.Enqueue(ctx, ledger.SyncQueueItem{ID: "bad", ActionType: ledger.ActionUpdateCustomer, EntityID: "c1", AddedAt: 2}))
	require.NoError(t, s.Enqueue(ctx, ledger.SyncQueueItem{ID: "wait", ActionType: ledger.ActionDeleteCustomer, EntityID: "c2", AddedAt: 3}))

	retries := 3
	msg := "exhausted"
	require.NoError(t, s.UpdateQueueItem(ctx, "done", ledger.QueuePatch{Status: ledger.StatusPtr(ledger.StatusCompleted)}))
	require.NoError(t, s.UpdateQueueItem(ctx, "bad", ledger.QueuePatch{Status: ledger.StatusPtr(ledger.StatusFailed), RetryCount: &retries, ErrorMessage: &msg}))

	counts, err := s.QueueCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, ledger.QueueCounts{Pending: 1, Completed: 1, Failed: 1}, counts)

	pending, err := s.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, pending, "failed items count as pending work")

	// Outstanding items keep completed ones around for temp id resolution
	n, err := s.PruneCompleted(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = s.RetryFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	it, _, err := s.QueueItem(ctx, "bad")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPending, it.Status)
	require.Zero(t, it.RetryCount)
	require.Empty(t, it.ErrorMessage)

	require.NoError(t, s.DeleteQueueItem(ctx, "bad"))
	require.NoError(t, s.DeleteQueueItem(ctx, "wait"))
	n, err = s.PruneCompleted(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, s.Enqueue(ctx, ledger.SyncQueueItem{ActionType: ledger.ActionDeleteCustomer, EntityID: "c3"}))
	n, err = s.ClearQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
