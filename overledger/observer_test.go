package overledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mobiletoly/go-overledger/ledger"
	"github.com/stretchr/testify/require"
)

func TestObserverDrainsOnceWhenOnline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	_, err := h.engine.CreateCustomer(ctx, ledger.Customer{Name: "Jane"})
	require.NoError(t, err)

	o := NewObserver(ctx, h.conn, h.driver, h.store, h.cache, nil)
	defer o.Close()

	status := o.Status()
	require.Equal(t, ConnectionOffline, status.ConnectionStatus)
	require.Equal(t, QueuePending, status.QueueStatus)
	require.Equal(t, 1, status.PendingCount)

	var mu sync.Mutex
	var seen []SyncStatus
	o.Subscribe(func(s SyncStatus) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	h.conn.SetOnline(true)
	require.Eventually(t, func() bool {
		s := o.Status()
		return s.PendingCount == 0 && !s.IsSyncing && !s.LastSyncedAt.IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	require.EqualValues(t, 1, h.remote.calls.Load())
	status = o.Status()
	require.Equal(t, ConnectionOnline, status.ConnectionStatus)
	require.Equal(t, QueueIdle, status.QueueStatus)
	require.Empty(t, status.ErrorMessage)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, QueuePending, seen[0].QueueStatus)
	sawSyncing := false
	for _, s := range seen {
		sawSyncing = sawSyncing || s.IsSyncing
	}
	require.True(t, sawSyncing)
}

func TestObserverGoingOfflineOnlyChangesStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	o := NewObserver(ctx, h.conn, h.driver, h.store, h.cache, nil)
	defer o.Close()
	require.Equal(t, ConnectionOnline, o.Status().ConnectionStatus)

	h.conn.SetOnline(false)
	require.Equal(t, ConnectionOffline, o.Status().ConnectionStatus)

	_, err := h.engine.CreateCustomer(ctx, ledger.Customer{Name: "Jane"})
	require.NoError(t, err)
	require.Equal(t, 1, o.Status().PendingCount)
	require.Zero(t, h.remote.calls.Load())
}

func TestObserverReportsFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	h.engine.config.MaxRetries = 1

	_, err := h.engine.CreateCustomer(ctx, ledger.Customer{Name: "Jane"})
	require.NoError(t, err)
	require.Equal(t, 1, h.pending(t)[0].MaxRetries)

	o := NewObserver(ctx, h.conn, h.driver, h.store, h.cache, nil)
	defer o.Close()

	h.remote.setFailure(context.DeadlineExceeded)
	h.conn.SetOnline(true)
	require.Eventually(t, func() bool {
		s := o.Status()
		return s.FailedCount == 1 && !s.IsSyncing
	}, 2*time.Second, 10*time.Millisecond)

	s := o.Status()
	require.Equal(t, QueueError, s.QueueStatus)
	require.Equal(t, 1, s.PendingCount)
	require.Equal(t, "1 of 1 changes failed to sync", s.ErrorMessage)
	require.True(t, s.LastSyncedAt.IsZero())
}

func TestObserverCloseStopsTriggering(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	_, err := h.engine.CreateCustomer(ctx, ledger.Customer{Name: "Jane"})
	require.NoError(t, err)

	o := NewObserver(ctx, h.conn, h.driver, h.store, h.cache, nil)
	o.Close()
	o.Close()

	h.conn.SetOnline(true)
	o.TriggerSync()
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, h.remote.calls.Load())
	require.Len(t, h.pending(t), 1)
}
