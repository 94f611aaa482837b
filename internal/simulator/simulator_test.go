package simulator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mobiletoly/go-overledger/internal/config"
	"github.com/mobiletoly/go-overledger/internal/server"
	"github.com/mobiletoly/go-overledger/ledger"
	"github.com/mobiletoly/go-overledger/overledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newSimulator(t *testing.T, owner string, configure ...func(*Options)) (*Simulator, *server.TestServer) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts, err := server.NewTestServer(config.DefaultConfig().Server, logger)
	require.NoError(t, err)
	t.Cleanup(ts.Close)

	opts := Options{
		ServerURL: ts.URL(),
		Token: func(context.Context) (string, error) {
			return ts.GenerateToken(owner, "sim-device", time.Hour)
		},
		HTTPClient: ts.HTTPServer.Client(),
		OwnerID:    owner,
		Logger:     logger,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	sim, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sim.Close() })
	return sim, ts
}

func TestSimulatorOfflineThenOnline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sim, _ := newSimulator(t, "sim-owner")

	report, err := sim.Run(ctx, Scenario{Customers: 2, TransactionsPerCustomer: 3, RenameOffline: true})
	require.NoError(t, err)

	// 2 creates + 6 transactions + 2 renames
	require.Equal(t, overledger.ConnectionOffline, report.Offline.ConnectionStatus)
	require.Equal(t, overledger.QueuePending, report.Offline.QueueStatus)
	require.Equal(t, 10, report.Offline.PendingCount)
	require.Equal(t, overledger.DrainResult{Success: 10, Total: 10}, report.Drain)

	require.Equal(t, overledger.ConnectionOnline, report.Final.ConnectionStatus)
	require.Equal(t, overledger.QueueIdle, report.Final.QueueStatus)
	require.Zero(t, report.Final.PendingCount)
	require.False(t, report.Final.LastSyncedAt.IsZero())

	require.Len(t, report.Customers, 2)
	want := ExpectedBalance(3)
	for _, c := range report.Customers {
		require.False(t, ledger.IsTempID(c.ID))
		require.Contains(t, c.Name, "(renamed)")
		require.Equal(t, 3, c.Transactions)
		require.True(t, c.Balance.Equal(want), "balance %s, want %s", c.Balance, want)
	}
}

func TestSimulatorEmptyScenario(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sim, _ := newSimulator(t, "sim-empty")

	report, err := sim.Run(ctx, Scenario{})
	require.NoError(t, err)
	require.Zero(t, report.Drain.Total)
	require.Empty(t, report.Customers)
	require.Equal(t, overledger.QueueIdle, report.Final.QueueStatus)
}

func TestSimulatorRecordsMetrics(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reg := prometheus.NewRegistry()
	sim, _ := newSimulator(t, "sim-metrics", func(o *Options) {
		o.Metrics = reg
		o.Sync = overledger.DefaultConfig()
		o.Sync.PruneCompleted = false
	})

	report, err := sim.Run(ctx, Scenario{Customers: 1, TransactionsPerCustomer: 2})
	require.NoError(t, err)
	require.Equal(t, overledger.DrainResult{Success: 3, Total: 3}, report.Drain)

	require.Equal(t, float64(3), report.Metrics["ledgersim_stage_items_total{op=drain,stage=total}"])
	require.Equal(t, float64(3), report.Metrics["ledgersim_stage_items_total{op=drain,stage=commit}"])
	require.Zero(t, report.Metrics["ledgersim_sync_queue_items{status=pending}"])
	require.Equal(t, float64(3), report.Metrics["ledgersim_sync_queue_items{status=completed}"])
}

func TestSimulatorFailsWhenServerUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sim, ts := newSimulator(t, "sim-down", func(o *Options) { o.ProbeTimeout = time.Second })
	ts.Close()

	_, err := sim.Run(ctx, Scenario{Customers: 1})
	require.ErrorContains(t, err, "unreachable")
	require.Equal(t, overledger.ConnectionOffline, sim.Observer().Status().ConnectionStatus)
	require.Equal(t, 1, sim.Observer().Status().PendingCount)
}

func TestExpectedBalance(t *testing.T) {
	require.True(t, ExpectedBalance(0).IsZero())
	require.True(t, ExpectedBalance(3).Equal(decimal.NewFromInt(20)))
	require.True(t, ExpectedBalance(4).Equal(decimal.NewFromInt(-20)))
}

func TestNewRequiresOwner(t *testing.T) {
	_, err := New(context.Background(), Options{ServerURL: "http://localhost"})
	require.Error(t, err)
}
