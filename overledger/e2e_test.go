package overledger

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mobiletoly/go-overledger/ledger"
	"github.com/mobiletoly/go-overledger/oversqlite"
	"github.com/mobiletoly/go-overledger/oversync"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestOfflineLedgerAgainstServer(t *testing.T) {
	ctx := context.Background()

	jwtAuth := oversync.NewJWTAuth("e2e-secret")
	svc := oversync.NewLedgerService(oversync.NewMemoryStore(), nil, nil)
	server := httptest.NewServer(oversync.NewHTTPHandlers(svc, nil).Router(jwtAuth.Middleware, nil))
	defer server.Close()

	remote := oversqlite.NewRemoteClient(server.URL, func(context.Context) (string, error) {
		return jwtAuth.GenerateToken(testOwner, "phone", time.Hour)
	}, server.Client(), nil)

	store, err := oversqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer store.Close()

	conn := NewManualConnectivity(false)
	cache := NewCache()
	cfg := DefaultConfig()
	engine := NewEngine(store, remote, conn, ledger.StaticPrincipal(testOwner), cache, cfg, nil)
	driver := NewDriver(store, remote, cache, nil, cfg, nil)

	c, err := engine.CreateCustomer(ctx, ledger.Customer{Name: "Jane"})
	require.NoError(t, err)
	_, err = engine.CreateTransaction(ctx, ledger.Transaction{CustomerID: c.ID, Type: ledger.TxCredit, Amount: decimal.NewFromInt(40)})
	require.NoError(t, err)
	_, err = engine.CreateTransaction(ctx, ledger.Transaction{CustomerID: c.ID, Type: ledger.TxDebit, Amount: decimal.NewFromInt(15)})
	require.NoError(t, err)
	name := "Jane D."
	_, err = engine.UpdateCustomer(ctx, c.ID, ledger.CustomerPatch{Name: &name})
	require.NoError(t, err)

	conn.SetOnline(true)
	res, ran := driver.Drain(ctx)
	require.True(t, ran)
	require.Equal(t, DrainResult{Success: 4, Total: 4}, res)

	n, err := store.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, engine.Load(ctx))
	customers := engine.Customers()
	require.Len(t, customers, 1)
	require.False(t, ledger.IsTempID(customers[0].ID))
	require.Equal(t, "Jane D.", customers[0].Name)
	require.True(t, customers[0].Balance.Equal(decimal.NewFromInt(25)), "server balance is %s", customers[0].Balance)
	require.Len(t, engine.Transactions(customers[0].ID), 2)

	// Straight to the server while online
	_, err = engine.CreateTransaction(ctx, ledger.Transaction{CustomerID: customers[0].ID, Type: ledger.TxCredit, Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)
	n, err = store.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	cached, _ := engine.Customer(customers[0].ID)
	require.True(t, cached.Balance.Equal(decimal.NewFromInt(30)))
}
