package postgres_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/ledger/ledgertest"
	"github.com/warp/stock-ledger/store/postgres"
)

// newStore gives every test its own schema so ids start from 1.
func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LEDGER_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	admin, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(dsn))
	require.NoError(t, err)
	t.Cleanup(admin.Close)

	schemaName := "ledger_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schemaName)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schemaName+" CASCADE")
	})

	cfg := postgres.DefaultPoolConfig(dsn)
	cfg.SearchPath = schemaName
	cfg.MaxConns = 60 // room for the concurrent subtests
	st, err := postgres.Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPostgresStore(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store { return newStore(t) })
}

func TestPostgres_MovementsAreAppendOnly(t *testing.T) {
	st := newStore(t)
	f := ledgertest.NewFixture(t, st)
	m := f.StockIn(ledgertest.P1, f.Warehouse.ID, 5)

	_, err := st.Pool().Exec(f.Ctx, "UPDATE stock_movements SET note = 'edited' WHERE id = $1", int64(m.ID))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = st.Pool().Exec(f.Ctx, "DELETE FROM stock_movements WHERE id = $1", int64(m.ID))
	require.Error(t, err)
}

func TestPostgres_ReconcileDetectsDrift(t *testing.T) {
	st := newStore(t)
	f := ledgertest.NewFixture(t, st)
	f.StockIn(ledgertest.P1, f.Warehouse.ID, 5)

	_, err := st.Pool().Exec(f.Ctx,
		"UPDATE ledger_entries SET quantity = 2 WHERE product_id = $1 AND location_id = $2",
		int64(ledgertest.P1), int64(f.Warehouse.ID))
	require.NoError(t, err)

	report, err := f.Engine.Reconcile(f.Ctx, nil)
	require.NoError(t, err)
	require.Len(t, report.Drift, 1)
	assert.True(t, report.Drift[0].Difference().Equal(ledger.NewQuantity(-3)))
}

func TestPostgres_FractionalQuantitiesKeepPrecision(t *testing.T) {
	st := newStore(t)
	f := ledgertest.NewFixture(t, st)

	qty, err := ledger.ParseQuantity("2.125")
	require.NoError(t, err)
	_, err = f.Engine.RecordMovement(f.Ctx, ledger.MovementRequest{
		ProductID: ledgertest.P1, LocationID: f.Warehouse.ID, Type: ledger.StockIn, Quantity: qty,
	})
	require.NoError(t, err)

	got, err := st.Quantity(f.Ctx, ledgertest.P1, f.Warehouse.ID)
	require.NoError(t, err)
	assert.True(t, got.Equal(qty), "got %s", got)
}

func TestPostgres_AuditLog(t *testing.T) {
	st := newStore(t)
	sink := st.AuditLog()
	ctx := ledger.WithActor(context.Background(), "ops@warp")
	engine := ledger.NewEngine(st, ledger.WithAuditSink(sink))

	_, err := engine.CreateLocation(ctx, ledger.NewLocation{Name: "Depot", Type: ledger.LocationWarehouse})
	require.NoError(t, err)

	events, err := sink.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ledger.AuditLocationCreated, events[0].Action)
	assert.Equal(t, "ops@warp", events[0].Actor)
	_, err = uuid.Parse(events[0].ID)
	assert.NoError(t, err)
}
