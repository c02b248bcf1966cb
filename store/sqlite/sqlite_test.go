package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/ledger/ledgertest"
	"github.com/warp/stock-ledger/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSQLiteStore(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store { return newStore(t) })
}

func TestSQLite_InMemoryDatabase(t *testing.T) {
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer st.Close()

	f := ledgertest.NewFixture(t, st)
	f.StockIn(ledgertest.P1, f.Warehouse.ID, 7)
	f.Transfer(ledgertest.P1, f.Warehouse.ID, f.Car.ID, 3)
	f.RequireQty(ledgertest.P1, f.Warehouse.ID, 4)
	f.RequireQty(ledgertest.P1, f.Car.ID, 3)
}

func TestSQLite_MovementsAreAppendOnly(t *testing.T) {
	// GIVEN: A recorded movement
	// WHEN: Someone bypasses the engine and edits the table directly
	// THEN: The triggers refuse both UPDATE and DELETE

	st := newStore(t)
	f := ledgertest.NewFixture(t, st)
	m := f.StockIn(ledgertest.P1, f.Warehouse.ID, 5)

	_, err := st.DB().Exec("UPDATE stock_movements SET quantity_change = '50' WHERE id = ?", m.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = st.DB().Exec("DELETE FROM stock_movements WHERE id = ?", m.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	got := f.Movement(m.ID)
	assert.True(t, got.QuantityChange.Equal(ledger.NewQuantity(5)))
}

func TestSQLite_LocationTypeIsImmutableInSchema(t *testing.T) {
	st := newStore(t)
	f := ledgertest.NewFixture(t, st)

	_, err := st.DB().Exec("UPDATE locations SET type = 'CAR' WHERE id = ?", f.Warehouse.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")
}

func TestSQLite_NegativeQuantityRejectedBySchema(t *testing.T) {
	st := newStore(t)
	f := ledgertest.NewFixture(t, st)
	f.StockIn(ledgertest.P1, f.Warehouse.ID, 1)

	_, err := st.DB().Exec("UPDATE ledger_entries SET quantity = '-1' WHERE location_id = ?", f.Warehouse.ID)
	require.Error(t, err)
}

func TestSQLite_ReconcileDetectsDrift(t *testing.T) {
	// GIVEN: A consistent ledger of 5 units at the warehouse
	// WHEN: The entry is tampered with outside the engine
	// THEN: Reconcile reports the difference against the movement log

	st := newStore(t)
	f := ledgertest.NewFixture(t, st)
	f.StockIn(ledgertest.P1, f.Warehouse.ID, 5)

	report, err := f.Engine.Reconcile(f.Ctx, nil)
	require.NoError(t, err)
	require.True(t, report.Healthy())

	_, err = st.DB().Exec("UPDATE ledger_entries SET quantity = '8' WHERE product_id = ? AND location_id = ?",
		ledgertest.P1, f.Warehouse.ID)
	require.NoError(t, err)

	report, err = f.Engine.Reconcile(f.Ctx, nil)
	require.NoError(t, err)
	require.Len(t, report.Drift, 1)
	d := report.Drift[0]
	assert.Equal(t, f.Warehouse.ID, d.LocationID)
	assert.True(t, d.Ledger.Equal(ledger.NewQuantity(8)))
	assert.True(t, d.Replayed.Equal(ledger.NewQuantity(5)))
	assert.True(t, d.Difference().Equal(ledger.NewQuantity(3)))
}

func TestSQLite_DataSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	st, err := sqlite.New(path)
	require.NoError(t, err)
	f := ledgertest.NewFixture(t, st)
	out := f.StockIn(ledgertest.P1, f.Warehouse.ID, 12)
	require.NoError(t, st.Close())

	reopened, err := sqlite.New(path)
	require.NoError(t, err)
	defer reopened.Close()

	ctx := context.Background()
	q, err := reopened.Quantity(ctx, ledgertest.P1, f.Warehouse.ID)
	require.NoError(t, err)
	assert.True(t, q.Equal(ledger.NewQuantity(12)))

	m, err := reopened.Movement(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StockIn, m.Type)
	assert.True(t, m.CreatedAt.Equal(out.CreatedAt), "created_at round-trips with full precision")
}

func TestSQLite_AuditLog(t *testing.T) {
	st := newStore(t)
	sink := st.AuditLog()
	ctx := ledger.WithActor(context.Background(), "ops@warp")
	engine := ledger.NewEngine(st, ledger.WithAuditSink(sink))

	loc, err := engine.CreateLocation(ctx, ledger.NewLocation{Name: "Depot", Type: ledger.LocationWarehouse})
	require.NoError(t, err)
	_, err = engine.RecordMovement(ctx, ledger.MovementRequest{
		ProductID: 3, LocationID: loc.ID, Type: ledger.StockIn, Quantity: ledger.NewQuantity(2),
	})
	require.NoError(t, err)

	events, err := sink.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, ledger.AuditMovementRecorded, events[0].Action)
	assert.Equal(t, ledger.AuditLocationCreated, events[1].Action)
	assert.Equal(t, "ops@warp", events[0].Actor)
	assert.Equal(t, "2", events[0].Details["quantity_change"])
	assert.WithinDuration(t, time.Now(), events[0].Timestamp, time.Minute)
}

func TestSQLite_ReadsDuringOpenWriter(t *testing.T) {
	// GIVEN: A writer transaction held open on a file database and on :memory:
	// WHEN: A plain read runs while it is open
	// THEN: The file database answers at once; :memory: waits for the writer

	readWhileWriting := func(t *testing.T, st *sqlite.Store) (readBeforeCommit bool) {
		ctx := context.Background()
		inTx := make(chan struct{})
		release := make(chan struct{})
		txDone := make(chan error, 1)
		go func() {
			txDone <- st.WithTx(ctx, func(ledger.Tx) error {
				close(inTx)
				<-release
				return nil
			})
		}()
		<-inTx

		readDone := make(chan error, 1)
		go func() {
			_, err := st.Entries(ctx, ledger.EntryFilter{})
			readDone <- err
		}()
		select {
		case err := <-readDone:
			require.NoError(t, err)
			readBeforeCommit = true
		case <-time.After(200 * time.Millisecond):
		}
		close(release)
		require.NoError(t, <-txDone)
		if !readBeforeCommit {
			require.NoError(t, <-readDone)
		}
		return readBeforeCommit
	}

	t.Run("file", func(t *testing.T) {
		assert.True(t, readWhileWriting(t, newStore(t)))
	})
	t.Run("memory", func(t *testing.T) {
		st, err := sqlite.New(":memory:")
		require.NoError(t, err)
		defer st.Close()
		assert.False(t, readWhileWriting(t, st), ":memory: has a single connection")
	})
}
