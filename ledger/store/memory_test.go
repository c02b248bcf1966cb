package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/ledger/ledgertest"
	"github.com/warp/stock-ledger/ledger/store"
)

func TestMemoryStore(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store { return store.NewMemory() })
}

func TestMemory_ReadsDoNotWaitForOpenTransaction(t *testing.T) {
	// GIVEN: A committed quantity of 5
	// WHEN: A transaction has written 9 but not yet committed
	// THEN: Readers see 5 immediately, and 9 only after commit

	ctx := context.Background()
	m := store.NewMemory()
	loc := seedLocation(t, m)
	require.NoError(t, m.WithTx(ctx, func(tx ledger.Tx) error {
		e, err := tx.LockEntry(ctx, 1, loc)
		require.NoError(t, err)
		e.Quantity = ledger.NewQuantity(5)
		return tx.SaveEntry(ctx, e)
	}))

	written := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- m.WithTx(ctx, func(tx ledger.Tx) error {
			e, err := tx.LockEntry(ctx, 1, loc)
			if err != nil {
				return err
			}
			e.Quantity = ledger.NewQuantity(9)
			if err := tx.SaveEntry(ctx, e); err != nil {
				return err
			}
			inside, _ := tx.Quantity(ctx, 1, loc)
			assert.True(t, inside.Equal(ledger.NewQuantity(9)), "tx sees its own write")
			close(written)
			<-release
			return nil
		})
	}()

	<-written
	q, err := m.Quantity(ctx, 1, loc)
	require.NoError(t, err)
	assert.True(t, q.Equal(ledger.NewQuantity(5)), "uncommitted write must not be visible, got %s", q)

	close(release)
	require.NoError(t, <-done)
	q, err = m.Quantity(ctx, 1, loc)
	require.NoError(t, err)
	assert.True(t, q.Equal(ledger.NewQuantity(9)))
}

func TestMemory_RollbackDiscardsEverything(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	loc := seedLocation(t, m)

	err := m.WithTx(ctx, func(tx ledger.Tx) error {
		e, _ := tx.LockEntry(ctx, 1, loc)
		e.Quantity = ledger.NewQuantity(3)
		require.NoError(t, tx.SaveEntry(ctx, e))
		_, err := tx.AppendMovement(ctx, ledger.Movement{
			ProductID: 1, Type: ledger.StockIn, LocationID: loc,
			QuantityChange: ledger.NewQuantity(3), QuantityAfter: ledger.NewQuantity(3),
			CreatedAt: time.Now(),
		})
		require.NoError(t, err)
		return ledgertest.ErrInjected
	})
	require.ErrorIs(t, err, ledgertest.ErrInjected)

	q, _ := m.Quantity(ctx, 1, loc)
	assert.True(t, q.IsZero())
	ms, err := m.Movements(ctx, ledger.MovementFilter{})
	require.NoError(t, err)
	assert.Empty(t, ms)
}

func TestMemory_SecondCompensationRejected(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	loc := seedLocation(t, m)
	ref := ledger.MovementID(1)

	err := m.WithTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.AppendMovement(ctx, ledger.Movement{ProductID: 1, Type: ledger.StockIn, LocationID: loc})
		require.NoError(t, err)
		_, err = tx.AppendMovement(ctx, ledger.Movement{ProductID: 1, Type: ledger.Reversal, LocationID: loc, ReferenceID: &ref})
		require.NoError(t, err)
		_, err = tx.AppendMovement(ctx, ledger.Movement{ProductID: 1, Type: ledger.Reversal, LocationID: loc, ReferenceID: &ref})
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrAlreadyReversed)
}

func TestMemory_ReturnedMovementsAreCopies(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	loc := seedLocation(t, m)
	src := loc
	require.NoError(t, m.WithTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.AppendMovement(ctx, ledger.Movement{ProductID: 1, Type: ledger.TransferOut, LocationID: loc, SourceLocationID: &src})
		return err
	}))

	got, err := m.Movement(ctx, 1)
	require.NoError(t, err)
	*got.SourceLocationID = 999

	again, err := m.Movement(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, loc, *again.SourceLocationID)
}

func seedLocation(t *testing.T, m *store.Memory) ledger.LocationID {
	t.Helper()
	var id ledger.LocationID
	require.NoError(t, m.WithTx(context.Background(), func(tx ledger.Tx) error {
		var err error
		id, err = tx.CreateLocation(context.Background(), ledger.Location{
			Name: "Main", Type: ledger.LocationWarehouse, Status: ledger.StatusActive,
		})
		return err
	}))
	return id
}

func TestMemory_SnapshotHoldsBackCommits(t *testing.T) {
	// GIVEN: A snapshot that has read the entries
	// WHEN: A transaction tries to commit before the snapshot ends
	// THEN: The snapshot's later reads still match its first ones, and the
	// commit lands once the snapshot returns

	ctx := context.Background()
	m := store.NewMemory()
	loc := seedLocation(t, m)
	engine := ledger.NewEngine(m)
	_, err := engine.RecordMovement(ctx, ledger.MovementRequest{
		ProductID: 1, LocationID: loc, Type: ledger.StockIn, Quantity: ledger.NewQuantity(5),
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	require.NoError(t, m.Snapshot(ctx, func(r ledger.Reader) error {
		entries, err := r.Entries(ctx, ledger.EntryFilter{})
		require.NoError(t, err)
		require.Len(t, entries, 1)

		go func() {
			_, err := engine.RecordMovement(ctx, ledger.MovementRequest{
				ProductID: 1, LocationID: loc, Type: ledger.StockIn, Quantity: ledger.NewQuantity(2),
			})
			done <- err
		}()
		select {
		case err := <-done:
			t.Fatalf("commit finished inside the snapshot: %v", err)
		case <-time.After(50 * time.Millisecond):
		}

		totals, err := r.MovementTotals(ctx, nil)
		require.NoError(t, err)
		assert.True(t, totals[entries[0].Key()].Equal(entries[0].Quantity))
		return nil
	}))

	require.NoError(t, <-done)
	q, err := m.Quantity(ctx, 1, loc)
	require.NoError(t, err)
	assert.True(t, q.Equal(ledger.NewQuantity(7)))
}
