/*
Package ledgertest holds the behavior every ledger.Store must exhibit.

PURPOSE:
  Store implementations run the same suite from their own tests:

    func TestMemoryStore(t *testing.T) {
        ledgertest.Run(t, func(t *testing.T) ledger.Store { return store.NewMemory() })
    }

  The suite drives the store through a ledger.Engine, so a store passes only
  if the engine's guarantees hold on top of it: non-negative entries,
  atomic transfers, at-most-one reversal and a log that replays into the
  ledger.

SEE ALSO:
  - faults.go: Store wrappers used for atomicity and retry tests
*/
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/ledger"
)

// Factory returns a fresh, empty store for one test.
type Factory func(t *testing.T) ledger.Store

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, f *Fixture)
	}{
		{"StockInThenTransfer", testStockInThenTransfer},
		{"GetQuantityWithoutEntry", testGetQuantityWithoutEntry},
		{"ConcurrentStockOut", testConcurrentStockOut},
		{"ReverseTransferOutLeg", testReverseTransferOutLeg},
		{"TransferRoundTrip", testTransferRoundTrip},
		{"ReverseSingleLocationOnce", testReverseSingleLocationOnce},
		{"ReverseTransferThroughInLeg", testReverseTransferThroughInLeg},
		{"ReverseReversal", testReverseReversal},
		{"ReverseCompensatingTransfer", testReverseCompensatingTransfer},
		{"ReverseAdjustmentUsesStoredChange", testReverseAdjustmentUsesStoredChange},
		{"ReversalBlockedByInsufficientStock", testReversalBlockedByInsufficientStock},
		{"ConcurrentReversals", testConcurrentReversals},
		{"TransferRollsBackOnTargetFailure", testTransferRollsBackOnTargetFailure},
		{"MovementRollsBackOnFailure", testMovementRollsBackOnFailure},
		{"ValidationErrors", testValidationErrors},
		{"InsufficientStockTransfer", testInsufficientStockTransfer},
		{"LocationChecks", testLocationChecks},
		{"ConservationUnderRandomOperations", testConservationUnderRandomOperations},
		{"ReconcileDuringWrites", testReconcileDuringWrites},
		{"QueryFilters", testQueryFilters},
		{"TransferHistory", testTransferHistory},
		{"LocationDirectory", testLocationDirectory},
		{"ReadViews", testReadViews},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, NewFixture(t, newStore(t)))
		})
	}
}

// =============================================================================
// FIXTURE
// =============================================================================

// StepClock returns Start, Start+Step, Start+2*Step, ... on each call.
type StepClock struct {
	mu    sync.Mutex
	Start time.Time
	Step  time.Duration
	n     int64
}

func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.Start.Add(time.Duration(c.n) * c.Step)
}

// Fixture is an engine over a store with three active locations.
type Fixture struct {
	T      *testing.T
	Ctx    context.Context
	Store  ledger.Store
	Engine *ledger.Engine
	Clock  *StepClock

	Warehouse ledger.Location
	Car       ledger.Location
	Vending   ledger.Location
}

const (
	P1 ledger.ProductID = 1
	P2 ledger.ProductID = 2
)

func NewFixture(t *testing.T, s ledger.Store) *Fixture {
	t.Helper()
	clock := &StepClock{Start: time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC), Step: time.Second}
	f := &Fixture{
		T:     t,
		Ctx:   context.Background(),
		Store: s,
		Clock: clock,
	}
	f.Engine = f.NewEngine(s)
	f.Warehouse = f.CreateLocation("Main Warehouse", ledger.LocationWarehouse)
	f.Car = f.CreateLocation("Van 1", ledger.LocationCar)
	f.Vending = f.CreateLocation("Lobby Machine", ledger.LocationVending)
	return f
}

// NewEngine builds an engine over s sharing the fixture clock.
func (f *Fixture) NewEngine(s ledger.Store, opts ...ledger.Option) *ledger.Engine {
	base := []ledger.Option{
		ledger.WithClock(f.Clock.Now),
		ledger.WithRetry(20, time.Millisecond),
	}
	return ledger.NewEngine(s, append(base, opts...)...)
}

func (f *Fixture) CreateLocation(name string, typ ledger.LocationType) ledger.Location {
	f.T.Helper()
	loc, err := f.Engine.CreateLocation(f.Ctx, ledger.NewLocation{Name: name, Type: typ})
	require.NoError(f.T, err)
	return loc
}

func (f *Fixture) Record(p ledger.ProductID, loc ledger.LocationID, typ ledger.MovementType, n int64) ledger.Movement {
	f.T.Helper()
	m, err := f.Engine.RecordMovement(f.Ctx, ledger.MovementRequest{
		ProductID: p, LocationID: loc, Type: typ, Quantity: ledger.NewQuantity(n),
	})
	require.NoError(f.T, err)
	return m
}

func (f *Fixture) StockIn(p ledger.ProductID, loc ledger.LocationID, n int64) ledger.Movement {
	f.T.Helper()
	return f.Record(p, loc, ledger.StockIn, n)
}

func (f *Fixture) Transfer(p ledger.ProductID, src, dst ledger.LocationID, n int64) ledger.TransferResult {
	f.T.Helper()
	res, err := f.Engine.ExecuteTransfer(f.Ctx, ledger.TransferRequest{
		ProductID: p, Source: src, Target: dst, Quantity: ledger.NewQuantity(n),
	})
	require.NoError(f.T, err)
	return res
}

func (f *Fixture) Reverse(id ledger.MovementID) ledger.ReversalResult {
	f.T.Helper()
	res, err := f.Engine.CreateReversal(f.Ctx, id, "")
	require.NoError(f.T, err)
	return res
}

func (f *Fixture) Movement(id ledger.MovementID) ledger.Movement {
	f.T.Helper()
	m, err := f.Store.Movement(f.Ctx, id)
	require.NoError(f.T, err)
	return m
}

// Movements returns every movement of p, newest first.
func (f *Fixture) Movements(p ledger.ProductID) []ledger.Movement {
	f.T.Helper()
	ms, err := f.Engine.QueryMovements(f.Ctx, ledger.MovementFilter{ProductID: &p, Limit: ledger.MaxPageSize})
	require.NoError(f.T, err)
	return ms
}

// RequireQty asserts the current quantity of p at loc.
func (f *Fixture) RequireQty(p ledger.ProductID, loc ledger.LocationID, want int64) {
	f.T.Helper()
	got, err := f.Engine.GetQuantity(f.Ctx, p, loc)
	require.NoError(f.T, err)
	RequireEqualQty(f.T, want, got, fmt.Sprintf("product %d at location %d", p, loc))
}

// RequireConsistent asserts that no entry is negative, the log replays into
// the ledger, and per product the total over locations equals the total of
// logged changes.
func (f *Fixture) RequireConsistent() {
	f.T.Helper()
	entries, err := f.Store.Entries(f.Ctx, ledger.EntryFilter{})
	require.NoError(f.T, err)

	ledgerTotals := make(map[ledger.ProductID]ledger.Quantity)
	for _, e := range entries {
		require.Falsef(f.T, e.Quantity.IsNegative(), "negative entry %+v", e)
		ledgerTotals[e.ProductID] = ledgerTotals[e.ProductID].Add(e.Quantity)
	}

	report, err := f.Engine.Reconcile(f.Ctx, nil)
	require.NoError(f.T, err)
	require.Emptyf(f.T, report.Drift, "drift: %+v", report.Drift)
	for p, logged := range report.ProductTotals {
		require.Truef(f.T, logged.Equal(ledgerTotals[p]),
			"product %d: ledger %s, log %s", p, ledgerTotals[p], logged)
	}
}

func RequireEqualQty(t *testing.T, want int64, got ledger.Quantity, label string) {
	t.Helper()
	require.Truef(t, got.Equal(ledger.NewQuantity(want)), "%s: want %d, got %s", label, want, got)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func testStockInThenTransfer(t *testing.T, f *Fixture) {
	// GIVEN: An empty ledger
	// WHEN: 100 units arrive at the warehouse and 30 move to the car
	// THEN: Warehouse holds 70, car 30, and the IN leg references the OUT leg

	in := f.StockIn(P1, f.Warehouse.ID, 100)
	f.RequireQty(P1, f.Warehouse.ID, 100)
	RequireEqualQty(t, 0, in.QuantityBefore, "before")
	RequireEqualQty(t, 100, in.QuantityAfter, "after")
	RequireEqualQty(t, 100, in.QuantityChange, "change")
	assert.Equal(t, f.Warehouse.ID, in.LocationID)
	assert.Nil(t, in.SourceLocationID)
	assert.Nil(t, in.TargetLocationID)
	assert.Nil(t, in.ReferenceID)

	res := f.Transfer(P1, f.Warehouse.ID, f.Car.ID, 30)
	f.RequireQty(P1, f.Warehouse.ID, 70)
	f.RequireQty(P1, f.Car.ID, 30)
	RequireEqualQty(t, 70, res.SourceQuantity(), "source quantity")
	RequireEqualQty(t, 30, res.TargetQuantity(), "target quantity")

	out := f.Movement(res.Out.ID)
	assert.Equal(t, ledger.TransferOut, out.Type)
	assert.Equal(t, f.Warehouse.ID, out.LocationID)
	require.NotNil(t, out.SourceLocationID)
	require.NotNil(t, out.TargetLocationID)
	assert.Equal(t, f.Warehouse.ID, *out.SourceLocationID)
	assert.Equal(t, f.Car.ID, *out.TargetLocationID)
	assert.Nil(t, out.ReferenceID)
	RequireEqualQty(t, -30, out.QuantityChange, "out change")
	RequireEqualQty(t, 100, out.QuantityBefore, "out before")

	inLeg := f.Movement(res.In.ID)
	assert.Equal(t, ledger.TransferIn, inLeg.Type)
	assert.Equal(t, f.Car.ID, inLeg.LocationID)
	require.NotNil(t, inLeg.ReferenceID)
	assert.Equal(t, res.Out.ID, *inLeg.ReferenceID)
	RequireEqualQty(t, 30, inLeg.QuantityChange, "in change")
	assert.Greater(t, inLeg.ID, out.ID, "ids are assigned in order")

	f.RequireConsistent()
}

func testGetQuantityWithoutEntry(t *testing.T, f *Fixture) {
	q, err := f.Engine.GetQuantity(f.Ctx, 999, f.Warehouse.ID)
	require.NoError(t, err)
	RequireEqualQty(t, 0, q, "untouched pair")

	q, err = f.Engine.GetQuantity(f.Ctx, P1, 424242)
	require.NoError(t, err)
	RequireEqualQty(t, 0, q, "unknown location")
}

func testConcurrentStockOut(t *testing.T, f *Fixture) {
	// GIVEN: 20 units of P1 at the car
	// WHEN: 50 goroutines each take one unit out
	// THEN: Exactly 20 succeed, 30 fail with InsufficientStock, and the
	//       quantity never goes negative

	f.StockIn(P1, f.Car.ID, 20)

	var (
		wg           sync.WaitGroup
		succeeded    atomic.Int32
		insufficient atomic.Int32
		sawNegative  atomic.Bool
		done         = make(chan struct{})
		unexpected   = make(chan error, 50)
	)

	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			q, err := f.Engine.GetQuantity(f.Ctx, P1, f.Car.ID)
			if err == nil && q.IsNegative() {
				sawNegative.Store(true)
			}
		}
	}()

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Engine.RecordMovement(f.Ctx, ledger.MovementRequest{
				ProductID: P1, LocationID: f.Car.ID, Type: ledger.StockOut, Quantity: ledger.NewQuantity(1),
			})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ledger.ErrInsufficientStock):
				insufficient.Add(1)
			default:
				unexpected <- err
			}
		}()
	}
	wg.Wait()
	close(done)
	close(unexpected)

	for err := range unexpected {
		t.Errorf("unexpected error: %v", err)
	}
	assert.Equal(t, int32(20), succeeded.Load())
	assert.Equal(t, int32(30), insufficient.Load())
	assert.False(t, sawNegative.Load(), "quantity observed below zero")
	f.RequireQty(P1, f.Car.ID, 0)

	for _, m := range f.Movements(P1) {
		assert.Falsef(t, m.QuantityAfter.IsNegative(), "movement %d after %s", m.ID, m.QuantityAfter)
	}
	f.RequireConsistent()
}

func testReverseTransferOutLeg(t *testing.T, f *Fixture) {
	// GIVEN: A committed transfer of 20 from warehouse to car
	// WHEN: Reversing its TRANSFER_OUT leg
	// THEN: A new pair moves 20 from car to warehouse; the original pair is untouched

	f.StockIn(P1, f.Warehouse.ID, 50)
	orig := f.Transfer(P1, f.Warehouse.ID, f.Car.ID, 20)
	origOut := f.Movement(orig.Out.ID)
	origIn := f.Movement(orig.In.ID)

	res := f.Reverse(orig.Out.ID)
	require.Len(t, res.Movements, 2)
	out, in := res.Movements[0], res.Movements[1]

	assert.Equal(t, ledger.TransferOut, out.Type)
	assert.Equal(t, f.Car.ID, out.LocationID)
	assert.Equal(t, f.Car.ID, *out.SourceLocationID)
	assert.Equal(t, f.Warehouse.ID, *out.TargetLocationID)
	RequireEqualQty(t, -20, out.QuantityChange, "compensating out change")
	require.NotNil(t, out.ReferenceID)
	assert.Equal(t, orig.Out.ID, *out.ReferenceID)

	assert.Equal(t, ledger.TransferIn, in.Type)
	assert.Equal(t, f.Warehouse.ID, in.LocationID)
	assert.Equal(t, f.Car.ID, *in.SourceLocationID)
	assert.Equal(t, f.Warehouse.ID, *in.TargetLocationID)
	RequireEqualQty(t, 20, in.QuantityChange, "compensating in change")
	require.NotNil(t, in.ReferenceID)
	assert.Equal(t, out.ID, *in.ReferenceID)

	assert.Equal(t, origOut, f.Movement(orig.Out.ID), "original OUT leg changed")
	assert.Equal(t, origIn, f.Movement(orig.In.ID), "original IN leg changed")

	found, err := f.Engine.FindReversalOf(f.Ctx, orig.Out.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, out.ID, found.ID)
	f.RequireConsistent()
}

func testTransferRoundTrip(t *testing.T, f *Fixture) {
	f.StockIn(P1, f.Warehouse.ID, 50)
	f.StockIn(P1, f.Car.ID, 5)
	before := len(f.Movements(P1))

	res := f.Transfer(P1, f.Warehouse.ID, f.Car.ID, 10)
	f.Reverse(res.Out.ID)

	f.RequireQty(P1, f.Warehouse.ID, 50)
	f.RequireQty(P1, f.Car.ID, 5)
	assert.Len(t, f.Movements(P1), before+4)
	f.RequireConsistent()
}

func testReverseSingleLocationOnce(t *testing.T, f *Fixture) {
	// GIVEN: 10 in, 4 out at the warehouse
	// WHEN: Reversing the STOCK_OUT twice
	// THEN: First succeeds with +4, second is AlreadyReversed with no effect

	f.StockIn(P1, f.Warehouse.ID, 10)
	out := f.Record(P1, f.Warehouse.ID, ledger.StockOut, 4)

	res := f.Reverse(out.ID)
	require.Len(t, res.Movements, 1)
	rev := res.Movements[0]
	assert.Equal(t, ledger.Reversal, rev.Type)
	assert.Equal(t, f.Warehouse.ID, rev.LocationID)
	RequireEqualQty(t, 4, rev.QuantityChange, "reversal change")
	require.NotNil(t, rev.ReferenceID)
	assert.Equal(t, out.ID, *rev.ReferenceID)
	assert.Equal(t, out.ID, res.Original.ID)
	f.RequireQty(P1, f.Warehouse.ID, 10)

	count := len(f.Movements(P1))
	_, err := f.Engine.CreateReversal(f.Ctx, out.ID, "again")
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrAlreadyReversed)
	assert.ErrorIs(t, err, ledger.ErrConflict)
	var are *ledger.AlreadyReversedError
	require.ErrorAs(t, err, &are)
	assert.Equal(t, out.ID, are.MovementID)
	assert.Equal(t, rev.ID, are.ReversalID)

	f.RequireQty(P1, f.Warehouse.ID, 10)
	assert.Len(t, f.Movements(P1), count)
	f.RequireConsistent()
}

func testReverseTransferThroughInLeg(t *testing.T, f *Fixture) {
	f.StockIn(P1, f.Warehouse.ID, 30)
	tr := f.Transfer(P1, f.Warehouse.ID, f.Vending.ID, 12)

	res := f.Reverse(tr.In.ID)
	require.Len(t, res.Movements, 2)
	assert.Equal(t, tr.In.ID, res.Original.ID)
	f.RequireQty(P1, f.Warehouse.ID, 30)
	f.RequireQty(P1, f.Vending.ID, 0)

	for _, id := range []ledger.MovementID{tr.Out.ID, tr.In.ID} {
		_, err := f.Engine.CreateReversal(f.Ctx, id, "")
		assert.ErrorIsf(t, err, ledger.ErrAlreadyReversed, "leg %d", id)
	}

	found, err := f.Engine.FindReversalOf(f.Ctx, tr.In.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, res.Movements[0].ID, found.ID)
	f.RequireConsistent()
}

func testReverseReversal(t *testing.T, f *Fixture) {
	in := f.StockIn(P1, f.Warehouse.ID, 10)
	first := f.Reverse(in.ID).Movements[0]
	f.RequireQty(P1, f.Warehouse.ID, 0)

	second := f.Reverse(first.ID).Movements[0]
	assert.Equal(t, ledger.Reversal, second.Type)
	RequireEqualQty(t, 10, second.QuantityChange, "reversal of reversal")
	assert.Equal(t, first.ID, *second.ReferenceID)
	f.RequireQty(P1, f.Warehouse.ID, 10)

	_, err := f.Engine.CreateReversal(f.Ctx, first.ID, "")
	assert.ErrorIs(t, err, ledger.ErrAlreadyReversed)
	_, err = f.Engine.CreateReversal(f.Ctx, in.ID, "")
	assert.ErrorIs(t, err, ledger.ErrAlreadyReversed)
	f.RequireConsistent()
}

func testReverseCompensatingTransfer(t *testing.T, f *Fixture) {
	f.StockIn(P1, f.Warehouse.ID, 50)
	tr := f.Transfer(P1, f.Warehouse.ID, f.Car.ID, 5)
	comp := f.Reverse(tr.Out.ID)
	f.RequireQty(P1, f.Car.ID, 0)

	again := f.Reverse(comp.Movements[1].ID)
	require.Len(t, again.Movements, 2)
	assert.Equal(t, f.Warehouse.ID, again.Movements[0].LocationID)
	assert.Equal(t, comp.Movements[0].ID, *again.Movements[0].ReferenceID)
	f.RequireQty(P1, f.Warehouse.ID, 45)
	f.RequireQty(P1, f.Car.ID, 5)

	_, err := f.Engine.CreateReversal(f.Ctx, comp.Movements[0].ID, "")
	assert.ErrorIs(t, err, ledger.ErrAlreadyReversed)
	f.RequireConsistent()
}

func testReverseAdjustmentUsesStoredChange(t *testing.T, f *Fixture) {
	// GIVEN: 10 counted down to 7 by ADJUSTMENT, then 5 more received
	// WHEN: Reversing the ADJUSTMENT
	// THEN: The stored -3 is compensated (+3 -> 15), not recomputed from the count

	f.StockIn(P1, f.Warehouse.ID, 10)
	adj, err := f.Engine.RecordMovement(f.Ctx, ledger.MovementRequest{
		ProductID: P1, LocationID: f.Warehouse.ID, Type: ledger.Adjustment,
		TargetQuantity: ledger.Ptr(ledger.NewQuantity(7)), Note: "cycle count",
	})
	require.NoError(t, err)
	RequireEqualQty(t, -3, adj.QuantityChange, "adjustment delta")
	RequireEqualQty(t, 10, adj.QuantityBefore, "adjustment before")
	RequireEqualQty(t, 7, adj.QuantityAfter, "adjustment after")

	f.StockIn(P1, f.Warehouse.ID, 5)
	rev := f.Reverse(adj.ID).Movements[0]
	RequireEqualQty(t, 3, rev.QuantityChange, "reversal change")
	f.RequireQty(P1, f.Warehouse.ID, 15)

	up, err := f.Engine.RecordMovement(f.Ctx, ledger.MovementRequest{
		ProductID: P1, LocationID: f.Warehouse.ID, Type: ledger.Adjustment,
		TargetQuantity: ledger.Ptr(ledger.NewQuantity(15)),
	})
	require.NoError(t, err)
	assert.True(t, up.QuantityChange.IsZero(), "count matching the ledger gives a zero delta")
	f.RequireConsistent()
}

func testReversalBlockedByInsufficientStock(t *testing.T, f *Fixture) {
	in := f.StockIn(P1, f.Warehouse.ID, 10)
	f.Record(P1, f.Warehouse.ID, ledger.Consumption, 8)

	_, err := f.Engine.CreateReversal(f.Ctx, in.ID, "")
	var ise *ledger.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	RequireEqualQty(t, 2, ise.Available, "available")
	RequireEqualQty(t, 10, ise.Requested, "requested")

	f.RequireQty(P1, f.Warehouse.ID, 2)
	found, err := f.Engine.FindReversalOf(f.Ctx, in.ID)
	require.NoError(t, err)
	assert.Nil(t, found, "failed reversal must leave no trace")
	f.RequireConsistent()
}

func testConcurrentReversals(t *testing.T, f *Fixture) {
	f.StockIn(P1, f.Warehouse.ID, 10)
	out := f.Record(P1, f.Warehouse.ID, ledger.StockOut, 1)

	const n = 10
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		errs      = make(chan error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Engine.CreateReversal(f.Ctx, out.ID, "")
			if err == nil {
				succeeded.Add(1)
				return
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	assert.Equal(t, int32(1), succeeded.Load())
	for err := range errs {
		assert.ErrorIs(t, err, ledger.ErrAlreadyReversed)
	}
	f.RequireQty(P1, f.Warehouse.ID, 10)
	f.RequireConsistent()
}

// =============================================================================
// ATOMICITY
// =============================================================================

func testTransferRollsBackOnTargetFailure(t *testing.T, f *Fixture) {
	// GIVEN: 50 at the warehouse and a store that fails the second entry write
	// WHEN: Transferring 20 to the car (source debit succeeds, target credit fails)
	// THEN: Neither side changed and no transfer leg was recorded

	f.StockIn(P1, f.Warehouse.ID, 50)
	before := len(f.Movements(P1))

	failing := &FailingStore{Store: f.Store, FailOn: 2}
	engine := f.NewEngine(failing)
	_, err := engine.ExecuteTransfer(f.Ctx, ledger.TransferRequest{
		ProductID: P1, Source: f.Warehouse.ID, Target: f.Car.ID, Quantity: ledger.NewQuantity(20),
	})
	require.ErrorIs(t, err, ErrInjected)

	f.RequireQty(P1, f.Warehouse.ID, 50)
	f.RequireQty(P1, f.Car.ID, 0)
	assert.Len(t, f.Movements(P1), before)
	f.RequireConsistent()

	f.Transfer(P1, f.Warehouse.ID, f.Car.ID, 20)
	f.RequireQty(P1, f.Warehouse.ID, 30)
	f.RequireQty(P1, f.Car.ID, 20)
}

func testMovementRollsBackOnFailure(t *testing.T, f *Fixture) {
	failing := &FailingStore{Store: f.Store, FailOn: 1}
	engine := f.NewEngine(failing)
	_, err := engine.RecordMovement(f.Ctx, ledger.MovementRequest{
		ProductID: P1, LocationID: f.Warehouse.ID, Type: ledger.StockIn, Quantity: ledger.NewQuantity(5),
	})
	require.ErrorIs(t, err, ErrInjected)

	f.RequireQty(P1, f.Warehouse.ID, 0)
	assert.Empty(t, f.Movements(P1))
	f.RequireConsistent()
}

// =============================================================================
// VALIDATION
// =============================================================================

func testValidationErrors(t *testing.T, f *Fixture) {
	f.StockIn(P1, f.Warehouse.ID, 10)
	before := len(f.Movements(P1))

	transfers := []struct {
		name string
		req  ledger.TransferRequest
		want error
	}{
		{"zero quantity", ledger.TransferRequest{ProductID: P1, Source: f.Warehouse.ID, Target: f.Car.ID, Quantity: ledger.NewQuantity(0)}, ledger.ErrInvalidQuantity},
		{"negative quantity", ledger.TransferRequest{ProductID: P1, Source: f.Warehouse.ID, Target: f.Car.ID, Quantity: ledger.NewQuantity(-3)}, ledger.ErrInvalidQuantity},
		{"same location", ledger.TransferRequest{ProductID: P1, Source: f.Warehouse.ID, Target: f.Warehouse.ID, Quantity: ledger.NewQuantity(1)}, ledger.ErrInvalidLocationPair},
	}
	for _, tc := range transfers {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.Engine.ExecuteTransfer(f.Ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, ledger.ErrValidation)
			assert.True(t, ledger.IsClientError(err))
		})
	}

	movements := []struct {
		name string
		req  ledger.MovementRequest
		want error
	}{
		{"transfer leg type", ledger.MovementRequest{ProductID: P1, LocationID: f.Warehouse.ID, Type: ledger.TransferIn, Quantity: ledger.NewQuantity(1)}, ledger.ErrInvalidMovementType},
		{"reversal type", ledger.MovementRequest{ProductID: P1, LocationID: f.Warehouse.ID, Type: ledger.Reversal, Quantity: ledger.NewQuantity(1)}, ledger.ErrInvalidMovementType},
		{"unknown type", ledger.MovementRequest{ProductID: P1, LocationID: f.Warehouse.ID, Type: "GIFT", Quantity: ledger.NewQuantity(1)}, ledger.ErrInvalidMovementType},
		{"zero stock out", ledger.MovementRequest{ProductID: P1, LocationID: f.Warehouse.ID, Type: ledger.StockOut, Quantity: ledger.NewQuantity(0)}, ledger.ErrInvalidQuantity},
		{"adjustment without count", ledger.MovementRequest{ProductID: P1, LocationID: f.Warehouse.ID, Type: ledger.Adjustment}, ledger.ErrInvalidQuantity},
		{"negative count", ledger.MovementRequest{ProductID: P1, LocationID: f.Warehouse.ID, Type: ledger.Adjustment, TargetQuantity: ledger.Ptr(ledger.NewQuantity(-1))}, ledger.ErrInvalidQuantity},
	}
	for _, tc := range movements {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.Engine.RecordMovement(f.Ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}

	_, err := f.Engine.CreateReversal(f.Ctx, 987654, "")
	assert.ErrorIs(t, err, ledger.ErrMovementNotFound)
	assert.True(t, ledger.IsNotFound(err))

	f.RequireQty(P1, f.Warehouse.ID, 10)
	assert.Len(t, f.Movements(P1), before)
}

func testInsufficientStockTransfer(t *testing.T, f *Fixture) {
	f.StockIn(P1, f.Warehouse.ID, 5)

	_, err := f.Engine.ExecuteTransfer(f.Ctx, ledger.TransferRequest{
		ProductID: P1, Source: f.Warehouse.ID, Target: f.Car.ID, Quantity: ledger.NewQuantity(10),
	})
	var ise *ledger.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, P1, ise.ProductID)
	assert.Equal(t, f.Warehouse.ID, ise.LocationID)
	RequireEqualQty(t, 5, ise.Available, "available")
	RequireEqualQty(t, 10, ise.Requested, "requested")

	f.RequireQty(P1, f.Warehouse.ID, 5)
	f.RequireQty(P1, f.Car.ID, 0)

	_, err = f.Engine.RecordMovement(f.Ctx, ledger.MovementRequest{
		ProductID: P1, LocationID: f.Car.ID, Type: ledger.Loss, Quantity: ledger.NewQuantity(1),
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientStock)
	f.RequireConsistent()
}

func testLocationChecks(t *testing.T, f *Fixture) {
	f.StockIn(P1, f.Warehouse.ID, 10)

	_, err := f.Engine.ExecuteTransfer(f.Ctx, ledger.TransferRequest{
		ProductID: P1, Source: f.Warehouse.ID, Target: 5555, Quantity: ledger.NewQuantity(1),
	})
	assert.ErrorIs(t, err, ledger.ErrLocationNotFound)
	var le *ledger.LocationError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ledger.LocationID(5555), le.LocationID)

	_, err = f.Engine.UpdateLocation(f.Ctx, f.Car.ID, ledger.LocationUpdate{Active: ledger.Ptr(false)})
	require.NoError(t, err)

	_, err = f.Engine.ExecuteTransfer(f.Ctx, ledger.TransferRequest{
		ProductID: P1, Source: f.Warehouse.ID, Target: f.Car.ID, Quantity: ledger.NewQuantity(1),
	})
	assert.ErrorIs(t, err, ledger.ErrLocationInactive)
	f.RequireQty(P1, f.Warehouse.ID, 10)

	_, err = f.Engine.RecordMovement(f.Ctx, ledger.MovementRequest{
		ProductID: P1, LocationID: f.Car.ID, Type: ledger.StockIn, Quantity: ledger.NewQuantity(1),
	})
	assert.ErrorIs(t, err, ledger.ErrLocationInactive)

	_, err = f.Engine.RecordMovement(f.Ctx, ledger.MovementRequest{
		ProductID: P1, LocationID: 777, Type: ledger.StockIn, Quantity: ledger.NewQuantity(1),
	})
	assert.ErrorIs(t, err, ledger.ErrLocationNotFound)

	_, err = f.Engine.UpdateLocation(f.Ctx, f.Car.ID, ledger.LocationUpdate{Active: ledger.Ptr(true)})
	require.NoError(t, err)
	f.Transfer(P1, f.Warehouse.ID, f.Car.ID, 1)
	f.RequireConsistent()
}

// =============================================================================
// PROPERTIES
// =============================================================================

func testConservationUnderRandomOperations(t *testing.T, f *Fixture) {
	rng := rand.New(rand.NewSource(42))
	locs := []ledger.LocationID{f.Warehouse.ID, f.Car.ID, f.Vending.ID}
	products := []ledger.ProductID{P1, P2}
	single := []ledger.MovementType{
		ledger.StockIn, ledger.Initial, ledger.Return,
		ledger.StockOut, ledger.Consumption, ledger.Loss, ledger.Adjustment,
	}
	var ids []ledger.MovementID

	for i := 0; i < 150; i++ {
		p := products[rng.Intn(len(products))]
		var err error
		switch op := rng.Intn(10); {
		case op < 4:
			req := ledger.MovementRequest{
				ProductID:  p,
				LocationID: locs[rng.Intn(len(locs))],
				Type:       single[rng.Intn(len(single))],
				Quantity:   ledger.NewQuantity(int64(rng.Intn(20) + 1)),
			}
			if req.Type == ledger.Adjustment {
				req.TargetQuantity = ledger.Ptr(ledger.NewQuantity(int64(rng.Intn(30))))
			}
			var m ledger.Movement
			if m, err = f.Engine.RecordMovement(f.Ctx, req); err == nil {
				ids = append(ids, m.ID)
			}
		case op < 8:
			si := rng.Intn(len(locs))
			src, dst := locs[si], locs[(si+1+rng.Intn(len(locs)-1))%len(locs)]
			var res ledger.TransferResult
			res, err = f.Engine.ExecuteTransfer(f.Ctx, ledger.TransferRequest{
				ProductID: p, Source: src, Target: dst, Quantity: ledger.NewQuantity(int64(rng.Intn(10) + 1)),
			})
			if err == nil {
				ids = append(ids, res.Out.ID, res.In.ID)
			}
		default:
			if len(ids) == 0 {
				continue
			}
			var res ledger.ReversalResult
			if res, err = f.Engine.CreateReversal(f.Ctx, ids[rng.Intn(len(ids))], ""); err == nil {
				ids = append(ids, res.IDs()...)
			}
		}
		if err != nil && !errors.Is(err, ledger.ErrInsufficientStock) && !errors.Is(err, ledger.ErrAlreadyReversed) {
			t.Fatalf("op %d: unexpected error: %v", i, err)
		}
		if i%25 == 0 {
			f.RequireConsistent()
		}
	}
	f.RequireConsistent()
}

// =============================================================================
// QUERIES
// =============================================================================

func testReconcileDuringWrites(t *testing.T, f *Fixture) {
	// GIVEN: A writer recording receipts and transfers in a loop
	// WHEN: Reconcile runs over and over while the writer is committing
	// THEN: No pass reports drift, since entries and totals are read together

	const rounds = 200
	f.StockIn(P1, f.Warehouse.ID, rounds)

	done := make(chan struct{})
	var writeErr error
	go func() {
		defer close(done)
		for i := 0; i < rounds; i++ {
			if _, err := f.Engine.RecordMovement(f.Ctx, ledger.MovementRequest{
				ProductID: P2, LocationID: f.Car.ID, Type: ledger.StockIn, Quantity: ledger.NewQuantity(1),
			}); err != nil {
				writeErr = err
				return
			}
			if _, err := f.Engine.ExecuteTransfer(f.Ctx, ledger.TransferRequest{
				ProductID: P1, Source: f.Warehouse.ID, Target: f.Vending.ID, Quantity: ledger.NewQuantity(1),
			}); err != nil {
				writeErr = err
				return
			}
		}
	}()

	passes := 0
	for running := true; running; passes++ {
		select {
		case <-done:
			running = false
		default:
		}
		report, err := f.Engine.Reconcile(f.Ctx, nil)
		require.NoError(t, err)
		require.Emptyf(t, report.Drift, "pass %d: %+v", passes, report.Drift)
	}
	require.NoError(t, writeErr)
	assert.Greater(t, passes, 1)

	f.RequireQty(P2, f.Car.ID, rounds)
	f.RequireQty(P1, f.Vending.ID, rounds)
	f.RequireQty(P1, f.Warehouse.ID, 0)
	f.RequireConsistent()
}

func testQueryFilters(t *testing.T, f *Fixture) {
	m1 := f.StockIn(P1, f.Warehouse.ID, 40)
	m2 := f.StockIn(P2, f.Warehouse.ID, 15)
	tr := f.Transfer(P1, f.Warehouse.ID, f.Car.ID, 10)
	m5 := f.Record(P1, f.Car.ID, ledger.Consumption, 3)
	m6 := f.Record(P2, f.Warehouse.ID, ledger.Loss, 1)

	all, err := f.Engine.QueryMovements(f.Ctx, ledger.MovementFilter{})
	require.NoError(t, err)
	require.Len(t, all, 6)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i-1].ID, all[i].ID, "newest first")
	}

	byProduct, err := f.Engine.QueryMovements(f.Ctx, ledger.MovementFilter{ProductID: ledger.Ptr(P2)})
	require.NoError(t, err)
	assert.Equal(t, []ledger.MovementID{m6.ID, m2.ID}, movementIDs(byProduct))

	atCar, err := f.Engine.QueryMovements(f.Ctx, ledger.MovementFilter{LocationID: ledger.Ptr(f.Car.ID)})
	require.NoError(t, err)
	assert.Equal(t, []ledger.MovementID{m5.ID, tr.In.ID}, movementIDs(atCar))

	combined, err := f.Engine.QueryMovements(f.Ctx, ledger.MovementFilter{
		ProductID:  ledger.Ptr(P1),
		LocationID: ledger.Ptr(f.Warehouse.ID),
		Types:      []ledger.MovementType{ledger.StockIn, ledger.TransferOut},
	})
	require.NoError(t, err)
	assert.Equal(t, []ledger.MovementID{tr.Out.ID, m1.ID}, movementIDs(combined))

	page, err := f.Engine.QueryMovements(f.Ctx, ledger.MovementFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []ledger.MovementID{m5.ID, tr.In.ID}, movementIDs(page))

	// From is inclusive, To exclusive.
	ranged, err := f.Engine.QueryMovements(f.Ctx, ledger.MovementFilter{
		From: ledger.Ptr(m2.CreatedAt),
		To:   ledger.Ptr(m5.CreatedAt),
	})
	require.NoError(t, err)
	assert.Equal(t, []ledger.MovementID{tr.In.ID, tr.Out.ID, m2.ID}, movementIDs(ranged))

	none, err := f.Engine.QueryMovements(f.Ctx, ledger.MovementFilter{ProductID: ledger.Ptr(ledger.ProductID(99))})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testTransferHistory(t *testing.T, f *Fixture) {
	f.StockIn(P1, f.Warehouse.ID, 20)
	tr := f.Transfer(P1, f.Warehouse.ID, f.Car.ID, 5)
	f.Record(P1, f.Car.ID, ledger.Consumption, 1)

	legs, err := f.Engine.TransferHistory(f.Ctx, ledger.MovementFilter{})
	require.NoError(t, err)
	assert.Equal(t, []ledger.MovementID{tr.In.ID, tr.Out.ID}, movementIDs(legs))

	atCar, err := f.Engine.TransferHistory(f.Ctx, ledger.MovementFilter{LocationID: ledger.Ptr(f.Car.ID)})
	require.NoError(t, err)
	assert.Equal(t, []ledger.MovementID{tr.In.ID}, movementIDs(atCar))
}

func movementIDs(ms []ledger.Movement) []ledger.MovementID {
	ids := make([]ledger.MovementID, 0, len(ms))
	for _, m := range ms {
		ids = append(ids, m.ID)
	}
	return ids
}

// =============================================================================
// LOCATION DIRECTORY
// =============================================================================

func testLocationDirectory(t *testing.T, f *Fixture) {
	second := f.CreateLocation("Annex", ledger.LocationWarehouse)

	active, err := f.Engine.ListActiveLocations(f.Ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []ledger.LocationID{second.ID, f.Warehouse.ID, f.Car.ID, f.Vending.ID}, locationIDs(active))

	cars, err := f.Engine.ListActiveLocations(f.Ctx, ledger.Ptr(ledger.LocationCar))
	require.NoError(t, err)
	assert.Equal(t, []ledger.LocationID{f.Car.ID}, locationIDs(cars))

	renamed, err := f.Engine.UpdateLocation(f.Ctx, f.Car.ID, ledger.LocationUpdate{
		Name: ledger.Ptr("Van 7"), Description: ledger.Ptr("north route"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Van 7", renamed.Name)
	stored, err := f.Engine.Location(f.Ctx, f.Car.ID)
	require.NoError(t, err)
	assert.Equal(t, "north route", stored.Description)
	assert.Equal(t, ledger.LocationCar, stored.Type)

	_, err = f.Engine.UpdateLocation(f.Ctx, f.Car.ID, ledger.LocationUpdate{Type: ledger.Ptr(ledger.LocationVending)})
	assert.ErrorIs(t, err, ledger.ErrImmutableLocationType)

	_, err = f.Engine.CreateLocation(f.Ctx, ledger.NewLocation{Name: "  ", Type: ledger.LocationCar})
	assert.ErrorIs(t, err, ledger.ErrValidation)
	_, err = f.Engine.CreateLocation(f.Ctx, ledger.NewLocation{Name: "Boat", Type: "BOAT"})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	// Delete is refused while stock remains.
	f.StockIn(P1, f.Car.ID, 3)
	_, err = f.Engine.DeleteLocation(f.Ctx, f.Car.ID)
	assert.ErrorIs(t, err, ledger.ErrLocationHasStock)

	f.Transfer(P1, f.Car.ID, f.Warehouse.ID, 3)
	deleted, err := f.Engine.DeleteLocation(f.Ctx, f.Car.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusDeleted, deleted.Status)
	assert.NotNil(t, deleted.DeletedAt)

	visible, err := f.Engine.ListLocations(f.Ctx, false)
	require.NoError(t, err)
	assert.NotContains(t, locationIDs(visible), f.Car.ID)
	everything, err := f.Engine.ListLocations(f.Ctx, true)
	require.NoError(t, err)
	assert.Contains(t, locationIDs(everything), f.Car.ID)

	_, err = f.Engine.RecordMovement(f.Ctx, ledger.MovementRequest{
		ProductID: P1, LocationID: f.Car.ID, Type: ledger.StockIn, Quantity: ledger.NewQuantity(1),
	})
	assert.ErrorIs(t, err, ledger.ErrLocationInactive)
	_, err = f.Engine.UpdateLocation(f.Ctx, f.Car.ID, ledger.LocationUpdate{Name: ledger.Ptr("ghost")})
	assert.ErrorIs(t, err, ledger.ErrLocationNotFound)

	restored, err := f.Engine.RestoreLocation(f.Ctx, f.Car.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusActive, restored.Status)
	assert.Nil(t, restored.DeletedAt)
	f.StockIn(P1, f.Car.ID, 1)

	// Inactive locations stay listed but not as active.
	_, err = f.Engine.UpdateLocation(f.Ctx, f.Vending.ID, ledger.LocationUpdate{Active: ledger.Ptr(false)})
	require.NoError(t, err)
	active, err = f.Engine.ListActiveLocations(f.Ctx, nil)
	require.NoError(t, err)
	assert.NotContains(t, locationIDs(active), f.Vending.ID)
	visible, err = f.Engine.ListLocations(f.Ctx, false)
	require.NoError(t, err)
	assert.Contains(t, locationIDs(visible), f.Vending.ID)
}

func locationIDs(locs []ledger.Location) []ledger.LocationID {
	ids := make([]ledger.LocationID, 0, len(locs))
	for _, l := range locs {
		ids = append(ids, l.ID)
	}
	return ids
}

func testReadViews(t *testing.T, f *Fixture) {
	f.StockIn(P1, f.Warehouse.ID, 30)
	f.StockIn(P2, f.Warehouse.ID, 4)
	f.Transfer(P1, f.Warehouse.ID, f.Car.ID, 12)
	f.Transfer(P2, f.Warehouse.ID, f.Vending.ID, 4)

	breakdown, err := f.Engine.StockByLocation(f.Ctx, P1)
	require.NoError(t, err)
	require.Len(t, breakdown.Locations, 3)
	assert.Equal(t, f.Warehouse.ID, breakdown.Locations[0].Location.ID)
	RequireEqualQty(t, 18, breakdown.Locations[0].Quantity, "warehouse")
	RequireEqualQty(t, 12, breakdown.Locations[1].Quantity, "car")
	RequireEqualQty(t, 0, breakdown.Locations[2].Quantity, "vending")
	RequireEqualQty(t, 30, breakdown.Total, "total")

	inv, err := f.Engine.LocationInventory(f.Ctx, f.Warehouse.ID, false)
	require.NoError(t, err)
	require.Len(t, inv, 1, "P2 is at zero in the warehouse")
	assert.Equal(t, P1, inv[0].ProductID)

	inv, err = f.Engine.LocationInventory(f.Ctx, f.Warehouse.ID, true)
	require.NoError(t, err)
	require.Len(t, inv, 2)
	assert.Equal(t, P2, inv[1].ProductID)
	RequireEqualQty(t, 0, inv[1].Quantity, "P2 entry persists at zero")

	_, err = f.Engine.LocationInventory(f.Ctx, 31337, false)
	assert.ErrorIs(t, err, ledger.ErrLocationNotFound)
}
