package ledger_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/ledger/ledgertest"
	"github.com/warp/stock-ledger/ledger/store"
)

// =============================================================================
// TAXONOMY
// =============================================================================

func TestMovementType_SignPolicy(t *testing.T) {
	tests := []struct {
		typ  ledger.MovementType
		dir  ledger.Direction
		want int64 // signed delta for a magnitude of 5
	}{
		{ledger.StockIn, ledger.Inbound, 5},
		{ledger.Initial, ledger.Inbound, 5},
		{ledger.Return, ledger.Inbound, 5},
		{ledger.TransferIn, ledger.Inbound, 5},
		{ledger.StockOut, ledger.Outbound, -5},
		{ledger.Consumption, ledger.Outbound, -5},
		{ledger.Loss, ledger.Outbound, -5},
		{ledger.TransferOut, ledger.Outbound, -5},
		{ledger.Adjustment, ledger.ExplicitDelta, 5},
		{ledger.Reversal, ledger.ExplicitDelta, 5},
	}
	require.Len(t, tests, len(ledger.AllMovementTypes), "every type is covered")

	for _, tc := range tests {
		t.Run(string(tc.typ), func(t *testing.T) {
			dir, err := tc.typ.Direction()
			require.NoError(t, err)
			assert.Equal(t, tc.dir, dir)

			delta, err := tc.typ.SignedDelta(ledger.NewQuantity(5))
			require.NoError(t, err)
			assert.True(t, delta.Equal(ledger.NewQuantity(tc.want)), "got %s", delta)
		})
	}
}

func TestMovementType_UnknownHasNoSign(t *testing.T) {
	_, err := ledger.MovementType("SHRINK").Direction()
	assert.ErrorIs(t, err, ledger.ErrInvalidMovementType)

	_, err = ledger.MovementType("SHRINK").SignedDelta(ledger.NewQuantity(1))
	assert.ErrorIs(t, err, ledger.ErrInvalidMovementType)

	_, err = ledger.ParseMovementType("stock_in")
	assert.Error(t, err, "parsing is case sensitive")

	typ, err := ledger.ParseMovementType("CONSUMPTION")
	require.NoError(t, err)
	assert.Equal(t, ledger.Consumption, typ)
}

func TestMovementType_SingleLocation(t *testing.T) {
	for _, typ := range ledger.AllMovementTypes {
		want := typ != ledger.TransferIn && typ != ledger.TransferOut && typ != ledger.Reversal
		assert.Equal(t, want, typ.IsSingleLocation(), typ)
	}
}

func TestMovementFilter_Normalized(t *testing.T) {
	f := ledger.MovementFilter{}.Normalized()
	assert.Equal(t, ledger.DefaultPageSize, f.Limit)

	f = ledger.MovementFilter{Limit: 10_000, Offset: -4}.Normalized()
	assert.Equal(t, ledger.MaxPageSize, f.Limit)
	assert.Equal(t, 0, f.Offset)
}

// =============================================================================
// RETRY POLICY
// =============================================================================

func newEngine(t *testing.T, s ledger.Store, opts ...ledger.Option) (*ledger.Engine, ledger.LocationID) {
	t.Helper()
	e := ledger.NewEngine(s, opts...)
	loc, err := e.CreateLocation(context.Background(), ledger.NewLocation{Name: "Main", Type: ledger.LocationWarehouse})
	require.NoError(t, err)
	return e, loc.ID
}

func TestEngine_RetriesConcurrentModification(t *testing.T) {
	// GIVEN: A store that reports two conflicts before succeeding
	// WHEN: Recording a movement with a retry budget of 3
	// THEN: The movement commits on the third attempt

	mem := store.NewMemory()
	_, loc := newEngine(t, mem)

	flaky := &ledgertest.FlakyStore{Store: mem, Conflicts: 2}
	engine := ledger.NewEngine(flaky, ledger.WithRetry(3, time.Millisecond))

	m, err := engine.RecordMovement(context.Background(), ledger.MovementRequest{
		ProductID: 1, LocationID: loc, Type: ledger.StockIn, Quantity: ledger.NewQuantity(4),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), flaky.Calls())
	assert.True(t, m.QuantityAfter.Equal(ledger.NewQuantity(4)))
}

func TestEngine_SurfacesConcurrencyErrorAfterBudget(t *testing.T) {
	mem := store.NewMemory()
	_, loc := newEngine(t, mem)

	flaky := &ledgertest.FlakyStore{Store: mem, Conflicts: 100}
	engine := ledger.NewEngine(flaky, ledger.WithRetry(2, time.Millisecond))

	_, err := engine.ExecuteTransfer(context.Background(), ledger.TransferRequest{
		ProductID: 1, Source: loc, Target: loc + 1, Quantity: ledger.NewQuantity(1),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrConcurrency)
	assert.False(t, ledger.IsRetryable(err), "exhausted budget is final")

	var ce *ledger.ConcurrencyError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, ce.Attempts)
	assert.Equal(t, int64(3), flaky.Calls())
}

func TestEngine_DoesNotRetryBusinessErrors(t *testing.T) {
	mem := store.NewMemory()
	_, loc := newEngine(t, mem)

	counting := &ledgertest.FlakyStore{Store: mem}
	engine := ledger.NewEngine(counting, ledger.WithRetry(5, time.Millisecond))

	_, err := engine.RecordMovement(context.Background(), ledger.MovementRequest{
		ProductID: 1, LocationID: loc, Type: ledger.StockOut, Quantity: ledger.NewQuantity(1),
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientStock)
	assert.Equal(t, int64(1), counting.Calls())
}

func TestEngine_StopsRetryingWhenContextDone(t *testing.T) {
	mem := store.NewMemory()
	_, loc := newEngine(t, mem)

	flaky := &ledgertest.FlakyStore{Store: mem, Conflicts: 100}
	engine := ledger.NewEngine(flaky, ledger.WithRetry(50, 50*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := engine.RecordMovement(ctx, ledger.MovementRequest{
		ProductID: 1, LocationID: loc, Type: ledger.StockIn, Quantity: ledger.NewQuantity(1),
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, flaky.Calls(), int64(50))
}

// =============================================================================
// AUDIT
// =============================================================================

func TestEngine_AuditsCommittedOperations(t *testing.T) {
	sink := &ledgertest.RecordingSink{}
	engine, wh := newEngine(t, store.NewMemory(), ledger.WithAuditSink(sink))
	ctx := ledger.WithActor(context.Background(), "alice")

	car, err := engine.CreateLocation(ctx, ledger.NewLocation{Name: "Van", Type: ledger.LocationCar})
	require.NoError(t, err)
	in, err := engine.RecordMovement(ctx, ledger.MovementRequest{
		ProductID: 1, LocationID: wh, Type: ledger.StockIn, Quantity: ledger.NewQuantity(10),
	})
	require.NoError(t, err)
	tr, err := engine.ExecuteTransfer(ctx, ledger.TransferRequest{
		ProductID: 1, Source: wh, Target: car.ID, Quantity: ledger.NewQuantity(4),
	})
	require.NoError(t, err)
	_, err = engine.CreateReversal(ctx, tr.Out.ID, "")
	require.NoError(t, err)
	_, err = engine.CreateReversal(ctx, in.ID, "")
	require.NoError(t, err)

	var actions []ledger.AuditAction
	for _, e := range sink.Events() {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []ledger.AuditAction{
		ledger.AuditLocationCreated, // from newEngine, system actor
		ledger.AuditLocationCreated,
		ledger.AuditMovementRecorded,
		ledger.AuditTransferExecuted,
		ledger.AuditMovementReversed,
		ledger.AuditMovementReversed,
	}, actions)
}

func TestEngine_AuditActorAndFailures(t *testing.T) {
	// GIVEN: An audit sink that always fails
	// WHEN: Recording a movement
	// THEN: The movement still commits and the failure is logged at warn

	var buf bytes.Buffer
	sink := &ledgertest.RecordingSink{Err: errors.New("audit db down")}
	engine, loc := newEngine(t, store.NewMemory(),
		ledger.WithAuditSink(sink),
		ledger.WithLogger(zerolog.New(&buf).Level(zerolog.WarnLevel)),
	)

	ctx := ledger.WithActor(context.Background(), "bob")
	m, err := engine.RecordMovement(ctx, ledger.MovementRequest{
		ProductID: 7, LocationID: loc, Type: ledger.Initial, Quantity: ledger.NewQuantity(3),
	})
	require.NoError(t, err)

	q, err := engine.GetQuantity(ctx, 7, loc)
	require.NoError(t, err)
	assert.True(t, q.Equal(ledger.NewQuantity(3)))

	events := sink.Events()
	last := events[len(events)-1]
	assert.Equal(t, "bob", last.Actor)
	assert.Equal(t, int64(m.ID), last.EntityID)
	assert.NotEmpty(t, last.ID)
	assert.Equal(t, "system", events[0].Actor)
	assert.Contains(t, buf.String(), "audit sink failed")
}

func TestEngine_RepeatedDeleteAndRestoreAreNotAudited(t *testing.T) {
	// GIVEN: An empty location
	// WHEN: It is deleted twice and restored twice
	// THEN: Only the calls that changed its status produce audit events

	ctx := context.Background()
	sink := &ledgertest.RecordingSink{}
	engine, loc := newEngine(t, store.NewMemory(), ledger.WithAuditSink(sink))

	for i := 0; i < 2; i++ {
		got, err := engine.DeleteLocation(ctx, loc)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusDeleted, got.Status)
	}
	for i := 0; i < 2; i++ {
		got, err := engine.RestoreLocation(ctx, loc)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusActive, got.Status)
	}

	var actions []ledger.AuditAction
	for _, e := range sink.Events() {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []ledger.AuditAction{
		ledger.AuditLocationCreated,
		ledger.AuditLocationDeleted,
		ledger.AuditLocationRestored,
	}, actions)
}

func TestMultiSink_JoinsErrors(t *testing.T) {
	ok := &ledgertest.RecordingSink{}
	bad := &ledgertest.RecordingSink{Err: errors.New("boom")}
	err := ledger.MultiSink{ok, bad, ledger.NopSink{}}.Record(context.Background(), ledger.AuditEvent{Action: ledger.AuditMovementRecorded})
	assert.EqualError(t, err, "boom")
	assert.Len(t, ok.Events(), 1)
	assert.Len(t, bad.Events(), 1)
}

// =============================================================================
// RECONCILE
// =============================================================================

func TestEngine_ReconcileReportsProductTotals(t *testing.T) {
	engine, wh := newEngine(t, store.NewMemory())
	ctx := context.Background()
	car, err := engine.CreateLocation(ctx, ledger.NewLocation{Name: "Van", Type: ledger.LocationCar})
	require.NoError(t, err)

	_, err = engine.RecordMovement(ctx, ledger.MovementRequest{ProductID: 1, LocationID: wh, Type: ledger.StockIn, Quantity: ledger.NewQuantity(8)})
	require.NoError(t, err)
	_, err = engine.ExecuteTransfer(ctx, ledger.TransferRequest{ProductID: 1, Source: wh, Target: car.ID, Quantity: ledger.NewQuantity(3)})
	require.NoError(t, err)
	_, err = engine.RecordMovement(ctx, ledger.MovementRequest{ProductID: 2, LocationID: car.ID, Type: ledger.StockIn, Quantity: ledger.NewQuantity(2)})
	require.NoError(t, err)

	report, err := engine.Reconcile(ctx, nil)
	require.NoError(t, err)
	assert.True(t, report.Healthy())
	assert.Equal(t, 3, report.EntriesChecked)
	assert.True(t, report.ProductTotals[1].Equal(ledger.NewQuantity(8)))
	assert.True(t, report.ProductTotals[2].Equal(ledger.NewQuantity(2)))

	only := ledger.ProductID(2)
	report, err = engine.Reconcile(ctx, &only)
	require.NoError(t, err)
	assert.Equal(t, 1, report.EntriesChecked)
	assert.NotContains(t, report.ProductTotals, ledger.ProductID(1))
}

// =============================================================================
// ERRORS
// =============================================================================

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		client   bool
		notFound bool
		conflict bool
		retry    bool
	}{
		{"validation", &ledger.ValidationError{Field: "quantity", Reason: ledger.ErrInvalidQuantity}, true, false, false, false},
		{"insufficient", &ledger.InsufficientStockError{}, true, false, false, false},
		{"inactive", &ledger.LocationError{Err: ledger.ErrLocationInactive}, true, false, false, false},
		{"missing location", &ledger.LocationError{Err: ledger.ErrLocationNotFound}, false, true, false, false},
		{"missing movement", ledger.ErrMovementNotFound, false, true, false, false},
		{"already reversed", &ledger.AlreadyReversedError{MovementID: 1}, true, false, true, false},
		{"conflict", ledger.ErrConcurrentModification, false, false, false, true},
		{"exhausted", &ledger.ConcurrencyError{Attempts: 3, Err: ledger.ErrConcurrentModification}, false, false, false, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.client, ledger.IsClientError(tc.err), "client")
			assert.Equal(t, tc.notFound, ledger.IsNotFound(tc.err), "not found")
			assert.Equal(t, tc.conflict, ledger.IsConflict(tc.err), "conflict")
			assert.Equal(t, tc.retry, ledger.IsRetryable(tc.err), "retryable")
		})
	}
}
