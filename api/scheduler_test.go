package api_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/api"
	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/ledger/store"
)

func TestReconcileScheduler_RunOnceRecordsLastRun(t *testing.T) {
	ctx := context.Background()
	engine := ledger.NewEngine(store.NewMemory())
	loc, err := engine.CreateLocation(ctx, ledger.NewLocation{Name: "Main", Type: ledger.LocationWarehouse})
	require.NoError(t, err)
	_, err = engine.RecordMovement(ctx, ledger.MovementRequest{
		ProductID: 1, LocationID: loc.ID, Type: ledger.StockIn, Quantity: decimal.NewFromInt(3),
	})
	require.NoError(t, err)

	rs := api.NewReconcileScheduler(engine, zerolog.Nop())
	assert.True(t, rs.Last().At.IsZero(), "no pass yet")

	rs.RunOnce(ctx)

	last := rs.Last()
	require.NoError(t, last.Err)
	require.NotNil(t, last.Report)
	assert.False(t, last.At.IsZero())
	assert.True(t, last.Report.Healthy())
	assert.Equal(t, 1, last.Report.EntriesChecked)
}

func TestReconcileScheduler_RunOnceRecordsFailure(t *testing.T) {
	rs := api.NewReconcileScheduler(ledger.NewEngine(store.NewMemory()), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rs.RunOnce(ctx)

	last := rs.Last()
	assert.ErrorIs(t, last.Err, context.Canceled)
	assert.Nil(t, last.Report)
}

func TestReconcileScheduler_StartRunsImmediately(t *testing.T) {
	rs := api.NewReconcileScheduler(ledger.NewEngine(store.NewMemory()), zerolog.Nop())
	rs.Interval = time.Hour

	rs.Start()
	rs.Start() // second call is a no-op
	defer rs.Stop()

	assert.Eventually(t, func() bool { return !rs.Last().At.IsZero() }, time.Second, 5*time.Millisecond)
}

func TestReconcileScheduler_DisabledWithoutInterval(t *testing.T) {
	rs := api.NewReconcileScheduler(ledger.NewEngine(store.NewMemory()), zerolog.Nop())
	rs.Interval = 0

	rs.Start()
	rs.Stop()

	assert.True(t, rs.Last().At.IsZero())
}
