/*
scheduler.go - Periodic ledger reconciliation

PURPOSE:
  Replays the movement log against the ledger on a fixed interval and logs
  any drift. Drift never happens through the engine; when it shows up,
  something wrote to the tables directly.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Runs once immediately on Start
  - Keeps the last report for the health of the ledger at a glance

USAGE:
  scheduler := NewReconcileScheduler(engine, logger)
  scheduler.Interval = 15 * time.Minute
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: GET /api/reconcile (manual reconciliation)
  - ledger/reconcile.go: The replay itself
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/stock-ledger/ledger"
)

// ReconcileScheduler runs ledger reconciliation periodically.
type ReconcileScheduler struct {
	Engine   *ledger.Engine
	Interval time.Duration
	Timeout  time.Duration // per pass; zero means no timeout
	Logger   zerolog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu sync.RWMutex
	last   ReconcileRun
}

// ReconcileRun is the outcome of one pass.
type ReconcileRun struct {
	At     time.Time
	Report *ledger.ReconcileReport // nil when Err is set
	Err    error
}

// NewReconcileScheduler creates a scheduler with a one hour interval.
func NewReconcileScheduler(engine *ledger.Engine, logger zerolog.Logger) *ReconcileScheduler {
	return &ReconcileScheduler{
		Engine:   engine,
		Interval: time.Hour,
		Timeout:  time.Minute,
		Logger:   logger,
	}
}

// Start begins the scheduler. A non-positive Interval leaves it stopped.
func (rs *ReconcileScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.Interval <= 0 {
		rs.Logger.Info().Msg("reconcile scheduler disabled")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.Interval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)
	go rs.run(rs.ticker, rs.stop)

	rs.Logger.Info().Dur("interval", rs.Interval).Msg("reconcile scheduler started")
}

// Stop stops the scheduler and waits for a running pass to finish.
func (rs *ReconcileScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.Logger.Info().Msg("reconcile scheduler stopped")
}

// Last returns the most recent pass. At is zero before the first one.
func (rs *ReconcileScheduler) Last() ReconcileRun {
	rs.lastMu.RLock()
	defer rs.lastMu.RUnlock()
	return rs.last
}

func (rs *ReconcileScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	rs.RunOnce(context.Background())

	for {
		select {
		case <-ticker.C:
			rs.RunOnce(context.Background())
		case <-stop:
			return
		}
	}
}

// RunOnce performs a single reconciliation pass.
func (rs *ReconcileScheduler) RunOnce(ctx context.Context) {
	if rs.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rs.Timeout)
		defer cancel()
	}

	start := time.Now()
	report, err := rs.Engine.Reconcile(ctx, nil)

	run := ReconcileRun{At: start, Err: err}
	if err == nil {
		run.Report = &report
	}
	rs.lastMu.Lock()
	rs.last = run
	rs.lastMu.Unlock()

	if err != nil {
		rs.Logger.Error().Err(err).Msg("reconcile pass failed")
		return
	}
	rs.Logger.Info().
		Int("entries", report.EntriesChecked).
		Int("drift", len(report.Drift)).
		Dur("duration", time.Since(start)).
		Msg("reconcile pass complete")
}
