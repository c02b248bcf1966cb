/*
engine.go - Entry point for every ledger operation

PURPOSE:
  Engine wires a Store to the operations callers use: RecordMovement,
  ExecuteTransfer, CreateReversal, the location directory and the read views.
  Each write runs as one atomic unit through Store.WithTx and is retried a
  bounded number of times when the store reports a concurrent modification.

RETRY POLICY:
  attempt 1 ── ErrConcurrentModification ──▶ sleep backoff ──▶ attempt 2 ...
  After MaxRetries retries the last error is wrapped in ConcurrencyError.
  Any other error is returned immediately with no partial state.

AUDIT:
  Audit events are emitted after commit. A failing sink is logged at warn
  and the operation still succeeds.

SEE ALSO:
  - ledger.go: applyDelta and movement append primitives
  - transfer.go, reversal.go: Two-location and compensation flows
*/
package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 10 * time.Millisecond
)

var tracer = otel.Tracer("github.com/warp/stock-ledger/ledger")

// Engine executes ledger operations against a Store.
type Engine struct {
	store      Store
	audit      AuditSink
	logger     zerolog.Logger
	now        func() time.Time
	maxRetries int
	backoff    time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithAuditSink sets the sink receiving committed events.
func WithAuditSink(s AuditSink) Option {
	return func(e *Engine) {
		if s != nil {
			e.audit = s
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRetry sets how many times a conflicting unit is retried and the base
// backoff between attempts. Backoff grows linearly with the attempt number.
func WithRetry(maxRetries int, backoff time.Duration) Option {
	return func(e *Engine) {
		if maxRetries >= 0 {
			e.maxRetries = maxRetries
		}
		if backoff >= 0 {
			e.backoff = backoff
		}
	}
}

// NewEngine creates an engine over store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		audit:      NopSink{},
		logger:     zerolog.Nop(),
		now:        time.Now,
		maxRetries: DefaultMaxRetries,
		backoff:    DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the underlying store.
func (e *Engine) Store() Store { return e.store }

// =============================================================================
// ATOMIC UNIT EXECUTION
// =============================================================================

// atomically runs fn inside one transaction, retrying on conflicts.
func (e *Engine) atomically(ctx context.Context, op string, fn func(Tx) error, attrs ...attribute.KeyValue) error {
	ctx, span := tracer.Start(ctx, "ledger."+op, trace.WithAttributes(attrs...))
	defer span.End()

	var err error
	attempts := 0
retry:
	for {
		attempts++
		err = e.store.WithTx(ctx, fn)
		if err == nil || !IsRetryable(err) || attempts > e.maxRetries {
			break
		}
		e.logger.Debug().Str("op", op).Int("attempt", attempts).Err(err).Msg("retrying conflicting unit")
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break retry
		case <-time.After(e.backoff * time.Duration(attempts)):
		}
	}

	span.SetAttributes(attribute.Int("ledger.attempts", attempts))
	if err != nil && IsRetryable(err) {
		err = &ConcurrencyError{Attempts: attempts, Err: err}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (e *Engine) emit(ctx context.Context, event AuditEvent) {
	if err := e.audit.Record(ctx, event); err != nil {
		e.logger.Warn().Err(err).
			Str("action", string(event.Action)).
			Int64("entity_id", event.EntityID).
			Msg("audit sink failed")
	}
}
