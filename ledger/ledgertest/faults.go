package ledgertest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/warp/stock-ledger/ledger"
)

// =============================================================================
// FAULT INJECTION - Store wrappers that fail on purpose
// =============================================================================

// ErrInjected is returned by FailingStore when the fault fires.
var ErrInjected = errors.New("injected failure")

// FailingStore fails the FailOn-th SaveEntry call (1-based, counted across
// all transactions) by returning ErrInjected from inside the transaction,
// which makes the wrapped store roll back.
type FailingStore struct {
	ledger.Store
	FailOn int64
	saves  atomic.Int64
}

func (s *FailingStore) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx ledger.Tx) error {
		return fn(&failingTx{Tx: tx, parent: s})
	})
}

type failingTx struct {
	ledger.Tx
	parent *FailingStore
}

func (t *failingTx) SaveEntry(ctx context.Context, e ledger.LedgerEntry) error {
	if t.parent.saves.Add(1) == t.parent.FailOn {
		return ErrInjected
	}
	return t.Tx.SaveEntry(ctx, e)
}

// FlakyStore reports ErrConcurrentModification for the first Conflicts
// transactions before passing through to the wrapped store.
type FlakyStore struct {
	ledger.Store
	Conflicts int64
	calls     atomic.Int64
}

func (s *FlakyStore) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	if s.calls.Add(1) <= s.Conflicts {
		return ledger.ErrConcurrentModification
	}
	return s.Store.WithTx(ctx, fn)
}

// Calls returns how many transactions were attempted.
func (s *FlakyStore) Calls() int64 { return s.calls.Load() }

// RecordingSink keeps every audit event it receives.
type RecordingSink struct {
	Err error

	mu     sync.Mutex
	events []ledger.AuditEvent
}

func (s *RecordingSink) Record(_ context.Context, e ledger.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.Err
}

// Events returns a copy of the recorded events.
func (s *RecordingSink) Events() []ledger.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ledger.AuditEvent(nil), s.events...)
}
