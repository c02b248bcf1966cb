/*
store.go - Persistence interfaces for ledger entries, movements and locations

PURPOSE:
  Defines the boundary between the engine and the database. A Store is passed
  explicitly into NewEngine; every write runs inside WithTx and receives its
  transactional handle as an argument instead of reaching for shared state.

KEY INTERFACES:
  Reader: Non-blocking reads of committed state
  Tx:     Reads plus the write primitives of one atomic unit
  Store:  Reader plus WithTx and Snapshot

SNAPSHOTS:
  Two separate Reader calls on a Store may straddle a commit. Anything that
  compares tables (reconciliation) reads them through Snapshot.

APPEND-ONLY CONTRACT:
  Tx exposes AppendMovement and no way to update or delete a movement.
  Ledger entries are only changed through SaveEntry after LockEntry, and
  are never deleted.

CONCURRENCY:
  LockEntry holds the (product, location) entry until the transaction ends,
  either with a row lock or by serializing writers. A store that detects a
  conflicting write returns ErrConcurrentModification and the engine retries.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for tests and development
  - store/sqlite/sqlite.go: SQLite (single writer, WAL readers)
  - store/postgres/postgres.go: PostgreSQL with row-level locks

SEE ALSO:
  - ledger/ledgertest: Conformance suite every implementation runs
*/
package ledger

import "context"

// =============================================================================
// READER - Committed state
// =============================================================================

type Reader interface {
	// Quantity returns the entry quantity, or zero if no entry exists.
	Quantity(ctx context.Context, productID ProductID, locationID LocationID) (Quantity, error)

	// Entries returns ledger entries matching the filter, ordered by
	// location then product.
	Entries(ctx context.Context, filter EntryFilter) ([]LedgerEntry, error)

	// Movement returns one movement or an error wrapping ErrMovementNotFound.
	Movement(ctx context.Context, id MovementID) (Movement, error)

	// Movements returns movements matching the filter, newest first.
	Movements(ctx context.Context, filter MovementFilter) ([]Movement, error)

	// ReversalOf returns the compensation referencing id, or nil if none.
	ReversalOf(ctx context.Context, id MovementID) (*Movement, error)

	// MovementTotals sums quantity_change per (product, location) over the
	// whole log. A nil productID covers every product.
	MovementTotals(ctx context.Context, productID *ProductID) (map[EntryKey]Quantity, error)

	// Location returns one location, or a LocationError wrapping
	// ErrLocationNotFound.
	Location(ctx context.Context, id LocationID) (Location, error)

	// Locations returns locations matching the filter ordered by type rank
	// then name.
	Locations(ctx context.Context, filter LocationFilter) ([]Location, error)
}

// EntryFilter narrows ledger entry listings.
type EntryFilter struct {
	ProductID   *ProductID
	LocationID  *LocationID
	NonZeroOnly bool
}

// Matches reports whether e passes the filter.
func (f EntryFilter) Matches(e LedgerEntry) bool {
	if f.ProductID != nil && e.ProductID != *f.ProductID {
		return false
	}
	if f.LocationID != nil && e.LocationID != *f.LocationID {
		return false
	}
	if f.NonZeroOnly && e.Quantity.IsZero() {
		return false
	}
	return true
}

// =============================================================================
// TX - One atomic unit
// =============================================================================

// Tx is the handle passed to WithTx callbacks. Reads through a Tx observe
// the transaction's own uncommitted writes.
type Tx interface {
	Reader

	// LockEntry returns the current entry, creating a zero entry if absent,
	// and holds it against other writers until the transaction ends.
	// Locking the same entry twice in one transaction is allowed.
	LockEntry(ctx context.Context, productID ProductID, locationID LocationID) (LedgerEntry, error)

	// SaveEntry persists a previously locked entry.
	SaveEntry(ctx context.Context, entry LedgerEntry) error

	// AppendMovement assigns the next id and persists m. A second
	// compensation of the same movement fails with ErrAlreadyReversed.
	AppendMovement(ctx context.Context, m Movement) (MovementID, error)

	// CreateLocation assigns the next location id.
	CreateLocation(ctx context.Context, loc Location) (LocationID, error)

	// UpdateLocation overwrites the mutable fields of an existing location.
	UpdateLocation(ctx context.Context, loc Location) error
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// Snapshot runs fn against one consistent view of committed state.
	// Every read through the Reader sees the same set of commits.
	Snapshot(ctx context.Context, fn func(Reader) error) error
}
