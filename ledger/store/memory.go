// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/stock-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps committed state behind an RWMutex. Writers are serialized by
// writeMu and buffer their changes; the state lock is only taken for the
// short copy at commit, so readers never wait on a running transaction and
// never see half of one.
type Memory struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	state   state
}

type state struct {
	entries   map[ledger.EntryKey]ledger.LedgerEntry
	movements []ledger.Movement // movements[i].ID == i+1
	reversals map[ledger.MovementID]ledger.MovementID
	locations map[ledger.LocationID]ledger.Location
	nextLoc   ledger.LocationID
}

func NewMemory() *Memory {
	return &Memory{state: state{
		entries:   make(map[ledger.EntryKey]ledger.LedgerEntry),
		reversals: make(map[ledger.MovementID]ledger.MovementID),
		locations: make(map[ledger.LocationID]ledger.Location),
	}}
}

var _ ledger.Store = (*Memory)(nil)

// =============================================================================
// READS - committed state
// =============================================================================

func (m *Memory) committed() view {
	return view{base: &m.state}
}

func (m *Memory) Quantity(ctx context.Context, p ledger.ProductID, l ledger.LocationID) (ledger.Quantity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.committed().Quantity(ctx, p, l)
}

func (m *Memory) Entries(ctx context.Context, f ledger.EntryFilter) ([]ledger.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.committed().Entries(ctx, f)
}

func (m *Memory) Movement(ctx context.Context, id ledger.MovementID) (ledger.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.committed().Movement(ctx, id)
}

func (m *Memory) Movements(ctx context.Context, f ledger.MovementFilter) ([]ledger.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.committed().Movements(ctx, f)
}

func (m *Memory) ReversalOf(ctx context.Context, id ledger.MovementID) (*ledger.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.committed().ReversalOf(ctx, id)
}

func (m *Memory) MovementTotals(ctx context.Context, p *ledger.ProductID) (map[ledger.EntryKey]ledger.Quantity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.committed().MovementTotals(ctx, p)
}

func (m *Memory) Location(ctx context.Context, id ledger.LocationID) (ledger.Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.committed().Location(ctx, id)
}

func (m *Memory) Locations(ctx context.Context, f ledger.LocationFilter) ([]ledger.Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.committed().Locations(ctx, f)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction. Writes are buffered and applied
// to the committed state only if fn returns nil.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{view: view{base: &m.state, overlay: newOverlay()}}
	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	tx.overlay.applyTo(&m.state)
	return nil
}

// Snapshot runs fn under one read lock. Commits wait until fn returns;
// other readers and running transactions do not.
func (m *Memory) Snapshot(ctx context.Context, fn func(ledger.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.committed())
}

// overlay holds the uncommitted writes of one transaction.
type overlay struct {
	entries   map[ledger.EntryKey]ledger.LedgerEntry
	movements []ledger.Movement
	reversals map[ledger.MovementID]ledger.MovementID
	locations map[ledger.LocationID]ledger.Location
	nextLoc   ledger.LocationID
}

func newOverlay() *overlay {
	return &overlay{
		entries:   make(map[ledger.EntryKey]ledger.LedgerEntry),
		reversals: make(map[ledger.MovementID]ledger.MovementID),
		locations: make(map[ledger.LocationID]ledger.Location),
	}
}

func (o *overlay) applyTo(s *state) {
	for k, e := range o.entries {
		s.entries[k] = e
	}
	s.movements = append(s.movements, o.movements...)
	for orig, rev := range o.reversals {
		s.reversals[orig] = rev
	}
	for id, loc := range o.locations {
		s.locations[id] = loc
	}
	if o.nextLoc > s.nextLoc {
		s.nextLoc = o.nextLoc
	}
}

type memTx struct {
	view
}

// LockEntry needs no lock of its own: writers already hold writeMu.
func (t *memTx) LockEntry(ctx context.Context, p ledger.ProductID, l ledger.LocationID) (ledger.LedgerEntry, error) {
	k := ledger.EntryKey{ProductID: p, LocationID: l}
	if e, ok := t.overlay.entries[k]; ok {
		return e, nil
	}
	if e, ok := t.base.entries[k]; ok {
		return e, nil
	}
	return ledger.LedgerEntry{ProductID: p, LocationID: l, Quantity: ledger.NewQuantity(0)}, nil
}

func (t *memTx) SaveEntry(_ context.Context, e ledger.LedgerEntry) error {
	if e.Quantity.IsNegative() {
		return &ledger.InsufficientStockError{
			ProductID: e.ProductID, LocationID: e.LocationID,
			Available: ledger.NewQuantity(0), Requested: e.Quantity.Neg(),
		}
	}
	t.overlay.entries[e.Key()] = e
	return nil
}

func (t *memTx) AppendMovement(_ context.Context, mv ledger.Movement) (ledger.MovementID, error) {
	if mv.IsCompensation() {
		ref := *mv.ReferenceID
		if existing, ok := t.reversalID(ref); ok {
			return 0, &ledger.AlreadyReversedError{MovementID: ref, ReversalID: existing}
		}
	}
	mv.ID = ledger.MovementID(len(t.base.movements) + len(t.overlay.movements) + 1)
	mv = cloneMovement(mv)
	t.overlay.movements = append(t.overlay.movements, mv)
	if mv.IsCompensation() {
		t.overlay.reversals[*mv.ReferenceID] = mv.ID
	}
	return mv.ID, nil
}

func (t *memTx) CreateLocation(_ context.Context, loc ledger.Location) (ledger.LocationID, error) {
	next := t.base.nextLoc
	if t.overlay.nextLoc > next {
		next = t.overlay.nextLoc
	}
	next++
	t.overlay.nextLoc = next
	loc.ID = next
	t.overlay.locations[loc.ID] = cloneLocation(loc)
	return loc.ID, nil
}

func (t *memTx) UpdateLocation(ctx context.Context, loc ledger.Location) error {
	current, err := t.Location(ctx, loc.ID)
	if err != nil {
		return err
	}
	loc.Type = current.Type
	loc.CreatedAt = current.CreatedAt
	t.overlay.locations[loc.ID] = cloneLocation(loc)
	return nil
}

// =============================================================================
// VIEW - committed state, optionally with an overlay on top
// =============================================================================

type view struct {
	base    *state
	overlay *overlay // nil outside a transaction
}

func (v view) entry(k ledger.EntryKey) (ledger.LedgerEntry, bool) {
	if v.overlay != nil {
		if e, ok := v.overlay.entries[k]; ok {
			return e, true
		}
	}
	e, ok := v.base.entries[k]
	return e, ok
}

func (v view) movementCount() int {
	n := len(v.base.movements)
	if v.overlay != nil {
		n += len(v.overlay.movements)
	}
	return n
}

func (v view) movementAt(i int) ledger.Movement {
	if i < len(v.base.movements) {
		return v.base.movements[i]
	}
	return v.overlay.movements[i-len(v.base.movements)]
}

func (v view) reversalID(orig ledger.MovementID) (ledger.MovementID, bool) {
	if v.overlay != nil {
		if id, ok := v.overlay.reversals[orig]; ok {
			return id, true
		}
	}
	id, ok := v.base.reversals[orig]
	return id, ok
}

func (v view) location(id ledger.LocationID) (ledger.Location, bool) {
	if v.overlay != nil {
		if loc, ok := v.overlay.locations[id]; ok {
			return loc, true
		}
	}
	loc, ok := v.base.locations[id]
	return loc, ok
}

func (v view) Quantity(_ context.Context, p ledger.ProductID, l ledger.LocationID) (ledger.Quantity, error) {
	if e, ok := v.entry(ledger.EntryKey{ProductID: p, LocationID: l}); ok {
		return e.Quantity, nil
	}
	return ledger.NewQuantity(0), nil
}

func (v view) Entries(_ context.Context, f ledger.EntryFilter) ([]ledger.LedgerEntry, error) {
	merged := make(map[ledger.EntryKey]ledger.LedgerEntry, len(v.base.entries))
	for k, e := range v.base.entries {
		merged[k] = e
	}
	if v.overlay != nil {
		for k, e := range v.overlay.entries {
			merged[k] = e
		}
	}
	result := make([]ledger.LedgerEntry, 0)
	for _, e := range merged {
		if f.Matches(e) {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].LocationID != result[j].LocationID {
			return result[i].LocationID < result[j].LocationID
		}
		return result[i].ProductID < result[j].ProductID
	})
	return result, nil
}

func (v view) Movement(_ context.Context, id ledger.MovementID) (ledger.Movement, error) {
	if id <= 0 || int(id) > v.movementCount() {
		return ledger.Movement{}, ledger.ErrMovementNotFound
	}
	return cloneMovement(v.movementAt(int(id) - 1)), nil
}

func (v view) Movements(_ context.Context, f ledger.MovementFilter) ([]ledger.Movement, error) {
	f = f.Normalized()
	result := make([]ledger.Movement, 0)
	skipped := 0
	for i := v.movementCount() - 1; i >= 0 && len(result) < f.Limit; i-- {
		mv := v.movementAt(i)
		if !f.Matches(mv) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		result = append(result, cloneMovement(mv))
	}
	return result, nil
}

func (v view) ReversalOf(ctx context.Context, id ledger.MovementID) (*ledger.Movement, error) {
	revID, ok := v.reversalID(id)
	if !ok {
		return nil, nil
	}
	mv, err := v.Movement(ctx, revID)
	if err != nil {
		return nil, err
	}
	return &mv, nil
}

func (v view) MovementTotals(_ context.Context, p *ledger.ProductID) (map[ledger.EntryKey]ledger.Quantity, error) {
	totals := make(map[ledger.EntryKey]ledger.Quantity)
	for i := 0; i < v.movementCount(); i++ {
		mv := v.movementAt(i)
		if p != nil && mv.ProductID != *p {
			continue
		}
		k := ledger.EntryKey{ProductID: mv.ProductID, LocationID: mv.LocationID}
		totals[k] = totals[k].Add(mv.QuantityChange)
	}
	return totals, nil
}

func (v view) Location(_ context.Context, id ledger.LocationID) (ledger.Location, error) {
	loc, ok := v.location(id)
	if !ok {
		return ledger.Location{}, &ledger.LocationError{LocationID: id, Err: ledger.ErrLocationNotFound}
	}
	return cloneLocation(loc), nil
}

func (v view) Locations(_ context.Context, f ledger.LocationFilter) ([]ledger.Location, error) {
	merged := make(map[ledger.LocationID]ledger.Location, len(v.base.locations))
	for id, loc := range v.base.locations {
		merged[id] = loc
	}
	if v.overlay != nil {
		for id, loc := range v.overlay.locations {
			merged[id] = loc
		}
	}
	result := make([]ledger.Location, 0, len(merged))
	for _, loc := range merged {
		if f.Matches(loc) {
			result = append(result, cloneLocation(loc))
		}
	}
	SortLocations(result)
	return result, nil
}

// SortLocations orders locations by type rank, then name, then id.
func SortLocations(locs []ledger.Location) {
	sort.Slice(locs, func(i, j int) bool {
		a, b := locs[i], locs[j]
		if a.Type.Rank() != b.Type.Rank() {
			return a.Type.Rank() < b.Type.Rank()
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
}

func cloneMovement(mv ledger.Movement) ledger.Movement {
	if mv.SourceLocationID != nil {
		mv.SourceLocationID = ledger.Ptr(*mv.SourceLocationID)
	}
	if mv.TargetLocationID != nil {
		mv.TargetLocationID = ledger.Ptr(*mv.TargetLocationID)
	}
	if mv.ReferenceID != nil {
		mv.ReferenceID = ledger.Ptr(*mv.ReferenceID)
	}
	return mv
}

func cloneLocation(loc ledger.Location) ledger.Location {
	if loc.DeletedAt != nil {
		loc.DeletedAt = ledger.Ptr(*loc.DeletedAt)
	}
	return loc
}
