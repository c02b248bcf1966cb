/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists locations, ledger entries and the movement log in a single SQLite
  file. Every write path from the engine runs inside one SQL transaction, so
  a transfer's two deltas and two movements commit or roll back together.

KEY TABLES:
  locations:        Location directory (type immutable via trigger)
  ledger_entries:   Current quantity per (product, location), CHECK >= 0
  stock_movements:  Immutable movement log (UPDATE/DELETE refused by trigger)
  audit_log:        Audit events written after commit (see AuditLog)

INDEXES:
  - idx_movements_product / idx_movements_location: query hot paths
  - idx_movements_created: date range filtering
  - idx_movements_single_compensation: at most one REVERSAL or compensating
    TRANSFER_OUT per referenced movement

CONCURRENCY:
  Transactions are opened with BEGIN IMMEDIATE (_txlock=immediate), which
  takes the database write lock up front, so two writers never interleave
  their read-then-write of an entry. An in-process mutex orders writers
  before they reach SQLite; busy_timeout covers writers from other
  processes. SQLITE_BUSY and SQLITE_LOCKED surface as
  ledger.ErrConcurrentModification so the engine retries them.

WAL MODE:
  Readers outside a transaction see the last committed state and never wait
  for an open writer.

TIMES AND DECIMALS:
  Times are stored in a fixed-width UTC layout so text comparison orders
  them. Quantities are stored as decimal TEXT, never as REAL.

USAGE:
  st, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

  engine := ledger.NewEngine(st, ledger.WithAuditSink(st.AuditLog()))

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres: Server database implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/stock-ledger/ledger"
)

// timeLayout is fixed width so lexical order equals chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const (
	locationColumns = "id, name, type, description, address, status, created_at, updated_at, deleted_at"
	entryColumns    = "product_id, location_id, quantity, updated_at"
	movementColumns = "id, product_id, movement_type, quantity_change, quantity_before, quantity_after, " +
		"location_id, source_location_id, target_location_id, reference_movement_id, note, created_at"
)

// Store implements ledger.Store on SQLite.
type Store struct {
	reader
	db *sql.DB
	mu sync.Mutex // orders writers
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for a throwaway database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection to :memory: is a separate database, so there is
		// only one and reads queue behind an open writer. Dev and tests only.
		db.SetMaxOpenConns(1)
	}

	store := &Store{reader: reader{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for maintenance and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS locations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		type TEXT NOT NULL CHECK (type IN ('WAREHOUSE', 'CAR', 'VENDING')),
		description TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'ACTIVE' CHECK (status IN ('ACTIVE', 'INACTIVE', 'DELETED')),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	);

	CREATE TRIGGER IF NOT EXISTS trg_locations_type_immutable
		BEFORE UPDATE OF type ON locations
		WHEN NEW.type <> OLD.type
	BEGIN
		SELECT RAISE(ABORT, 'location type is immutable');
	END;

	CREATE TABLE IF NOT EXISTS ledger_entries (
		product_id INTEGER NOT NULL,
		location_id INTEGER NOT NULL REFERENCES locations(id),
		quantity TEXT NOT NULL CHECK (CAST(quantity AS REAL) >= 0),
		updated_at TEXT NOT NULL,
		PRIMARY KEY (product_id, location_id)
	);

	CREATE INDEX IF NOT EXISTS idx_entries_location
		ON ledger_entries(location_id);

	-- Movement log (append-only)
	CREATE TABLE IF NOT EXISTS stock_movements (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		product_id INTEGER NOT NULL,
		movement_type TEXT NOT NULL CHECK (movement_type IN (
			'STOCK_IN', 'INITIAL', 'RETURN', 'STOCK_OUT', 'CONSUMPTION', 'LOSS',
			'ADJUSTMENT', 'TRANSFER_OUT', 'TRANSFER_IN', 'REVERSAL')),
		quantity_change TEXT NOT NULL,
		quantity_before TEXT NOT NULL,
		quantity_after TEXT NOT NULL,
		location_id INTEGER NOT NULL REFERENCES locations(id),
		source_location_id INTEGER REFERENCES locations(id),
		target_location_id INTEGER REFERENCES locations(id),
		reference_movement_id INTEGER REFERENCES stock_movements(id),
		note TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_movements_product
		ON stock_movements(product_id, id DESC);
	CREATE INDEX IF NOT EXISTS idx_movements_location
		ON stock_movements(location_id, id DESC);
	CREATE INDEX IF NOT EXISTS idx_movements_created
		ON stock_movements(created_at);

	-- CRITICAL: a movement is compensated at most once
	CREATE UNIQUE INDEX IF NOT EXISTS idx_movements_single_compensation
		ON stock_movements(reference_movement_id)
		WHERE reference_movement_id IS NOT NULL
		  AND movement_type IN ('REVERSAL', 'TRANSFER_OUT');

	CREATE TRIGGER IF NOT EXISTS trg_movements_no_update
		BEFORE UPDATE ON stock_movements
	BEGIN
		SELECT RAISE(ABORT, 'stock_movements is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_movements_no_delete
		BEFORE DELETE ON stock_movements
	BEGIN
		SELECT RAISE(ABORT, 'stock_movements is append-only');
	END;

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		occurred_at TEXT NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		details_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_occurred
		ON audit_log(occurred_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// WithTx runs fn in one IMMEDIATE transaction, committing only if fn
// returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	if err := fn(&sqlTx{reader: reader{q: tx}}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

// Snapshot runs fn inside one deferred read transaction on a dedicated
// connection. Under WAL it sees the database as of its first read and
// does not block writers.
func (s *Store) Snapshot(ctx context.Context, fn func(ledger.Reader) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return mapError(err)
	}
	defer conn.Close()

	// Plain BEGIN: the DSN's _txlock=immediate only applies to BeginTx.
	if _, err := conn.ExecContext(ctx, "BEGIN DEFERRED"); err != nil {
		return mapError(err)
	}
	err = fn(reader{q: conn})
	if _, rbErr := conn.ExecContext(context.Background(), "ROLLBACK"); rbErr != nil && err == nil {
		err = mapError(rbErr)
	}
	return err
}

// =============================================================================
// READS - shared by Store (committed state) and sqlTx (own writes)
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type reader struct {
	q querier
}

func (r reader) Quantity(ctx context.Context, p ledger.ProductID, l ledger.LocationID) (ledger.Quantity, error) {
	var q ledger.Quantity
	err := r.q.QueryRowContext(ctx,
		"SELECT quantity FROM ledger_entries WHERE product_id = ? AND location_id = ?", p, l,
	).Scan(&q)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.NewQuantity(0), nil
	}
	if err != nil {
		return ledger.Quantity{}, mapError(err)
	}
	return q, nil
}

func (r reader) Entries(ctx context.Context, f ledger.EntryFilter) ([]ledger.LedgerEntry, error) {
	b := sq.Select(entryColumns).From("ledger_entries").OrderBy("location_id", "product_id")
	if f.ProductID != nil {
		b = b.Where(sq.Eq{"product_id": *f.ProductID})
	}
	if f.LocationID != nil {
		b = b.Where(sq.Eq{"location_id": *f.LocationID})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	result := make([]ledger.LedgerEntry, 0)
	for rows.Next() {
		var e ledger.LedgerEntry
		var updatedAt string
		if err := rows.Scan(&e.ProductID, &e.LocationID, &e.Quantity, &updatedAt); err != nil {
			return nil, err
		}
		e.UpdatedAt = parseTime(updatedAt)
		if f.Matches(e) {
			result = append(result, e)
		}
	}
	return result, rows.Err()
}

func (r reader) Movement(ctx context.Context, id ledger.MovementID) (ledger.Movement, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+movementColumns+" FROM stock_movements WHERE id = ?", id)
	m, err := scanMovement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Movement{}, fmt.Errorf("%w: %d", ledger.ErrMovementNotFound, id)
	}
	if err != nil {
		return ledger.Movement{}, mapError(err)
	}
	return m, nil
}

func (r reader) Movements(ctx context.Context, f ledger.MovementFilter) ([]ledger.Movement, error) {
	f = f.Normalized()
	query, args, err := movementQuery(f).ToSql()
	if err != nil {
		return nil, err
	}
	return r.queryMovements(ctx, query, args...)
}

// movementQuery maps a normalized filter to SQL. From is inclusive, To
// exclusive, both compared on the fixed-width created_at text.
func movementQuery(f ledger.MovementFilter) sq.SelectBuilder {
	b := sq.Select(movementColumns).From("stock_movements")
	if f.ProductID != nil {
		b = b.Where(sq.Eq{"product_id": *f.ProductID})
	}
	if f.LocationID != nil {
		b = b.Where(sq.Eq{"location_id": *f.LocationID})
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		b = b.Where(sq.Eq{"movement_type": types})
	}
	if f.From != nil {
		b = b.Where(sq.GtOrEq{"created_at": formatTime(*f.From)})
	}
	if f.To != nil {
		b = b.Where(sq.Lt{"created_at": formatTime(*f.To)})
	}
	return b.OrderBy("id DESC").Limit(uint64(f.Limit)).Offset(uint64(f.Offset))
}

func (r reader) ReversalOf(ctx context.Context, id ledger.MovementID) (*ledger.Movement, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+movementColumns+` FROM stock_movements
		WHERE reference_movement_id = ? AND movement_type IN ('REVERSAL', 'TRANSFER_OUT')
		LIMIT 1`, id)
	m, err := scanMovement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &m, nil
}

// MovementTotals sums quantity_change per entry in Go, since SUM over TEXT
// would go through floating point.
func (r reader) MovementTotals(ctx context.Context, p *ledger.ProductID) (map[ledger.EntryKey]ledger.Quantity, error) {
	b := sq.Select("product_id", "location_id", "quantity_change").From("stock_movements")
	if p != nil {
		b = b.Where(sq.Eq{"product_id": *p})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	totals := make(map[ledger.EntryKey]ledger.Quantity)
	for rows.Next() {
		var k ledger.EntryKey
		var change ledger.Quantity
		if err := rows.Scan(&k.ProductID, &k.LocationID, &change); err != nil {
			return nil, err
		}
		totals[k] = totals[k].Add(change)
	}
	return totals, rows.Err()
}

func (r reader) Location(ctx context.Context, id ledger.LocationID) (ledger.Location, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+locationColumns+" FROM locations WHERE id = ?", id)
	loc, err := scanLocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Location{}, &ledger.LocationError{LocationID: id, Err: ledger.ErrLocationNotFound}
	}
	if err != nil {
		return ledger.Location{}, mapError(err)
	}
	return loc, nil
}

func (r reader) Locations(ctx context.Context, f ledger.LocationFilter) ([]ledger.Location, error) {
	b := sq.Select(locationColumns).From("locations").
		OrderBy("CASE type WHEN 'WAREHOUSE' THEN 1 WHEN 'CAR' THEN 2 WHEN 'VENDING' THEN 3 ELSE 4 END", "name", "id")
	if f.Type != nil {
		b = b.Where(sq.Eq{"type": string(*f.Type)})
	}
	switch {
	case f.ActiveOnly:
		b = b.Where(sq.Eq{"status": string(ledger.StatusActive)})
	case !f.IncludeDeleted:
		b = b.Where(sq.NotEq{"status": string(ledger.StatusDeleted)})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	result := make([]ledger.Location, 0)
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, loc)
	}
	return result, rows.Err()
}

func (r reader) queryMovements(ctx context.Context, query string, args ...any) ([]ledger.Movement, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	result := make([]ledger.Movement, 0)
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// =============================================================================
// TRANSACTION
// =============================================================================

type sqlTx struct {
	reader
}

// LockEntry only reads: BEGIN IMMEDIATE already holds the write lock for the
// whole transaction.
func (t *sqlTx) LockEntry(ctx context.Context, p ledger.ProductID, l ledger.LocationID) (ledger.LedgerEntry, error) {
	e := ledger.LedgerEntry{ProductID: p, LocationID: l}
	var updatedAt string
	err := t.q.QueryRowContext(ctx,
		"SELECT quantity, updated_at FROM ledger_entries WHERE product_id = ? AND location_id = ?", p, l,
	).Scan(&e.Quantity, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		e.Quantity = ledger.NewQuantity(0)
		return e, nil
	}
	if err != nil {
		return ledger.LedgerEntry{}, mapError(err)
	}
	e.UpdatedAt = parseTime(updatedAt)
	return e, nil
}

func (t *sqlTx) SaveEntry(ctx context.Context, e ledger.LedgerEntry) error {
	if e.Quantity.IsNegative() {
		return &ledger.InsufficientStockError{
			ProductID: e.ProductID, LocationID: e.LocationID,
			Available: ledger.NewQuantity(0), Requested: e.Quantity.Neg(),
		}
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO ledger_entries (product_id, location_id, quantity, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(product_id, location_id) DO UPDATE SET
			quantity = excluded.quantity,
			updated_at = excluded.updated_at`,
		e.ProductID, e.LocationID, e.Quantity.String(), formatTime(e.UpdatedAt),
	)
	return mapError(err)
}

func (t *sqlTx) AppendMovement(ctx context.Context, m ledger.Movement) (ledger.MovementID, error) {
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO stock_movements (
			product_id, movement_type, quantity_change, quantity_before, quantity_after,
			location_id, source_location_id, target_location_id, reference_movement_id,
			note, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ProductID, string(m.Type),
		m.QuantityChange.String(), m.QuantityBefore.String(), m.QuantityAfter.String(),
		m.LocationID, nullID(m.SourceLocationID), nullID(m.TargetLocationID), nullID(m.ReferenceID),
		m.Note, formatTime(m.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) && m.IsCompensation() {
			conflict := &ledger.AlreadyReversedError{MovementID: *m.ReferenceID}
			// A failed statement leaves the transaction usable.
			if existing, lookupErr := t.ReversalOf(ctx, *m.ReferenceID); lookupErr == nil && existing != nil {
				conflict.ReversalID = existing.ID
			}
			return 0, conflict
		}
		return 0, mapError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return ledger.MovementID(id), nil
}

func (t *sqlTx) CreateLocation(ctx context.Context, loc ledger.Location) (ledger.LocationID, error) {
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO locations (name, type, description, address, status, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		loc.Name, string(loc.Type), loc.Description, loc.Address, string(loc.Status),
		formatTime(loc.CreatedAt), formatTime(loc.UpdatedAt), nullTime(loc.DeletedAt),
	)
	if err != nil {
		return 0, mapError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return ledger.LocationID(id), nil
}

// UpdateLocation never writes type or created_at.
func (t *sqlTx) UpdateLocation(ctx context.Context, loc ledger.Location) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE locations
		SET name = ?, description = ?, address = ?, status = ?, updated_at = ?, deleted_at = ?
		WHERE id = ?`,
		loc.Name, loc.Description, loc.Address, string(loc.Status),
		formatTime(loc.UpdatedAt), nullTime(loc.DeletedAt), loc.ID,
	)
	if err != nil {
		return mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ledger.LocationError{LocationID: loc.ID, Err: ledger.ErrLocationNotFound}
	}
	return nil
}

// =============================================================================
// SCANNING AND ENCODING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanMovement(row scanner) (ledger.Movement, error) {
	var (
		m            ledger.Movement
		typ, created string
		src, dst     sql.NullInt64
		ref          sql.NullInt64
	)
	err := row.Scan(
		&m.ID, &m.ProductID, &typ,
		&m.QuantityChange, &m.QuantityBefore, &m.QuantityAfter,
		&m.LocationID, &src, &dst, &ref, &m.Note, &created,
	)
	if err != nil {
		return ledger.Movement{}, err
	}
	m.Type = ledger.MovementType(typ)
	m.SourceLocationID = idFrom[ledger.LocationID](src)
	m.TargetLocationID = idFrom[ledger.LocationID](dst)
	m.ReferenceID = idFrom[ledger.MovementID](ref)
	m.CreatedAt = parseTime(created)
	return m, nil
}

func scanLocation(row scanner) (ledger.Location, error) {
	var (
		loc                  ledger.Location
		typ, status          string
		createdAt, updatedAt string
		deletedAt            sql.NullString
	)
	err := row.Scan(&loc.ID, &loc.Name, &typ, &loc.Description, &loc.Address, &status,
		&createdAt, &updatedAt, &deletedAt)
	if err != nil {
		return ledger.Location{}, err
	}
	loc.Type = ledger.LocationType(typ)
	loc.Status = ledger.LocationStatus(status)
	loc.CreatedAt = parseTime(createdAt)
	loc.UpdatedAt = parseTime(updatedAt)
	if deletedAt.Valid {
		t := parseTime(deletedAt.String)
		loc.DeletedAt = &t
	}
	return loc, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullID[T ~int64](id *T) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

func idFrom[T ~int64](n sql.NullInt64) *T {
	if !n.Valid {
		return nil
	}
	v := T(n.Int64)
	return &v
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique &&
		strings.Contains(se.Error(), "reference_movement_id")
}

// mapError turns lock contention into the retryable ledger error. Anything
// else passes through unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", ledger.ErrConcurrentModification, err)
	}
	return err
}
