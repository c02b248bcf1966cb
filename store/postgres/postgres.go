/*
Package postgres provides a PostgreSQL-backed implementation of ledger.Store.

PURPOSE:
  The server database for deployments with more than one writer process.
  Same schema and guarantees as store/sqlite, expressed with row locks
  instead of a database-wide write lock.

CONCURRENCY:
  Transactions run at READ COMMITTED. LockEntry materializes the entry row
  (INSERT ... ON CONFLICT DO NOTHING) and then takes SELECT ... FOR UPDATE,
  so a read-then-write of a quantity is never interleaved with another
  writer. Location reads inside a transaction use FOR SHARE so a location
  cannot be deactivated under a movement that already checked it.
  Serialization failures (40001) and deadlocks (40P01) surface as
  ledger.ErrConcurrentModification and are retried by the engine.

SINGLE COMPENSATION:
  idx_movements_single_compensation rejects a second REVERSAL or
  compensating TRANSFER_OUT for the same movement. A concurrent reversal
  that loses the race gets 23505 and is reported as ledger.ErrAlreadyReversed.

TRACING:
  Every transaction is an OpenTelemetry span "postgres.tx".

SEE ALSO:
  - pool.go: Pool construction and the NUMERIC codec
  - audit.go: audit_log sink
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/warp/stock-ledger/ledger"
)

var tracer = otel.Tracer("github.com/warp/stock-ledger/store/postgres")

const compensationIndex = "idx_movements_single_compensation"

const (
	locationColumns = "id, name, type, description, address, status, created_at, updated_at, deleted_at"
	entryColumns    = "product_id, location_id, quantity, updated_at"
	movementColumns = "id, product_id, movement_type, quantity_change, quantity_before, quantity_after, " +
		"location_id, source_location_id, target_location_id, reference_movement_id, note, created_at"
)

const schema = `
CREATE TABLE IF NOT EXISTS locations (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	type TEXT NOT NULL CHECK (type IN ('WAREHOUSE', 'CAR', 'VENDING')),
	description TEXT NOT NULL DEFAULT '',
	address TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'ACTIVE' CHECK (status IN ('ACTIVE', 'INACTIVE', 'DELETED')),
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	deleted_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	product_id BIGINT NOT NULL,
	location_id BIGINT NOT NULL REFERENCES locations(id),
	quantity NUMERIC NOT NULL CHECK (quantity >= 0),
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (product_id, location_id)
);

CREATE INDEX IF NOT EXISTS idx_entries_location ON ledger_entries(location_id);

CREATE TABLE IF NOT EXISTS stock_movements (
	id BIGSERIAL PRIMARY KEY,
	product_id BIGINT NOT NULL,
	movement_type TEXT NOT NULL CHECK (movement_type IN (
		'STOCK_IN', 'INITIAL', 'RETURN', 'STOCK_OUT', 'CONSUMPTION', 'LOSS',
		'ADJUSTMENT', 'TRANSFER_OUT', 'TRANSFER_IN', 'REVERSAL')),
	quantity_change NUMERIC NOT NULL,
	quantity_before NUMERIC NOT NULL,
	quantity_after NUMERIC NOT NULL CHECK (quantity_after >= 0),
	location_id BIGINT NOT NULL REFERENCES locations(id),
	source_location_id BIGINT REFERENCES locations(id),
	target_location_id BIGINT REFERENCES locations(id),
	reference_movement_id BIGINT REFERENCES stock_movements(id),
	note TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_movements_product ON stock_movements(product_id, id DESC);
CREATE INDEX IF NOT EXISTS idx_movements_location ON stock_movements(location_id, id DESC);
CREATE INDEX IF NOT EXISTS idx_movements_created ON stock_movements(created_at);

CREATE UNIQUE INDEX IF NOT EXISTS idx_movements_single_compensation
	ON stock_movements(reference_movement_id)
	WHERE reference_movement_id IS NOT NULL
	  AND movement_type IN ('REVERSAL', 'TRANSFER_OUT');

CREATE OR REPLACE FUNCTION stock_movements_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'stock_movements is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_stock_movements_append_only ON stock_movements;
CREATE TRIGGER trg_stock_movements_append_only
	BEFORE UPDATE OR DELETE ON stock_movements
	FOR EACH ROW EXECUTE FUNCTION stock_movements_append_only();

CREATE TABLE IF NOT EXISTS audit_log (
	id UUID PRIMARY KEY,
	occurred_at TIMESTAMPTZ NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id BIGINT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	details JSONB
);

CREATE INDEX IF NOT EXISTS idx_audit_log_occurred ON audit_log(occurred_at DESC);
`

// Store implements ledger.Store on PostgreSQL.
type Store struct {
	reader
	pool             *pgxpool.Pool
	ownsPool         bool
	statementTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithStatementTimeout bounds every statement inside a transaction.
func WithStatementTimeout(d time.Duration) Option {
	return func(s *Store) { s.statementTimeout = d }
}

// New wraps an existing pool and migrates the schema. The caller keeps
// ownership of the pool.
func New(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	s := &Store{
		reader:           reader{q: pool, builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)},
		pool:             pool,
		statementTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Open creates a pool from cfg and a Store that closes it on Close.
func Open(ctx context.Context, cfg PoolConfig, opts ...Option) (*Store, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s, err := New(ctx, pool, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.ownsPool = true
	return s, nil
}

// Close releases the pool if the Store created it.
func (s *Store) Close() error {
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}

// Pool exposes the underlying pool for maintenance and tests.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// WithTx runs fn in one READ COMMITTED transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) (err error) {
	ctx, span := tracer.Start(ctx, "postgres.tx",
		trace.WithAttributes(attribute.String("tx.isolation", string(pgx.ReadCommitted))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return mapError(fmt.Errorf("begin transaction: %w", err))
	}
	if s.statementTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", s.statementTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(context.Background())
			return fmt.Errorf("set statement_timeout: %w", err)
		}
	}

	if err := fn(&pgTx{reader: reader{q: tx, builder: s.builder, locking: true}}); err != nil {
		// Background context so the rollback completes after cancellation.
		_ = tx.Rollback(context.Background())
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// Snapshot runs fn in one REPEATABLE READ, READ ONLY transaction, so every
// statement sees the snapshot taken by the first one.
func (s *Store) Snapshot(ctx context.Context, fn func(ledger.Reader) error) (err error) {
	ctx, span := tracer.Start(ctx, "postgres.snapshot",
		trace.WithAttributes(attribute.String("tx.isolation", string(pgx.RepeatableRead))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return mapError(fmt.Errorf("begin snapshot: %w", err))
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if s.statementTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", s.statementTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("set statement_timeout: %w", err)
		}
	}
	return fn(reader{q: tx, builder: s.builder})
}

// =============================================================================
// ROWS
// =============================================================================

type locationRow struct {
	ID          int64      `db:"id"`
	Name        string     `db:"name"`
	Type        string     `db:"type"`
	Description string     `db:"description"`
	Address     string     `db:"address"`
	Status      string     `db:"status"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	DeletedAt   *time.Time `db:"deleted_at"`
}

func (r locationRow) toLocation() ledger.Location {
	return ledger.Location{
		ID:          ledger.LocationID(r.ID),
		Name:        r.Name,
		Type:        ledger.LocationType(r.Type),
		Description: r.Description,
		Address:     r.Address,
		Status:      ledger.LocationStatus(r.Status),
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
		DeletedAt:   utcPtr(r.DeletedAt),
	}
}

type entryRow struct {
	ProductID  int64           `db:"product_id"`
	LocationID int64           `db:"location_id"`
	Quantity   ledger.Quantity `db:"quantity"`
	UpdatedAt  time.Time       `db:"updated_at"`
}

func (r entryRow) toEntry() ledger.LedgerEntry {
	return ledger.LedgerEntry{
		ProductID:  ledger.ProductID(r.ProductID),
		LocationID: ledger.LocationID(r.LocationID),
		Quantity:   r.Quantity,
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
}

type movementRow struct {
	ID               int64           `db:"id"`
	ProductID        int64           `db:"product_id"`
	MovementType     string          `db:"movement_type"`
	QuantityChange   ledger.Quantity `db:"quantity_change"`
	QuantityBefore   ledger.Quantity `db:"quantity_before"`
	QuantityAfter    ledger.Quantity `db:"quantity_after"`
	LocationID       int64           `db:"location_id"`
	SourceLocationID *int64          `db:"source_location_id"`
	TargetLocationID *int64          `db:"target_location_id"`
	ReferenceID      *int64          `db:"reference_movement_id"`
	Note             string          `db:"note"`
	CreatedAt        time.Time       `db:"created_at"`
}

func (r movementRow) toMovement() ledger.Movement {
	return ledger.Movement{
		ID:               ledger.MovementID(r.ID),
		ProductID:        ledger.ProductID(r.ProductID),
		Type:             ledger.MovementType(r.MovementType),
		QuantityChange:   r.QuantityChange,
		QuantityBefore:   r.QuantityBefore,
		QuantityAfter:    r.QuantityAfter,
		LocationID:       ledger.LocationID(r.LocationID),
		SourceLocationID: convertID[ledger.LocationID](r.SourceLocationID),
		TargetLocationID: convertID[ledger.LocationID](r.TargetLocationID),
		ReferenceID:      convertID[ledger.MovementID](r.ReferenceID),
		Note:             r.Note,
		CreatedAt:        r.CreatedAt.UTC(),
	}
}

// =============================================================================
// READS
// =============================================================================

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type reader struct {
	q       querier
	builder sq.StatementBuilderType
	locking bool // inside a transaction: location reads take FOR SHARE
}

func (r reader) Quantity(ctx context.Context, p ledger.ProductID, l ledger.LocationID) (ledger.Quantity, error) {
	var q ledger.Quantity
	err := r.q.QueryRow(ctx,
		"SELECT quantity FROM ledger_entries WHERE product_id = $1 AND location_id = $2",
		int64(p), int64(l),
	).Scan(&q)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.NewQuantity(0), nil
	}
	if err != nil {
		return ledger.Quantity{}, mapError(err)
	}
	return q, nil
}

func (r reader) Entries(ctx context.Context, f ledger.EntryFilter) ([]ledger.LedgerEntry, error) {
	b := r.builder.Select(entryColumns).From("ledger_entries").OrderBy("location_id", "product_id")
	if f.ProductID != nil {
		b = b.Where(sq.Eq{"product_id": int64(*f.ProductID)})
	}
	if f.LocationID != nil {
		b = b.Where(sq.Eq{"location_id": int64(*f.LocationID)})
	}
	if f.NonZeroOnly {
		b = b.Where(sq.Gt{"quantity": 0})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rows []entryRow
	if err := pgxscan.Select(ctx, r.q, &rows, query, args...); err != nil {
		return nil, mapError(fmt.Errorf("select entries: %w", err))
	}
	result := make([]ledger.LedgerEntry, len(rows))
	for i, row := range rows {
		result[i] = row.toEntry()
	}
	return result, nil
}

func (r reader) Movement(ctx context.Context, id ledger.MovementID) (ledger.Movement, error) {
	var row movementRow
	err := pgxscan.Get(ctx, r.q, &row,
		"SELECT "+movementColumns+" FROM stock_movements WHERE id = $1", int64(id))
	if pgxscan.NotFound(err) {
		return ledger.Movement{}, fmt.Errorf("%w: %d", ledger.ErrMovementNotFound, id)
	}
	if err != nil {
		return ledger.Movement{}, mapError(fmt.Errorf("get movement: %w", err))
	}
	return row.toMovement(), nil
}

func (r reader) Movements(ctx context.Context, f ledger.MovementFilter) ([]ledger.Movement, error) {
	f = f.Normalized()
	b := r.builder.Select(movementColumns).From("stock_movements")
	if f.ProductID != nil {
		b = b.Where(sq.Eq{"product_id": int64(*f.ProductID)})
	}
	if f.LocationID != nil {
		b = b.Where(sq.Eq{"location_id": int64(*f.LocationID)})
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		b = b.Where(sq.Eq{"movement_type": types})
	}
	if f.From != nil {
		b = b.Where(sq.GtOrEq{"created_at": f.From.UTC()})
	}
	if f.To != nil {
		b = b.Where(sq.Lt{"created_at": f.To.UTC()})
	}
	b = b.OrderBy("id DESC").Limit(uint64(f.Limit)).Offset(uint64(f.Offset))

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return r.selectMovements(ctx, query, args...)
}

func (r reader) ReversalOf(ctx context.Context, id ledger.MovementID) (*ledger.Movement, error) {
	var row movementRow
	err := pgxscan.Get(ctx, r.q, &row, `
		SELECT `+movementColumns+` FROM stock_movements
		WHERE reference_movement_id = $1 AND movement_type IN ('REVERSAL', 'TRANSFER_OUT')
		LIMIT 1`, int64(id))
	if pgxscan.NotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("get reversal: %w", err))
	}
	m := row.toMovement()
	return &m, nil
}

func (r reader) MovementTotals(ctx context.Context, p *ledger.ProductID) (map[ledger.EntryKey]ledger.Quantity, error) {
	b := r.builder.Select("product_id", "location_id", "SUM(quantity_change) AS total").
		From("stock_movements").
		GroupBy("product_id", "location_id")
	if p != nil {
		b = b.Where(sq.Eq{"product_id": int64(*p)})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rows []struct {
		ProductID  int64           `db:"product_id"`
		LocationID int64           `db:"location_id"`
		Total      ledger.Quantity `db:"total"`
	}
	if err := pgxscan.Select(ctx, r.q, &rows, query, args...); err != nil {
		return nil, mapError(fmt.Errorf("select totals: %w", err))
	}
	totals := make(map[ledger.EntryKey]ledger.Quantity, len(rows))
	for _, row := range rows {
		totals[ledger.EntryKey{
			ProductID:  ledger.ProductID(row.ProductID),
			LocationID: ledger.LocationID(row.LocationID),
		}] = row.Total
	}
	return totals, nil
}

func (r reader) Location(ctx context.Context, id ledger.LocationID) (ledger.Location, error) {
	query := "SELECT " + locationColumns + " FROM locations WHERE id = $1"
	if r.locking {
		query += " FOR SHARE"
	}
	var row locationRow
	err := pgxscan.Get(ctx, r.q, &row, query, int64(id))
	if pgxscan.NotFound(err) {
		return ledger.Location{}, &ledger.LocationError{LocationID: id, Err: ledger.ErrLocationNotFound}
	}
	if err != nil {
		return ledger.Location{}, mapError(fmt.Errorf("get location: %w", err))
	}
	return row.toLocation(), nil
}

func (r reader) Locations(ctx context.Context, f ledger.LocationFilter) ([]ledger.Location, error) {
	b := r.builder.Select(locationColumns).From("locations").
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
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rows []locationRow
	if err := pgxscan.Select(ctx, r.q, &rows, query, args...); err != nil {
		return nil, mapError(fmt.Errorf("select locations: %w", err))
	}
	result := make([]ledger.Location, len(rows))
	for i, row := range rows {
		result[i] = row.toLocation()
	}
	return result, nil
}

func (r reader) selectMovements(ctx context.Context, query string, args ...any) ([]ledger.Movement, error) {
	var rows []movementRow
	if err := pgxscan.Select(ctx, r.q, &rows, query, args...); err != nil {
		return nil, mapError(fmt.Errorf("select movements: %w", err))
	}
	result := make([]ledger.Movement, len(rows))
	for i, row := range rows {
		result[i] = row.toMovement()
	}
	return result, nil
}

// =============================================================================
// TRANSACTION
// =============================================================================

type pgTx struct {
	reader
}

// LockEntry creates the row if needed so there is always something to lock.
func (t *pgTx) LockEntry(ctx context.Context, p ledger.ProductID, l ledger.LocationID) (ledger.LedgerEntry, error) {
	_, err := t.q.Exec(ctx, `
		INSERT INTO ledger_entries (product_id, location_id, quantity, updated_at)
		VALUES ($1, $2, 0, now())
		ON CONFLICT (product_id, location_id) DO NOTHING`,
		int64(p), int64(l))
	if err != nil {
		return ledger.LedgerEntry{}, mapError(fmt.Errorf("materialize entry: %w", err))
	}

	var row entryRow
	err = pgxscan.Get(ctx, t.q, &row, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE product_id = $1 AND location_id = $2
		FOR UPDATE`,
		int64(p), int64(l))
	if err != nil {
		return ledger.LedgerEntry{}, mapError(fmt.Errorf("lock entry: %w", err))
	}
	return row.toEntry(), nil
}

func (t *pgTx) SaveEntry(ctx context.Context, e ledger.LedgerEntry) error {
	if e.Quantity.IsNegative() {
		return &ledger.InsufficientStockError{
			ProductID: e.ProductID, LocationID: e.LocationID,
			Available: ledger.NewQuantity(0), Requested: e.Quantity.Neg(),
		}
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO ledger_entries (product_id, location_id, quantity, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (product_id, location_id) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			updated_at = EXCLUDED.updated_at`,
		int64(e.ProductID), int64(e.LocationID), e.Quantity, e.UpdatedAt.UTC())
	return mapError(err)
}

func (t *pgTx) AppendMovement(ctx context.Context, m ledger.Movement) (ledger.MovementID, error) {
	var id int64
	err := t.q.QueryRow(ctx, `
		INSERT INTO stock_movements (
			product_id, movement_type, quantity_change, quantity_before, quantity_after,
			location_id, source_location_id, target_location_id, reference_movement_id,
			note, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		int64(m.ProductID), string(m.Type), m.QuantityChange, m.QuantityBefore, m.QuantityAfter,
		int64(m.LocationID), rawID(m.SourceLocationID), rawID(m.TargetLocationID), rawID(m.ReferenceID),
		m.Note, m.CreatedAt.UTC(),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == compensationIndex && m.ReferenceID != nil {
			// The transaction is aborted now; the engine fills in what it knows.
			return 0, &ledger.AlreadyReversedError{MovementID: *m.ReferenceID}
		}
		return 0, mapError(fmt.Errorf("insert movement: %w", err))
	}
	return ledger.MovementID(id), nil
}

func (t *pgTx) CreateLocation(ctx context.Context, loc ledger.Location) (ledger.LocationID, error) {
	var id int64
	err := t.q.QueryRow(ctx, `
		INSERT INTO locations (name, type, description, address, status, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		loc.Name, string(loc.Type), loc.Description, loc.Address, string(loc.Status),
		loc.CreatedAt.UTC(), loc.UpdatedAt.UTC(), utcPtr(loc.DeletedAt),
	).Scan(&id)
	if err != nil {
		return 0, mapError(fmt.Errorf("insert location: %w", err))
	}
	return ledger.LocationID(id), nil
}

// UpdateLocation never writes type or created_at.
func (t *pgTx) UpdateLocation(ctx context.Context, loc ledger.Location) error {
	q := t.builder.Update("locations").
		Set("name", loc.Name).
		Set("description", loc.Description).
		Set("address", loc.Address).
		Set("status", string(loc.Status)).
		Set("updated_at", loc.UpdatedAt.UTC()).
		Set("deleted_at", utcPtr(loc.DeletedAt)).
		Where(sq.Eq{"id": int64(loc.ID)})
	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	tag, err := t.q.Exec(ctx, query, args...)
	if err != nil {
		return mapError(fmt.Errorf("update location: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return &ledger.LocationError{LocationID: loc.ID, Err: ledger.ErrLocationNotFound}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %v", ledger.ErrConcurrentModification, err)
		}
	}
	return err
}

func rawID[T ~int64](id *T) *int64 {
	if id == nil {
		return nil
	}
	v := int64(*id)
	return &v
}

func convertID[T ~int64](id *int64) *T {
	if id == nil {
		return nil
	}
	v := T(*id)
	return &v
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
