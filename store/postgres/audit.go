package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/stock-ledger/ledger"
)

// AuditLog is a ledger.AuditSink writing to the audit_log table.
type AuditLog struct {
	pool *pgxpool.Pool
}

// AuditLog returns the sink backed by this database.
func (s *Store) AuditLog() *AuditLog {
	return &AuditLog{pool: s.pool}
}

func (a *AuditLog) Record(ctx context.Context, e ledger.AuditEvent) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO audit_log (id, occurred_at, actor, action, entity_type, entity_id, description, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.Timestamp.UTC(), e.Actor, string(e.Action), e.EntityType, e.EntityID, e.Description, e.Details,
	)
	if err != nil {
		return mapError(fmt.Errorf("insert audit event: %w", err))
	}
	return nil
}

type auditRow struct {
	ID          string         `db:"id"`
	OccurredAt  time.Time      `db:"occurred_at"`
	Actor       string         `db:"actor"`
	Action      string         `db:"action"`
	EntityType  string         `db:"entity_type"`
	EntityID    int64          `db:"entity_id"`
	Description string         `db:"description"`
	Details     map[string]any `db:"details"`
}

// Recent returns up to limit events, newest first.
func (a *AuditLog) Recent(ctx context.Context, limit int) ([]ledger.AuditEvent, error) {
	if limit <= 0 || limit > ledger.MaxPageSize {
		limit = ledger.DefaultPageSize
	}
	var rows []auditRow
	err := pgxscan.Select(ctx, a.pool, &rows, `
		SELECT id::text AS id, occurred_at, actor, action, entity_type, entity_id, description, details
		FROM audit_log
		ORDER BY occurred_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, mapError(fmt.Errorf("select audit events: %w", err))
	}

	events := make([]ledger.AuditEvent, len(rows))
	for i, r := range rows {
		events[i] = ledger.AuditEvent{
			ID:          r.ID,
			Timestamp:   r.OccurredAt.UTC(),
			Actor:       r.Actor,
			Action:      ledger.AuditAction(r.Action),
			EntityType:  r.EntityType,
			EntityID:    r.EntityID,
			Description: r.Description,
			Details:     r.Details,
		}
	}
	return events, nil
}
