package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/warp/stock-ledger/ledger"
)

// AuditLog is a ledger.AuditSink writing to the audit_log table.
type AuditLog struct {
	store *Store
}

// AuditLog returns the sink backed by this database.
func (s *Store) AuditLog() *AuditLog {
	return &AuditLog{store: s}
}

// Record inserts one event. It runs outside any ledger transaction.
func (a *AuditLog) Record(ctx context.Context, e ledger.AuditEvent) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}

	a.store.mu.Lock()
	defer a.store.mu.Unlock()

	_, err = a.store.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, occurred_at, actor, action, entity_type, entity_id, description, details_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, formatTime(e.Timestamp), e.Actor, string(e.Action), e.EntityType, e.EntityID,
		e.Description, string(details),
	)
	return mapError(err)
}

// Recent returns up to limit events, newest first.
func (a *AuditLog) Recent(ctx context.Context, limit int) ([]ledger.AuditEvent, error) {
	if limit <= 0 || limit > ledger.MaxPageSize {
		limit = ledger.DefaultPageSize
	}
	rows, err := a.store.db.QueryContext(ctx, `
		SELECT id, occurred_at, actor, action, entity_type, entity_id, description, details_json
		FROM audit_log
		ORDER BY occurred_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	events := make([]ledger.AuditEvent, 0)
	for rows.Next() {
		var (
			e          ledger.AuditEvent
			occurredAt string
			action     string
			details    []byte
		)
		if err := rows.Scan(&e.ID, &occurredAt, &e.Actor, &action, &e.EntityType, &e.EntityID,
			&e.Description, &details); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(occurredAt)
		e.Action = ledger.AuditAction(action)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details for %s: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
