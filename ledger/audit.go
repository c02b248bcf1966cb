package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// AUDIT - Who did what when. Recorded after commit, never part of the unit.
// =============================================================================

type AuditAction string

const (
	AuditMovementRecorded AuditAction = "movement_recorded"
	AuditTransferExecuted AuditAction = "transfer_executed"
	AuditMovementReversed AuditAction = "movement_reversed"
	AuditLocationCreated  AuditAction = "location_created"
	AuditLocationUpdated  AuditAction = "location_updated"
	AuditLocationDeleted  AuditAction = "location_deleted"
	AuditLocationRestored AuditAction = "location_restored"
)

// AuditEvent describes one committed operation.
type AuditEvent struct {
	ID          string
	Timestamp   time.Time
	Actor       string
	Action      AuditAction
	EntityType  string // "movement" or "location"
	EntityID    int64
	Description string
	Details     map[string]any
}

// AuditSink receives events after the ledger operation committed. Errors are
// logged by the engine and never roll anything back.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent) error
}

type actorKey struct{}

// WithActor attaches the acting user to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor attached by WithActor, or "system".
func ActorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return "system"
}

func newAuditEvent(ctx context.Context, now time.Time, action AuditAction, entityType string, entityID int64, desc string, details map[string]any) AuditEvent {
	return AuditEvent{
		ID:          uuid.NewString(),
		Timestamp:   now,
		Actor:       ActorFrom(ctx),
		Action:      action,
		EntityType:  entityType,
		EntityID:    entityID,
		Description: desc,
		Details:     details,
	}
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Record(context.Context, AuditEvent) error { return nil }

// LogSink writes events to a zerolog logger.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Record(_ context.Context, e AuditEvent) error {
	s.Logger.Info().
		Str("audit_id", e.ID).
		Str("actor", e.Actor).
		Str("action", string(e.Action)).
		Str("entity_type", e.EntityType).
		Int64("entity_id", e.EntityID).
		Fields(e.Details).
		Msg(e.Description)
	return nil
}

// MultiSink fans an event out to every sink and joins their errors.
type MultiSink []AuditSink

func (m MultiSink) Record(ctx context.Context, e AuditEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
