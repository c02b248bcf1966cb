/*
reversal.go - Reversal Engine

PURPOSE:
  Compensates a past movement without touching it. The compensation reuses
  the primitive that produced the original effect:

    original              compensation
    ──────────────────    ─────────────────────────────────────────────
    TRANSFER_OUT / IN     ExecuteTransfer with source and target swapped,
                          quantity = |TRANSFER_OUT.quantity_change|
    any other type        REVERSAL at the same location with
                          quantity_change = -original.quantity_change

  The stored quantity_change is the only input. ADJUSTMENT deltas are never
  recomputed from current counts.

AT-MOST-ONCE:
  Each movement lineage goes CREATED -> REVERSED once. The check runs inside
  the unit and the store rejects a second compensation of the same id, so
  two racing reversals cannot both commit. Reversing a TRANSFER_IN leg is
  the same as reversing its TRANSFER_OUT leg.

  A compensation is an ordinary movement and may itself be reversed by id.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// ReversalResult lists the movements created by a reversal: one REVERSAL,
// or the TRANSFER_OUT and TRANSFER_IN of the compensating transfer.
type ReversalResult struct {
	Original  Movement
	Movements []Movement
}

// IDs returns the ids of the created movements.
func (r ReversalResult) IDs() []MovementID {
	ids := make([]MovementID, 0, len(r.Movements))
	for _, m := range r.Movements {
		ids = append(ids, m.ID)
	}
	return ids
}

// CreateReversal compensates movement id.
func (e *Engine) CreateReversal(ctx context.Context, id MovementID, note string) (ReversalResult, error) {
	var res ReversalResult
	err := e.atomically(ctx, "create_reversal", func(tx Tx) error {
		var err error
		res, err = e.reverse(ctx, tx, id, note)
		return err
	}, attribute.Int64("movement.id", int64(id)))
	if err != nil {
		return ReversalResult{}, err
	}

	e.logger.Debug().
		Int64("movement_id", int64(id)).
		Interface("created", res.IDs()).
		Msg("movement reversed")
	if len(res.Movements) == 2 {
		e.emitTransfer(ctx, AuditMovementReversed, TransferResult{Out: res.Movements[0], In: res.Movements[1]})
	} else {
		m := res.Movements[0]
		e.emit(ctx, newAuditEvent(ctx, m.CreatedAt, AuditMovementReversed, "movement", int64(m.ID),
			fmt.Sprintf("reversal of movement %d (%s)", id, res.Original.Type),
			map[string]any{
				"reverses_movement_id": id,
				"quantity_change":      m.QuantityChange.String(),
				"location_id":          m.LocationID,
			}))
	}
	return res, nil
}

func (e *Engine) reverse(ctx context.Context, tx Tx, id MovementID, note string) (ReversalResult, error) {
	original, err := tx.Movement(ctx, id)
	if err != nil {
		return ReversalResult{}, err
	}

	if original.IsTransferLeg() {
		return e.reverseTransfer(ctx, tx, original, note)
	}

	if err := ensureNotReversed(ctx, tx, original.ID); err != nil {
		return ReversalResult{}, err
	}
	ref := original.ID
	m, err := e.record(ctx, tx, Movement{
		ProductID:      original.ProductID,
		Type:           Reversal,
		QuantityChange: original.QuantityChange.Neg(),
		LocationID:     original.LocationID,
		ReferenceID:    &ref,
		Note:           reversalNote(note, original.ID),
	})
	if err != nil {
		return ReversalResult{}, markConflict(err, original.ID)
	}
	return ReversalResult{Original: original, Movements: []Movement{m}}, nil
}

func (e *Engine) reverseTransfer(ctx context.Context, tx Tx, leg Movement, note string) (ReversalResult, error) {
	out := leg
	if leg.Type == TransferIn {
		if leg.ReferenceID == nil {
			return ReversalResult{}, fmt.Errorf("%w: transfer-in %d has no outbound leg", ErrLedgerCorrupted, leg.ID)
		}
		var err error
		if out, err = tx.Movement(ctx, *leg.ReferenceID); err != nil {
			return ReversalResult{}, err
		}
	}
	if out.Type != TransferOut || out.SourceLocationID == nil || out.TargetLocationID == nil {
		return ReversalResult{}, fmt.Errorf("%w: movement %d is not a complete transfer-out leg", ErrLedgerCorrupted, out.ID)
	}
	if err := ensureNotReversed(ctx, tx, out.ID); err != nil {
		return ReversalResult{}, err
	}

	outID := out.ID
	res, err := e.transfer(ctx, tx, TransferRequest{
		ProductID: out.ProductID,
		Source:    *out.TargetLocationID,
		Target:    *out.SourceLocationID,
		Quantity:  out.QuantityChange.Abs(),
		Note:      reversalNote(note, out.ID),
	}, &outID)
	if err != nil {
		return ReversalResult{}, markConflict(err, out.ID)
	}
	return ReversalResult{Original: leg, Movements: []Movement{res.Out, res.In}}, nil
}

func ensureNotReversed(ctx context.Context, r Reader, id MovementID) error {
	existing, err := r.ReversalOf(ctx, id)
	if err != nil {
		return err
	}
	if existing != nil {
		return &AlreadyReversedError{MovementID: id, ReversalID: existing.ID}
	}
	return nil
}

// markConflict fills in the movement id when the store itself reported
// the second compensation.
func markConflict(err error, id MovementID) error {
	var are *AlreadyReversedError
	if errors.As(err, &are) && are.MovementID == 0 {
		are.MovementID = id
	}
	return err
}

func reversalNote(note string, id MovementID) string {
	if note != "" {
		return note
	}
	return fmt.Sprintf("reversal of movement %d", id)
}
