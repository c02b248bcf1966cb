/*
ledger.go - Ledger Store and Movement Log primitives

PURPOSE:
  The two primitives every write path is built from:
    applyDelta:     lock the (product, location) entry, reject a negative
                    result, persist the new quantity
    appendMovement: validate and append one immutable movement record
  Both always run inside the same Tx, so a delta is never applied
  without its movement and a movement is never recorded without its delta.

CRITICAL INVARIANTS:
  1. NON-NEGATIVE: No ledger entry quantity is ever below zero
  2. ARITHMETIC: quantity_after = quantity_before + quantity_change
  3. APPEND-ONLY: Movements are never updated or deleted
  4. DERIVABLE: Replaying the log per location reproduces every entry

CORRECTIONS:
  Mistakes are compensated with reversal movements (see reversal.go).
  Both original and compensation remain in the log.

SEE ALSO:
  - store.go: The Tx these primitives run against
  - transfer.go: Two applyDelta calls and two appends in one unit
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// =============================================================================
// LEDGER STORE PRIMITIVE
// =============================================================================

// applyDelta adds delta to the entry, creating it at zero if absent.
func applyDelta(ctx context.Context, tx Tx, productID ProductID, locationID LocationID, delta Quantity, now time.Time) (before, after Quantity, err error) {
	entry, err := tx.LockEntry(ctx, productID, locationID)
	if err != nil {
		return Quantity{}, Quantity{}, err
	}
	before = entry.Quantity
	after = before.Add(delta)
	if after.IsNegative() {
		return Quantity{}, Quantity{}, &InsufficientStockError{
			ProductID:  productID,
			LocationID: locationID,
			Available:  before,
			Requested:  delta.Neg(),
		}
	}
	entry.Quantity = after
	entry.UpdatedAt = now
	if err := tx.SaveEntry(ctx, entry); err != nil {
		return Quantity{}, Quantity{}, err
	}
	return before, after, nil
}

// =============================================================================
// MOVEMENT LOG PRIMITIVE
// =============================================================================

func appendMovement(ctx context.Context, tx Tx, m *Movement) error {
	if !m.Type.Valid() {
		return invalid("type", ErrInvalidMovementType)
	}
	if !m.QuantityBefore.Add(m.QuantityChange).Equal(m.QuantityAfter) {
		return fmt.Errorf("%w: movement %s before %s change %s after %s",
			ErrLedgerCorrupted, m.Type, m.QuantityBefore, m.QuantityChange, m.QuantityAfter)
	}
	id, err := tx.AppendMovement(ctx, *m)
	if err != nil {
		return err
	}
	m.ID = id
	return nil
}

// record applies delta at one location and appends the matching movement.
func (e *Engine) record(ctx context.Context, tx Tx, m Movement) (Movement, error) {
	if _, err := requireActive(ctx, tx, m.LocationID); err != nil {
		return Movement{}, err
	}
	m.CreatedAt = e.now().UTC()
	before, after, err := applyDelta(ctx, tx, m.ProductID, m.LocationID, m.QuantityChange, m.CreatedAt)
	if err != nil {
		return Movement{}, err
	}
	m.QuantityBefore = before
	m.QuantityAfter = after
	if err := appendMovement(ctx, tx, &m); err != nil {
		return Movement{}, err
	}
	return m, nil
}

func requireActive(ctx context.Context, r Reader, id LocationID) (Location, error) {
	loc, err := r.Location(ctx, id)
	if err != nil {
		return Location{}, err
	}
	if !loc.IsActive() {
		return Location{}, &LocationError{LocationID: id, Err: ErrLocationInactive}
	}
	return loc, nil
}

// =============================================================================
// SINGLE-LOCATION MOVEMENTS
// =============================================================================

// MovementRequest describes a non-transfer movement. Quantity is the
// positive magnitude for inbound and outbound types. ADJUSTMENT ignores
// Quantity and takes TargetQuantity, the newly counted value.
type MovementRequest struct {
	ProductID      ProductID
	LocationID     LocationID
	Type           MovementType
	Quantity       Quantity
	TargetQuantity *Quantity
	Note           string
}

func (r MovementRequest) validate() error {
	if !r.Type.Valid() || !r.Type.IsSingleLocation() {
		return invalid("type", ErrInvalidMovementType)
	}
	if r.Type == Adjustment {
		if r.TargetQuantity == nil || r.TargetQuantity.IsNegative() {
			return invalid("target_quantity", ErrInvalidQuantity)
		}
		return nil
	}
	if !r.Quantity.IsPositive() {
		return invalid("quantity", ErrInvalidQuantity)
	}
	return nil
}

// RecordMovement applies a single-location movement and returns it.
func (e *Engine) RecordMovement(ctx context.Context, req MovementRequest) (Movement, error) {
	if err := req.validate(); err != nil {
		return Movement{}, err
	}

	var out Movement
	err := e.atomically(ctx, "record_movement", func(tx Tx) error {
		var delta Quantity
		if req.Type == Adjustment {
			if _, err := requireActive(ctx, tx, req.LocationID); err != nil {
				return err
			}
			// Lock before reading so the count cannot move under us.
			current, err := tx.LockEntry(ctx, req.ProductID, req.LocationID)
			if err != nil {
				return err
			}
			delta = req.TargetQuantity.Sub(current.Quantity)
		} else {
			var err error
			if delta, err = req.Type.SignedDelta(req.Quantity); err != nil {
				return err
			}
		}
		m, err := e.record(ctx, tx, Movement{
			ProductID:      req.ProductID,
			Type:           req.Type,
			QuantityChange: delta,
			LocationID:     req.LocationID,
			Note:           req.Note,
		})
		out = m
		return err
	},
		attribute.Int64("product.id", int64(req.ProductID)),
		attribute.Int64("location.id", int64(req.LocationID)),
		attribute.String("movement.type", string(req.Type)),
	)
	if err != nil {
		return Movement{}, err
	}

	e.logger.Debug().
		Int64("movement_id", int64(out.ID)).
		Str("type", string(out.Type)).
		Str("change", out.QuantityChange.String()).
		Msg("movement recorded")
	e.emit(ctx, newAuditEvent(ctx, out.CreatedAt, AuditMovementRecorded, "movement", int64(out.ID),
		fmt.Sprintf("%s of %s for product %d at location %d", out.Type, out.QuantityChange, out.ProductID, out.LocationID),
		map[string]any{
			"product_id":      out.ProductID,
			"location_id":     out.LocationID,
			"quantity_change": out.QuantityChange.String(),
			"quantity_after":  out.QuantityAfter.String(),
		}))
	return out, nil
}

// =============================================================================
// READS
// =============================================================================

// GetQuantity returns the current quantity, zero when no entry exists.
func (e *Engine) GetQuantity(ctx context.Context, productID ProductID, locationID LocationID) (Quantity, error) {
	return e.store.Quantity(ctx, productID, locationID)
}

// Movement returns one movement by id.
func (e *Engine) Movement(ctx context.Context, id MovementID) (Movement, error) {
	return e.store.Movement(ctx, id)
}

// QueryMovements returns a page of movements matching filter, newest first.
func (e *Engine) QueryMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	return e.store.Movements(ctx, filter.Normalized())
}

// TransferHistory returns transfer legs matching filter, newest first.
func (e *Engine) TransferHistory(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	filter.Types = []MovementType{TransferOut, TransferIn}
	return e.QueryMovements(ctx, filter)
}

// FindReversalOf returns the compensation of id, or nil if it was never
// reversed. For a TRANSFER_IN leg the lookup goes through its TRANSFER_OUT
// leg, since a transfer is reversed as a pair.
func (e *Engine) FindReversalOf(ctx context.Context, id MovementID) (*Movement, error) {
	return findReversalOf(ctx, e.store, id)
}

func findReversalOf(ctx context.Context, r Reader, id MovementID) (*Movement, error) {
	m, err := r.Movement(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Type == TransferIn && m.ReferenceID != nil {
		id = *m.ReferenceID
	}
	return r.ReversalOf(ctx, id)
}
