/*
transfer.go - Transfer Engine

PURPOSE:
  Moves stock between two locations as one atomic unit:

    1. applyDelta(product, source, -qty)   fails with InsufficientStock
    2. applyDelta(product, target, +qty)
    3. append TRANSFER_OUT at source (source/target ids set)
    4. append TRANSFER_IN at target, referencing the TRANSFER_OUT id

  Either all four steps commit or none do.

LOCK ORDERING:
  The two entries are locked in ascending location id order regardless of
  direction, so concurrent A->B and B->A transfers of the same product
  cannot deadlock on row locks.

SEE ALSO:
  - reversal.go: Reverses a transfer by running it again with the pair swapped
*/
package ledger

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// TransferRequest moves Quantity of a product from Source to Target.
type TransferRequest struct {
	ProductID ProductID
	Source    LocationID
	Target    LocationID
	Quantity  Quantity
	Note      string
}

func (r TransferRequest) validate() error {
	if !r.Quantity.IsPositive() {
		return invalid("quantity", ErrInvalidQuantity)
	}
	if r.Source == r.Target {
		return invalid("target_location_id", ErrInvalidLocationPair)
	}
	return nil
}

// TransferResult holds both legs of a committed transfer.
type TransferResult struct {
	Out Movement
	In  Movement
}

// SourceQuantity is the quantity left at the source after the transfer.
func (r TransferResult) SourceQuantity() Quantity { return r.Out.QuantityAfter }

// TargetQuantity is the quantity at the target after the transfer.
func (r TransferResult) TargetQuantity() Quantity { return r.In.QuantityAfter }

// ExecuteTransfer moves stock between two active locations.
func (e *Engine) ExecuteTransfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	if err := req.validate(); err != nil {
		return TransferResult{}, err
	}

	var res TransferResult
	err := e.atomically(ctx, "execute_transfer", func(tx Tx) error {
		var err error
		res, err = e.transfer(ctx, tx, req, nil)
		return err
	},
		attribute.Int64("product.id", int64(req.ProductID)),
		attribute.Int64("transfer.source", int64(req.Source)),
		attribute.Int64("transfer.target", int64(req.Target)),
	)
	if err != nil {
		return TransferResult{}, err
	}

	e.logger.Debug().
		Int64("out_id", int64(res.Out.ID)).
		Int64("in_id", int64(res.In.ID)).
		Str("quantity", req.Quantity.String()).
		Msg("transfer executed")
	e.emitTransfer(ctx, AuditTransferExecuted, res)
	return res, nil
}

// transfer runs the four steps inside tx. compensates is set when the
// transfer reverses an earlier TRANSFER_OUT; it becomes the reference of
// the new TRANSFER_OUT leg.
func (e *Engine) transfer(ctx context.Context, tx Tx, req TransferRequest, compensates *MovementID) (TransferResult, error) {
	if _, err := requireActive(ctx, tx, req.Source); err != nil {
		return TransferResult{}, err
	}
	if _, err := requireActive(ctx, tx, req.Target); err != nil {
		return TransferResult{}, err
	}

	first, second := req.Source, req.Target
	if second < first {
		first, second = second, first
	}
	if _, err := tx.LockEntry(ctx, req.ProductID, first); err != nil {
		return TransferResult{}, err
	}
	if _, err := tx.LockEntry(ctx, req.ProductID, second); err != nil {
		return TransferResult{}, err
	}

	now := e.now().UTC()
	srcBefore, srcAfter, err := applyDelta(ctx, tx, req.ProductID, req.Source, req.Quantity.Neg(), now)
	if err != nil {
		return TransferResult{}, err
	}
	dstBefore, dstAfter, err := applyDelta(ctx, tx, req.ProductID, req.Target, req.Quantity, now)
	if err != nil {
		return TransferResult{}, err
	}

	src, dst := req.Source, req.Target
	out := Movement{
		ProductID:        req.ProductID,
		Type:             TransferOut,
		QuantityChange:   req.Quantity.Neg(),
		QuantityBefore:   srcBefore,
		QuantityAfter:    srcAfter,
		LocationID:       src,
		SourceLocationID: &src,
		TargetLocationID: &dst,
		ReferenceID:      compensates,
		Note:             req.Note,
		CreatedAt:        now,
	}
	if err := appendMovement(ctx, tx, &out); err != nil {
		return TransferResult{}, err
	}

	outID := out.ID
	in := Movement{
		ProductID:        req.ProductID,
		Type:             TransferIn,
		QuantityChange:   req.Quantity,
		QuantityBefore:   dstBefore,
		QuantityAfter:    dstAfter,
		LocationID:       dst,
		SourceLocationID: &src,
		TargetLocationID: &dst,
		ReferenceID:      &outID,
		Note:             req.Note,
		CreatedAt:        now,
	}
	if err := appendMovement(ctx, tx, &in); err != nil {
		return TransferResult{}, err
	}
	return TransferResult{Out: out, In: in}, nil
}

func (e *Engine) emitTransfer(ctx context.Context, action AuditAction, res TransferResult) {
	desc := fmt.Sprintf("transfer of %s of product %d from location %d to %d",
		res.In.QuantityChange, res.Out.ProductID, res.Out.LocationID, res.In.LocationID)
	details := map[string]any{
		"product_id":         res.Out.ProductID,
		"source_location_id": res.Out.LocationID,
		"target_location_id": res.In.LocationID,
		"quantity":           res.In.QuantityChange.String(),
		"in_movement_id":     res.In.ID,
	}
	if res.Out.ReferenceID != nil {
		details["reverses_movement_id"] = *res.Out.ReferenceID
	}
	e.emit(ctx, newAuditEvent(ctx, res.Out.CreatedAt, action, "movement", int64(res.Out.ID), desc, details))
}
