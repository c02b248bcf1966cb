package ledger

import "fmt"

// =============================================================================
// MOVEMENT TYPE TAXONOMY
// =============================================================================

// MovementType classifies a movement. The set is closed: every type maps to
// exactly one Direction, and Direction has no zero value default.
type MovementType string

const (
	StockIn     MovementType = "STOCK_IN"     // external receipt
	Initial     MovementType = "INITIAL"      // opening balance
	Return      MovementType = "RETURN"       // stock returned into a location
	StockOut    MovementType = "STOCK_OUT"    // external removal or sale
	Consumption MovementType = "CONSUMPTION"  // leaves a mobile unit, no destination
	Loss        MovementType = "LOSS"         // shrinkage, write-off
	Adjustment  MovementType = "ADJUSTMENT"   // counted correction
	TransferOut MovementType = "TRANSFER_OUT" // debit leg of a transfer
	TransferIn  MovementType = "TRANSFER_IN"  // credit leg of a transfer
	Reversal    MovementType = "REVERSAL"     // compensation of a single-location movement
)

// AllMovementTypes lists every movement type in display order.
var AllMovementTypes = []MovementType{
	StockIn, Initial, Return, StockOut, Consumption, Loss,
	Adjustment, TransferOut, TransferIn, Reversal,
}

// Direction is the ledger effect a movement type is allowed to have.
type Direction int

const (
	directionUnknown Direction = iota
	Inbound                    // +qty
	Outbound                   // -qty
	ExplicitDelta              // signed delta supplied by the caller
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	case ExplicitDelta:
		return "explicit"
	}
	return "unknown"
}

// Direction returns the sign policy of t. Unknown types return an error
// rather than a silent zero sign.
func (t MovementType) Direction() (Direction, error) {
	switch t {
	case StockIn, Initial, Return, TransferIn:
		return Inbound, nil
	case StockOut, Consumption, Loss, TransferOut:
		return Outbound, nil
	case Adjustment, Reversal:
		return ExplicitDelta, nil
	}
	return directionUnknown, fmt.Errorf("%w: %q", ErrInvalidMovementType, string(t))
}

// Valid reports whether t belongs to the taxonomy.
func (t MovementType) Valid() bool {
	_, err := t.Direction()
	return err == nil
}

// IsSingleLocation reports whether t may be recorded directly through
// RecordMovement. Transfer legs and reversals are produced by the engine only.
func (t MovementType) IsSingleLocation() bool {
	switch t {
	case StockIn, Initial, Return, StockOut, Consumption, Loss, Adjustment:
		return true
	}
	return false
}

// SignedDelta applies the sign policy of t to a positive magnitude.
// Explicit-delta types are returned unchanged.
func (t MovementType) SignedDelta(qty Quantity) (Quantity, error) {
	dir, err := t.Direction()
	if err != nil {
		return Quantity{}, err
	}
	switch dir {
	case Inbound:
		return qty.Abs(), nil
	case Outbound:
		return qty.Abs().Neg(), nil
	default:
		return qty, nil
	}
}

// ParseMovementType converts a string into a MovementType.
func ParseMovementType(s string) (MovementType, error) {
	t := MovementType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidMovementType, s)
	}
	return t, nil
}

// IsCompensation reports whether m was produced by a reversal: a REVERSAL
// movement, or the debit leg of a compensating transfer (which references
// the leg it compensates).
func (m Movement) IsCompensation() bool {
	if m.ReferenceID == nil {
		return false
	}
	return m.Type == Reversal || m.Type == TransferOut
}
