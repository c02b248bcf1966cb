/*
Package ledger provides the location ledger and transfer engine.

PURPOSE:
  Tracks finite stock of discrete products across physical locations
  (warehouses, cars, vending points). Every quantity change is recorded as an
  immutable movement, and the current quantity per (product, location) is kept
  in a ledger entry that always reconciles with the movement log.

KEY CONCEPTS IN THIS FILE (types.go):
  - Quantity: decimal amount of stock, never negative in a ledger entry
  - Location: typed place that holds stock (WAREHOUSE, CAR, VENDING)
  - LedgerEntry: current quantity for one (product, location) pair
  - Movement: append-only record of one signed quantity change

DESIGN PRINCIPLES:
  1. Immutability: Movements are never modified, only compensated
  2. Precision: Uses decimal.Decimal to avoid floating-point drift
  3. Type Safety: Distinct ID types for products, locations and movements
  4. Atomicity: A delta and its movement record are written as one unit

USAGE:
  engine := ledger.NewEngine(store.NewMemory())
  id, err := engine.RecordMovement(ctx, ledger.MovementRequest{
      ProductID:  1,
      LocationID: warehouse,
      Type:       ledger.StockIn,
      Quantity:   ledger.NewQuantity(100),
  })

SEE ALSO:
  - movement.go: Movement type taxonomy and sign policy
  - store.go: Persistence interfaces
  - engine.go: Operations exposed to callers
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// QUANTITY
// =============================================================================

// Quantity is an amount of stock. Ledger entries never hold a negative
// Quantity; movement deltas are signed.
type Quantity = decimal.Decimal

// NewQuantity returns a Quantity from an integer count.
func NewQuantity(n int64) Quantity { return decimal.NewFromInt(n) }

// NewQuantityFromFloat returns a Quantity from a float value.
func NewQuantityFromFloat(f float64) Quantity { return decimal.NewFromFloat(f) }

// ParseQuantity parses a decimal string such as "12.5".
func ParseQuantity(s string) (Quantity, error) { return decimal.NewFromString(s) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ProductID int64
type LocationID int64
type MovementID int64

// =============================================================================
// LOCATION
// =============================================================================

type LocationType string

const (
	LocationWarehouse LocationType = "WAREHOUSE" // central storage
	LocationCar       LocationType = "CAR"       // mobile unit
	LocationVending   LocationType = "VENDING"   // point of consumption
)

// Valid reports whether t is one of the known location types.
func (t LocationType) Valid() bool {
	switch t {
	case LocationWarehouse, LocationCar, LocationVending:
		return true
	}
	return false
}

// Rank orders location types the way listings present them.
func (t LocationType) Rank() int {
	switch t {
	case LocationWarehouse:
		return 1
	case LocationCar:
		return 2
	case LocationVending:
		return 3
	}
	return 4
}

// LocationStatus replaces ad hoc is_active/is_deleted flags with one field.
type LocationStatus string

const (
	StatusActive   LocationStatus = "ACTIVE"
	StatusInactive LocationStatus = "INACTIVE"
	StatusDeleted  LocationStatus = "DELETED"
)

// Location is a place that holds stock. Type is fixed at creation.
type Location struct {
	ID          LocationID
	Name        string
	Type        LocationType
	Description string
	Address     string
	Status      LocationStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// IsActive reports whether the location accepts movements.
func (l Location) IsActive() bool { return l.Status == StatusActive }

// LocationFilter narrows location listings.
type LocationFilter struct {
	Type           *LocationType
	ActiveOnly     bool
	IncludeDeleted bool
}

// Matches reports whether l passes the filter.
func (f LocationFilter) Matches(l Location) bool {
	if f.Type != nil && l.Type != *f.Type {
		return false
	}
	if f.ActiveOnly {
		return l.Status == StatusActive
	}
	if !f.IncludeDeleted && l.Status == StatusDeleted {
		return false
	}
	return true
}

// =============================================================================
// LEDGER ENTRY - Current quantity per (product, location)
// =============================================================================

// EntryKey identifies a ledger entry. At most one entry exists per key.
type EntryKey struct {
	ProductID  ProductID
	LocationID LocationID
}

// LedgerEntry holds the current quantity of a product at a location.
// Created lazily on the first movement touching the pair, never deleted.
type LedgerEntry struct {
	ProductID  ProductID
	LocationID LocationID
	Quantity   Quantity
	UpdatedAt  time.Time
}

// Key returns the entry's (product, location) key.
func (e LedgerEntry) Key() EntryKey {
	return EntryKey{ProductID: e.ProductID, LocationID: e.LocationID}
}

// =============================================================================
// MOVEMENT - Immutable record of one quantity change
// =============================================================================

// Movement is an append-only record. QuantityAfter always equals
// QuantityBefore + QuantityChange.
type Movement struct {
	ID               MovementID
	ProductID        ProductID
	Type             MovementType
	QuantityChange   Quantity
	QuantityBefore   Quantity
	QuantityAfter    Quantity
	LocationID       LocationID
	SourceLocationID *LocationID
	TargetLocationID *LocationID
	ReferenceID      *MovementID
	Note             string
	CreatedAt        time.Time
}

// IsTransferLeg reports whether m is one side of a transfer.
func (m Movement) IsTransferLeg() bool {
	return m.Type == TransferOut || m.Type == TransferIn
}

// MovementFilter narrows movement history queries. All set fields are
// AND-combined. Results are ordered newest first.
type MovementFilter struct {
	ProductID  *ProductID
	LocationID *LocationID
	Types      []MovementType
	From       *time.Time // inclusive
	To         *time.Time // exclusive
	Limit      int
	Offset     int
}

const (
	DefaultPageSize = 100
	MaxPageSize     = 500
)

// Normalized returns a copy with Limit and Offset clamped to valid values.
func (f MovementFilter) Normalized() MovementFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Matches reports whether m passes every set criterion. Pagination is not
// applied here.
func (f MovementFilter) Matches(m Movement) bool {
	if f.ProductID != nil && m.ProductID != *f.ProductID {
		return false
	}
	if f.LocationID != nil && m.LocationID != *f.LocationID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == m.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && m.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !m.CreatedAt.Before(*f.To) {
		return false
	}
	return true
}

// Ptr returns a pointer to v. Handy for optional filter fields.
func Ptr[T any](v T) *T { return &v }
