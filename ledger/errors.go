/*
errors.go - Centralized error types for the ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Stores translate driver failures into these errors so callers never
  depend on a particular database.

ERROR CATEGORIES:
  1. Validation errors - Bad input (quantity, location pair, movement type)
  2. Business rule errors - Insufficient stock, inactive location, reversal conflicts
  3. Store errors - Lookups that miss, concurrent modifications

USAGE:
  if errors.Is(err, ledger.ErrInsufficientStock) {
      var ise *ledger.InsufficientStockError
      errors.As(err, &ise)
      ...
  }

SEE ALSO:
  - engine.go: Retries errors for which IsRetryable is true
  - api/handlers.go: Maps these errors to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the parent of every input validation failure.
	ErrValidation = errors.New("validation failed")

	ErrInvalidQuantity       = errors.New("quantity must be positive")
	ErrInvalidLocationPair   = errors.New("source and target location must differ")
	ErrInvalidMovementType   = errors.New("invalid movement type")
	ErrInvalidLocation       = errors.New("invalid location")
	ErrImmutableLocationType = errors.New("location type cannot be changed")

	// ErrLocationHasStock is returned when deleting a location that still
	// holds a positive quantity of any product.
	ErrLocationHasStock = errors.New("location still holds stock")

	// ErrInsufficientStock is returned when a delta would drive a ledger
	// entry below zero.
	ErrInsufficientStock = errors.New("insufficient stock")

	ErrLocationNotFound = errors.New("location not found")
	ErrLocationInactive = errors.New("location inactive")
	ErrMovementNotFound = errors.New("movement not found")

	// ErrConflict is the parent of state conflicts.
	ErrConflict = errors.New("conflict")

	// ErrAlreadyReversed is returned by a second reversal of the same movement.
	ErrAlreadyReversed = errors.New("movement already reversed")

	// ErrConcurrentModification is returned by stores when a write conflicted
	// with another writer. The engine retries it.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrConcurrency is returned once the retry budget is exhausted.
	ErrConcurrency = errors.New("concurrency retry budget exhausted")

	// ErrLedgerCorrupted is returned when a stored movement violates
	// after = before + change.
	ErrLedgerCorrupted = errors.New("ledger corrupted")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError wraps a specific validation sentinel with the offending field.
type ValidationError struct {
	Field  string
	Reason error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %v", e.Reason)
	}
	return fmt.Sprintf("validation failed on %s: %v", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() []error {
	return []error{ErrValidation, e.Reason}
}

func invalid(field string, reason error) error {
	return &ValidationError{Field: field, Reason: reason}
}

// InsufficientStockError provides details about a stock shortage.
type InsufficientStockError struct {
	ProductID  ProductID
	LocationID LocationID
	Available  Quantity
	Requested  Quantity
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock of product %d at location %d: available %s, requested %s",
		e.ProductID, e.LocationID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// LocationError reports a missing or inactive location.
type LocationError struct {
	LocationID LocationID
	Err        error // ErrLocationNotFound or ErrLocationInactive
}

func (e *LocationError) Error() string {
	return fmt.Sprintf("location %d: %v", e.LocationID, e.Err)
}

func (e *LocationError) Unwrap() error {
	return e.Err
}

// AlreadyReversedError identifies the existing compensation.
type AlreadyReversedError struct {
	MovementID MovementID
	ReversalID MovementID // zero when the store only reported the conflict
}

func (e *AlreadyReversedError) Error() string {
	if e.ReversalID == 0 {
		return fmt.Sprintf("movement %d already reversed", e.MovementID)
	}
	return fmt.Sprintf("movement %d already reversed by movement %d", e.MovementID, e.ReversalID)
}

func (e *AlreadyReversedError) Unwrap() []error {
	return []error{ErrAlreadyReversed, ErrConflict}
}

// ConcurrencyError is returned after Attempts tries all hit a conflict.
type ConcurrencyError struct {
	Attempts int
	Err      error
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConcurrencyError) Unwrap() []error {
	return []error{ErrConcurrency, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) && !errors.Is(err, ErrConcurrency)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrLocationInactive) ||
		errors.Is(err, ErrConflict)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrLocationNotFound) ||
		errors.Is(err, ErrMovementNotFound)
}

// IsConflict returns true for state conflicts such as a repeated reversal.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
