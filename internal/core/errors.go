package core

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Sentinel errors for the engine's failure taxonomy. Services wrap these
// with context; the web adapter maps them to HTTP statuses with errors.Is.
var (
	// ErrValidation rejects malformed input before any lock is taken.
	ErrValidation = errors.New("validation failed")

	// ErrDiscreteQuantity is returned when a discrete-dimension item is
	// given a non-integer quantity or conversion factor.
	ErrDiscreteQuantity = errors.New("DISCRETE_UOM_REQUIRES_INTEGER")

	// ErrInsufficientAvailable is the business rejection for a reservation
	// that exceeds available supply. Not retryable without new facts.
	ErrInsufficientAvailable = errors.New("ATP_INSUFFICIENT_AVAILABLE")

	// ErrConcurrencyExhausted is returned when the lock/commit retry budget
	// runs out under contention. Safe for the caller to retry.
	ErrConcurrencyExhausted = errors.New("ATP_CONCURRENCY_EXHAUSTED")

	// ErrParentWarehouseMissing rejects a location insert whose parent has
	// no resolvable same-tenant warehouse id.
	ErrParentWarehouseMissing = errors.New("PARENT_WAREHOUSE_ID_MISSING")

	// ErrStateConflict rejects a reservation transition absent from the
	// transition table.
	ErrStateConflict = errors.New("reservation state conflict")

	// ErrDrift is returned by strict-mode reconciliation when balances
	// disagree with the ledger or reservation bookkeeping.
	ErrDrift = errors.New("reconciliation drift detected")

	// ErrRepairThresholdExceeded aborts a repair run that would touch more
	// rows than the caller allowed. Nothing is corrected.
	ErrRepairThresholdExceeded = errors.New("repair threshold exceeded")

	ErrNotFound = errors.New("not found")
)

// InsufficientAvailableError reports the shortfall for one reserve line.
type InsufficientAvailableError struct {
	ItemID     uuid.UUID
	LocationID uuid.UUID
	UOMID      uuid.UUID
	Available  decimal.Decimal
	Requested  decimal.Decimal
}

func (e *InsufficientAvailableError) Error() string {
	return fmt.Sprintf("insufficient available quantity for item %s at %s: available %s, requested %s",
		e.ItemID, e.LocationID, e.Available.StringFixed(6), e.Requested.StringFixed(6))
}

func (e *InsufficientAvailableError) Unwrap() error { return ErrInsufficientAvailable }

// StateConflictError reports an illegal reservation transition.
type StateConflictError struct {
	ReservationID uuid.UUID
	From          ReservationStatus
	Attempted     string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("reservation %s: cannot %s from status %s", e.ReservationID, e.Attempted, e.From)
}

func (e *StateConflictError) Unwrap() error { return ErrStateConflict }

// IsRetryable reports whether the caller may retry the same request.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyExhausted)
}

// IsConflict reports business/state/drift rejections that map to HTTP 409.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInsufficientAvailable) ||
		errors.Is(err, ErrStateConflict) ||
		errors.Is(err, ErrDrift) ||
		errors.Is(err, ErrRepairThresholdExceeded)
}

// IsValidation reports input rejections that map to HTTP 400.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDiscreteQuantity) ||
		errors.Is(err, ErrParentWarehouseMissing)
}
