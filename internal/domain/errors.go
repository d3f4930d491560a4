package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrAlreadyApplied    = errors.New("event already applied")
	ErrLockHeld          = errors.New("lock already held")
	ErrVersionConflict   = errors.New("position version conflict")
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrReconcileConflict = errors.New("event references unknown position")
)

// ValidationError rejects malformed input before any state mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// GuardViolation rejects a lifecycle transition not permitted in the
// position's current state. The position is left unchanged.
type GuardViolation struct {
	Transition string
	Status     PositionStatus
	Reason     string
}

func (e *GuardViolation) Error() string {
	return fmt.Sprintf("guard: %s not permitted in %s: %s", e.Transition, e.Status, e.Reason)
}

// InsufficientCapacity rejects a borrow that exceeds the LTV headroom.
type InsufficientCapacity struct {
	Requested int64
	Capacity  int64
}

func (e *InsufficientCapacity) Error() string {
	return fmt.Sprintf("insufficient capacity: requested %d exceeds %d", e.Requested, e.Capacity)
}
