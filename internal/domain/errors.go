package domain

import (
	"errors"
	"fmt"
)

// State-invariant violations. These are surfaced to the caller with enough
// detail to explain the conflict and are never retried automatically.
var (
	// ErrCodeTaken indicates a desktop code is already registered.
	ErrCodeTaken = errors.New("desktop code already registered")
	// ErrDesktopInUse indicates an active lease blocks the requested change.
	ErrDesktopInUse = errors.New("desktop has an active lease")
	// ErrDesktopUnavailable indicates the desktop is not in the available state.
	ErrDesktopUnavailable = errors.New("desktop is not available")
	// ErrAlreadyPaired indicates the device is bound to a different desktop.
	ErrAlreadyPaired = errors.New("device is already paired to another desktop")
	// ErrDesktopAlreadyPaired indicates the desktop refuses a second device.
	ErrDesktopAlreadyPaired = errors.New("desktop is already paired to another device")
)

// Caller errors, not retried.
var (
	// ErrInvalidDuration indicates the duration is outside the configured set.
	ErrInvalidDuration = errors.New("requested duration is not allowed")
	// ErrInvalidTransition indicates a status change owned by the lease engine.
	ErrInvalidTransition = errors.New("status transition not permitted")
	// ErrValidation indicates a missing or malformed request field.
	ErrValidation = errors.New("invalid request")
)

// AlreadyActiveError reports that the student already holds an active lease.
// It carries the existing lease id so callers can redirect instead of failing.
type AlreadyActiveError struct {
	LeaseID int64
}

func (e *AlreadyActiveError) Error() string {
	return fmt.Sprintf("student already holds active lease %d", e.LeaseID)
}
