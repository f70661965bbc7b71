// Package errors provides common, reusable error values and helpers.
package errors

import (
	"errors"
	"fmt"
)

// Device errors
var (
	ErrDeviceNotFound      = errors.New("device not found")
	ErrDeviceAlreadyExists = errors.New("device already exists on ledger")

	// Authorization failures. Non-retryable without a role or state change.
	ErrRoleNotPermitted          = errors.New("role not permitted for transition")
	ErrInvalidStateForTransition = errors.New("invalid device state for transition")

	// Ledger failures.
	ErrLedgerRejected   = errors.New("ledger rejected transition")
	ErrAmbiguousOutcome = errors.New("ledger outcome ambiguous")

	// Store failures.
	ErrStaleWrite       = errors.New("stale write rejected by mirror")
	ErrStoreUnavailable = errors.New("store unavailable")

	// A transition is already in flight for the serial.
	ErrTransitionInFlight = errors.New("transition already in flight for serial")
)

// Actor errors
var (
	ErrActorNotFound      = errors.New("actor not found")
	ErrActorAlreadyExists = errors.New("actor already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidRole        = errors.New("invalid actor role")
	ErrDuplicateRequest   = errors.New("duplicate request")
)

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
