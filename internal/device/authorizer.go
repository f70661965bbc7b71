// Package device implements the device lifecycle coordinator: role-gated
// transitions against the authoritative ledger with a Postgres mirror.
package device

import (
	"devchain/internal/domain"
	pkgerrors "devchain/pkg/errors"
)

// TransitionAuthorizer decides whether an actor role may apply a transition
// given the device's current ledger state. It is pure: no ledger, no mirror,
// no clock.
type TransitionAuthorizer struct{}

func NewTransitionAuthorizer() *TransitionAuthorizer {
	return &TransitionAuthorizer{}
}

// transitionRule is one row of the fixed authorization table.
type transitionRule struct {
	role domain.Role
	// requiresExists is the device existence precondition; for register the
	// device must NOT exist, for everything else it must.
	requiresExists bool
	// fromState is the exact ledger status the transition advances from.
	// Ignored when requiresExists is false.
	fromState domain.LifecycleState
}

var transitionTable = map[domain.TransitionKind]transitionRule{
	domain.TransitionRegister: {role: domain.RoleManufacturer, requiresExists: false},
	domain.TransitionShip:     {role: domain.RoleShipper, requiresExists: true, fromState: domain.StateRegistered},
	domain.TransitionActivate: {role: domain.RoleCustomer, requiresExists: true, fromState: domain.StateShipped},
}

// Authorize returns nil when the (role, ledger record, transition) tuple is in
// the table, ErrRoleNotPermitted when the role is wrong, and
// ErrInvalidStateForTransition when the device's existence or status does not
// match the rule. Role is checked first so a caller never learns device state
// it was not entitled to act on.
func (a *TransitionAuthorizer) Authorize(role domain.Role, rec domain.LedgerDeviceRecord, kind domain.TransitionKind) error {
	rule, ok := transitionTable[kind]
	if !ok {
		return pkgerrors.ErrInvalidStateForTransition
	}
	if role != rule.role {
		return pkgerrors.ErrRoleNotPermitted
	}
	if !rule.requiresExists {
		if rec.Exists {
			return pkgerrors.ErrDeviceAlreadyExists
		}
		return nil
	}
	if !rec.Exists {
		return pkgerrors.ErrDeviceNotFound
	}
	if rec.Status != rule.fromState {
		return pkgerrors.ErrInvalidStateForTransition
	}
	return nil
}
