// Package domain holds the core types shared across devchain services.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role is fixed at actor creation and decides which lifecycle transitions
// the actor may request.
type Role string

const (
	RoleManufacturer Role = "manufacturer"
	RoleShipper      Role = "shipper"
	RoleCustomer     Role = "customer"
)

// ParseRole validates a role string from an external source (JWT claim, request).
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleManufacturer, RoleShipper, RoleCustomer:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Actor is the authenticated identity a transition is requested on behalf of.
// Address is the actor's on-ledger address, recorded by shipment transitions.
type Actor struct {
	ID      uuid.UUID `json:"id"`
	Role    Role      `json:"role"`
	Address string    `json:"address,omitempty"`
}

// LifecycleState is a monotonically increasing index. It matches the
// contract's status enum and never decreases for a given serial.
type LifecycleState int

const (
	StateRegistered LifecycleState = 0
	StateShipped    LifecycleState = 1
	StateActivated  LifecycleState = 2
)

func (s LifecycleState) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateShipped:
		return "shipped"
	case StateActivated:
		return "activated"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Valid reports whether s is one of the three known states.
func (s LifecycleState) Valid() bool {
	return s >= StateRegistered && s <= StateActivated
}

// TransitionKind is one forward step in the fixed lifecycle.
type TransitionKind string

const (
	TransitionRegister TransitionKind = "register"
	TransitionShip     TransitionKind = "ship"
	TransitionActivate TransitionKind = "activate"
)

// Target returns the state the transition advances the device to.
func (t TransitionKind) Target() LifecycleState {
	switch t {
	case TransitionRegister:
		return StateRegistered
	case TransitionShip:
		return StateShipped
	case TransitionActivate:
		return StateActivated
	}
	return -1
}

// Device is the mirror representation of one serial. Rows are created on a
// successful register transition and are never deleted; state changes are
// recorded in LifecycleState, not in new rows.
type Device struct {
	Serial         string         `json:"serial" db:"serial"`
	LifecycleState LifecycleState `json:"lifecycle_state" db:"lifecycle_state"`
	ManufacturerID *uuid.UUID     `json:"manufacturer_id,omitempty" db:"manufacturer_id"`
	ShipperID      *uuid.UUID     `json:"shipper_id,omitempty" db:"shipper_id"`
	CustomerID     *uuid.UUID     `json:"customer_id,omitempty" db:"customer_id"`
	LedgerReceipt  string         `json:"ledger_receipt" db:"ledger_receipt"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// LedgerDeviceRecord is the authoritative on-chain view of a serial. The
// mirror must never contradict it for long.
type LedgerDeviceRecord struct {
	Serial       string         `json:"serial"`
	RegisteredBy string         `json:"registered_by"`
	Shipper      string         `json:"shipper"`
	Owner        string         `json:"owner"`
	Status       LifecycleState `json:"status"`
	Exists       bool           `json:"exists"`
}

// Receipt identifies a confirmed ledger transaction.
type Receipt string

// User is a registered platform account backing an Actor.
type User struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	Email         string     `json:"email" db:"email"`
	PasswordHash  string     `json:"-" db:"password_hash"`
	Name          string     `json:"name" db:"name"`
	Role          Role       `json:"role" db:"role"`
	LedgerAddress string     `json:"ledger_address" db:"ledger_address"`
	IsActive      bool       `json:"is_active" db:"is_active"`
	LastLogin     *time.Time `json:"last_login,omitempty" db:"last_login"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// Actor derives the coordinator-facing identity from a user account.
func (u *User) Actor() Actor {
	return Actor{ID: u.ID, Role: u.Role, Address: u.LedgerAddress}
}
