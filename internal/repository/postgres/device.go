// Package postgres implements the mirror and actor stores on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"devchain/internal/domain"
	pkgerrors "devchain/pkg/errors"
)

// DeviceRepository is the mirror store: one row per serial, created on a
// confirmed register transition and mutated only by the coordinator or the
// reconciler. Rows for confirmed devices are never deleted.
type DeviceRepository struct {
	db *sqlx.DB
}

func NewDeviceRepository(db *sqlx.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// Upsert writes the post-transition device row. The monotonic guard rejects
// writes that would move lifecycle_state backwards with ErrStaleWrite; role
// columns are assigned at most once and never overwritten.
func (r *DeviceRepository) Upsert(ctx context.Context, device *domain.Device) error {
	query := `
		INSERT INTO devices (
			serial, lifecycle_state, manufacturer_id, shipper_id, customer_id, ledger_receipt, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		ON CONFLICT (serial) DO UPDATE SET
			lifecycle_state = EXCLUDED.lifecycle_state,
			manufacturer_id = COALESCE(devices.manufacturer_id, EXCLUDED.manufacturer_id),
			shipper_id = COALESCE(devices.shipper_id, EXCLUDED.shipper_id),
			customer_id = COALESCE(devices.customer_id, EXCLUDED.customer_id),
			ledger_receipt = EXCLUDED.ledger_receipt,
			updated_at = EXCLUDED.updated_at
		WHERE devices.lifecycle_state <= EXCLUDED.lifecycle_state
	`
	res, err := r.db.ExecContext(ctx, query,
		device.Serial, device.LifecycleState, device.ManufacturerID, device.ShipperID,
		device.CustomerID, device.LedgerReceipt, device.CreatedAt, device.UpdatedAt,
	)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrStoreUnavailable, err.Error())
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrStoreUnavailable, err.Error())
	}
	if affected == 0 {
		return pkgerrors.ErrStaleWrite
	}
	return nil
}

func (r *DeviceRepository) FindBySerial(ctx context.Context, serial string) (*domain.Device, bool, error) {
	var device domain.Device
	query := `SELECT * FROM devices WHERE serial = $1`
	err := r.db.GetContext(ctx, &device, query, serial)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, pkgerrors.Wrap(pkgerrors.ErrStoreUnavailable, err.Error())
	}
	return &device, true, nil
}

// FindByRole lists devices whose role-specific foreign key points at actorID.
func (r *DeviceRepository) FindByRole(ctx context.Context, actorID uuid.UUID, role domain.Role) ([]*domain.Device, error) {
	var column string
	switch role {
	case domain.RoleManufacturer:
		column = "manufacturer_id"
	case domain.RoleShipper:
		column = "shipper_id"
	case domain.RoleCustomer:
		column = "customer_id"
	default:
		return nil, pkgerrors.ErrInvalidRole
	}

	var devices []*domain.Device
	query := `SELECT * FROM devices WHERE ` + column + ` = $1 ORDER BY updated_at DESC`
	if err := r.db.SelectContext(ctx, &devices, query, actorID); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.ErrStoreUnavailable, err.Error())
	}
	return devices, nil
}

// ReconcileFromLedger forces the row for serial to match the ledger record.
// The ledger always wins: the monotonic guard is bypassed, and a row for a
// serial the ledger does not know is removed as a phantom (it can only exist
// if a register was recorded without ledger confirmation).
func (r *DeviceRepository) ReconcileFromLedger(ctx context.Context, serial string, rec domain.LedgerDeviceRecord) error {
	if !rec.Exists {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE serial = $1`, serial); err != nil {
			return pkgerrors.Wrap(pkgerrors.ErrStoreUnavailable, err.Error())
		}
		return nil
	}

	query := `
		INSERT INTO devices (serial, lifecycle_state, ledger_receipt, created_at, updated_at)
		VALUES ($1, $2, '', NOW(), NOW())
		ON CONFLICT (serial) DO UPDATE SET
			lifecycle_state = EXCLUDED.lifecycle_state,
			updated_at = NOW()
	`
	if _, err := r.db.ExecContext(ctx, query, serial, rec.Status); err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrStoreUnavailable, err.Error())
	}
	return nil
}

func (r *DeviceRepository) ListSerials(ctx context.Context) ([]string, error) {
	var serials []string
	if err := r.db.SelectContext(ctx, &serials, `SELECT serial FROM devices ORDER BY serial`); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.ErrStoreUnavailable, err.Error())
	}
	return serials, nil
}
