package device

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"devchain/internal/domain"
	pkgerrors "devchain/pkg/errors"
	"devchain/pkg/logger"
)

// LedgerClient submits state transitions to the authoritative ledger and
// reads current on-chain device state. GetDevice is strongly consistent with
// respect to ledger finality. SubmitTransition blocks until the transaction
// is confirmed or definitively fails; a timeout while the transaction may
// have been accepted surfaces as pkgerrors.ErrAmbiguousOutcome, never as a
// plain failure.
type LedgerClient interface {
	GetDevice(ctx context.Context, serial string) (domain.LedgerDeviceRecord, error)
	SubmitTransition(ctx context.Context, serial string, kind domain.TransitionKind, actorAddress string) (domain.Receipt, error)
}

// MirrorStore is the queryable cache of ledger state. Upsert enforces the
// monotonic state guard (pkgerrors.ErrStaleWrite on regression);
// ReconcileFromLedger always wins over locally cached state.
type MirrorStore interface {
	Upsert(ctx context.Context, device *domain.Device) error
	FindBySerial(ctx context.Context, serial string) (*domain.Device, bool, error)
	FindByRole(ctx context.Context, actorID uuid.UUID, role domain.Role) ([]*domain.Device, error)
	ReconcileFromLedger(ctx context.Context, serial string, rec domain.LedgerDeviceRecord) error
	ListSerials(ctx context.Context) ([]string, error)
}

// DivergenceQueue receives serials whose mirror row could not be written and
// needs background repair.
type DivergenceQueue interface {
	Enqueue(serial string)
}

// TransitionResult is returned to the caller on a committed transition. The
// ledger receipt is authoritative; MirrorSynced is false when the mirror
// write was deferred to the reconciler.
type TransitionResult struct {
	Serial       string                `json:"serial"`
	State        domain.LifecycleState `json:"state"`
	Receipt      domain.Receipt        `json:"receipt"`
	MirrorSynced bool                  `json:"mirror_synced"`
}

// Coordinator orchestrates a transition: authorize against ledger truth,
// submit, then update the mirror. It owns the consistency protocol between
// the two stores: the ledger is authoritative and the mirror is repaired
// towards it, never the other way.
type Coordinator struct {
	ledger     LedgerClient
	mirror     MirrorStore
	authorizer *TransitionAuthorizer
	divergent  DivergenceQueue
	logger     logger.Logger
	locks      *serialLocks

	readRetries int
	readBackoff time.Duration
}

func NewCoordinator(ledger LedgerClient, mirror MirrorStore, divergent DivergenceQueue, log logger.Logger) *Coordinator {
	return &Coordinator{
		ledger:      ledger,
		mirror:      mirror,
		authorizer:  NewTransitionAuthorizer(),
		divergent:   divergent,
		logger:      log,
		locks:       newSerialLocks(),
		readRetries: 3,
		readBackoff: 250 * time.Millisecond,
	}
}

// Transition applies one forward lifecycle step for serial on behalf of
// actor. Authorization is evaluated against the ledger's current state, not
// the mirror, because the mirror may lag. The per-serial lock is held for the
// whole attempt so two concurrent submissions cannot both pass authorization
// against the same stale read.
func (c *Coordinator) Transition(ctx context.Context, actor domain.Actor, serial string, kind domain.TransitionKind) (*TransitionResult, error) {
	c.locks.lock(serial)
	defer c.locks.unlock(serial)

	rec, err := c.readLedger(ctx, serial)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "read ledger state")
	}

	if err := c.authorizer.Authorize(actor.Role, rec, kind); err != nil {
		c.logger.Info("Transition denied", map[string]interface{}{
			"serial": serial,
			"kind":   string(kind),
			"role":   string(actor.Role),
			"reason": err.Error(),
		})
		return nil, err
	}

	receipt, err := c.ledger.SubmitTransition(ctx, serial, kind, actor.Address)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrAmbiguousOutcome) {
			receipt, err = c.resolveAmbiguous(ctx, serial, kind, receipt)
		}
		if err != nil {
			c.logger.Warn("Ledger submission failed", map[string]interface{}{
				"serial": serial,
				"kind":   string(kind),
				"error":  err.Error(),
			})
			return nil, err
		}
	}

	result := &TransitionResult{
		Serial:       serial,
		State:        kind.Target(),
		Receipt:      receipt,
		MirrorSynced: true,
	}

	if err := c.updateMirror(ctx, actor, serial, kind, receipt); err != nil {
		// The ledger already holds the truth; the caller still gets success
		// and the reconciler repairs the mirror later.
		c.logger.Warn("Mirror divergent after committed transition", map[string]interface{}{
			"serial":  serial,
			"kind":    string(kind),
			"receipt": string(receipt),
			"error":   err.Error(),
		})
		c.divergent.Enqueue(serial)
		result.MirrorSynced = false
	}

	c.logger.Info("Transition committed", map[string]interface{}{
		"serial":        serial,
		"kind":          string(kind),
		"state":         result.State.String(),
		"receipt":       string(receipt),
		"mirror_synced": result.MirrorSynced,
	})
	return result, nil
}

// readLedger retries transient read failures with a short backoff. Nothing
// has been submitted yet at this point, so retrying is always safe.
func (c *Coordinator) readLedger(ctx context.Context, serial string) (domain.LedgerDeviceRecord, error) {
	var rec domain.LedgerDeviceRecord
	var err error
	for attempt := 0; attempt <= c.readRetries; attempt++ {
		rec, err = c.ledger.GetDevice(ctx, serial)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, pkgerrors.ErrStoreUnavailable) {
			return rec, err
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-time.After(c.readBackoff << attempt):
		}
	}
	return rec, err
}

// resolveAmbiguous re-reads the ledger after an ambiguous submission. Once
// the outcome of a submitted transaction is unknown the call must never be
// blindly repeated, so success is decided purely from the observed state: if
// the status already reflects the requested transition the original
// submission landed and the attempt is treated as committed.
func (c *Coordinator) resolveAmbiguous(ctx context.Context, serial string, kind domain.TransitionKind, receipt domain.Receipt) (domain.Receipt, error) {
	// Re-read without the caller's (possibly already expired) deadline.
	readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	rec, err := c.readLedger(readCtx, serial)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.ErrAmbiguousOutcome, "unresolved: re-read failed: "+err.Error())
	}
	if rec.Exists && rec.Status == kind.Target() {
		c.logger.Info("Ambiguous submission resolved as committed", map[string]interface{}{
			"serial": serial,
			"kind":   string(kind),
			"status": rec.Status.String(),
		})
		return receipt, nil
	}
	// The transaction did not land; safe to report a retryable failure.
	return "", pkgerrors.Wrap(pkgerrors.ErrStoreUnavailable, "ambiguous submission did not land")
}

// updateMirror upserts the post-transition device row, preserving role
// assignments made by earlier transitions and setting exactly the one this
// transition introduces.
func (c *Coordinator) updateMirror(ctx context.Context, actor domain.Actor, serial string, kind domain.TransitionKind, receipt domain.Receipt) error {
	now := time.Now().UTC()

	dev := &domain.Device{
		Serial:         serial,
		LifecycleState: kind.Target(),
		LedgerReceipt:  string(receipt),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if existing, found, err := c.mirror.FindBySerial(ctx, serial); err == nil && found {
		dev.ManufacturerID = existing.ManufacturerID
		dev.ShipperID = existing.ShipperID
		dev.CustomerID = existing.CustomerID
		dev.CreatedAt = existing.CreatedAt
	} else if err != nil {
		return pkgerrors.Wrap(err, "read mirror row")
	}

	actorID := actor.ID
	switch kind {
	case domain.TransitionRegister:
		dev.ManufacturerID = &actorID
	case domain.TransitionShip:
		dev.ShipperID = &actorID
	case domain.TransitionActivate:
		dev.CustomerID = &actorID
	}

	err := c.mirror.Upsert(ctx, dev)
	if errors.Is(err, pkgerrors.ErrStaleWrite) {
		// A newer state already reached the mirror (reconciler or a later
		// transition); the row is ahead of us, not behind.
		return nil
	}
	return err
}
