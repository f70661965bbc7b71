package device

import (
	"context"
	"fmt"
	"time"

	"devchain/internal/domain"
	"devchain/pkg/cache"
	pkgerrors "devchain/pkg/errors"
	"devchain/pkg/logger"
)

// QueryService is the read path. Weak reads are served from the mirror (with
// a short redis cache in front); strong reads consult the ledger and repair
// the mirror opportunistically before answering.
type QueryService struct {
	mirror   MirrorStore
	ledger   LedgerClient
	cache    *cache.RedisCache
	cacheTTL time.Duration
	logger   logger.Logger
}

// NewQueryService constructs the read path. cache may be nil; weak reads then
// always hit the mirror.
func NewQueryService(mirror MirrorStore, ledger LedgerClient, c *cache.RedisCache, log logger.Logger) *QueryService {
	return &QueryService{
		mirror:   mirror,
		ledger:   ledger,
		cache:    c,
		cacheTTL: 5 * time.Second,
		logger:   log,
	}
}

// GetBySerial returns the device for serial. With strong=true the ledger is
// read first and the mirror reconciled when they disagree, so the answer
// reflects ledger finality; otherwise the mirror (or cache) answers directly
// and may lag.
func (q *QueryService) GetBySerial(ctx context.Context, serial string, strong bool) (*domain.Device, error) {
	if !strong {
		return q.weakRead(ctx, serial)
	}

	rec, err := q.ledger.GetDevice(ctx, serial)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "read ledger state")
	}
	if !rec.Exists {
		return nil, pkgerrors.ErrDeviceNotFound
	}

	dev, found, err := q.mirror.FindBySerial(ctx, serial)
	if err == nil && (!found || dev.LifecycleState != rec.Status) {
		if rerr := q.mirror.ReconcileFromLedger(ctx, serial, rec); rerr != nil {
			q.logger.Warn("Reconcile on strong read failed", map[string]interface{}{
				"serial": serial,
				"error":  rerr.Error(),
			})
		} else {
			dev, found, err = q.mirror.FindBySerial(ctx, serial)
		}
	}
	if err != nil || !found {
		// Mirror unavailable or still missing; answer from ledger truth so
		// the caller is never blocked on the cache layer.
		return deviceFromLedger(rec), nil
	}

	if q.cache != nil {
		_ = q.cache.Set(ctx, cacheKey(serial), dev, q.cacheTTL)
	}
	return dev, nil
}

// ListForActor lists devices associated with the actor through its
// role-specific key. Always served from the mirror; listing via the ledger
// would be far too slow.
func (q *QueryService) ListForActor(ctx context.Context, actor domain.Actor) ([]*domain.Device, error) {
	devices, err := q.mirror.FindByRole(ctx, actor.ID, actor.Role)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list devices for actor")
	}
	return devices, nil
}

func (q *QueryService) weakRead(ctx context.Context, serial string) (*domain.Device, error) {
	if q.cache != nil {
		var cached domain.Device
		if err := q.cache.Get(ctx, cacheKey(serial), &cached); err == nil {
			return &cached, nil
		}
	}

	dev, found, err := q.mirror.FindBySerial(ctx, serial)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "read mirror")
	}
	if !found {
		return nil, pkgerrors.ErrDeviceNotFound
	}

	if q.cache != nil {
		_ = q.cache.Set(ctx, cacheKey(serial), dev, q.cacheTTL)
	}
	return dev, nil
}

func cacheKey(serial string) string {
	return fmt.Sprintf("device:serial:%s", serial)
}

// deviceFromLedger builds a mirror-shaped view from the authoritative record
// alone. Role associations live only in the mirror and stay unset.
func deviceFromLedger(rec domain.LedgerDeviceRecord) *domain.Device {
	return &domain.Device{
		Serial:         rec.Serial,
		LifecycleState: rec.Status,
	}
}
