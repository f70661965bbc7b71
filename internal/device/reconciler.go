package device

import (
	"context"
	"sync"
	"time"

	"devchain/pkg/config"
	pkgerrors "devchain/pkg/errors"
	"devchain/pkg/logger"
)

// Alerter is notified when a repair is abandoned after exhausting retries.
type Alerter interface {
	DivergenceAbandoned(serial string, attempts int, lastErr error)
}

// Reconciler repairs mirror rows that diverged from the ledger. Serials are
// enqueued by the coordinator when a mirror write fails and retried with
// bounded exponential backoff until the mirror matches the ledger again.
type Reconciler struct {
	ledger  LedgerClient
	mirror  MirrorStore
	logger  logger.Logger
	cfg     config.ReconcilerConfig
	alerter Alerter

	mu      sync.Mutex
	pending map[string]*repairTask
	stop    chan struct{}
	done    chan struct{}
}

type repairTask struct {
	attempts int
	nextTry  time.Time
}

func NewReconciler(ledger LedgerClient, mirror MirrorStore, cfg config.ReconcilerConfig, log logger.Logger) *Reconciler {
	return &Reconciler{
		ledger:  ledger,
		mirror:  mirror,
		logger:  log,
		cfg:     cfg,
		pending: make(map[string]*repairTask),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// SetAlerter enables operator alerts for abandoned repairs. Must be called
// before Start.
func (r *Reconciler) SetAlerter(a Alerter) {
	r.alerter = a
}

// Enqueue schedules serial for repair. Idempotent; re-enqueueing an already
// pending serial resets nothing.
func (r *Reconciler) Enqueue(serial string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[serial]; ok {
		return
	}
	r.pending[serial] = &repairTask{nextTry: time.Now()}
	r.logger.Info("Serial enqueued for reconciliation", map[string]interface{}{
		"serial": serial,
	})
}

// Pending returns the number of serials awaiting repair.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Start launches the background repair loop.
func (r *Reconciler) Start() {
	ticker := time.NewTicker(r.cfg.Interval)
	go func() {
		defer close(r.done)
		for {
			select {
			case <-ticker.C:
				r.processPending()
			case <-r.stop:
				ticker.Stop()
				return
			}
		}
	}()
	r.logger.Info("Reconciler started", map[string]interface{}{
		"interval": r.cfg.Interval.String(),
	})
}

// Stop halts the repair loop and waits for it to exit.
func (r *Reconciler) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Reconciler) processPending() {
	now := time.Now()

	r.mu.Lock()
	due := make([]string, 0, len(r.pending))
	for serial, task := range r.pending {
		if !task.nextTry.After(now) {
			due = append(due, serial)
		}
	}
	r.mu.Unlock()

	for _, serial := range due {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := r.Repair(ctx, serial)
		cancel()

		r.mu.Lock()
		task := r.pending[serial]
		if task == nil {
			r.mu.Unlock()
			continue
		}
		if err == nil {
			delete(r.pending, serial)
			r.mu.Unlock()
			continue
		}
		task.attempts++
		if task.attempts >= r.cfg.MaxAttempts {
			delete(r.pending, serial)
			r.mu.Unlock()
			r.logger.Error("Giving up on mirror repair", map[string]interface{}{
				"serial":   serial,
				"attempts": task.attempts,
				"error":    err.Error(),
			})
			if r.alerter != nil {
				r.alerter.DivergenceAbandoned(serial, task.attempts, err)
			}
			continue
		}
		backoff := r.cfg.BaseBackoff << task.attempts
		if backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
		task.nextTry = now.Add(backoff)
		r.mu.Unlock()

		r.logger.Warn("Mirror repair failed, will retry", map[string]interface{}{
			"serial":   serial,
			"attempts": task.attempts,
			"backoff":  backoff.String(),
			"error":    err.Error(),
		})
	}
}

// Repair forces the mirror row for serial to match the ledger.
func (r *Reconciler) Repair(ctx context.Context, serial string) error {
	rec, err := r.ledger.GetDevice(ctx, serial)
	if err != nil {
		return pkgerrors.Wrap(err, "read ledger state")
	}
	if err := r.mirror.ReconcileFromLedger(ctx, serial, rec); err != nil {
		return pkgerrors.Wrap(err, "reconcile mirror")
	}
	r.logger.Info("Mirror reconciled", map[string]interface{}{
		"serial": serial,
		"status": rec.Status.String(),
		"exists": rec.Exists,
	})
	return nil
}

// SweepReport summarizes a full-mirror sweep.
type SweepReport struct {
	Checked  int      `json:"checked"`
	Repaired []string `json:"repaired"`
	Failed   []string `json:"failed"`
}

// SweepAll walks every mirrored serial, compares it against the ledger, and
// repairs rows that disagree. Used by the reconcile binary and safe to run
// while the service is live.
func (r *Reconciler) SweepAll(ctx context.Context) (*SweepReport, error) {
	serials, err := r.mirror.ListSerials(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list mirrored serials")
	}

	report := &SweepReport{}
	for _, serial := range serials {
		report.Checked++

		rec, err := r.ledger.GetDevice(ctx, serial)
		if err != nil {
			report.Failed = append(report.Failed, serial)
			continue
		}
		dev, found, err := r.mirror.FindBySerial(ctx, serial)
		if err != nil {
			report.Failed = append(report.Failed, serial)
			continue
		}
		if found && rec.Exists && dev.LifecycleState == rec.Status {
			continue
		}
		if err := r.mirror.ReconcileFromLedger(ctx, serial, rec); err != nil {
			report.Failed = append(report.Failed, serial)
			continue
		}
		report.Repaired = append(report.Repaired, serial)
	}
	return report, nil
}
