package supervisor

import (
	"context"
	"time"

	"github.com/Iron-Ham/shmguard/internal/config"
	"github.com/Iron-Ham/shmguard/internal/errors"
	"github.com/Iron-Ham/shmguard/internal/event"
	"github.com/Iron-Ham/shmguard/internal/lock"
	"github.com/Iron-Ham/shmguard/internal/logging"
	"github.com/Iron-Ham/shmguard/internal/shm"
)

// episode is the watchdog's per-worker memory across ticks.
type episode struct {
	deadLogged   bool
	unresponsive bool
}

// Watchdog polls worker liveness and progress on a fixed tick.
//
// A dead worker is logged once and not restarted. A live worker whose last
// successful access is older than the timeout is unresponsive; if it owns
// the fine lock the watchdog first asks it to cancel and, if it is still
// stuck after the grace period and forced unlock is enabled, destroys and
// recreates the fine lock. Recovery runs once per stall episode.
//
// Forced unlock can let a second worker enter the critical section while
// the stuck one still believes it holds the lock. The region's holder
// instrumentation records that as a violation.
type Watchdog struct {
	sup      *Supervisor
	region   *shm.Region
	runDir   string
	cfg      config.WatchdogConfig
	detector *Detector
	logger   *logging.Logger
	bus      *event.Bus

	episodes    map[int]*episode
	now         func() time.Time
	forceUnlock func(dir string, id lock.ID) error
}

// NewWatchdog creates a Watchdog for the workers registered with sup.
func NewWatchdog(sup *Supervisor, region *shm.Region, runDir string, cfg config.WatchdogConfig, logger *logging.Logger, bus *event.Bus) *Watchdog {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Watchdog{
		sup:         sup,
		region:      region,
		runDir:      runDir,
		cfg:         cfg,
		detector:    NewDetector(cfg.Timeout()),
		logger:      logger.WithComponent("watchdog"),
		bus:         bus,
		episodes:    make(map[int]*episode),
		now:         time.Now,
		forceUnlock: lock.ForceUnlock,
	}
}

// Run ticks until ctx is done. It always returns nil; problems are logged.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Tick())
	defer ticker.Stop()

	w.logger.Debug("watchdog started", "tick", w.cfg.Tick(), "timeout", w.cfg.Timeout())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick inspects every worker once.
func (w *Watchdog) Tick(ctx context.Context) {
	for _, h := range w.sup.Handles() {
		if ctx.Err() != nil {
			return
		}
		w.inspect(ctx, h)
	}
}

func (w *Watchdog) episode(id int) *episode {
	ep, ok := w.episodes[id]
	if !ok {
		ep = &episode{}
		w.episodes[id] = ep
	}
	return ep
}

func (w *Watchdog) inspect(ctx context.Context, h Handle) {
	id := h.ID()
	if id < 0 || id >= w.region.Slots() {
		w.logger.Error("handle has no slot", "worker", id)
		return
	}
	rec := w.region.Slot(id).Record()
	ep := w.episode(id)

	verdict, stale := w.detector.Classify(Observation{Now: w.now(), Alive: h.Alive(), Record: rec})
	switch verdict {
	case VerdictDead:
		if ep.deadLogged {
			return
		}
		ep.deadLogged = true
		err := errors.NewWorkerError("process gone without recording its exit", errors.ErrWorkerDead).
			WithWorker(id, h.PID())
		w.logger.Error("worker dead",
			"worker", id,
			"pid", h.PID(),
			"holding", rec.Holding,
			"error", err,
		)
		w.bus.Publish(event.NewWorkerDeadEvent(id, h.PID(), rec.Holding))

	case VerdictHealthy, VerdictFinished:
		if ep.unresponsive {
			ep.unresponsive = false
			w.logger.Info("worker responsive again", "worker", id, "state", rec.State.String())
			w.bus.Publish(event.NewWorkerRecoveredEvent(id))
		}

	case VerdictStale:
		if ep.unresponsive {
			return
		}
		ep.unresponsive = true

		owner := w.ownsFineLock(id, rec)
		err := errors.NewWorkerError("no successful access", errors.ErrWorkerUnresponsive).
			WithWorker(id, h.PID()).WithStale(stale)
		w.logger.Warn("worker unresponsive",
			"worker", id,
			"pid", h.PID(),
			"stale", stale.Round(time.Millisecond),
			"owner", owner,
			"state", rec.State.String(),
			"error", err,
		)
		w.bus.Publish(event.NewWorkerUnresponsiveEvent(id, h.PID(), stale, owner))
		if owner {
			w.recover(ctx, h, rec)
		}
	}
}

// ownsFineLock checks the worker's own holding flag and the owner tag in the
// lock file.
func (w *Watchdog) ownsFineLock(id int, rec shm.WorkerRecord) bool {
	if rec.Holding {
		return true
	}
	owner, err := lock.ReadOwner(lock.Path(w.runDir, lock.Fine))
	if err != nil {
		return false
	}
	return owner.Worker == id && owner.PID == rec.PID
}

// recover runs cooperative cancel, then forced unlock if enabled.
func (w *Watchdog) recover(ctx context.Context, h Handle, rec shm.WorkerRecord) {
	id := h.ID()
	slot := w.region.Slot(id)

	if slot.RequestCancel() {
		w.logger.Warn("cooperative cancel requested", "worker", id, "grace", w.cfg.CancelGrace())
	}

	timer := time.NewTimer(w.cfg.CancelGrace())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	if !h.Alive() || slot.Exited() || !slot.Holding() || slot.LastAccess().After(rec.LastAccess) {
		w.logger.Info("stuck worker released the fine lock after cancel", "worker", id)
		return
	}

	if !w.cfg.ForcedUnlock {
		w.logger.Error("worker still holds the fine lock; forced unlock disabled",
			"worker", id,
			"pid", h.PID(),
		)
		return
	}

	if err := w.forceUnlock(w.runDir, lock.Fine); err != nil {
		w.logger.Error("forced unlock failed", "worker", id, "error", err)
		return
	}
	total := w.region.AddForcedUnlock()
	w.logger.Warn("forced unlock",
		"worker", id,
		"pid", h.PID(),
		"total", total,
	)
	w.bus.Publish(event.NewForcedUnlockEvent(id, h.PID()))
}
