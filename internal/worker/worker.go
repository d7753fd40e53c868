// Package worker implements the per-process control loop: contend for the
// fine lock with bounded retries, update the shared counter, and drive the
// consistency check and snapshot cadences.
package worker

import (
	"context"
	"math/rand/v2"
	"os"
	"runtime"
	"time"

	"github.com/Iron-Ham/shmguard/internal/config"
	"github.com/Iron-Ham/shmguard/internal/consistency"
	"github.com/Iron-Ham/shmguard/internal/errors"
	"github.com/Iron-Ham/shmguard/internal/lock"
	"github.com/Iron-Ham/shmguard/internal/logging"
	"github.com/Iron-Ham/shmguard/internal/shm"
	"github.com/Iron-Ham/shmguard/internal/snapshot"
)

// Exit codes recorded in the slot and used by the worker process.
const (
	ExitOK       = 0
	ExitCanceled = 2
	// ExitCrash is used by the crash fault. The slot never records it.
	ExitCrash = 3
)

// Deps are the shared resources a worker operates on.
type Deps struct {
	Region    *shm.Region
	Locks     *lock.Coordinator
	Checker   *consistency.Checker
	Snapshots *snapshot.Manager
	Logger    *logging.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithExit replaces the function the crash fault calls. The default is
// os.Exit, which leaves the fine lock to be released by the kernel.
func WithExit(fn func(code int)) Option {
	return func(w *Worker) { w.exit = fn }
}

// WithGoroutineExit makes the crash fault end only the calling goroutine.
// The worker's lock descriptors are closed first, as process death would
// close them, and the deferred cleanup of the caller still runs.
func WithGoroutineExit() Option {
	return func(w *Worker) {
		w.exit = func(int) {
			if w.locks != nil {
				w.locks.Close()
			}
			runtime.Goexit()
		}
	}
}

// WithPID sets the pid recorded in the slot (default: os.Getpid()).
func WithPID(pid int) Option {
	return func(w *Worker) { w.pid = pid }
}

// WithSeed makes the load sleep deterministic.
func WithSeed(seed uint64) Option {
	return func(w *Worker) { w.rng = rand.New(rand.NewPCG(seed, uint64(w.id))) }
}

// Worker runs the iteration loop for one worker id.
type Worker struct {
	id  int
	pid int
	cfg *config.Config

	region    *shm.Region
	slot      *shm.Slot
	locks     *lock.Coordinator
	checker   *consistency.Checker
	snapshots *snapshot.Manager
	logger    *logging.Logger

	limiter *RateLimiter
	rng     *rand.Rand
	exit    func(code int)
}

// New builds a Worker. Checker and Snapshots may be nil to disable the
// respective cadence.
func New(id int, cfg *config.Config, deps Deps, opts ...Option) *Worker {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	w := &Worker{
		id:        id,
		pid:       os.Getpid(),
		cfg:       cfg,
		region:    deps.Region,
		slot:      deps.Region.Slot(id),
		locks:     deps.Locks,
		checker:   deps.Checker,
		snapshots: deps.Snapshots,
		logger:    logger.WithWorker(id),
		limiter:   NewRateLimiter(cfg.Worker.RateLimitPerSecond, time.Second),
		rng:       rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(id))),
		exit:      os.Exit,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID returns the worker id.
func (w *Worker) ID() int { return w.id }

// Slot returns the worker's shared record.
func (w *Worker) Slot() *shm.Slot { return w.slot }

// Run executes iterations_per_thread iterations, or fewer if ctx is
// cancelled or the supervisor requests a cancel. It returns nil on
// completion and ErrCanceled when stopped early. Steady-state failures are
// logged, never returned.
func (w *Worker) Run(ctx context.Context) error {
	w.slot.Start(w.pid, time.Now())
	w.logger.Info("worker started", "pid", w.pid, "iterations", w.cfg.Run.IterationsPerThread)

	stopped := false
	for i := 0; i < w.cfg.Run.IterationsPerThread; i++ {
		if w.cancelled(ctx) {
			stopped = true
			break
		}
		w.slot.SetIteration(uint64(i))
		if !w.iteration(ctx, i) {
			stopped = true
			break
		}
	}

	w.locks.Close()
	w.slot.SetHolding(false)
	w.slot.SetState(shm.StateDone)

	if stopped {
		w.logger.Warn("worker stopped before completion",
			"iteration", w.slot.Iteration(),
			"successes", w.slot.Successes(),
		)
		w.slot.MarkExited(ExitCanceled)
		return errors.ErrCanceled
	}

	w.logger.Info("worker finished",
		"successes", w.slot.Successes(),
		"retries", w.slot.Retries(),
		"failures", w.slot.Failures(),
		"wait", w.slot.Wait(),
	)
	w.slot.MarkExited(ExitOK)
	return nil
}

// iteration runs one cycle. It returns false when the worker must stop.
func (w *Worker) iteration(ctx context.Context, i int) bool {
	w.locks.ResetDepth()

	acquired, wait, ok := w.acquire(ctx)
	w.slot.AddWait(wait)
	if !ok {
		return false
	}

	var committed uint64
	if acquired {
		if wait > w.cfg.Lock.MaxLockWait() {
			w.logger.Warn("lock wait exceeded threshold",
				"iteration", i,
				"wait", wait,
				"threshold", w.cfg.Lock.MaxLockWait(),
			)
		}
		var cont bool
		committed, cont = w.critical(i)
		if !cont {
			return false
		}
		w.sleep(ctx, w.loadDelay())
	} else {
		w.slot.SetState(shm.StateFailed)
		w.slot.AddFailure()
		err := errors.NewLockError("fine lock not acquired", errors.ErrLockAcquisitionTimeout).
			WithWorker(w.id).WithAttempts(w.cfg.Lock.MaxRetries).WithLock(lock.Fine.String())
		w.logger.Error("iteration abandoned", "iteration", i, "error", err)
	}
	w.slot.SetState(shm.StateIdle)

	w.rateLimit(ctx)
	w.escalate()

	if acquired {
		w.cadence(ctx, committed)
	}
	return true
}

// acquire makes up to max_retries attempts on the fine lock. ok is false
// when the worker was cancelled while backing off.
func (w *Worker) acquire(ctx context.Context) (acquired bool, wait time.Duration, ok bool) {
	start := time.Now()
	w.slot.SetState(shm.StateAcquiring)

	for attempt := 1; attempt <= w.cfg.Lock.MaxRetries; attempt++ {
		if w.locks.TryAcquire(lock.Fine) {
			return true, time.Since(start), true
		}
		w.slot.AddRetry()
		if attempt == w.cfg.Lock.MaxRetries {
			break
		}

		w.slot.SetState(shm.StateRetryBackoff)
		if !w.sleep(ctx, w.cfg.Lock.Backoff()) || w.slot.CancelRequested() {
			return false, time.Since(start), false
		}
		w.slot.SetState(shm.StateAcquiring)
	}
	return false, time.Since(start), true
}

// critical runs the critical section with the fine lock held and releases
// it. It returns the global committed count after this update and false if
// the worker must stop.
func (w *Worker) critical(i int) (uint64, bool) {
	w.slot.SetState(shm.StateAcquired)
	w.slot.SetHolding(true)

	fault := w.fault(i)
	if fault == config.FaultCrash {
		w.logger.Warn("injected crash while holding fine lock", "iteration", i)
		w.exit(ExitCrash)
		return 0, false
	}

	w.slot.SetState(shm.StateCriticalSection)
	w.region.EnterCritical()

	if fault == config.FaultStall {
		w.logger.Warn("injected stall while holding fine lock", "iteration", i, "duration", w.cfg.Fault.Stall())
		// A stalled holder does not observe cancellation until it wakes.
		time.Sleep(w.cfg.Fault.Stall())
		if w.slot.CancelRequested() {
			w.region.LeaveCritical()
			w.release()
			w.logger.Warn("stalled worker cancelled by supervisor", "iteration", i)
			return 0, false
		}
	}

	w.region.BeginWrite()
	value := w.region.Counter() + 1
	w.region.SetCounter(value)
	committed := w.region.AddCommitted()
	if fault == config.FaultCorrupt {
		w.region.SetCounter(value + uint32(w.cfg.Fault.CorruptDelta))
	}
	w.region.EndWrite()
	w.region.LeaveCritical()

	w.slot.AddSuccess()
	w.slot.Touch(time.Now())
	w.logger.Info("counter updated", "value", value, "iteration", i)
	if fault == config.FaultCorrupt {
		w.logger.Warn("injected counter corruption", "iteration", i, "delta", w.cfg.Fault.CorruptDelta)
	}

	w.release()
	return committed, true
}

func (w *Worker) release() {
	w.slot.SetState(shm.StateReleasing)
	w.locks.Release(lock.Fine)
	w.slot.SetHolding(false)
}

func (w *Worker) fault(i int) string {
	if w.cfg.Fault.Mode == config.FaultNone || !w.cfg.Fault.Targets(w.id, i) {
		return config.FaultNone
	}
	return w.cfg.Fault.Mode
}

func (w *Worker) rateLimit(ctx context.Context) {
	n, exceeded := w.limiter.Record(time.Now())
	if !exceeded {
		return
	}
	w.slot.AddRateLimitHit()
	w.logger.Warn("rate limit exceeded",
		"attempts", n,
		"limit", w.cfg.Worker.RateLimitPerSecond,
		"penalty", w.cfg.Worker.RateLimitPenalty(),
	)
	w.sleep(ctx, w.cfg.Worker.RateLimitPenalty())
}

func (w *Worker) escalate() {
	depth := w.locks.Depth()
	if depth <= w.cfg.Lock.EscalationThreshold {
		return
	}
	w.slot.AddEscalation()
	ok, took := w.locks.Escalate()
	w.logger.Info("escalation attempted", "depth", depth, "acquired", ok, "duration", took)
	if took > w.cfg.Lock.EscalationTimeout() {
		w.logger.Warn("escalation exceeded threshold",
			"duration", took,
			"threshold", w.cfg.Lock.EscalationTimeout(),
		)
	}
}

// cadence runs the consistency check and snapshot schedules after a
// successful critical section.
func (w *Worker) cadence(ctx context.Context, committed uint64) {
	if w.checker != nil && w.cfg.Consistency.Interval > 0 &&
		w.slot.Successes()%uint64(w.cfg.Consistency.Interval) == 0 {
		w.slot.AddCheck()
		w.checker.CheckRegion()
	}

	if w.snapshots != nil && w.cfg.Snapshot.Interval > 0 &&
		committed%uint64(w.cfg.Snapshot.Interval) == 0 {
		seq := committed / uint64(w.cfg.Snapshot.Interval)
		path, err := w.snapshots.Snapshot(ctx, seq)
		if err != nil {
			w.logger.Error("snapshot failed", "seq", seq, "error", err)
			return
		}
		w.slot.AddSnapshot()
		w.region.AddSnapshot()
		w.logger.Info("snapshot written", "seq", seq, "path", path)
	}
}

func (w *Worker) loadDelay() time.Duration {
	lo, hi := w.cfg.Worker.LoadMinMs, w.cfg.Worker.LoadMaxMs
	if hi <= lo {
		return time.Duration(lo) * time.Millisecond
	}
	return time.Duration(lo+w.rng.IntN(hi-lo+1)) * time.Millisecond
}

func (w *Worker) cancelled(ctx context.Context) bool {
	return ctx.Err() != nil || w.slot.CancelRequested()
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
