package shm

import (
	"sync/atomic"
	"time"
)

// State is a worker's position in its iteration state machine.
type State uint32

// Worker states. StateUnstarted is the zero value of a fresh slot.
const (
	StateUnstarted State = iota
	StateIdle
	StateAcquiring
	StateRetryBackoff
	StateAcquired
	StateCriticalSection
	StateReleasing
	StateFailed
	StateDone
)

var stateNames = [...]string{
	StateUnstarted:       "UNSTARTED",
	StateIdle:            "IDLE",
	StateAcquiring:       "ACQUIRING",
	StateRetryBackoff:    "RETRY_BACKOFF",
	StateAcquired:        "ACQUIRED",
	StateCriticalSection: "CRITICAL_SECTION",
	StateReleasing:       "RELEASING",
	StateFailed:          "FAILED",
	StateDone:            "DONE",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// Slot offsets, relative to the slot start.
const (
	slotPID         = 0
	slotState       = 8
	slotCancel      = 12
	slotIteration   = 16
	slotRetries     = 24
	slotSuccesses   = 32
	slotFailures    = 40
	slotEscalations = 48
	slotRateLimits  = 56
	slotWaitNs      = 64
	slotLastAccess  = 72
	slotStarted     = 80
	slotExited      = 88
	slotExitCode    = 92
	slotHolding     = 96
	slotChecks      = 104
	slotSnapshots   = 112
)

// Slot is one worker's record in the shared region. Each field is written
// only by its worker (cancel requests excepted) and read by the coordinator,
// so the final numbers survive the worker process.
type Slot struct {
	r   *Region
	id  int
	off int
}

func (s *Slot) u32(field int) *uint32 { return s.r.u32(s.off + field) }
func (s *Slot) u64(field int) *uint64 { return s.r.u64(s.off + field) }
func (s *Slot) i64(field int) *int64  { return s.r.i64(s.off + field) }

// ID returns the worker id that owns the slot.
func (s *Slot) ID() int { return s.id }

// Start claims the slot for process pid and clears every field.
func (s *Slot) Start(pid int, now time.Time) {
	for f := 0; f < SlotSize; f += 8 {
		atomic.StoreUint64(s.u64(f), 0)
	}
	atomic.StoreInt64(s.i64(slotStarted), now.UnixNano())
	atomic.StoreInt64(s.i64(slotLastAccess), now.UnixNano())
	atomic.StoreUint32(s.u32(slotState), uint32(StateIdle))
	// PID last: a non-zero pid marks the slot as live to observers.
	atomic.StoreInt64(s.i64(slotPID), int64(pid))
}

// PID returns the owning process id, or 0 before Start.
func (s *Slot) PID() int { return int(atomic.LoadInt64(s.i64(slotPID))) }

// State returns the worker state.
func (s *Slot) State() State { return State(atomic.LoadUint32(s.u32(slotState))) }

// SetState records a state transition.
func (s *Slot) SetState(st State) { atomic.StoreUint32(s.u32(slotState), uint32(st)) }

// Iteration returns the iteration the worker is on.
func (s *Slot) Iteration() uint64 { return atomic.LoadUint64(s.u64(slotIteration)) }

// SetIteration records the current iteration.
func (s *Slot) SetIteration(i uint64) { atomic.StoreUint64(s.u64(slotIteration), i) }

// Retries returns the number of failed acquisition attempts.
func (s *Slot) Retries() uint64 { return atomic.LoadUint64(s.u64(slotRetries)) }

// AddRetry counts a failed acquisition attempt.
func (s *Slot) AddRetry() { atomic.AddUint64(s.u64(slotRetries), 1) }

// Successes returns the number of completed critical sections.
func (s *Slot) Successes() uint64 { return atomic.LoadUint64(s.u64(slotSuccesses)) }

// AddSuccess counts a completed critical section and returns the new total.
func (s *Slot) AddSuccess() uint64 { return atomic.AddUint64(s.u64(slotSuccesses), 1) }

// Failures returns the number of iterations abandoned after max retries.
func (s *Slot) Failures() uint64 { return atomic.LoadUint64(s.u64(slotFailures)) }

// AddFailure counts an abandoned iteration.
func (s *Slot) AddFailure() { atomic.AddUint64(s.u64(slotFailures), 1) }

// Escalations returns the number of escalation attempts.
func (s *Slot) Escalations() uint64 { return atomic.LoadUint64(s.u64(slotEscalations)) }

// AddEscalation counts an escalation attempt.
func (s *Slot) AddEscalation() { atomic.AddUint64(s.u64(slotEscalations), 1) }

// RateLimitHits returns how often the rate limit penalty was applied.
func (s *Slot) RateLimitHits() uint64 { return atomic.LoadUint64(s.u64(slotRateLimits)) }

// AddRateLimitHit counts an applied rate limit penalty.
func (s *Slot) AddRateLimitHit() { atomic.AddUint64(s.u64(slotRateLimits), 1) }

// Wait returns the cumulative time spent acquiring the fine lock.
func (s *Slot) Wait() time.Duration { return time.Duration(atomic.LoadInt64(s.i64(slotWaitNs))) }

// AddWait adds to the cumulative lock wait.
func (s *Slot) AddWait(d time.Duration) { atomic.AddInt64(s.i64(slotWaitNs), int64(d)) }

// LastAccess returns the time of the last successful counter access, or the
// start time if there has been none.
func (s *Slot) LastAccess() time.Time { return time.Unix(0, atomic.LoadInt64(s.i64(slotLastAccess))) }

// Touch records a successful counter access.
func (s *Slot) Touch(now time.Time) { atomic.StoreInt64(s.i64(slotLastAccess), now.UnixNano()) }

// Started returns when the slot was claimed.
func (s *Slot) Started() time.Time { return time.Unix(0, atomic.LoadInt64(s.i64(slotStarted))) }

// CancelRequested reports whether the supervisor asked the worker to stop.
func (s *Slot) CancelRequested() bool { return atomic.LoadUint32(s.u32(slotCancel)) != 0 }

// RequestCancel asks the worker to stop at its next check. It returns false
// if a cancel was already pending.
func (s *Slot) RequestCancel() bool { return atomic.CompareAndSwapUint32(s.u32(slotCancel), 0, 1) }

// Holding reports whether the worker believes it holds the fine lock.
func (s *Slot) Holding() bool { return atomic.LoadUint32(s.u32(slotHolding)) != 0 }

// SetHolding records whether the worker holds the fine lock.
func (s *Slot) SetHolding(held bool) {
	var v uint32
	if held {
		v = 1
	}
	atomic.StoreUint32(s.u32(slotHolding), v)
}

// Exited reports whether the worker recorded its own exit.
func (s *Slot) Exited() bool { return atomic.LoadUint32(s.u32(slotExited)) != 0 }

// ExitCode returns the exit code the worker recorded.
func (s *Slot) ExitCode() int { return int(int32(atomic.LoadUint32(s.u32(slotExitCode)))) }

// MarkExited records a clean worker exit. It is the last write a worker
// makes to its slot.
func (s *Slot) MarkExited(code int) {
	atomic.StoreUint32(s.u32(slotExitCode), uint32(int32(code)))
	atomic.StoreUint32(s.u32(slotExited), 1)
}

// Checks returns the number of consistency checks this worker ran.
func (s *Slot) Checks() uint64 { return atomic.LoadUint64(s.u64(slotChecks)) }

// AddCheck counts a consistency check.
func (s *Slot) AddCheck() { atomic.AddUint64(s.u64(slotChecks), 1) }

// Snapshots returns the number of snapshots this worker wrote.
func (s *Slot) Snapshots() uint64 { return atomic.LoadUint64(s.u64(slotSnapshots)) }

// AddSnapshot counts a written snapshot.
func (s *Slot) AddSnapshot() { atomic.AddUint64(s.u64(slotSnapshots), 1) }

// Record returns a plain copy of the slot.
func (s *Slot) Record() WorkerRecord {
	return WorkerRecord{
		ID:            s.id,
		PID:           s.PID(),
		State:         s.State(),
		Iteration:     s.Iteration(),
		Retries:       s.Retries(),
		Successes:     s.Successes(),
		Failures:      s.Failures(),
		Escalations:   s.Escalations(),
		RateLimitHits: s.RateLimitHits(),
		Wait:          s.Wait(),
		LastAccess:    s.LastAccess(),
		Started:       s.Started(),
		Cancelled:     s.CancelRequested(),
		Holding:       s.Holding(),
		Exited:        s.Exited(),
		ExitCode:      s.ExitCode(),
		Checks:        s.Checks(),
		Snapshots:     s.Snapshots(),
	}
}

// WorkerRecord is a point-in-time copy of a worker slot.
type WorkerRecord struct {
	ID            int
	PID           int
	State         State
	Iteration     uint64
	Retries       uint64
	Successes     uint64
	Failures      uint64
	Escalations   uint64
	RateLimitHits uint64
	Wait          time.Duration
	LastAccess    time.Time
	Started       time.Time
	Cancelled     bool
	Holding       bool
	Exited        bool
	ExitCode      int
	Checks        uint64
	Snapshots     uint64
}
