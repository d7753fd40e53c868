package shm

import (
	"runtime"
	"sync/atomic"
)

// The ledger records run-wide totals next to the counter. committed counts
// successful critical sections, so in a fault-free run
// counter == committed + drift at every quiescent point.
//
// Writers bracket their counter and ledger updates with BeginWrite and
// EndWrite (a seqlock). Readers outside the fine lock use ReadView, which
// retries until it sees an even, unchanged sequence.

// View is a consistent read of the counter and the ledger values it is
// compared against.
type View struct {
	Counter   uint32
	Committed uint64
	Drift     int64
	Seq       uint64
}

// Expected returns the counter value the ledger predicts.
func (v View) Expected() uint32 {
	return uint32(int64(v.Committed) + v.Drift)
}

// BeginWrite marks the start of a counter update. The sequence becomes odd.
func (r *Region) BeginWrite() {
	atomic.AddUint64(r.u64(offSeq), 1)
}

// EndWrite marks the end of a counter update. The sequence becomes even.
func (r *Region) EndWrite() {
	atomic.AddUint64(r.u64(offSeq), 1)
}

// Seq returns the current seqlock generation.
func (r *Region) Seq() uint64 {
	return atomic.LoadUint64(r.u64(offSeq))
}

// ReadView takes a seqlock-consistent read. It gives up after attempts
// tries and reports ok=false; callers must treat that as inconclusive.
func (r *Region) ReadView(attempts int) (View, bool) {
	for i := 0; i < attempts; i++ {
		seq := r.Seq()
		if seq&1 == 1 {
			runtime.Gosched()
			continue
		}
		v := View{
			Counter:   r.Counter(),
			Committed: r.Committed(),
			Drift:     r.Drift(),
			Seq:       seq,
		}
		if r.Seq() == seq {
			return v, true
		}
		runtime.Gosched()
	}
	return View{}, false
}

// Committed returns the number of successful critical sections.
func (r *Region) Committed() uint64 {
	return atomic.LoadUint64(r.u64(offCommitted))
}

// AddCommitted records one successful critical section and returns the new
// total.
func (r *Region) AddCommitted() uint64 {
	return atomic.AddUint64(r.u64(offCommitted), 1)
}

// Drift returns the accepted offset between counter and committed.
func (r *Region) Drift() int64 {
	return atomic.LoadInt64(r.i64(offDrift))
}

// CompareAndSwapDrift re-baselines the drift. Exactly one of several
// concurrent callers with the same old value succeeds.
func (r *Region) CompareAndSwapDrift(old, next int64) bool {
	return atomic.CompareAndSwapInt64(r.i64(offDrift), old, next)
}

// EnterCritical records that the caller is inside the critical section. It
// returns the number of holders including the caller; more than one means
// mutual exclusion was violated, which is also counted.
func (r *Region) EnterCritical() int64 {
	n := atomic.AddInt64(r.i64(offHolders), 1)
	for {
		peak := atomic.LoadInt64(r.i64(offMaxHolders))
		if n <= peak || atomic.CompareAndSwapInt64(r.i64(offMaxHolders), peak, n) {
			break
		}
	}
	if n > 1 {
		atomic.AddUint64(r.u64(offViolations), 1)
	}
	return n
}

// LeaveCritical undoes EnterCritical.
func (r *Region) LeaveCritical() {
	atomic.AddInt64(r.i64(offHolders), -1)
}

// Holders returns the number of callers currently inside the critical section.
func (r *Region) Holders() int64 { return atomic.LoadInt64(r.i64(offHolders)) }

// MaxHolders returns the largest number of simultaneous holders observed.
func (r *Region) MaxHolders() int64 { return atomic.LoadInt64(r.i64(offMaxHolders)) }

// Violations returns how many critical-section entries found another holder.
func (r *Region) Violations() uint64 { return atomic.LoadUint64(r.u64(offViolations)) }

// ForcedUnlocks returns the number of forced unlocks performed.
func (r *Region) ForcedUnlocks() uint64 { return atomic.LoadUint64(r.u64(offForcedUnlocks)) }

// AddForcedUnlock counts a forced unlock.
func (r *Region) AddForcedUnlock() uint64 { return atomic.AddUint64(r.u64(offForcedUnlocks), 1) }

// Snapshots returns the number of snapshots written.
func (r *Region) Snapshots() uint64 { return atomic.LoadUint64(r.u64(offSnapshots)) }

// AddSnapshot counts a written snapshot.
func (r *Region) AddSnapshot() uint64 { return atomic.AddUint64(r.u64(offSnapshots), 1) }

// Checks returns the number of conclusive consistency checks.
func (r *Region) Checks() uint64 { return atomic.LoadUint64(r.u64(offChecks)) }

// AddCheck counts a conclusive consistency check.
func (r *Region) AddCheck() uint64 { return atomic.AddUint64(r.u64(offChecks), 1) }

// Mismatches returns the number of reported consistency mismatches.
func (r *Region) Mismatches() uint64 { return atomic.LoadUint64(r.u64(offMismatches)) }

// AddMismatch counts a reported consistency mismatch.
func (r *Region) AddMismatch() uint64 { return atomic.AddUint64(r.u64(offMismatches), 1) }

// SkippedChecks returns the number of inconclusive consistency checks.
func (r *Region) SkippedChecks() uint64 { return atomic.LoadUint64(r.u64(offSkipped)) }

// AddSkippedCheck counts an inconclusive consistency check.
func (r *Region) AddSkippedCheck() uint64 { return atomic.AddUint64(r.u64(offSkipped), 1) }
