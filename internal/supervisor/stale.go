package supervisor

import (
	"time"

	"github.com/Iron-Ham/shmguard/internal/shm"
)

// Verdict is the watchdog's classification of one worker at one tick.
type Verdict int

const (
	// VerdictHealthy means the worker is alive and made progress recently,
	// or has not claimed its slot yet.
	VerdictHealthy Verdict = iota
	// VerdictFinished means the worker recorded its exit or reached DONE.
	VerdictFinished
	// VerdictDead means the process is gone without having recorded an exit.
	VerdictDead
	// VerdictStale means the worker is alive but its last successful access
	// is older than the timeout.
	VerdictStale
)

// String returns a human-readable name for the verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictHealthy:
		return "healthy"
	case VerdictFinished:
		return "finished"
	case VerdictDead:
		return "dead"
	case VerdictStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Observation holds the inputs for one classification.
type Observation struct {
	Now    time.Time
	Alive  bool
	Record shm.WorkerRecord
}

// Detector classifies workers. It is stateless; the watchdog tracks
// episodes across ticks.
type Detector struct {
	timeout time.Duration
}

// NewDetector returns a Detector with the given staleness threshold. A zero
// timeout disables staleness detection.
func NewDetector(timeout time.Duration) *Detector {
	return &Detector{timeout: timeout}
}

// Classify returns the verdict and, for live workers, the time since the
// last successful access (or since start if there was none).
func (d *Detector) Classify(p Observation) (Verdict, time.Duration) {
	rec := p.Record
	if rec.Exited {
		return VerdictFinished, 0
	}
	if !p.Alive {
		return VerdictDead, 0
	}
	if rec.PID == 0 {
		return VerdictHealthy, 0
	}
	if rec.State == shm.StateDone {
		return VerdictFinished, 0
	}

	stale := p.Now.Sub(rec.LastAccess)
	if d.timeout > 0 && stale > d.timeout {
		return VerdictStale, stale
	}
	return VerdictHealthy, stale
}

// Timeout returns the staleness threshold.
func (d *Detector) Timeout() time.Duration {
	return d.timeout
}
