// Package consistency compares the shared counter against the value the
// ledger predicts and reports each corruption to the fault log exactly once.
package consistency

import (
	"github.com/Iron-Ham/shmguard/internal/errors"
	"github.com/Iron-Ham/shmguard/internal/logging"
	"github.com/Iron-Ham/shmguard/internal/shm"
)

// DefaultReadAttempts bounds the seqlock retries of CheckRegion.
const DefaultReadAttempts = 8

// Status is the outcome of one check.
type Status int

const (
	StatusOK Status = iota
	StatusMismatch
	// StatusInconclusive means no stable read was possible because writers
	// kept the seqlock busy. It is never reported as a mismatch.
	StatusInconclusive
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusMismatch:
		return "mismatch"
	case StatusInconclusive:
		return "inconclusive"
	default:
		return "unknown"
	}
}

// Result describes one check.
type Result struct {
	Status   Status
	Expected uint32
	Actual   uint32
	// Reported is true when this check wrote the fault log entry. A
	// mismatch already reported by another worker has Reported false.
	Reported bool
	Err      *errors.ConsistencyError
}

// OK reports whether the counter matched.
func (r Result) OK() bool { return r.Status == StatusOK }

// Checker runs checks on behalf of one worker.
type Checker struct {
	region   *shm.Region
	faults   *logging.Logger
	logger   *logging.Logger
	worker   int
	attempts int
}

// New returns a Checker. faults receives only mismatch entries; logger
// receives everything else. Either may be nil.
func New(region *shm.Region, faults, logger *logging.Logger, worker int) *Checker {
	if faults == nil {
		faults = logging.NopLogger()
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Checker{
		region:   region,
		faults:   faults,
		logger:   logger.WithComponent("consistency"),
		worker:   worker,
		attempts: DefaultReadAttempts,
	}
}

// Check reads the counter directly, outside the fine lock, and compares it
// with expected plus the accepted drift. The caller must supply an expected
// value that no concurrent writer can outdate; CheckRegion derives one from
// the ledger instead.
func (c *Checker) Check(expected uint32) Result {
	drift := c.region.Drift()
	actual := c.region.Counter()
	c.region.AddCheck()
	return c.compare(uint64(expected), drift, actual)
}

// CheckRegion takes a seqlock-consistent read of the counter and the ledger
// and compares them. If writers keep the read unstable the check is skipped.
func (c *Checker) CheckRegion() Result {
	view, ok := c.region.ReadView(c.attempts)
	if !ok {
		c.region.AddSkippedCheck()
		c.logger.Debug("consistency check inconclusive", "worker", c.worker)
		return Result{Status: StatusInconclusive}
	}
	c.region.AddCheck()
	return c.compare(view.Committed, view.Drift, view.Counter)
}

func (c *Checker) compare(committed uint64, drift int64, actual uint32) Result {
	expected := uint32(int64(committed) + drift)
	res := Result{Status: StatusOK, Expected: expected, Actual: actual}
	if actual == expected {
		return res
	}

	res.Status = StatusMismatch
	res.Err = errors.NewConsistencyError(uint64(expected), uint64(actual)).WithWorker(c.worker)

	// Re-baseline so later checks compare against the corrupted value. Only
	// the winner of the swap reports.
	if !c.region.CompareAndSwapDrift(drift, int64(actual)-int64(committed)) {
		return res
	}
	res.Reported = true
	c.region.AddMismatch()
	c.faults.Error("consistency mismatch",
		"expected", expected,
		"actual", actual,
		"worker", c.worker,
	)
	c.logger.Warn("consistency mismatch reported to fault log",
		"expected", expected,
		"actual", actual,
		"worker", c.worker,
	)
	return res
}
