package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Iron-Ham/shmguard/internal/shm"
)

// ValidationError is one rejected config field.
type ValidationError struct {
	Field   string // dotted key, e.g. "lock.max_retries"
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is every problem Validate found, in section order.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return ""
	case 1:
		return e[0].Error()
	}
	lines := make([]string, 0, len(e)+1)
	lines = append(lines, fmt.Sprintf("%d validation errors:", len(e)))
	for i, v := range e {
		lines = append(lines, fmt.Sprintf("  %d. %s", i+1, v.Error()))
	}
	return strings.Join(lines, "\n") + "\n"
}

// ValidLogLevels returns the accepted logging.level values.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

const (
	maxThreadCount  = 1024
	maxRegionSize   = 64 * 1024 * 1024
	maxLogSizeKB    = 100 * 1024
	minWatchdogTick = 10
)

// checker accumulates problems so Validate reports all of them at once.
type checker struct {
	errs ValidationErrors
}

func (k *checker) fail(field string, value any, format string, args ...any) {
	k.errs = append(k.errs, ValidationError{Field: field, Value: value, Message: fmt.Sprintf(format, args...)})
}

func (k *checker) positive(field string, v int) {
	if v <= 0 {
		k.fail(field, v, "must be positive")
	}
}

func (k *checker) nonNegative(field string, v int) {
	if v < 0 {
		k.fail(field, v, "must be non-negative")
	}
}

func (k *checker) atMost(field string, v, limit int, unit string) {
	if v > limit {
		k.fail(field, v, "exceeds maximum of %d%s", limit, unit)
	}
}

// oneOf compares case-insensitively; an empty value passes when optional.
func (k *checker) oneOf(field, v string, allowed []string, optional bool) bool {
	if (optional && v == "") || slices.Contains(allowed, strings.ToLower(v)) {
		return true
	}
	k.fail(field, v, "must be one of: %s", strings.Join(allowed, ", "))
	return false
}

// within checks 0 <= v < n.
func (k *checker) within(field string, v, n int) {
	if v < 0 || v >= n {
		k.fail(field, v, "must be in [0, %d)", n)
	}
}

// Validate checks c and returns every problem found, or nil.
func (c *Config) Validate() ValidationErrors {
	k := &checker{}

	// run
	k.positive("run.thread_count", c.Run.ThreadCount)
	k.atMost("run.thread_count", c.Run.ThreadCount, maxThreadCount, "")
	k.positive("run.iterations_per_thread", c.Run.IterationsPerThread)
	switch {
	case strings.TrimSpace(c.Run.Dir) == "":
		k.fail("run.dir", c.Run.Dir, "cannot be empty")
	case strings.ContainsRune(c.Run.Dir, 0):
		k.fail("run.dir", c.Run.Dir, "path contains invalid null character")
	}

	// region: header plus one slot per worker
	size := c.Region.SharedRegionSize
	if n := c.Run.ThreadCount; n > 0 && n <= maxThreadCount {
		if need := shm.RequiredSize(n); size < need {
			k.fail("region.shared_region_size", size, "must be at least %d bytes for %d workers", need, n)
		}
	}
	k.atMost("region.shared_region_size", size, maxRegionSize, " bytes")

	// lock
	k.nonNegative("lock.max_lock_wait_ms", c.Lock.MaxLockWaitMs)
	if c.Lock.MaxRetries < 1 {
		k.fail("lock.max_retries", c.Lock.MaxRetries, "must be at least 1")
	}
	k.nonNegative("lock.backoff_ms", c.Lock.BackoffMs)
	k.nonNegative("lock.escalation_threshold", c.Lock.EscalationThreshold)
	k.nonNegative("lock.escalation_timeout_ms", c.Lock.EscalationTimeoutMs)

	// worker
	k.positive("worker.rate_limit_per_second", c.Worker.RateLimitPerSecond)
	k.nonNegative("worker.rate_limit_penalty_ms", c.Worker.RateLimitPenaltyMs)
	k.nonNegative("worker.load_min_ms", c.Worker.LoadMinMs)
	k.nonNegative("worker.load_max_ms", c.Worker.LoadMaxMs)
	if c.Worker.LoadMinMs > c.Worker.LoadMaxMs {
		k.fail("worker.load_min_ms", c.Worker.LoadMinMs, "must not exceed load_max_ms (%d)", c.Worker.LoadMaxMs)
	}

	// cadences
	k.positive("consistency.interval", c.Consistency.Interval)
	k.positive("snapshot.interval", c.Snapshot.Interval)
	k.oneOf("snapshot.level", c.Snapshot.Level, ValidSnapshotLevels(), false)

	// watchdog
	if c.Watchdog.TickMs < minWatchdogTick {
		k.fail("watchdog.tick_ms", c.Watchdog.TickMs, "must be at least %dms", minWatchdogTick)
	}
	k.positive("watchdog.timeout_ms", c.Watchdog.TimeoutMs)
	k.nonNegative("watchdog.cancel_grace_ms", c.Watchdog.CancelGraceMs)

	c.checkFault(k)

	// logging
	k.oneOf("logging.level", c.Logging.Level, ValidLogLevels(), true)
	k.positive("logging.max_size_kb", c.Logging.MaxSizeKB)
	k.atMost("logging.max_size_kb", c.Logging.MaxSizeKB, maxLogSizeKB, "KB")
	k.nonNegative("logging.max_backups", c.Logging.MaxBackups)

	return k.errs
}

// checkFault validates the injection target only when a fault is armed.
func (c *Config) checkFault(k *checker) {
	if !slices.Contains(ValidFaultModes(), c.Fault.Mode) {
		k.fail("fault.mode", c.Fault.Mode, "must be one of: %s", strings.Join(ValidFaultModes(), ", "))
		return
	}
	if c.Fault.Mode == FaultNone {
		return
	}
	k.within("fault.worker", c.Fault.Worker, c.Run.ThreadCount)
	k.within("fault.iteration", c.Fault.Iteration, c.Run.IterationsPerThread)
	k.nonNegative("fault.stall_ms", c.Fault.StallMs)
	if c.Fault.Mode == FaultCorrupt && c.Fault.CorruptDelta == 0 {
		k.fail("fault.corrupt_delta", c.Fault.CorruptDelta, "must be non-zero in corrupt mode")
	}
}
