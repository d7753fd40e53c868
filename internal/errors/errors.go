// Package errors is the error taxonomy of a coordination run. It re-exports
// the standard helpers so callers import a single package, and defines one
// typed error per failure class:
//   - LockError: lock acquisition gave up after the retry budget
//   - ConsistencyError: the shared counter disagrees with the success ledger
//   - SnapshotError: a snapshot could not be written or decoded
//   - WorkerError: a worker died or stopped making progress
//   - SetupError: shared resources could not be created
//   - ValidationError: invalid configuration
//
// Only SetupError and ValidationError are [Fatal]. Steady-state errors are
// logged by the component that saw them and the run goes on; [IsFatal] tells
// the two apart.
//
//	err := errors.NewLockError("fine lock not acquired", errors.ErrLockAcquisitionTimeout).
//		WithWorker(3).WithAttempts(5)
//	errors.Is(err, errors.ErrLockAcquisitionTimeout) // true
//
//	var lockErr *errors.LockError
//	errors.As(err, &lockErr) // true
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

var (
	ErrLockAcquisitionTimeout = New("lock acquisition timed out")
	ErrLockNotHeld            = New("lock not held")

	ErrConsistencyMismatch  = New("consistency mismatch")
	ErrSnapshotWriteFailure = New("snapshot write failed")
	ErrSnapshotCorrupted    = New("snapshot corrupted")

	ErrWorkerUnresponsive = New("worker unresponsive")
	ErrWorkerDead         = New("worker process dead")

	ErrResourceSetupFailure = New("resource setup failed")
	ErrRunLocked            = New("run directory is locked")

	ErrCanceled     = New("operation canceled")
	ErrInvalidInput = New("invalid input")
)

// Class says how a run reacts to an error.
type Class int

const (
	// Recoverable errors are logged and the run continues.
	Recoverable Class = iota
	// Fatal errors abort the run before workers start.
	Fatal
)

func (c Class) String() string {
	if c == Fatal {
		return "fatal"
	}
	return "recoverable"
}

// GuardError is implemented by every typed error in this package.
type GuardError interface {
	error
	Unwrap() error
	Class() Class
	// Retryable reports whether the same operation may succeed if repeated.
	Retryable() bool
}

// guard carries what all typed errors share. sentinel is the package error
// the type also matches with Is.
type guard struct {
	kind      string
	message   string
	cause     error
	sentinel  error
	class     Class
	retryable bool
}

func (g *guard) Unwrap() error   { return g.cause }
func (g *guard) Class() Class    { return g.class }
func (g *guard) Retryable() bool { return g.retryable }

func (g *guard) matches(target error) bool {
	if g.sentinel != nil && target == g.sentinel {
		return true
	}
	return g.cause != nil && errors.Is(g.cause, target)
}

// tag appends k=v to tags when set.
func tag(tags []string, k string, v any, set bool) []string {
	if !set {
		return tags
	}
	return append(tags, fmt.Sprintf("%s=%v", k, v))
}

// render produces "<kind> [k=v, ...]: message: cause".
func (g *guard) render(tags []string) string {
	var b strings.Builder
	b.WriteString(g.kind)
	if len(tags) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(tags, ", "))
		b.WriteString("]")
	}
	b.WriteString(": ")
	b.WriteString(g.message)
	if g.cause != nil {
		fmt.Fprintf(&b, ": %v", g.cause)
	}
	return b.String()
}

// LockError reports a failed acquisition or repair of a named lock.
type LockError struct {
	guard
	WorkerID int
	Attempts int
	LockName string
}

// NewLockError returns a retryable LockError.
func NewLockError(message string, cause error) *LockError {
	return &LockError{
		guard:    guard{kind: "lock error", message: message, cause: cause, retryable: true},
		WorkerID: -1,
	}
}

func (e *LockError) WithWorker(id int) *LockError  { e.WorkerID = id; return e }
func (e *LockError) WithAttempts(n int) *LockError { e.Attempts = n; return e }
func (e *LockError) WithLock(name string) *LockError {
	e.LockName = name
	return e
}

func (e *LockError) Error() string {
	var tags []string
	tags = tag(tags, "worker", e.WorkerID, e.WorkerID >= 0)
	tags = tag(tags, "lock", e.LockName, e.LockName != "")
	tags = tag(tags, "attempts", e.Attempts, e.Attempts > 0)
	return e.render(tags)
}

func (e *LockError) Is(target error) bool {
	_, ok := target.(*LockError)
	return ok || e.matches(target)
}

// ConsistencyError reports a counter that disagrees with the ledger.
type ConsistencyError struct {
	guard
	WorkerID int
	Expected uint64
	Actual   uint64
}

func NewConsistencyError(expected, actual uint64) *ConsistencyError {
	return &ConsistencyError{
		guard: guard{
			kind:    "consistency error",
			message: fmt.Sprintf("expected %d, actual %d", expected, actual),
			cause:   ErrConsistencyMismatch,
		},
		WorkerID: -1,
		Expected: expected,
		Actual:   actual,
	}
}

func (e *ConsistencyError) WithWorker(id int) *ConsistencyError {
	e.WorkerID = id
	return e
}

func (e *ConsistencyError) Error() string {
	var tags []string
	tags = tag(tags, "worker", e.WorkerID, e.WorkerID >= 0)
	return e.render(tags)
}

func (e *ConsistencyError) Is(target error) bool {
	_, ok := target.(*ConsistencyError)
	return ok || e.matches(target)
}

// SnapshotError reports a snapshot that could not be persisted or read back.
type SnapshotError struct {
	guard
	Sequence uint64
	Path     string
}

func NewSnapshotError(message string, cause error) *SnapshotError {
	return &SnapshotError{guard: guard{
		kind:     "snapshot error",
		message:  message,
		cause:    cause,
		sentinel: ErrSnapshotWriteFailure,
	}}
}

func (e *SnapshotError) WithSequence(seq uint64) *SnapshotError {
	e.Sequence = seq
	return e
}

func (e *SnapshotError) WithPath(path string) *SnapshotError {
	e.Path = path
	return e
}

func (e *SnapshotError) Error() string {
	var tags []string
	tags = tag(tags, "seq", e.Sequence, e.Sequence > 0)
	tags = tag(tags, "path", e.Path, e.Path != "")
	return e.render(tags)
}

func (e *SnapshotError) Is(target error) bool {
	_, ok := target.(*SnapshotError)
	return ok || e.matches(target)
}

// WorkerError reports a worker the watchdog found dead or stalled.
type WorkerError struct {
	guard
	WorkerID int
	PID      int
	Stale    time.Duration
}

func NewWorkerError(message string, cause error) *WorkerError {
	return &WorkerError{
		guard:    guard{kind: "worker error", message: message, cause: cause},
		WorkerID: -1,
	}
}

func (e *WorkerError) WithWorker(id, pid int) *WorkerError {
	e.WorkerID, e.PID = id, pid
	return e
}

func (e *WorkerError) WithStale(d time.Duration) *WorkerError {
	e.Stale = d
	return e
}

func (e *WorkerError) Error() string {
	var tags []string
	tags = tag(tags, "worker", e.WorkerID, e.WorkerID >= 0)
	tags = tag(tags, "pid", e.PID, e.PID > 0)
	tags = tag(tags, "stale", e.Stale.Round(time.Millisecond), e.Stale > 0)
	return e.render(tags)
}

func (e *WorkerError) Is(target error) bool {
	_, ok := target.(*WorkerError)
	return ok || e.matches(target)
}

// SetupError reports shared resources that could not be created.
type SetupError struct {
	guard
	Resource string
}

func NewSetupError(resource string, cause error) *SetupError {
	return &SetupError{
		guard: guard{
			kind:     "setup error",
			message:  "cannot create " + resource,
			cause:    cause,
			sentinel: ErrResourceSetupFailure,
			class:    Fatal,
		},
		Resource: resource,
	}
}

func (e *SetupError) Error() string { return e.render(nil) }

func (e *SetupError) Is(target error) bool {
	_, ok := target.(*SetupError)
	return ok || e.matches(target)
}

// ValidationError reports an invalid configuration value.
type ValidationError struct {
	guard
	Field string
	Value any
}

func NewValidationError(message string) *ValidationError {
	return &ValidationError{guard: guard{
		kind:     "validation error",
		message:  message,
		sentinel: ErrInvalidInput,
		class:    Fatal,
	}}
}

func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

func (e *ValidationError) Error() string {
	var tags []string
	tags = tag(tags, "field", e.Field, e.Field != "")
	tags = tag(tags, "value", e.Value, e.Value != nil)
	return e.render(tags)
}

func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok || e.matches(target)
}

// IsFatal reports whether err must abort the run.
func IsFatal(err error) bool {
	var g GuardError
	return As(err, &g) && g.Class() == Fatal
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	var g GuardError
	return As(err, &g) && g.Retryable()
}
