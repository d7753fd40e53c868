package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "lock error with every tag",
			err: NewLockError("fine lock not acquired", ErrLockAcquisitionTimeout).
				WithWorker(2).WithLock("fine").WithAttempts(5),
			want: "lock error [worker=2, lock=fine, attempts=5]: fine lock not acquired: lock acquisition timed out",
		},
		{
			name: "lock error without worker",
			err:  NewLockError("failed to remove lock file", nil).WithLock("escalation"),
			want: "lock error [lock=escalation]: failed to remove lock file",
		},
		{
			name: "worker zero is tagged",
			err:  NewLockError("x", nil).WithWorker(0),
			want: "lock error [worker=0]: x",
		},
		{
			name: "consistency",
			err:  NewConsistencyError(500, 1490).WithWorker(1),
			want: "consistency error [worker=1]: expected 500, actual 1490: consistency mismatch",
		},
		{
			name: "snapshot",
			err:  NewSnapshotError("write failed", fmt.Errorf("disk full")).WithSequence(9).WithPath("/r/snapshots/000009.zst"),
			want: "snapshot error [seq=9, path=/r/snapshots/000009.zst]: write failed: disk full",
		},
		{
			name: "worker stall rounds to milliseconds",
			err:  NewWorkerError("no progress", ErrWorkerUnresponsive).WithWorker(3, 4242).WithStale(8123456 * time.Microsecond),
			want: "worker error [worker=3, pid=4242, stale=8.123s]: no progress: worker unresponsive",
		},
		{
			name: "setup",
			err:  NewSetupError("shared region", fmt.Errorf("permission denied")),
			want: "setup error: cannot create shared region: permission denied",
		},
		{
			name: "validation",
			err:  NewValidationError("must be positive").WithField("run.thread_count").WithValue(0),
			want: "validation error [field=run.thread_count, value=0]: must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() =\n  %q\nwant\n  %q", got, tt.want)
			}
		})
	}
}

func TestErrorMatching(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"lock cause", NewLockError("m", ErrLockAcquisitionTimeout), ErrLockAcquisitionTimeout, true},
		{"lock type", NewLockError("m", nil), &LockError{}, true},
		{"lock not setup", NewLockError("m", nil), ErrResourceSetupFailure, false},
		{"consistency sentinel", NewConsistencyError(1, 2), ErrConsistencyMismatch, true},
		{"snapshot sentinel", NewSnapshotError("m", nil), ErrSnapshotWriteFailure, true},
		{"snapshot joined cause", NewSnapshotError("decode", Join(ErrSnapshotCorrupted, fmt.Errorf("bad magic"))), ErrSnapshotCorrupted, true},
		{"worker dead", NewWorkerError("gone", ErrWorkerDead), ErrWorkerDead, true},
		{"worker not unresponsive", NewWorkerError("gone", ErrWorkerDead), ErrWorkerUnresponsive, false},
		{"setup sentinel", NewSetupError("locks", nil), ErrResourceSetupFailure, true},
		{"setup wrapped", fmt.Errorf("start: %w", NewSetupError("locks", nil)), &SetupError{}, true},
		{"validation sentinel", NewValidationError("m"), ErrInvalidInput, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAs_ThroughWrapping(t *testing.T) {
	err := fmt.Errorf("worker 2: %w", NewLockError("fine lock not acquired", nil).WithWorker(2).WithAttempts(5))

	var lockErr *LockError
	if !As(err, &lockErr) {
		t.Fatal("As() = false")
	}
	if lockErr.WorkerID != 2 || lockErr.Attempts != 5 {
		t.Errorf("LockError = %+v", lockErr)
	}

	var guardErr GuardError
	if !As(err, &guardErr) || guardErr.Class() != Recoverable {
		t.Errorf("GuardError class = %v", guardErr)
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		fatal     bool
		retryable bool
	}{
		{"nil", nil, false, false},
		{"plain", New("boom"), false, false},
		{"lock", NewLockError("m", nil), false, true},
		{"consistency", NewConsistencyError(1, 2), false, false},
		{"snapshot", NewSnapshotError("m", nil), false, false},
		{"worker", NewWorkerError("m", nil), false, false},
		{"setup", NewSetupError("region", nil), true, false},
		{"wrapped setup", fmt.Errorf("run: %w", NewSetupError("region", nil)), true, false},
		{"validation", NewValidationError("m"), true, false},
		{"joined", Join(New("a"), NewSetupError("locks", nil)), true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFatal(tt.err); got != tt.fatal {
				t.Errorf("IsFatal() = %v, want %v", got, tt.fatal)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestClass_String(t *testing.T) {
	if Recoverable.String() != "recoverable" || Fatal.String() != "fatal" {
		t.Errorf("Class strings = %q, %q", Recoverable, Fatal)
	}
}

func TestValidationError_WithCause(t *testing.T) {
	cause := fmt.Errorf("parse failure")
	err := NewValidationError("bad level").WithField("snapshot.level").WithCause(cause)
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through errors.Is")
	}
	if Unwrap(err) != cause {
		t.Errorf("Unwrap() = %v", Unwrap(err))
	}
}
