package run

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Iron-Ham/shmguard/internal/errors"
	"github.com/Iron-Ham/shmguard/internal/logging"
)

// LockFileName is the name of the lock file within a run directory
const LockFileName = "run.lock"

// ErrRunLocked is returned when another live coordinator owns the run directory
var ErrRunLocked = errors.ErrRunLocked

// Lock is the ownership record of a run directory. The coordinator holds an
// flock on the file for the life of the run; the JSON body lets workers and
// the stale-run sweep find the owner and the region without taking it.
type Lock struct {
	RunID      string    `json:"run_id"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	StartedAt  time.Time `json:"started_at"`
	RegionPath string    `json:"region_path"`

	path   string
	held   *os.File
	logger *logging.Logger
}

func lockedBy(prev *Lock) error {
	if prev == nil {
		return ErrRunLocked
	}
	return fmt.Errorf("%w: PID %d on %s", ErrRunLocked, prev.PID, prev.Hostname)
}

// AcquireLock takes the run lock for l. A record left by a dead process is
// overwritten; a live owner yields ErrRunLocked. The logger may be nil.
func AcquireLock(l Layout, logger *logging.Logger) (*Lock, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	path := l.LockPath()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open run lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		prev, _ := ReadLock(path)
		if errors.Is(err, unix.EWOULDBLOCK) {
			logger.Error("failed to acquire run lock", "run_id", l.ID, "error", lockedBy(prev))
			return nil, lockedBy(prev)
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	// The flock is free, but a record naming some other live process still
	// wins: it may predate flock or come from a tool that writes it directly.
	if prev, err := ReadLock(path); err == nil {
		if prev.PID != os.Getpid() && IsProcessAlive(prev.PID) {
			f.Close()
			return nil, lockedBy(prev)
		}
		logger.Warn("stale run lock replaced", "run_id", l.ID, "old_pid", prev.PID)
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	lock := &Lock{
		RunID:      l.ID,
		PID:        os.Getpid(),
		Hostname:   host,
		StartedAt:  time.Now(),
		RegionPath: l.RegionPath,
		path:       path,
		held:       f,
		logger:     logger,
	}
	if err := lock.write(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	logger.Info("run lock acquired", "run_id", l.ID, "pid", lock.PID)
	return lock, nil
}

func (l *Lock) write() error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run lock: %w", err)
	}
	if err := l.held.Truncate(0); err != nil {
		return fmt.Errorf("failed to write run lock: %w", err)
	}
	if _, err := l.held.WriteAt(data, 0); err != nil {
		return fmt.Errorf("failed to write run lock: %w", err)
	}
	return nil
}

// Release deletes the lock file if its record still names this process and
// drops the flock. Safe to call multiple times.
func (l *Lock) Release() error {
	if l == nil || l.held == nil {
		return nil
	}
	defer func() {
		l.held.Close()
		l.held = nil
	}()

	cur, err := ReadLock(l.path)
	if err != nil || cur.PID != l.PID {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	l.logger.Info("run lock released", "run_id", l.RunID)
	return nil
}

// ReadLock parses the record in a lock file without locking it.
func ReadLock(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lock := &Lock{path: path}
	if err := json.Unmarshal(data, lock); err != nil {
		return nil, fmt.Errorf("failed to parse run lock %s: %w", path, err)
	}
	return lock, nil
}

// IsLocked reports whether a live coordinator owns runDir. The record is
// returned whenever one could be read, stale or not.
func IsLocked(runDir string) (*Lock, bool) {
	lock, err := ReadLock(filepath.Join(runDir, LockFileName))
	if err != nil {
		return nil, false
	}
	return lock, IsProcessAlive(lock.PID)
}

// IsProcessAlive reports whether pid names a running process. EPERM means
// the process exists but belongs to someone else.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, syscall.Signal(0))
	return err == nil || errors.Is(err, unix.EPERM)
}
