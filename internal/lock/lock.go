// Package lock implements the LockCoordinator: a fine lock guarding the
// shared counter and a coarser escalation lock, both flock(2) locks on files
// in the run directory.
//
// flock locks belong to an open file description, so the kernel drops them
// when the owning process dies. Every TryAcquire opens the lock path afresh;
// a lock file that was destroyed and recreated by ForceUnlock is therefore a
// new, free lock for every later caller, while the previous holder keeps its
// lock on the old inode.
package lock

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Iron-Ham/shmguard/internal/errors"
	"github.com/Iron-Ham/shmguard/internal/logging"
)

// ID names one of the two locks.
type ID int

const (
	// Fine is the mutual-exclusion lock guarding the counter.
	Fine ID = iota
	// Escalation is the coarse lock engaged under high contention. It is
	// acquired and released immediately and never widens the critical
	// section.
	Escalation
)

func (id ID) String() string {
	switch id {
	case Fine:
		return "fine"
	case Escalation:
		return "escalation"
	default:
		return fmt.Sprintf("lock(%d)", int(id))
	}
}

func (id ID) valid() bool { return id == Fine || id == Escalation }

// File names inside the run directory.
const (
	FineFileName       = "fine.lock"
	EscalationFileName = "escalation.lock"
)

// Path returns the lock file path for id inside dir.
func Path(dir string, id ID) string {
	if id == Escalation {
		return filepath.Join(dir, EscalationFileName)
	}
	return filepath.Join(dir, FineFileName)
}

// Paths returns both lock file paths inside dir.
func Paths(dir string) []string {
	return []string{Path(dir, Fine), Path(dir, Escalation)}
}

// Init creates both lock files. Failure is a setup error: a run cannot start
// without its locks.
func Init(dir string) error {
	for _, p := range Paths(dir) {
		f, err := os.OpenFile(p, os.O_CREATE|os.O_RDWR, 0600)
		if err != nil {
			return errors.NewSetupError(filepath.Base(p), err)
		}
		f.Close()
	}
	return nil
}

// Owner is the tag a holder writes into the fine lock file.
type Owner struct {
	PID        int
	Worker     int
	AcquiredAt time.Time
}

// ErrNoOwner is returned by ReadOwner when the lock file carries no tag.
var ErrNoOwner = errors.New("lock has no owner tag")

func (o Owner) encode() []byte {
	return fmt.Appendf(nil, "%d %d %d\n", o.PID, o.Worker, o.AcquiredAt.UnixNano())
}

func decodeOwner(b []byte) (Owner, error) {
	fields := bytes.Fields(b)
	if len(fields) == 0 {
		return Owner{}, ErrNoOwner
	}
	if len(fields) != 3 {
		return Owner{}, fmt.Errorf("malformed owner tag %q", b)
	}
	var nums [3]int64
	for i, f := range fields {
		n, err := strconv.ParseInt(string(f), 10, 64)
		if err != nil {
			return Owner{}, fmt.Errorf("malformed owner tag %q: %w", b, err)
		}
		nums[i] = n
	}
	return Owner{PID: int(nums[0]), Worker: int(nums[1]), AcquiredAt: time.Unix(0, nums[2])}, nil
}

// ReadOwner reads the owner tag of the lock file at path. A tag can outlive
// its holder if the holder died; callers check liveness separately.
func ReadOwner(path string) (Owner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Owner{}, err
	}
	return decodeOwner(data)
}

// Coordinator acquires and releases locks on behalf of one worker. Each
// process (or, in tests, each goroutine standing in for one) needs its own
// Coordinator so that it holds its own file descriptors.
type Coordinator struct {
	dir    string
	worker int
	logger *logging.Logger

	mu    sync.Mutex
	held  [2]*os.File
	depth int
}

// New returns a Coordinator for worker inside the run directory dir. The
// logger may be nil.
func New(dir string, worker int, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Coordinator{
		dir:    dir,
		worker: worker,
		logger: logger.WithComponent("lock"),
	}
}

// TryAcquire makes one non-blocking attempt on id. It reports false on
// contention and on any error; errors are logged, never returned.
func (c *Coordinator) TryAcquire(id ID) bool {
	if !id.valid() {
		c.logger.Error("unknown lock", "lock", id.String())
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if id == Fine {
		c.depth++
	}
	if c.held[id] != nil {
		c.logger.Warn("lock already held by caller", "lock", id.String())
		return false
	}

	path := Path(c.dir, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		c.logger.Error("failed to open lock file", "lock", id.String(), "error", err)
		return false
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if !errors.Is(err, unix.EWOULDBLOCK) {
			c.logger.Error("flock failed", "lock", id.String(), "error", err)
		}
		return false
	}

	// The path may have been recreated between open and flock. A lock on the
	// unlinked inode excludes nobody.
	if !sameFile(f, path) {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return false
	}

	if id == Fine {
		owner := Owner{PID: os.Getpid(), Worker: c.worker, AcquiredAt: time.Now()}
		if err := writeTag(f, owner.encode()); err != nil {
			c.logger.Warn("failed to write owner tag", "lock", id.String(), "error", err)
		}
	}

	c.held[id] = f
	return true
}

// Release releases id. Releasing a lock the caller does not hold is logged
// as anomalous and otherwise ignored.
func (c *Coordinator) Release(id ID) {
	if !id.valid() {
		c.logger.Error("unknown lock", "lock", id.String())
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	f := c.held[id]
	if f == nil {
		c.logger.Warn("anomalous release of lock not held", "lock", id.String())
		return
	}
	c.held[id] = nil

	if id == Fine {
		_ = f.Truncate(0)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		c.logger.Error("failed to unlock", "lock", id.String(), "error", err)
	}
	f.Close()
}

// Holds reports whether the caller currently holds id.
func (c *Coordinator) Holds(id ID) bool {
	if !id.valid() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held[id] != nil
}

// Escalate tries the escalation lock once and releases it straight away. It
// reports whether the lock was obtained and how long the attempt took. The
// result is a contention signal only.
func (c *Coordinator) Escalate() (bool, time.Duration) {
	start := time.Now()
	ok := c.TryAcquire(Escalation)
	if ok {
		c.Release(Escalation)
	}
	return ok, time.Since(start)
}

// ResetDepth starts a new iteration's nesting count.
func (c *Coordinator) ResetDepth() {
	c.mu.Lock()
	c.depth = 0
	c.mu.Unlock()
}

// Depth returns the number of fine lock attempts made since ResetDepth.
func (c *Coordinator) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.depth
}

// Owner reads the fine lock's owner tag.
func (c *Coordinator) Owner() (Owner, error) {
	return ReadOwner(Path(c.dir, Fine))
}

// Close releases anything still held without logging anomalies.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, f := range c.held {
		if f != nil {
			_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
			f.Close()
			c.held[i] = nil
		}
	}
}

// ForceUnlock destroys and recreates the lock file for id. The current
// holder, if any, keeps its lock on the removed inode and may still believe
// it holds exclusivity; the next TryAcquire by anyone else succeeds against
// the new file. This is a last-resort recovery for a stuck holder.
func ForceUnlock(dir string, id ID) error {
	path := Path(dir, id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewLockError("failed to remove lock file", err).WithLock(id.String())
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return errors.NewLockError("failed to recreate lock file", err).WithLock(id.String())
	}
	return f.Close()
}

func writeTag(f *os.File, tag []byte) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err := f.WriteAt(tag, 0)
	return err
}

func sameFile(f *os.File, path string) bool {
	held, err := f.Stat()
	if err != nil {
		return false
	}
	current, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(held, current)
}
