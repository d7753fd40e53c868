package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/Iron-Ham/shmguard/internal/errors"
	"github.com/Iron-Ham/shmguard/internal/run"
)

// Handle is the supervisor's view of one worker.
type Handle interface {
	// ID returns the worker id.
	ID() int
	// PID returns the worker's process id.
	PID() int
	// Alive reports whether the worker still exists.
	Alive() bool
	// Signal delivers sig to the worker.
	Signal(sig os.Signal) error
	// Done is closed once the worker has been reaped.
	Done() <-chan struct{}
	// Err returns the exit error after Done is closed.
	Err() error
}

// Spawner starts worker id and returns its handle.
type Spawner func(id int) (Handle, error)

// ProcessSpawner returns a Spawner that runs
// "<exe> worker --run-dir <runDir> --id <id>" in its own process group, so
// terminal signals reach only the coordinator, which fans them out.
func ProcessSpawner(exe, runDir string, stdout, stderr io.Writer) Spawner {
	return func(id int) (Handle, error) {
		cmd := exec.Command(exe, "worker", "--run-dir", runDir, "--id", strconv.Itoa(id))
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start worker %d: %w", id, err)
		}

		h := &processHandle{id: id, cmd: cmd, done: make(chan struct{})}
		go h.wait()
		return h, nil
	}
}

// processHandle supervises a worker process.
type processHandle struct {
	id   int
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (h *processHandle) wait() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

func (h *processHandle) ID() int  { return h.id }
func (h *processHandle) PID() int { return h.cmd.Process.Pid }

// Alive treats a reaped process as dead even if its pid was reused.
func (h *processHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
	}
	return run.IsProcessAlive(h.PID())
}

func (h *processHandle) Signal(sig os.Signal) error {
	select {
	case <-h.done:
		return os.ErrProcessDone
	default:
	}
	return h.cmd.Process.Signal(sig)
}

func (h *processHandle) Done() <-chan struct{} { return h.done }

func (h *processHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// ErrGoroutineExit is the exit error of an in-process worker whose
// goroutine ended without fn returning, the counterpart of a killed process.
var ErrGoroutineExit = errors.New("worker goroutine exited without returning")

// GoroutineSpawner returns a Spawner that runs fn on a goroutine of the
// current process. Any signal cancels fn's context. Every handle reports the
// coordinator's pid.
func GoroutineSpawner(fn func(ctx context.Context, id int) error) Spawner {
	return func(id int) (Handle, error) {
		ctx, cancel := context.WithCancel(context.Background())
		h := &goroutineHandle{id: id, cancel: cancel, done: make(chan struct{})}
		go func() {
			defer close(h.done)
			defer cancel()
			err := ErrGoroutineExit
			defer func() {
				h.mu.Lock()
				h.err = err
				h.mu.Unlock()
			}()
			err = fn(ctx, id)
		}()
		return h, nil
	}
}

type goroutineHandle struct {
	id     int
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (h *goroutineHandle) ID() int  { return h.id }
func (h *goroutineHandle) PID() int { return os.Getpid() }

func (h *goroutineHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *goroutineHandle) Signal(os.Signal) error {
	select {
	case <-h.done:
		return os.ErrProcessDone
	default:
	}
	h.cancel()
	return nil
}

func (h *goroutineHandle) Done() <-chan struct{} { return h.done }

func (h *goroutineHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}
