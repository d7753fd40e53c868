// Package supervisor owns the worker handles of a run: it spawns workers,
// fans out stop signals, waits for them, and watches their liveness and
// progress through the Watchdog.
//
// All state lives in an explicit Supervisor value that is passed to the
// signal router; there is no package-level registry of workers.
package supervisor

import (
	"context"
	"os"
	"sync"

	"github.com/Iron-Ham/shmguard/internal/errors"
	"github.com/Iron-Ham/shmguard/internal/event"
	"github.com/Iron-Ham/shmguard/internal/logging"
)

// Supervisor holds the handles of one run's workers.
type Supervisor struct {
	logger *logging.Logger
	bus    *event.Bus

	mu      sync.Mutex
	handles []Handle
	stopped bool
}

// New creates a Supervisor. logger and bus may be nil.
func New(logger *logging.Logger, bus *event.Bus) *Supervisor {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Supervisor{
		logger: logger.WithComponent("supervisor"),
		bus:    bus,
	}
}

// Spawn starts n workers with spawn. If any start fails, the workers already
// started are killed and the error is returned as a setup error.
func (s *Supervisor) Spawn(n int, spawn Spawner) error {
	for id := range n {
		h, err := spawn(id)
		if err != nil {
			s.logger.Error("failed to spawn worker", "worker", id, "error", err)
			s.StopAll(os.Kill)
			s.Wait(context.Background())
			return errors.NewSetupError("worker processes", err)
		}
		s.Add(h)
		s.logger.Info("worker spawned", "worker", id, "pid", h.PID())
		s.bus.Publish(event.NewWorkerSpawnedEvent(id, h.PID()))
	}
	return nil
}

// Add registers an already running worker.
func (s *Supervisor) Add(h Handle) {
	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()
}

// Handles returns a copy of the registered handles.
func (s *Supervisor) Handles() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Handle, len(s.handles))
	copy(out, s.handles)
	return out
}

// StopAll sends sig to every worker that has not exited. It returns the
// number of workers signalled.
func (s *Supervisor) StopAll(sig os.Signal) int {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	n := 0
	for _, h := range s.Handles() {
		select {
		case <-h.Done():
			continue
		default:
		}
		if err := h.Signal(sig); err != nil {
			if !errors.Is(err, os.ErrProcessDone) {
				s.logger.Warn("failed to signal worker", "worker", h.ID(), "pid", h.PID(), "error", err)
			}
			continue
		}
		n++
	}
	s.logger.Info("stop fanned out", "signal", sig.String(), "workers", n)
	return n
}

// Stopped reports whether StopAll was called.
func (s *Supervisor) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Wait blocks until every worker has been reaped or ctx is done. It returns
// ctx.Err() in the latter case.
func (s *Supervisor) Wait(ctx context.Context) error {
	for _, h := range s.Handles() {
		select {
		case <-h.Done():
			if err := h.Err(); err != nil {
				s.logger.Warn("worker exited with error", "worker", h.ID(), "pid", h.PID(), "error", err)
			} else {
				s.logger.Debug("worker exited", "worker", h.ID(), "pid", h.PID())
			}
			s.bus.Publish(event.NewWorkerExitedEvent(h.ID(), h.PID(), h.Err()))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
