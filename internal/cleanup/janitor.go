package cleanup

import (
	"errors"
	"sync"

	"github.com/Iron-Ham/shmguard/internal/logging"
)

type step struct {
	name string
	fn   func() error
	once sync.Once
	err  error
}

// Janitor releases a live run's resources. Steps run in reverse order of
// registration and each runs at most once, so the signal path and the
// normal path can both call Run.
type Janitor struct {
	logger *logging.Logger

	mu    sync.Mutex
	steps []*step
}

// NewJanitor creates an empty Janitor.
func NewJanitor(logger *logging.Logger) *Janitor {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Janitor{logger: logger.WithComponent("janitor")}
}

// Add registers a release step.
func (j *Janitor) Add(name string, fn func() error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.steps = append(j.steps, &step{name: name, fn: fn})
}

// Run executes every pending step and returns the joined errors of all
// steps, including those that ran during earlier calls.
func (j *Janitor) Run() error {
	j.mu.Lock()
	steps := make([]*step, len(j.steps))
	copy(steps, j.steps)
	j.mu.Unlock()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		s.once.Do(func() {
			s.err = s.fn()
			if s.err != nil {
				j.logger.Error("cleanup step failed", "step", s.name, "error", s.err)
				return
			}
			j.logger.Debug("cleanup step done", "step", s.name)
		})
		if s.err != nil {
			errs = append(errs, s.err)
		}
	}
	return errors.Join(errs...)
}
