package cleanup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sourcegraph/conc/iter"

	"github.com/Iron-Ham/shmguard/internal/logging"
	"github.com/Iron-Ham/shmguard/internal/run"
)

// removal is the fate of one StaleRun.
type removal struct {
	region bool
	skip   string
	err    error
}

// Executor carries out cleanup jobs.
type Executor struct {
	logger *logging.Logger
	now    func() time.Time
}

// NewExecutor returns an executor logging to logger, which may be nil.
func NewExecutor(logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Executor{logger: logger.WithComponent("cleanup"), now: time.Now}
}

// Run executes a pending job. Only the runs captured in the job are
// considered, and each is removed only while its run lock still names the
// dead coordinator seen at scan time. The job file is updated on every
// state change.
func (e *Executor) Run(job *Job) error {
	if job.State != StatePending {
		return fmt.Errorf("job %s is %s, not pending", job.ID, job.State)
	}
	if fi, err := os.Stat(job.BaseDir); err != nil || !fi.IsDir() {
		job.Err = fmt.Sprintf("run base dir %s is unusable", job.BaseDir)
		if err != nil {
			job.Err = fmt.Sprintf("run base dir: %v", err)
		}
		if saveErr := job.transition(StateFailed, e.now()); saveErr != nil {
			e.logger.Warn("failed to record job failure", "job", job.ID, "error", saveErr)
		}
		return fmt.Errorf("cleanup job %s: %s", job.ID, job.Err)
	}

	if err := job.transition(StateRunning, e.now()); err != nil {
		return fmt.Errorf("failed to start job %s: %w", job.ID, err)
	}

	fates := iter.Map(job.Runs, func(sr *StaleRun) removal { return removeRun(*sr) })

	out := &Outcome{}
	for i, f := range fates {
		sr := job.Runs[i]
		switch {
		case f.err != nil:
			out.Problems = append(out.Problems, f.err.Error())
			e.logger.Warn("stale run not removed", "dir", sr.Dir, "error", f.err)
		case f.skip != "":
			out.Skipped++
			e.logger.Info("stale run skipped", "dir", sr.Dir, "reason", f.skip)
		default:
			out.RunsRemoved++
			if f.region {
				out.RegionsRemoved++
			}
			e.logger.Info("stale run removed", "dir", sr.Dir, "old_pid", sr.PID)
		}
	}
	job.Outcome = out

	final := StateDone
	if len(out.Problems) > 0 && out.RunsRemoved == 0 {
		final = StateFailed
		job.Err = fmt.Sprintf("no run removed, %d problem(s)", len(out.Problems))
	}
	if err := job.transition(final, e.now()); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

func removeRun(sr StaleRun) removal {
	if _, err := os.Stat(sr.Dir); os.IsNotExist(err) {
		return removal{skip: "already removed"}
	}

	lock, alive := run.IsLocked(sr.Dir)
	switch {
	case lock == nil:
		return removal{skip: "run lock gone"}
	case alive:
		return removal{skip: fmt.Sprintf("coordinator %d is alive", lock.PID)}
	case lock.PID != sr.PID || lock.RunID != sr.RunID:
		return removal{skip: "run lock changed since scan"}
	}

	var r removal
	if sr.RegionPath != "" {
		if strings.HasPrefix(sr.RegionPath, sr.Dir+string(filepath.Separator)) {
			_, err := os.Stat(sr.RegionPath)
			r.region = err == nil
		} else {
			err := os.Remove(sr.RegionPath)
			if err != nil && !os.IsNotExist(err) {
				return removal{err: fmt.Errorf("region %s: %v", filepath.Base(sr.RegionPath), err)}
			}
			r.region = err == nil
		}
	}

	if err := os.RemoveAll(sr.Dir); err != nil {
		return removal{err: fmt.Errorf("run %s: %v", filepath.Base(sr.Dir), err)}
	}
	return r
}
