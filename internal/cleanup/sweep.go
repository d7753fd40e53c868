package cleanup

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/Iron-Ham/shmguard/internal/logging"
	"github.com/Iron-Ham/shmguard/internal/run"
)

// Scan lists the run directories under baseDir whose run lock names a dead
// process. Finished runs have released their lock and are not stale; their
// reports stay on disk.
func Scan(baseDir string) ([]StaleRun, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var stale []StaleRun
	for _, e := range entries {
		if !e.IsDir() || !run.IsRunDir(e.Name()) {
			continue
		}
		dir := filepath.Join(baseDir, e.Name())
		lock, alive := run.IsLocked(dir)
		if lock == nil || alive {
			continue
		}
		stale = append(stale, StaleRun{
			Dir:        dir,
			RunID:      lock.RunID,
			PID:        lock.PID,
			RegionPath: lock.RegionPath,
		})
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].Dir < stale[j].Dir })
	return stale, nil
}

// Sweep scans baseDir and removes every stale run in-process. With dryRun
// the job is returned pending and nothing is saved.
func Sweep(baseDir string, dryRun bool, logger *logging.Logger) (*Job, error) {
	stale, err := Scan(baseDir)
	if err != nil {
		return nil, err
	}
	job := NewJob(baseDir, stale)
	if dryRun || len(stale) == 0 {
		return job, nil
	}
	if err := NewExecutor(logger).Run(job); err != nil {
		return nil, err
	}
	return job, nil
}
