// Package cleanup releases the shared resources of a run. The Janitor tears
// down a live run exactly once on any exit path; the sweep finds run
// directories abandoned by coordinators that died and removes them, either
// inline or as a job executed by a detached process.
package cleanup

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// JobsDir is the directory under a run base dir that holds job files.
const JobsDir = ".cleanup-jobs"

// State is the lifecycle position of a cleanup job.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// StaleRun is a run directory whose coordinator was found dead at scan time.
type StaleRun struct {
	Dir        string `json:"dir"`
	RunID      string `json:"run_id"`
	PID        int    `json:"pid"`
	RegionPath string `json:"region_path"`
}

// Outcome tallies what an executed job did.
type Outcome struct {
	RunsRemoved    int      `json:"runs_removed"`
	RegionsRemoved int      `json:"regions_removed"`
	Skipped        int      `json:"skipped"`
	Problems       []string `json:"problems,omitempty"`
}

// Job is a unit of sweep work. Runs is fixed when the job is created; a run
// that goes stale afterwards belongs to a later job.
type Job struct {
	ID      string    `json:"id"`
	BaseDir string    `json:"base_dir"`
	State   State     `json:"state"`
	Created time.Time `json:"created"`
	Started time.Time `json:"started,omitzero"`
	Ended   time.Time `json:"ended,omitzero"`

	Runs    []StaleRun `json:"runs"`
	Outcome *Outcome   `json:"outcome,omitempty"`
	Err     string     `json:"error,omitempty"`
}

// NewJob returns a pending job over runs.
func NewJob(baseDir string, runs []StaleRun) *Job {
	now := time.Now()
	return &Job{
		ID:      newJobID(now),
		BaseDir: baseDir,
		State:   StatePending,
		Created: now,
		Runs:    runs,
	}
}

// newJobID sorts by creation time and stays unique within a second.
func newJobID(now time.Time) string {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return now.Format("20060102-150405.000000")
	}
	return now.Format("20060102-150405") + "-" + hex.EncodeToString(b[:])
}

func jobPath(baseDir, id string) string {
	return filepath.Join(baseDir, JobsDir, id+".json")
}

// Elapsed is the time the job spent executing, zero until it ends.
func (j *Job) Elapsed() time.Duration {
	if j.Ended.IsZero() || j.Started.IsZero() {
		return 0
	}
	return j.Ended.Sub(j.Started)
}

// transition moves the job to state and persists it.
func (j *Job) transition(state State, now time.Time) error {
	j.State = state
	switch {
	case state == StateRunning:
		j.Started = now
	case state.Terminal():
		j.Ended = now
	}
	return j.Save()
}

// Save writes the job file, replacing it atomically so a concurrent
// --job-status never sees half a file.
func (j *Job) Save() error {
	dir := filepath.Join(j.BaseDir, JobsDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create jobs directory: %w", err)
	}
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", j.ID, err)
	}

	tmp, err := os.CreateTemp(dir, "."+j.ID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write job %s: %w", j.ID, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write job %s: %w", j.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write job %s: %w", j.ID, err)
	}
	return os.Rename(tmp.Name(), jobPath(j.BaseDir, j.ID))
}

// LoadJob reads job id from baseDir.
func LoadJob(baseDir, id string) (*Job, error) {
	data, err := os.ReadFile(jobPath(baseDir, id))
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to parse job %s: %w", id, err)
	}
	return &job, nil
}

// Jobs returns every readable job under baseDir, oldest first.
func Jobs(baseDir string) ([]*Job, error) {
	entries, err := os.ReadDir(filepath.Join(baseDir, JobsDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var jobs []*Job
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		job, err := LoadJob(baseDir, strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].Created.Before(jobs[k].Created) })
	return jobs, nil
}

// PruneJobs deletes terminal job files that ended before now-maxAge and
// returns how many it removed.
func PruneJobs(baseDir string, maxAge time.Duration, now time.Time) (int, error) {
	jobs, err := Jobs(baseDir)
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-maxAge)
	pruned := 0
	for _, job := range jobs {
		if !job.State.Terminal() {
			continue
		}
		ended := job.Ended
		if ended.IsZero() {
			ended = job.Created
		}
		if !ended.Before(cutoff) {
			continue
		}
		if err := os.Remove(jobPath(baseDir, job.ID)); err == nil {
			pruned++
		}
	}
	return pruned, nil
}
