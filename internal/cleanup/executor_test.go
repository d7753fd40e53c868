package cleanup

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Iron-Ham/shmguard/internal/run"
)

// deadPID returns the pid of a child that has already been reaped.
func deadPID(t *testing.T) int {
	t.Helper()
	p, err := os.StartProcess("/bin/true", []string{"true"}, &os.ProcAttr{})
	if err != nil {
		t.Skipf("cannot start /bin/true: %v", err)
	}
	if _, err := p.Wait(); err != nil {
		t.Fatal(err)
	}
	return p.Pid
}

// makeRun creates a run directory under base owned by pid. With external
// set, the region file lives in shmDir instead of the run directory.
func makeRun(t *testing.T, base, name string, pid int, shmDir string) StaleRun {
	t.Helper()
	dir := filepath.Join(base, run.DirPrefix+name)
	if err := os.MkdirAll(filepath.Join(dir, run.SnapshotDirName), 0700); err != nil {
		t.Fatal(err)
	}
	region := filepath.Join(dir, run.RegionFileName)
	if shmDir != "" {
		region = filepath.Join(shmDir, "shmguard-"+name)
	}
	if err := os.WriteFile(region, make([]byte, 64), 0600); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(run.Lock{RunID: name, PID: pid, RegionPath: region, StartedAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, run.LockFileName), data, 0644); err != nil {
		t.Fatal(err)
	}
	return StaleRun{Dir: dir, RunID: name, PID: pid, RegionPath: region}
}

func TestExecutor_EmptyJob(t *testing.T) {
	job := NewJob(t.TempDir(), nil)
	if err := NewExecutor(nil).Run(job); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if job.State != StateDone {
		t.Errorf("State = %s, want done", job.State)
	}
	if job.Outcome == nil || job.Outcome.RunsRemoved != 0 {
		t.Errorf("Outcome = %+v", job.Outcome)
	}
	if job.Ended.Before(job.Started) {
		t.Error("Ended before Started")
	}
}

func TestExecutor_RejectsNonPending(t *testing.T) {
	job := NewJob(t.TempDir(), nil)
	job.State = StateDone
	if err := NewExecutor(nil).Run(job); err == nil {
		t.Error("Run() of a finished job should fail")
	}
}

func TestExecutor_UnusableBaseDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0644); err != nil {
		t.Fatal(err)
	}
	job := NewJob(file, nil)
	if err := NewExecutor(nil).Run(job); err == nil {
		t.Fatal("Run() with a file as base dir should fail")
	}
	if job.State != StateFailed || job.Err == "" {
		t.Errorf("job = %s %q, want failed with error", job.State, job.Err)
	}
}

func TestExecutor_RemovesStaleRuns(t *testing.T) {
	base := t.TempDir()
	shmDir := t.TempDir()
	pid := deadPID(t)

	inside := makeRun(t, base, "inside", pid, "")
	outside := makeRun(t, base, "outside", pid, shmDir)

	job := NewJob(base, []StaleRun{inside, outside})
	if err := NewExecutor(nil).Run(job); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if job.Outcome.RunsRemoved != 2 {
		t.Errorf("RunsRemoved = %d, want 2 (problems %v)", job.Outcome.RunsRemoved, job.Outcome.Problems)
	}
	if job.Outcome.RegionsRemoved != 2 {
		t.Errorf("RegionsRemoved = %d, want 2", job.Outcome.RegionsRemoved)
	}
	for _, p := range []string{inside.Dir, outside.Dir, outside.RegionPath} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still exists", p)
		}
	}

	saved, err := LoadJob(base, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if saved.State != StateDone || saved.Outcome == nil {
		t.Errorf("saved job = %s %+v", saved.State, saved.Outcome)
	}
}

func TestExecutor_SkipsChangedRuns(t *testing.T) {
	base := t.TempDir()
	pid := deadPID(t)

	live := makeRun(t, base, "live", os.Getpid(), "")
	live.PID = pid // scanned dead, lock now names a live process

	relocked := makeRun(t, base, "relocked", pid, "")
	relocked.RunID = "other"

	gone := makeRun(t, base, "gone", pid, "")
	if err := os.RemoveAll(gone.Dir); err != nil {
		t.Fatal(err)
	}

	unlocked := makeRun(t, base, "unlocked", pid, "")
	if err := os.Remove(filepath.Join(unlocked.Dir, run.LockFileName)); err != nil {
		t.Fatal(err)
	}

	job := NewJob(base, []StaleRun{live, relocked, gone, unlocked})
	if err := NewExecutor(nil).Run(job); err != nil {
		t.Fatal(err)
	}

	if job.Outcome.RunsRemoved != 0 || job.Outcome.Skipped != 4 {
		t.Errorf("Outcome = %+v, want 4 skipped", job.Outcome)
	}
	for _, sr := range []StaleRun{live, relocked, unlocked} {
		if _, err := os.Stat(sr.Dir); err != nil {
			t.Errorf("%s should have been left alone", sr.Dir)
		}
	}
	if job.State != StateDone {
		t.Errorf("State = %s, want done", job.State)
	}
}
