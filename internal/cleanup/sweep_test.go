package cleanup

import (
	"os"
	"path/filepath"
	"testing"
)

func TestScan(t *testing.T) {
	base := t.TempDir()
	pid := deadPID(t)

	stale := makeRun(t, base, "b-stale", pid, "")
	makeRun(t, base, "a-live", os.Getpid(), "")
	finished := makeRun(t, base, "c-finished", pid, "")
	if err := os.Remove(filepath.Join(finished.Dir, "run.lock")); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(base, "not-a-run"), 0755); err != nil {
		t.Fatal(err)
	}

	got, err := Scan(base)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(got) != 1 || got[0] != stale {
		t.Errorf("Scan() = %+v, want only %+v", got, stale)
	}

	none, err := Scan(filepath.Join(base, "missing"))
	if err != nil || len(none) != 0 {
		t.Errorf("Scan(missing) = %v, %v; want empty, nil", none, err)
	}
}

func TestSweep(t *testing.T) {
	base := t.TempDir()
	shmDir := t.TempDir()
	sr := makeRun(t, base, "stale", deadPID(t), shmDir)

	job, err := Sweep(base, true, nil)
	if err != nil {
		t.Fatalf("Sweep(dry run) error = %v", err)
	}
	if len(job.Runs) != 1 || job.State != StatePending {
		t.Errorf("dry run job = %+v", job)
	}
	if _, err := os.Stat(sr.Dir); err != nil {
		t.Error("dry run removed the run")
	}

	job, err = Sweep(base, false, nil)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if job.Outcome == nil || job.Outcome.RunsRemoved != 1 || job.Outcome.RegionsRemoved != 1 {
		t.Errorf("Outcome = %+v, want one run and region removed", job.Outcome)
	}
	if _, err := os.Stat(sr.RegionPath); !os.IsNotExist(err) {
		t.Error("region in shm dir not removed")
	}

	job, err = Sweep(base, false, nil)
	if err != nil || len(job.Runs) != 0 {
		t.Errorf("second Sweep() = %+v, %v; want nothing to do", job, err)
	}
}
