package cleanup

import (
	"testing"
)

func TestRunSaved(t *testing.T) {
	base := t.TempDir()
	sr := makeRun(t, base, "dead", deadPID(t), "")

	job := NewJob(base, []StaleRun{sr})
	if err := job.Save(); err != nil {
		t.Fatal(err)
	}
	if err := RunSaved(base, job.ID, nil); err != nil {
		t.Fatalf("RunSaved() error = %v", err)
	}

	saved, err := LoadJob(base, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if saved.State != StateDone || saved.Outcome == nil || saved.Outcome.RunsRemoved != 1 {
		t.Errorf("saved job = %s %+v, want done with one run removed", saved.State, saved.Outcome)
	}

	if err := RunSaved(base, job.ID, nil); err == nil {
		t.Error("running a finished job again should fail")
	}
	if err := RunSaved(base, "missing", nil); err == nil {
		t.Error("RunSaved() of an unknown job should fail")
	}
}

func TestDetach_BadExecutable(t *testing.T) {
	base := t.TempDir()
	job := NewJob(base, nil)
	if err := Detach("/nonexistent/shmguard", job); err == nil {
		t.Fatal("Detach() with a missing binary should fail")
	}
	// The job file is written before the child is started.
	if _, err := LoadJob(base, job.ID); err != nil {
		t.Errorf("job file missing after failed detach: %v", err)
	}
}
