package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/shmguard/internal/logging"
	"github.com/Iron-Ham/shmguard/internal/run"
	"github.com/Iron-Ham/shmguard/internal/stats"
)

// executeCommand runs a cobra command with args and returns captured output
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err = root.Execute()
	return buf.String(), err
}

// isolate keeps user config files and /dev/shm out of the test.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	old := run.ShmDir
	run.ShmDir = t.TempDir()
	t.Cleanup(func() { run.ShmDir = old })
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "shmguard" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "shmguard")
	}

	expectedCmds := []string{"run", "worker", "stats", "snapshots", "logs", "cleanup", "config"}
	cmdMap := make(map[string]*cobra.Command)
	for _, c := range rootCmd.Commands() {
		cmdMap[c.Name()] = c
	}
	for _, name := range expectedCmds {
		if _, ok := cmdMap[name]; !ok {
			t.Errorf("expected subcommand %q not found", name)
		}
	}
	if w := cmdMap["worker"]; w != nil && !w.Hidden {
		t.Error("worker command should be hidden")
	}
}

func TestCommands_EndToEnd(t *testing.T) {
	isolate(t)
	t.Setenv("SHMGUARD_WORKER_RATE_LIMIT_PER_SECOND", "100000")
	t.Setenv("SHMGUARD_WORKER_LOAD_MIN_MS", "0")
	t.Setenv("SHMGUARD_WORKER_LOAD_MAX_MS", "1")
	t.Setenv("SHMGUARD_SNAPSHOT_INTERVAL", "4")
	t.Setenv("SHMGUARD_WATCHDOG_TICK_MS", "50")
	base := t.TempDir()

	out, err := executeCommand(rootCmd, "run", "--in-process", "-q", "--run-dir", base, "-t", "2", "-n", "10")
	if err != nil {
		t.Fatalf("run error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "shmguard run report") {
		t.Errorf("run output missing report:\n%s", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Error("report written to a buffer should be plain text")
	}

	entries, err := os.ReadDir(base)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected exactly one run dir, got %v (err %v)", entries, err)
	}
	runDir := filepath.Join(base, entries[0].Name())

	t.Run("stats", func(t *testing.T) {
		statsJSON = false
		out, err := executeCommand(rootCmd, "stats", runDir)
		if err != nil {
			t.Fatalf("stats error = %v", err)
		}
		if !strings.Contains(out, "20 (expected 20)") {
			t.Errorf("stats output missing counter:\n%s", out)
		}

		out, err = executeCommand(rootCmd, "stats", runDir, "--json")
		statsJSON = false
		if err != nil {
			t.Fatalf("stats --json error = %v", err)
		}
		var rep stats.Report
		if err := json.Unmarshal([]byte(out), &rep); err != nil {
			t.Fatalf("stats --json is not JSON: %v\n%s", err, out)
		}
		if rep.Counter != 20 || !rep.Consistent || len(rep.Workers) != 2 {
			t.Errorf("report = counter %d consistent %v workers %d", rep.Counter, rep.Consistent, len(rep.Workers))
		}
	})

	t.Run("snapshots", func(t *testing.T) {
		out, err := executeCommand(rootCmd, "snapshots", "list", runDir)
		if err != nil {
			t.Fatalf("snapshots list error = %v", err)
		}
		// header plus floor(20/4) snapshots
		if got := strings.Count(strings.TrimSpace(out), "\n") + 1; got != 6 {
			t.Errorf("snapshots list printed %d lines, want 6:\n%s", got, out)
		}

		snapshotsJSON = false
		out, err = executeCommand(rootCmd, "snapshots", "show", runDir)
		if err != nil {
			t.Fatalf("snapshots show error = %v", err)
		}
		if !strings.Contains(out, "Counter:") || !strings.Contains(out, "WORKER") {
			t.Errorf("snapshots show output:\n%s", out)
		}
	})

	t.Run("logs", func(t *testing.T) {
		out, err := executeCommand(rootCmd, "logs", runDir, "-n", "0", "--grep", "counter updated", "--format", "json")
		logsGrep, logsFormat, logsTail = "", "text", 50
		if err != nil {
			t.Fatalf("logs error = %v", err)
		}
		var got []logging.LogEntry
		if err := json.Unmarshal([]byte(out), &got); err != nil {
			t.Fatalf("logs --format json is not JSON: %v", err)
		}
		if len(got) != 20 {
			t.Errorf("got %d counter updates, want 20", len(got))
		}
	})

	t.Run("cleanup keeps finished runs", func(t *testing.T) {
		out, err := executeCommand(rootCmd, "cleanup", "--base-dir", base)
		cleanupBaseDir = ""
		if err != nil {
			t.Fatalf("cleanup error = %v", err)
		}
		if !strings.Contains(out, "No stale runs found") {
			t.Errorf("cleanup output:\n%s", out)
		}
		if _, err := os.Stat(runDir); err != nil {
			t.Errorf("finished run dir removed: %v", err)
		}
	})
}

func TestStatsCommand_NoReport(t *testing.T) {
	isolate(t)
	statsJSON = false
	_, err := executeCommand(rootCmd, "stats", t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "no report") {
		t.Errorf("stats on an empty dir: err = %v", err)
	}
}

func TestConfigValidateCommand(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte("run:\n  thread_count: 3\n"), 0644); err != nil {
		t.Fatal(err)
	}
	out, err := executeCommand(rootCmd, "config", "validate", good)
	if err != nil {
		t.Fatalf("validate good config: %v", err)
	}
	if !strings.Contains(out, "ok") {
		t.Errorf("output = %q", out)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("run:\n  thread_count: 0\nfault:\n  mode: melt\n"), 0644); err != nil {
		t.Fatal(err)
	}
	out, err = executeCommand(rootCmd, "config", "validate", bad)
	if err == nil {
		t.Fatal("validate bad config should fail")
	}
	if !strings.Contains(out, "run.thread_count") || !strings.Contains(out, "fault.mode") {
		t.Errorf("output should name both fields:\n%s", out)
	}
}

func TestWorkerCommand_MissingRun(t *testing.T) {
	isolate(t)
	exited := -1
	old := workerExit
	workerExit = func(code int) { exited = code }
	defer func() { workerExit = old }()

	_, err := executeCommand(rootCmd, "worker", "--run-dir", filepath.Join(t.TempDir(), "missing"), "--id", "0")
	if err == nil {
		t.Fatal("worker on a missing run should fail")
	}
	if exited != -1 {
		t.Errorf("worker exited with %d, want a returned error", exited)
	}
}
