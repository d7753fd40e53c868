package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/shmguard/internal/config"
	"github.com/Iron-Ham/shmguard/internal/errors"
	"github.com/Iron-Ham/shmguard/internal/lock"
	"github.com/Iron-Ham/shmguard/internal/run"
	"github.com/Iron-Ham/shmguard/internal/snapshot"
	"github.com/Iron-Ham/shmguard/internal/stats"
	"github.com/Iron-Ham/shmguard/internal/supervisor"
	"github.com/Iron-Ham/shmguard/internal/worker"
)

func testConfig(threads, iterations int) *config.Config {
	cfg := config.Default()
	cfg.Run.ThreadCount = threads
	cfg.Run.IterationsPerThread = iterations
	cfg.Worker.LoadMinMs = 0
	cfg.Worker.LoadMaxMs = 1
	cfg.Worker.RateLimitPerSecond = 1_000_000
	cfg.Watchdog.TickMs = 50
	return cfg
}

// runOpts runs workers in-process, keeps region files out of /dev/shm and
// feeds signals from the returned channel.
func runOpts(t *testing.T) (Options, chan os.Signal) {
	t.Helper()
	old := run.ShmDir
	run.ShmDir = t.TempDir()
	t.Cleanup(func() { run.ShmDir = old })

	sigs := make(chan os.Signal, 4)
	return Options{
		BaseDir: t.TempDir(),
		Spawner: InProcessSpawner(worker.WithSeed(7)),
		Signals: sigs,
	}, sigs
}

func lines(t *testing.T, path, substr string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var out []string
	for _, l := range strings.Split(string(data), "\n") {
		if strings.Contains(l, substr) {
			out = append(out, l)
		}
	}
	return out
}

func assertCleanedUp(t *testing.T, l run.Layout) {
	t.Helper()
	for _, p := range append(lock.Paths(l.Root), l.RegionPath, l.LockPath()) {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), "%s should be removed", p)
	}
	_, err := os.Stat(l.AuditPath())
	assert.NoError(t, err, "audit log is kept")
}

func TestRun_FiveByHundred(t *testing.T) {
	cfg := testConfig(5, 100)
	opts, _ := runOpts(t)
	var out bytes.Buffer
	opts.Report = &out

	res, err := Run(context.Background(), cfg, opts)
	require.NoError(t, err)
	rep := res.Report

	assert.Equal(t, uint32(500), rep.Counter)
	assert.Equal(t, uint64(500), rep.Committed)
	assert.Equal(t, uint64(500), rep.Totals.Successes)
	assert.Zero(t, rep.Totals.Failures)
	assert.True(t, rep.Consistent)
	assert.True(t, rep.Exclusive(), "max holders %d", rep.MaxHolders)
	assert.Zero(t, rep.ForcedUnlocks)
	for _, w := range rep.Workers {
		assert.Equal(t, uint64(100), w.Successes, "worker %d", w.ID)
		assert.True(t, w.Exited)
		assert.Equal(t, worker.ExitOK, w.ExitCode)
	}

	// 500 commits, a snapshot every 50.
	assert.Equal(t, uint64(10), rep.Snapshots.Written)
	assert.Equal(t, 10, rep.Snapshots.OnDisk)
	assert.Equal(t, 10, rep.Snapshots.Observed)

	l := res.Layout
	assert.Empty(t, lines(t, l.AuditPath(), "iteration abandoned"))
	assert.Len(t, lines(t, l.AuditPath(), "counter updated"), 500)
	assert.Empty(t, lines(t, l.FaultPath(), "consistency mismatch"))

	saved, err := stats.LoadYAML(l.ReportPath())
	require.NoError(t, err)
	assert.Equal(t, uint32(500), saved.Counter)

	metrics, err := os.ReadFile(l.MetricsPath())
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "shmguard_counter_value 500")

	effective, err := config.LoadFile(l.ConfigPath())
	require.NoError(t, err)
	assert.Equal(t, 5, effective.Run.ThreadCount)

	assert.Contains(t, out.String(), "500 (expected 500)")
	assertCleanedUp(t, l)
}

func TestRun_SnapshotsAreLoadable(t *testing.T) {
	cfg := testConfig(3, 20)
	cfg.Snapshot.Interval = 12
	opts, _ := runOpts(t)

	res, err := Run(context.Background(), cfg, opts)
	require.NoError(t, err)

	infos, err := snapshot.List(res.Layout.SnapshotDir())
	require.NoError(t, err)
	require.Len(t, infos, 5, "floor(60/12) snapshots")
	for i, info := range infos {
		img, err := snapshot.Load(info.Path)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), info.Seq)
		assert.Equal(t, 3, img.Slots)
		assert.GreaterOrEqual(t, img.Committed, info.Seq*12)
	}
}

func TestRun_CorruptionDetectedOnce(t *testing.T) {
	cfg := testConfig(3, 30)
	cfg.Consistency.Interval = 1
	cfg.Fault = config.FaultConfig{Mode: config.FaultCorrupt, Worker: 1, Iteration: 5, CorruptDelta: 1000}
	opts, _ := runOpts(t)

	res, err := Run(context.Background(), cfg, opts)
	require.NoError(t, err)
	rep := res.Report

	assert.Equal(t, uint32(90+1000), rep.Counter)
	assert.Equal(t, uint64(90), rep.Committed)
	assert.Equal(t, int64(1000), rep.Drift)
	assert.Equal(t, uint64(1), rep.Mismatches)
	assert.True(t, rep.Consistent, "drift re-baselines the ledger")
	assert.Len(t, lines(t, res.Layout.FaultPath(), "consistency mismatch"), 1)
}

func TestRun_ForcedUnlock(t *testing.T) {
	cfg := testConfig(3, 40)
	cfg.Worker.LoadMinMs = 1
	cfg.Worker.LoadMaxMs = 2
	cfg.Lock.MaxRetries = 20
	cfg.Lock.BackoffMs = 1
	cfg.Watchdog = config.WatchdogConfig{TickMs: 20, TimeoutMs: 150, CancelGraceMs: 30, ForcedUnlock: true}
	cfg.Fault = config.FaultConfig{Mode: config.FaultStall, Worker: 0, Iteration: 3, StallMs: 600}
	opts, _ := runOpts(t)

	res, err := Run(context.Background(), cfg, opts)
	require.NoError(t, err)
	rep := res.Report

	assert.Equal(t, uint64(1), rep.ForcedUnlocks)
	assert.Len(t, lines(t, res.Layout.AuditPath(), "[WARN] forced unlock"), 1)
	assert.Equal(t, worker.ExitCanceled, rep.Workers[0].ExitCode)
	assert.LessOrEqual(t, rep.MaxHolders, int64(2))
	assert.Equal(t, uint32(rep.Committed), rep.Counter)
	assertCleanedUp(t, res.Layout)
}

func TestRun_StopSignal(t *testing.T) {
	cfg := testConfig(3, 100_000)
	opts, sigs := runOpts(t)

	go func() {
		time.Sleep(100 * time.Millisecond)
		sigs <- syscall.SIGHUP
		sigs <- syscall.SIGINT
	}()

	res, err := Run(context.Background(), cfg, opts)
	require.NoError(t, err)
	rep := res.Report

	assert.Less(t, rep.Totals.Successes, uint64(300_000))
	assert.Equal(t, uint32(rep.Committed), rep.Counter)
	for _, w := range rep.Workers {
		assert.Equal(t, worker.ExitCanceled, w.ExitCode, "worker %d", w.ID)
	}
	audit := res.Layout.AuditPath()
	assert.Len(t, lines(t, audit, "reload requested"), 1)
	assert.Len(t, lines(t, audit, "stop signal received"), 1)
	assertCleanedUp(t, res.Layout)
}

func TestRun_ContextCancel(t *testing.T) {
	cfg := testConfig(2, 100_000)
	opts, _ := runOpts(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := Run(ctx, cfg, opts)
	require.NoError(t, err)
	assert.NotEmpty(t, lines(t, res.Layout.AuditPath(), "run cancelled"))
	assertCleanedUp(t, res.Layout)
}

func TestRun_SetupFailure(t *testing.T) {
	cfg := testConfig(2, 10)
	opts, _ := runOpts(t)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0600))
	opts.BaseDir = file

	res, err := Run(context.Background(), cfg, opts)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, errors.ErrResourceSetupFailure)
	assert.True(t, errors.IsFatal(err))
}

func TestRun_SpawnFailureCleansUp(t *testing.T) {
	cfg := testConfig(3, 10)
	opts, _ := runOpts(t)

	var layout run.Layout
	spawned := 0
	opts.Spawner = func(l run.Layout) (supervisor.Spawner, error) {
		layout = l
		inner := supervisor.GoroutineSpawner(func(ctx context.Context, id int) error {
			<-ctx.Done()
			return ctx.Err()
		})
		return func(id int) (supervisor.Handle, error) {
			if id == 2 {
				return nil, errors.New("fork failed")
			}
			spawned++
			return inner(id)
		}, nil
	}

	_, err := Run(context.Background(), cfg, opts)
	assert.ErrorIs(t, err, errors.ErrResourceSetupFailure)
	assert.Equal(t, 2, spawned)
	assertCleanedUp(t, layout)
}

func TestRun_InvalidConfig(t *testing.T) {
	cfg := testConfig(0, 10)
	opts, _ := runOpts(t)

	_, err := Run(context.Background(), cfg, opts)
	var verrs config.ValidationErrors
	assert.ErrorAs(t, err, &verrs)

	entries, err := os.ReadDir(opts.BaseDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing is created for an invalid config")
}

func TestRun_InProcessCrashKeepsCoordinator(t *testing.T) {
	cfg := testConfig(3, 30)
	cfg.Fault = config.FaultConfig{Mode: config.FaultCrash, Worker: 0, Iteration: 2}
	opts, _ := runOpts(t)
	var out bytes.Buffer
	opts.Report = &out

	res, err := Run(context.Background(), cfg, opts)
	require.NoError(t, err)
	rep := res.Report

	crashed := rep.Workers[0]
	assert.False(t, crashed.Exited, "a crashed worker never records its exit")
	assert.Equal(t, uint64(2), crashed.Successes)
	for _, w := range rep.Workers[1:] {
		assert.Equal(t, uint64(30), w.Successes, "worker %d", w.ID)
		assert.Equal(t, worker.ExitOK, w.ExitCode)
	}
	assert.Equal(t, uint32(62), rep.Counter)
	assert.Equal(t, uint64(62), rep.Committed)

	audit := res.Layout.AuditPath()
	assert.Len(t, lines(t, audit, "injected crash"), 1)
	assert.NotEmpty(t, lines(t, audit, "worker exited with error"))
	assert.Contains(t, out.String(), "62 (expected 62)")
	assertCleanedUp(t, res.Layout)
}

// spanLines returns the exported spans called name across the run's span
// files matching pattern.
func spanLines(t *testing.T, l run.Layout, pattern, name string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(l.TraceDir(), pattern))
	require.NoError(t, err)
	var out []string
	for _, f := range files {
		out = append(out, lines(t, f, fmt.Sprintf("%q:%q", "Name", name))...)
	}
	return out
}

func TestRun_WritesSpans(t *testing.T) {
	cfg := testConfig(5, 100)
	opts, _ := runOpts(t)

	res, err := Run(context.Background(), cfg, opts)
	require.NoError(t, err)
	l := res.Layout

	workerFiles, err := filepath.Glob(filepath.Join(l.TraceDir(), "worker-*.jsonl"))
	require.NoError(t, err)
	assert.Len(t, workerFiles, 5)
	assert.Len(t, spanLines(t, l, "worker-*.jsonl", snapshot.SpanName), int(res.Report.Snapshots.Written))

	runSpans := spanLines(t, l, "coordinator.jsonl", "shmguard.Run")
	require.Len(t, runSpans, 1)
	assert.Contains(t, runSpans[0], `"Key":"counter"`)
}

// stopOnSpawn raises a real SIGINT before any worker starts.
func stopOnSpawn(t *testing.T, inner func(run.Layout) (supervisor.Spawner, error)) func(run.Layout) (supervisor.Spawner, error) {
	return func(l run.Layout) (supervisor.Spawner, error) {
		require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))
		return inner(l)
	}
}

func TestRun_SignalBeforeSpawnIsRouted(t *testing.T) {
	cfg := testConfig(3, 100_000)
	opts, _ := runOpts(t)
	opts.Signals = nil
	opts.Spawner = stopOnSpawn(t, opts.Spawner)

	res, err := Run(context.Background(), cfg, opts)
	require.NoError(t, err)
	rep := res.Report

	assert.Less(t, rep.Totals.Successes, uint64(300_000))
	for _, w := range rep.Workers {
		assert.Equal(t, worker.ExitCanceled, w.ExitCode, "worker %d", w.ID)
	}
	assert.Len(t, lines(t, res.Layout.AuditPath(), "stop signal received"), 1)
	assertCleanedUp(t, res.Layout)
}

// releaseCheck records, at the first write of the report, which of the
// run's shared resources still exist.
type releaseCheck struct {
	bytes.Buffer
	paths   func() []string
	checked bool
	left    []string
}

func (r *releaseCheck) Write(p []byte) (int, error) {
	if !r.checked {
		r.checked = true
		for _, path := range r.paths() {
			if _, err := os.Stat(path); err == nil {
				r.left = append(r.left, path)
			}
		}
	}
	return r.Buffer.Write(p)
}

func TestRun_ReportRenderedAfterRelease(t *testing.T) {
	cfg := testConfig(2, 20)
	opts, _ := runOpts(t)

	var layout run.Layout
	inner := opts.Spawner
	opts.Spawner = func(l run.Layout) (supervisor.Spawner, error) {
		layout = l
		return inner(l)
	}
	out := &releaseCheck{paths: func() []string {
		return append(lock.Paths(layout.Root), layout.RegionPath, layout.LockPath())
	}}
	opts.Report = out

	_, err := Run(context.Background(), cfg, opts)
	require.NoError(t, err)
	require.True(t, out.checked, "report rendered")
	assert.Empty(t, out.left, "resources still present while rendering")
	assert.Contains(t, out.String(), "40 (expected 40)")
}
