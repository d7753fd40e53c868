// Package coordinator runs one shmguard run end to end: it creates the run
// directory and the shared resources, spawns the workers, watches them,
// waits for them, releases the resources and reports.
//
// Any failure before the first worker starts is returned as a SetupError
// and nothing is left running. After that point failures are logged and the
// run continues to its report.
package coordinator

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Iron-Ham/shmguard/internal/cleanup"
	"github.com/Iron-Ham/shmguard/internal/config"
	"github.com/Iron-Ham/shmguard/internal/errors"
	"github.com/Iron-Ham/shmguard/internal/event"
	"github.com/Iron-Ham/shmguard/internal/lock"
	"github.com/Iron-Ham/shmguard/internal/logging"
	"github.com/Iron-Ham/shmguard/internal/run"
	"github.com/Iron-Ham/shmguard/internal/shm"
	"github.com/Iron-Ham/shmguard/internal/snapshot"
	"github.com/Iron-Ham/shmguard/internal/stats"
	"github.com/Iron-Ham/shmguard/internal/supervisor"
	"github.com/Iron-Ham/shmguard/internal/tracing"
	"github.com/Iron-Ham/shmguard/internal/worker"
)

// Options adjusts how Run executes. The zero value runs worker processes
// from the current executable and listens for process signals.
type Options struct {
	// BaseDir overrides cfg.Run.Dir.
	BaseDir string
	// Console receives coordinator log lines in addition to the audit log.
	Console *logging.Logger
	// Report receives the rendered text report. Nil skips rendering.
	Report io.Writer
	// Spawner builds the worker spawner for a run. Nil spawns processes.
	Spawner func(l run.Layout) (supervisor.Spawner, error)
	// Signals replaces signal.Notify, for tests.
	Signals <-chan os.Signal
}

// Result is what a completed run leaves behind.
type Result struct {
	Layout run.Layout
	Report *stats.Report
}

// ProcessSpawner spawns "<executable> worker" processes. Worker stderr goes
// to the coordinator's stderr so crashes stay visible.
func ProcessSpawner(l run.Layout) (supervisor.Spawner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return supervisor.ProcessSpawner(exe, l.Root, nil, os.Stderr), nil
}

// InProcessSpawner runs each worker on a goroutine of the coordinator
// process, attached to the run exactly as a worker process would be. The
// crash fault ends the worker's goroutine instead of the process.
func InProcessSpawner(opts ...worker.Option) func(run.Layout) (supervisor.Spawner, error) {
	opts = append([]worker.Option{worker.WithGoroutineExit()}, opts...)
	return func(l run.Layout) (supervisor.Spawner, error) {
		return supervisor.GoroutineSpawner(func(ctx context.Context, id int) error {
			return worker.Launch(ctx, l.Root, id, opts...)
		}), nil
	}
}

// Run executes a complete run with cfg.
func Run(ctx context.Context, cfg *config.Config, opts Options) (*Result, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, config.ValidationErrors(errs)
	}
	started := time.Now()

	base := cfg.Run.Dir
	if opts.BaseDir != "" {
		base = opts.BaseDir
	}
	layout, err := run.Create(base, cfg.Region.Dir, started)
	if err != nil {
		return nil, errors.NewSetupError("run directory", err)
	}

	janitor := cleanup.NewJanitor(opts.Console)
	defer janitor.Run()

	runLock, err := run.AcquireLock(layout, opts.Console)
	if err != nil {
		return nil, errors.NewSetupError("run lock", err)
	}
	janitor.Add("run lock", runLock.Release)

	// From here on a stop signal is queued for the router instead of
	// killing the coordinator before the janitor runs.
	sigs := opts.Signals
	if sigs == nil {
		ch := make(chan os.Signal, 4)
		signal.Notify(ch, supervisor.Signals...)
		defer signal.Stop(ch)
		sigs = ch
	}

	traces, err := tracing.Open(layout.TracePath("coordinator"), "coordinator")
	if err != nil {
		return nil, errors.NewSetupError("span file", err)
	}
	janitor.Add("spans", traces.Shutdown)

	audit, err := logging.NewAuditLogger(layout.AuditPath(), cfg.Logging.Level, worker.Rotation(cfg))
	if err != nil {
		return nil, errors.NewSetupError("audit log", err)
	}
	logger := logging.Tee(audit, opts.Console).WithComponent("coordinator")
	janitor.Add("logs", logger.Close)

	s := &session{
		cfg:     cfg,
		opts:    opts,
		layout:  layout,
		logger:  logger,
		janitor: janitor,
		tracer:  traces.Tracer("shmguard/coordinator"),
		sigs:    sigs,
		started: started,
	}
	return s.run(ctx)
}

// session holds the state of one run after logging is up.
type session struct {
	cfg     *config.Config
	opts    Options
	layout  run.Layout
	logger  *logging.Logger
	janitor *cleanup.Janitor
	tracer  trace.Tracer
	sigs    <-chan os.Signal
	started time.Time

	region *shm.Region
	bus    *event.Bus
	sup    *supervisor.Supervisor
}

func (s *session) setup() error {
	cfg, l := s.cfg, s.layout

	if err := cfg.WriteFile(l.ConfigPath()); err != nil {
		return errors.NewSetupError("effective configuration", err)
	}

	if err := lock.Init(l.Root); err != nil {
		return err
	}
	s.janitor.Add("lock files", func() error {
		var errs []error
		for _, p := range lock.Paths(l.Root) {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	region, err := shm.Create(l.RegionPath, cfg.Region.SharedRegionSize, cfg.Run.ThreadCount)
	if err != nil {
		return errors.NewSetupError("shared region", err)
	}
	s.janitor.Add("region", region.Destroy)
	s.region = region

	s.logger.Info("run initialized",
		"run_dir", l.Root,
		"region", l.RegionPath,
		"workers", cfg.Run.ThreadCount,
		"iterations", cfg.Run.IterationsPerThread,
		"fault", cfg.Fault.Mode,
	)
	return nil
}

// run goes through setup, spawn and supervision, then collects the report,
// releases the shared resources and only then renders the report.
func (s *session) run(ctx context.Context) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "shmguard.Run", trace.WithAttributes(
		attribute.String("run_id", s.layout.ID),
		attribute.Int("workers", s.cfg.Run.ThreadCount),
		attribute.Int("iterations", s.cfg.Run.IterationsPerThread),
		attribute.String("fault", s.cfg.Fault.Mode),
	))
	report, err := s.supervise(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "setup failed")
		span.End()
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("counter", int64(report.Counter)),
		attribute.Bool("consistent", report.Consistent),
		attribute.Int64("max_holders", report.MaxHolders),
	)
	span.End()

	res := &Result{Layout: s.layout, Report: report}
	cleanupErr := s.janitor.Run()
	s.render(report)
	if cleanupErr != nil {
		return res, fmt.Errorf("cleanup: %w", cleanupErr)
	}
	return res, nil
}

// supervise spawns the workers, waits for all of them and collects the
// report. Errors are setup errors; nothing is running when one is returned.
func (s *session) supervise(ctx context.Context) (*stats.Report, error) {
	if err := s.setup(); err != nil {
		s.logger.Error("setup failed", "error", err)
		return nil, err
	}

	newSpawner := s.opts.Spawner
	if newSpawner == nil {
		newSpawner = ProcessSpawner
	}
	spawn, err := newSpawner(s.layout)
	if err != nil {
		return nil, errors.NewSetupError("worker spawner", err)
	}

	s.bus = event.NewBus(s.logger)
	collector := stats.NewCollector(s.region, s.layout.SnapshotDir(), s.logger)
	collector.Observe(s.bus)
	defer collector.Stop()

	watcher, err := snapshot.NewWatcher(s.layout.SnapshotDir(), s.logger)
	if err != nil {
		return nil, errors.NewSetupError("snapshot watcher", err)
	}
	defer watcher.Close()

	s.sup = supervisor.New(s.logger, s.bus)
	if err := s.sup.Spawn(s.cfg.Run.ThreadCount, spawn); err != nil {
		return nil, err
	}

	s.observe(ctx, watcher)

	report := collector.Collect(s.layout.Root, s.started)
	s.logger.Debug("events published", "tally", s.bus.Tally())
	s.export(report)
	return report, nil
}

// observe runs the watchdog, the snapshot watcher and the signal router
// until every worker has exited.
func (s *session) observe(ctx context.Context, watcher *snapshot.Watcher) {
	watchCtx, stopWatching := context.WithCancel(context.Background())
	dog := supervisor.NewWatchdog(s.sup, s.region, s.layout.Root, s.cfg.Watchdog, s.logger, s.bus)
	router := supervisor.NewSignalRouter(s.sup, s.logger, s.bus)

	var wg conc.WaitGroup
	wg.Go(func() { _ = dog.Run(watchCtx) })
	wg.Go(func() {
		_ = watcher.Run(watchCtx, func(path string, seq uint64) {
			s.bus.Publish(event.NewSnapshotWrittenEvent(path, seq))
		})
	})
	wg.Go(func() {
		router.Run(watchCtx, s.sigs, func() {
			s.logger.Warn("run interrupted; waiting for workers to exit")
		})
	})
	wg.Go(func() {
		select {
		case <-ctx.Done():
			s.logger.Warn("run cancelled; stopping workers", "error", ctx.Err())
			s.sup.StopAll(syscall.SIGTERM)
		case <-watchCtx.Done():
		}
	})

	// Workers are always reaped, whatever ctx says.
	if err := s.sup.Wait(context.Background()); err != nil {
		s.logger.Error("waiting for workers failed", "error", err)
	}
	stopWatching()
	wg.Wait()
}

// export logs the report and writes its files. Failures are logged only.
func (s *session) export(report *stats.Report) {
	report.Log(s.logger)

	if s.cfg.Stats.ReportYAML {
		if err := report.WriteYAML(s.layout.ReportPath()); err != nil {
			s.logger.Error("failed to write report", "error", err)
		}
	}
	if s.cfg.Stats.PrometheusTextfile {
		if err := report.WriteMetrics(s.layout.MetricsPath()); err != nil {
			s.logger.Error("failed to write metrics", "error", err)
		}
	}
}

// render prints the report once the run's resources are released. The
// audit log is closed by then, so failures go to the console only.
func (s *session) render(report *stats.Report) {
	if s.opts.Report == nil {
		return
	}
	if err := report.Render(s.opts.Report); err != nil && s.opts.Console != nil {
		s.opts.Console.Error("failed to render report", "error", err)
	}
}
