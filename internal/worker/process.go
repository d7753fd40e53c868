package worker

import (
	"context"
	"fmt"

	"github.com/Iron-Ham/shmguard/internal/config"
	"github.com/Iron-Ham/shmguard/internal/consistency"
	"github.com/Iron-Ham/shmguard/internal/errors"
	"github.com/Iron-Ham/shmguard/internal/lock"
	"github.com/Iron-Ham/shmguard/internal/logging"
	"github.com/Iron-Ham/shmguard/internal/run"
	"github.com/Iron-Ham/shmguard/internal/shm"
	"github.com/Iron-Ham/shmguard/internal/snapshot"
	"github.com/Iron-Ham/shmguard/internal/tracing"
)

// Rotation converts the logging section of cfg for the audit writers.
func Rotation(cfg *config.Config) logging.RotationConfig {
	return logging.RotationConfig{
		MaxSizeBytes: cfg.Logging.MaxSizeBytes(),
		MaxBackups:   cfg.Logging.MaxBackups,
		Compress:     cfg.Logging.Compress,
	}
}

// Launch attaches to the run in runDir as worker id and runs it to
// completion. It opens its own region mapping, lock descriptors and log
// writers, exactly like a separate process, which is what the worker
// command runs it as.
func Launch(ctx context.Context, runDir string, id int, opts ...Option) error {
	layout, err := run.Open(runDir)
	if err != nil {
		return errors.NewSetupError("run directory", err)
	}
	cfg, err := config.LoadFile(layout.ConfigPath())
	if err != nil {
		return errors.NewSetupError("worker configuration", err)
	}
	if id < 0 || id >= cfg.Run.ThreadCount {
		return errors.NewSetupError("worker id", fmt.Errorf("id %d outside [0, %d)", id, cfg.Run.ThreadCount))
	}

	region, err := shm.Open(layout.RegionPath)
	if err != nil {
		return errors.NewSetupError("shared region", err)
	}
	defer region.Close()

	audit, err := logging.NewAuditLogger(layout.AuditPath(), cfg.Logging.Level, Rotation(cfg))
	if err != nil {
		return errors.NewSetupError("audit log", err)
	}
	defer audit.Close()

	faults, err := logging.NewAuditLogger(layout.FaultPath(), cfg.Logging.Level, Rotation(cfg))
	if err != nil {
		return errors.NewSetupError("fault log", err)
	}
	defer faults.Close()

	process := fmt.Sprintf("worker-%d", id)
	traces, err := tracing.Open(layout.TracePath(process), process)
	if err != nil {
		return errors.NewSetupError("span file", err)
	}
	defer traces.Shutdown()

	snaps, err := snapshot.New(region, layout.SnapshotDir(), cfg.Snapshot.Level, audit,
		snapshot.WithTracerProvider(traces.TracerProvider()))
	if err != nil {
		return errors.NewSetupError("snapshot manager", err)
	}

	w := New(id, cfg, Deps{
		Region:    region,
		Locks:     lock.New(layout.Root, id, audit),
		Checker:   consistency.New(region, faults, audit, id),
		Snapshots: snaps,
		Logger:    audit,
	}, opts...)
	return w.Run(ctx)
}
