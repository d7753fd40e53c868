// Package run manages the per-run directory: its layout, its lock file and
// the location of the shared-memory region backing file.
package run

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Iron-Ham/shmguard/internal/shm"
)

// File and directory names inside a run directory.
const (
	ConfigFileName  = "config.yaml"
	AuditFileName   = "audit.log"
	FaultFileName   = "fault.log"
	SnapshotDirName = "snapshots"
	TraceDirName    = "traces"
	ReportFileName  = "report.yaml"
	MetricsFileName = "metrics.prom"
	RegionFileName  = "region"

	// DirPrefix starts the name of every run directory.
	DirPrefix = "run-"
)

// ShmDir is where region files go when it is writable. Tests override it.
var ShmDir = shm.DevShm

// Layout names every file of one run.
type Layout struct {
	Root       string
	ID         string
	RegionPath string
}

// NewID builds a run id from the start time and the coordinator pid.
func NewID(now time.Time, pid int) string {
	return fmt.Sprintf("%s-%d", now.UTC().Format("20060102T150405"), pid)
}

// Create makes a fresh run directory under baseDir. The region file lives in
// regionDir (ShmDir when empty) if that is writable and in the run directory
// otherwise.
func Create(baseDir, regionDir string, now time.Time) (Layout, error) {
	id := NewID(now, os.Getpid())
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return Layout{}, fmt.Errorf("failed to create run base dir: %w", err)
	}
	root := filepath.Join(baseDir, DirPrefix+id)
	if err := os.Mkdir(root, 0700); err != nil {
		return Layout{}, fmt.Errorf("failed to create run dir: %w", err)
	}
	l := Layout{Root: root, ID: id, RegionPath: filepath.Join(root, RegionFileName)}
	if regionDir == "" {
		regionDir = ShmDir
	}
	if dir := shm.PickDir(regionDir, ""); dir != "" {
		l.RegionPath = filepath.Join(dir, "shmguard-"+id)
	}
	for _, dir := range []string{l.SnapshotDir(), l.TraceDir()} {
		if err := os.Mkdir(dir, 0700); err != nil {
			return Layout{}, fmt.Errorf("failed to create %s: %w", filepath.Base(dir), err)
		}
	}
	return l, nil
}

// Open reconstructs the layout of an existing run from its lock file.
func Open(root string) (Layout, error) {
	lk, err := ReadLock(filepath.Join(root, LockFileName))
	if err != nil {
		return Layout{}, fmt.Errorf("not a run directory %s: %w", root, err)
	}
	return Layout{Root: root, ID: lk.RunID, RegionPath: lk.RegionPath}, nil
}

// IsRunDir reports whether name looks like a run directory.
func IsRunDir(name string) bool {
	return strings.HasPrefix(name, DirPrefix)
}

func (l Layout) ConfigPath() string  { return filepath.Join(l.Root, ConfigFileName) }
func (l Layout) AuditPath() string   { return filepath.Join(l.Root, AuditFileName) }
func (l Layout) FaultPath() string   { return filepath.Join(l.Root, FaultFileName) }
func (l Layout) SnapshotDir() string { return filepath.Join(l.Root, SnapshotDirName) }
func (l Layout) ReportPath() string  { return filepath.Join(l.Root, ReportFileName) }
func (l Layout) MetricsPath() string { return filepath.Join(l.Root, MetricsFileName) }
func (l Layout) LockPath() string    { return filepath.Join(l.Root, LockFileName) }
func (l Layout) TraceDir() string    { return filepath.Join(l.Root, TraceDirName) }

// TracePath is the span file of one process of the run, e.g. "worker-3".
func (l Layout) TracePath(process string) string {
	return filepath.Join(l.TraceDir(), process+".jsonl")
}
