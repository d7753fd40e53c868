package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sys/unix"
)

// RotationConfig holds configuration for log rotation.
type RotationConfig struct {
	// MaxSizeBytes is the size threshold that triggers rotation.
	// A value of 0 disables rotation.
	MaxSizeBytes int64
	// MaxBackups is the number of archived files to keep.
	MaxBackups int
	// Compress gzips archives as they are created.
	Compress bool
}

// DefaultRotationConfig returns 1 MiB files with three plain archives.
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{MaxSizeBytes: 1 << 20, MaxBackups: 3}
}

// archiveName is the path of archive n of path; 1 is the newest.
func archiveName(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}

// RotatingWriter appends to a log file shared by several processes and
// rotates it once the next write would cross MaxSizeBytes.
//
// Each Write runs under an exclusive flock on "<path>.lock", so lines from
// different processes never interleave and a given rotation happens once.
// Size is read from the file on every write since other processes append
// to it too.
type RotatingWriter struct {
	mu   sync.Mutex
	path string
	cfg  RotationConfig

	out  *os.File
	gate *os.File
}

// NewRotatingWriter opens path for appending, creating parent directories.
func NewRotatingWriter(path string, cfg RotationConfig) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	gate, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log lock file: %w", err)
	}
	w := &RotatingWriter{path: path, cfg: cfg, gate: gate}
	if err := w.open(); err != nil {
		gate.Close()
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	w.out = f
	return nil
}

// Write implements io.Writer with a single write call per p.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.out == nil {
		return 0, errors.New("log file is closed")
	}

	fd := int(w.gate.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return 0, fmt.Errorf("failed to lock log file: %w", err)
	}
	defer unix.Flock(fd, unix.LOCK_UN)

	if err := w.reopenIfMoved(); err != nil {
		return 0, err
	}
	if w.full(len(p)) {
		if err := w.rotate(); err != nil {
			// The line still goes to whatever file is open.
			fmt.Fprintf(os.Stderr, "Warning: log rotation failed: %v\n", err)
		}
	}
	return w.out.Write(p)
}

// full reports whether appending n bytes would cross the size threshold.
// An empty file always takes the write.
func (w *RotatingWriter) full(n int) bool {
	if w.cfg.MaxSizeBytes <= 0 {
		return false
	}
	fi, err := w.out.Stat()
	return err == nil && fi.Size() > 0 && fi.Size()+int64(n) > w.cfg.MaxSizeBytes
}

// reopenIfMoved follows a rotation done by another process.
func (w *RotatingWriter) reopenIfMoved() error {
	onDisk, err := os.Stat(w.path)
	switch {
	case err == nil:
		if held, herr := w.out.Stat(); herr == nil && os.SameFile(onDisk, held) {
			return nil
		}
	case !os.IsNotExist(err):
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.out.Close()
	w.out = nil
	return w.open()
}

// rotate archives the live file as .1 and starts a new one. Callers hold
// mu and the flock.
func (w *RotatingWriter) rotate() error {
	if err := w.out.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	w.out = nil

	shiftArchives(w.path, w.cfg.MaxBackups)

	first := archiveName(w.path, 1)
	if err := os.Rename(w.path, first); err != nil {
		if oerr := w.open(); oerr != nil {
			return fmt.Errorf("failed to rename log file and reopen: %w", oerr)
		}
		return fmt.Errorf("failed to rename log file: %w", err)
	}
	if w.cfg.MaxBackups <= 0 {
		os.Remove(first)
	} else if w.cfg.Compress {
		if err := gzipInPlace(first); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}
	return w.open()
}

// shiftArchives renames archive i to i+1 for every kept archive, dropping
// the one that would exceed keep.
func shiftArchives(path string, keep int) {
	for _, ext := range []string{"", ".gz"} {
		os.Remove(archiveName(path, max(keep, 1)) + ext)
	}
	for i := keep - 1; i >= 1; i-- {
		from, to := archiveName(path, i), archiveName(path, i+1)
		if err := os.Rename(from+".gz", to+".gz"); err == nil {
			continue
		}
		os.Rename(from, to)
	}
}

// gzipInPlace replaces path with path.gz.
func gzipInPlace(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s for compression: %w", path, err)
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return fmt.Errorf("failed to create %s.gz: %w", path, err)
	}
	zw := gzip.NewWriter(dst)
	_, err = io.Copy(zw, src)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path + ".gz")
		return fmt.Errorf("failed to compress %s: %w", path, err)
	}
	return os.Remove(path)
}

// Sync flushes the live file.
func (w *RotatingWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.out == nil {
		return nil
	}
	return w.out.Sync()
}

// Close syncs and closes the log file. Later calls return nil.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.out == nil {
		return nil
	}

	err := w.out.Sync()
	if cerr := w.out.Close(); err == nil {
		err = cerr
	}
	w.out = nil
	w.gate.Close()
	if err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}

// FilePath returns the live log path.
func (w *RotatingWriter) FilePath() string {
	return w.path
}
