// Package snapshot writes compressed, immutable captures of the shared
// region and reads them back.
package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/klauspost/compress/zstd"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Iron-Ham/shmguard/internal/errors"
	"github.com/Iron-Ham/shmguard/internal/logging"
	"github.com/Iron-Ham/shmguard/internal/shm"
)

const (
	// DirName is the default snapshot directory inside a run directory.
	DirName = "snapshots"

	// TimeLayout is the timestamp embedded in snapshot file names.
	TimeLayout = "20060102T150405.000"

	prefix = "snapshot-"
	suffix = ".zst"

	// copyAttempts bounds the retries for a region copy taken between
	// counter writes.
	copyAttempts = 16
)

// Pattern matches snapshot file names.
var Pattern = glob.MustCompile(prefix + "*-*" + suffix)

// SpanName is the name of the span recorded for each snapshot.
const SpanName = "shmguard.Snapshot"

// TracerScope names the tracer snapshot spans come from.
const TracerScope = "shmguard/snapshot"

// FileName returns the snapshot file name for seq taken at t.
func FileName(t time.Time, seq uint64) string {
	return fmt.Sprintf("%s%s-%06d%s", prefix, t.Format(TimeLayout), seq, suffix)
}

// ParseName extracts the timestamp and sequence from a snapshot file name.
func ParseName(name string) (time.Time, uint64, bool) {
	if !Pattern.Match(name) {
		return time.Time{}, 0, false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
	i := strings.LastIndexByte(body, '-')
	if i < 0 {
		return time.Time{}, 0, false
	}
	ts, err := time.ParseInLocation(TimeLayout, body[:i], time.Local)
	if err != nil {
		return time.Time{}, 0, false
	}
	seq, err := strconv.ParseUint(body[i+1:], 10, 64)
	if err != nil {
		return time.Time{}, 0, false
	}
	return ts, seq, true
}

// Info describes one snapshot file on disk.
type Info struct {
	Path string
	Seq  uint64
	Time time.Time
	Size int64
}

// Manager writes snapshots of one region into one directory.
type Manager struct {
	region *shm.Region
	dir    string
	level  zstd.EncoderLevel
	logger *logging.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithTracerProvider records a span per snapshot with tp instead of the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) { m.tracer = tp.Tracer(TracerScope) }
}

// New returns a Manager writing into dir at the named zstd level
// ("fastest", "default", "better" or "best"). The directory must exist.
func New(region *shm.Region, dir, level string, logger *logging.Logger, opts ...Option) (*Manager, error) {
	ok, lvl := zstd.EncoderLevelFromString(level)
	if !ok {
		return nil, errors.NewValidationError("unknown zstd level").WithField("snapshot.level").WithValue(level)
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := &Manager{
		region: region,
		dir:    dir,
		level:  lvl,
		logger: logger.WithComponent("snapshot"),
		tracer: otel.GetTracerProvider().Tracer(TracerScope),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Dir returns the snapshot directory.
func (m *Manager) Dir() string { return m.dir }

// Snapshot captures the region, compresses it and writes it atomically as
// sequence seq. Errors are *errors.SnapshotError; the caller logs them and
// carries on.
func (m *Manager) Snapshot(ctx context.Context, seq uint64) (string, error) {
	start := m.now()
	path := filepath.Join(m.dir, FileName(start, seq))

	_, span := m.tracer.Start(ctx, SpanName,
		trace.WithAttributes(
			attribute.Int64("seq", int64(seq)),
			attribute.String("path", path),
		),
	)
	defer span.End()

	fail := func(msg string, err error) (string, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		return "", errors.NewSnapshotError(msg, err).WithSequence(seq).WithPath(path)
	}

	raw := m.capture()

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(m.level))
	if err != nil {
		return fail("create encoder failed", err)
	}
	compressed := enc.EncodeAll(raw, nil)
	if err := enc.Close(); err != nil {
		return fail("close encoder failed", err)
	}

	tmp, err := os.CreateTemp(m.dir, ".snapshot-*.tmp")
	if err != nil {
		return fail("create temp file failed", err)
	}
	tmpPath := tmp.Name()
	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(compressed); err != nil {
		return fail("write failed", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync failed", err)
	}
	if err := tmp.Close(); err != nil {
		return fail("close file failed", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fail("rename failed", err)
	}
	cleanupTmp = false

	if err := syncDir(m.dir); err != nil {
		m.logger.Warn("directory sync failed (snapshot still valid)", "error", err)
	}

	span.SetAttributes(
		attribute.Int("uncompressed_size", len(raw)),
		attribute.Int("compressed_size", len(compressed)),
	)
	m.logger.Debug("snapshot written",
		"seq", seq,
		"path", path,
		"bytes", len(compressed),
		"duration", time.Since(start),
	)
	return path, nil
}

// capture copies the region between counter writes when it can, so the
// counter and ledger in the copy agree.
func (m *Manager) capture() []byte {
	var b []byte
	for range copyAttempts {
		seq := m.region.Seq()
		b = m.region.Bytes()
		if seq&1 == 0 && m.region.Seq() == seq {
			return b
		}
		runtime.Gosched()
	}
	return b
}

// List returns the snapshots in dir ordered by sequence.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []Info
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ts, seq, ok := ParseName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{
			Path: filepath.Join(dir, e.Name()),
			Seq:  seq,
			Time: ts,
			Size: info.Size(),
		})
	}
	slices.SortFunc(out, func(a, b Info) int {
		if a.Seq != b.Seq {
			if a.Seq < b.Seq {
				return -1
			}
			return 1
		}
		return a.Time.Compare(b.Time)
	})
	return out, nil
}

// Load decompresses and decodes a snapshot file.
func Load(path string) (shm.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return shm.Image{}, errors.NewSnapshotError("read failed", err).WithPath(path)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return shm.Image{}, errors.NewSnapshotError("create decoder failed", err).WithPath(path)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return shm.Image{}, errors.NewSnapshotError("decompress failed",
			errors.Join(errors.ErrSnapshotCorrupted, err)).WithPath(path)
	}

	img, err := shm.Decode(raw)
	if err != nil {
		return shm.Image{}, errors.NewSnapshotError("decode failed",
			errors.Join(errors.ErrSnapshotCorrupted, err)).WithPath(path)
	}
	return img, nil
}

func syncDir(dirPath string) error {
	dir, err := os.Open(dirPath)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
