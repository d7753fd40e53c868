// Package shm implements the shared counter store: a fixed-size,
// file-backed region mapped MAP_SHARED into every process of a run.
//
// The region holds a header, the 32-bit shared counter, a ledger of
// run-wide totals guarded by a seqlock, and one slot per worker. All fields
// are accessed with sync/atomic so that readers in other processes observe
// whole values.
package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Magic identifies a shmguard region.
var Magic = [4]byte{'S', 'H', 'M', 'G'}

const (
	// Version is the layout version written into the header.
	Version = 1

	// HeaderSize covers the header, the counter word and the ledger.
	HeaderSize = 192
	// SlotSize is the size of one worker slot.
	SlotSize = 128
)

// Header offsets.
const (
	offMagic     = 0
	offVersion   = 4
	offSlots     = 8
	offSlotSize  = 12
	offSize      = 16
	offCoordPID  = 24
	offCreatedAt = 32
)

// Counter and ledger offsets.
const (
	offCounter       = 64
	offCommitted     = 72
	offSeq           = 80
	offDrift         = 88
	offHolders       = 96
	offMaxHolders    = 104
	offViolations    = 112
	offForcedUnlocks = 120
	offSnapshots     = 128
	offChecks        = 136
	offMismatches    = 144
	offSkipped       = 152
)

// ErrBadRegion is returned by Open and Decode for data that is not a
// shmguard region.
var ErrBadRegion = errors.New("not a shmguard region")

// RequiredSize returns the minimum region size for the given slot count.
func RequiredSize(slots int) int {
	return HeaderSize + slots*SlotSize
}

// DevShm is the tmpfs preferred for region backing files.
const DevShm = "/dev/shm"

// PickDir returns preferred when it is a writable directory, else fallback.
func PickDir(preferred, fallback string) string {
	if info, err := os.Stat(preferred); err == nil && info.IsDir() {
		if unix.Access(preferred, unix.W_OK) == nil {
			return preferred
		}
	}
	return fallback
}

// Region is a mapped shared counter region.
type Region struct {
	path  string
	data  []byte
	slots int

	mu          sync.Mutex
	closed      bool
	destroyOnce sync.Once
	destroyErr  error
}

// Create creates the backing file at path, sizes it and maps it. It fails if
// the file already exists: a region is created exactly once per run.
func Create(path string, size, slots int) (*Region, error) {
	if slots <= 0 {
		return nil, fmt.Errorf("slot count must be positive, got %d", slots)
	}
	if need := RequiredSize(slots); size < need {
		return nil, fmt.Errorf("region size %d too small for %d slots (need %d)", size, slots, need)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create region file: %w", err)
	}
	defer file.Close()

	if err := file.Truncate(int64(size)); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to size region file: %w", err)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to mmap region file: %w", err)
	}

	r := &Region{path: path, data: data, slots: slots}
	copy(data[offMagic:offMagic+4], Magic[:])
	atomic.StoreUint32(r.u32(offSlots), uint32(slots))
	atomic.StoreUint32(r.u32(offSlotSize), SlotSize)
	atomic.StoreUint64(r.u64(offSize), uint64(size))
	atomic.StoreInt64(r.i64(offCoordPID), int64(os.Getpid()))
	atomic.StoreInt64(r.i64(offCreatedAt), time.Now().UnixNano())
	// Version last: Open treats a zero version as a region still being set up.
	atomic.StoreUint32(r.u32(offVersion), Version)

	return r, nil
}

// Open maps an existing region created by Create.
func Open(path string) (*Region, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open region file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat region file: %w", err)
	}
	size := int(info.Size())
	if size < HeaderSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrBadRegion, path, size)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap region file: %w", err)
	}

	r := &Region{path: path, data: data}
	if [4]byte(data[offMagic:offMagic+4]) != Magic || atomic.LoadUint32(r.u32(offVersion)) != Version {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("%w: %s", ErrBadRegion, path)
	}
	r.slots = int(atomic.LoadUint32(r.u32(offSlots)))
	if RequiredSize(r.slots) > size {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("%w: %d slots do not fit in %d bytes", ErrBadRegion, r.slots, size)
	}
	return r, nil
}

func (r *Region) u32(off int) *uint32 { return (*uint32)(unsafe.Pointer(&r.data[off])) }
func (r *Region) u64(off int) *uint64 { return (*uint64)(unsafe.Pointer(&r.data[off])) }
func (r *Region) i64(off int) *int64  { return (*int64)(unsafe.Pointer(&r.data[off])) }

// Path returns the backing file path.
func (r *Region) Path() string { return r.path }

// Size returns the mapped size in bytes.
func (r *Region) Size() int { return len(r.data) }

// Slots returns the number of worker slots.
func (r *Region) Slots() int { return r.slots }

// CoordinatorPID returns the pid of the process that created the region.
func (r *Region) CoordinatorPID() int { return int(atomic.LoadInt64(r.i64(offCoordPID))) }

// CreatedAt returns the region creation time.
func (r *Region) CreatedAt() time.Time {
	return time.Unix(0, atomic.LoadInt64(r.i64(offCreatedAt)))
}

// Counter atomically loads the shared counter.
func (r *Region) Counter() uint32 {
	return atomic.LoadUint32(r.u32(offCounter))
}

// SetCounter atomically stores the shared counter. A read-modify-write built
// from Counter and SetCounter is only safe while the fine lock is held.
func (r *Region) SetCounter(v uint32) {
	atomic.StoreUint32(r.u32(offCounter), v)
}

// Bytes returns a copy of the whole region. Fields are copied word by word
// with atomic loads so the copy never contains a torn word.
func (r *Region) Bytes() []byte {
	out := make([]byte, len(r.data))
	for off := 0; off+8 <= len(r.data); off += 8 {
		binary.NativeEndian.PutUint64(out[off:], atomic.LoadUint64(r.u64(off)))
	}
	if tail := len(r.data) % 8; tail != 0 {
		copy(out[len(r.data)-tail:], r.data[len(r.data)-tail:])
	}
	return out
}

// Slot returns the slot for worker i.
func (r *Region) Slot(i int) *Slot {
	if i < 0 || i >= r.slots {
		panic(fmt.Sprintf("shm: slot %d out of range [0, %d)", i, r.slots))
	}
	return &Slot{r: r, id: i, off: HeaderSize + i*SlotSize}
}

// Close unmaps the region. The backing file is left in place. It is safe to
// call more than once; the region must not be used afterwards.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if err := unix.Munmap(r.data); err != nil {
		return fmt.Errorf("failed to unmap region: %w", err)
	}
	return nil
}

// Destroy unmaps the region and removes its backing file. Only the first
// call does any work; later calls return the first call's result.
func (r *Region) Destroy() error {
	r.destroyOnce.Do(func() {
		closeErr := r.Close()
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
			r.destroyErr = fmt.Errorf("failed to remove region file: %w", err)
			return
		}
		r.destroyErr = closeErr
	})
	return r.destroyErr
}
