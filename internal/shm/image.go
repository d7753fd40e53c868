package shm

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Image is a decoded copy of a region, as produced by Region.Bytes.
type Image struct {
	Size           int
	Slots          int
	CoordinatorPID int
	CreatedAt      time.Time

	Counter       uint32
	Committed     uint64
	Seq           uint64
	Drift         int64
	MaxHolders    int64
	Violations    uint64
	ForcedUnlocks uint64
	Snapshots     uint64

	Workers []WorkerRecord
}

// Decode parses a region copy. It does not touch shared memory.
func Decode(b []byte) (Image, error) {
	if len(b) < HeaderSize || [4]byte(b[offMagic:offMagic+4]) != Magic {
		return Image{}, fmt.Errorf("%w: bad magic", ErrBadRegion)
	}
	ne := binary.NativeEndian
	if v := ne.Uint32(b[offVersion:]); v != Version {
		return Image{}, fmt.Errorf("%w: unsupported version %d", ErrBadRegion, v)
	}

	slots := int(ne.Uint32(b[offSlots:]))
	if RequiredSize(slots) > len(b) {
		return Image{}, fmt.Errorf("%w: %d slots do not fit in %d bytes", ErrBadRegion, slots, len(b))
	}

	img := Image{
		Size:           int(ne.Uint64(b[offSize:])),
		Slots:          slots,
		CoordinatorPID: int(int64(ne.Uint64(b[offCoordPID:]))),
		CreatedAt:      time.Unix(0, int64(ne.Uint64(b[offCreatedAt:]))),
		Counter:        ne.Uint32(b[offCounter:]),
		Committed:      ne.Uint64(b[offCommitted:]),
		Seq:            ne.Uint64(b[offSeq:]),
		Drift:          int64(ne.Uint64(b[offDrift:])),
		MaxHolders:     int64(ne.Uint64(b[offMaxHolders:])),
		Violations:     ne.Uint64(b[offViolations:]),
		ForcedUnlocks:  ne.Uint64(b[offForcedUnlocks:]),
		Snapshots:      ne.Uint64(b[offSnapshots:]),
		Workers:        make([]WorkerRecord, 0, slots),
	}

	for i := 0; i < slots; i++ {
		s := b[HeaderSize+i*SlotSize:]
		img.Workers = append(img.Workers, WorkerRecord{
			ID:            i,
			PID:           int(int64(ne.Uint64(s[slotPID:]))),
			State:         State(ne.Uint32(s[slotState:])),
			Cancelled:     ne.Uint32(s[slotCancel:]) != 0,
			Iteration:     ne.Uint64(s[slotIteration:]),
			Retries:       ne.Uint64(s[slotRetries:]),
			Successes:     ne.Uint64(s[slotSuccesses:]),
			Failures:      ne.Uint64(s[slotFailures:]),
			Escalations:   ne.Uint64(s[slotEscalations:]),
			RateLimitHits: ne.Uint64(s[slotRateLimits:]),
			Wait:          time.Duration(int64(ne.Uint64(s[slotWaitNs:]))),
			LastAccess:    time.Unix(0, int64(ne.Uint64(s[slotLastAccess:]))),
			Started:       time.Unix(0, int64(ne.Uint64(s[slotStarted:]))),
			Exited:        ne.Uint32(s[slotExited:]) != 0,
			ExitCode:      int(int32(ne.Uint32(s[slotExitCode:]))),
			Holding:       ne.Uint32(s[slotHolding:]) != 0,
			Checks:        ne.Uint64(s[slotChecks:]),
			Snapshots:     ne.Uint64(s[slotSnapshots:]),
		})
	}

	return img, nil
}
