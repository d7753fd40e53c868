// Package stats collects the final per-worker and run-wide numbers of a run
// and exports them as a text report, a YAML file and a Prometheus textfile.
package stats

import (
	"os"
	"sync"
	"time"

	"github.com/Iron-Ham/shmguard/internal/event"
	"github.com/Iron-Ham/shmguard/internal/logging"
	"github.com/Iron-Ham/shmguard/internal/shm"
	"github.com/Iron-Ham/shmguard/internal/snapshot"
)

// Collector reads a region into a Report. Snapshot files announced on the
// event bus are tracked separately from those found on disk, so a watcher
// that missed writes shows up as a difference in the report.
type Collector struct {
	region  *shm.Region
	snapDir string
	logger  *logging.Logger
	now     func() time.Time

	mu       sync.Mutex
	observed map[string]struct{}
	bus      *event.Bus
	subID    string
}

// NewCollector creates a Collector for region. snapDir may be empty when
// snapshots are not written.
func NewCollector(region *shm.Region, snapDir string, logger *logging.Logger) *Collector {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Collector{
		region:   region,
		snapDir:  snapDir,
		logger:   logger.WithComponent("stats"),
		now:      time.Now,
		observed: make(map[string]struct{}),
	}
}

// Observe subscribes to snapshot events on bus. Call Stop to unsubscribe.
func (c *Collector) Observe(bus *event.Bus) {
	if bus == nil {
		return
	}
	id := event.On(bus, event.TypeSnapshotWritten, func(sw event.SnapshotWrittenEvent) {
		c.mu.Lock()
		c.observed[sw.Path] = struct{}{}
		c.mu.Unlock()
	})
	c.mu.Lock()
	c.bus, c.subID = bus, id
	c.mu.Unlock()
}

// Stop unsubscribes from the bus. It is safe to call more than once.
func (c *Collector) Stop() {
	c.mu.Lock()
	bus, id := c.bus, c.subID
	c.bus, c.subID = nil, ""
	c.mu.Unlock()
	if bus != nil {
		bus.Unsubscribe(id)
	}
}

// Observed returns the number of distinct snapshot files seen on the bus.
func (c *Collector) Observed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.observed)
}

// Collect reads every slot and the ledger. It must run after all workers
// are joined; earlier calls return a report of a moving target.
func (c *Collector) Collect(runDir string, started time.Time) *Report {
	r := c.region
	rep := &Report{
		RunDir:        runDir,
		GeneratedAt:   c.now(),
		Counter:       r.Counter(),
		Committed:     r.Committed(),
		Drift:         r.Drift(),
		MaxHolders:    r.MaxHolders(),
		Violations:    r.Violations(),
		ForcedUnlocks: r.ForcedUnlocks(),
		Checks:        r.Checks(),
		Mismatches:    r.Mismatches(),
		SkippedChecks: r.SkippedChecks(),
		Snapshots: SnapshotStats{
			Written:  r.Snapshots(),
			Observed: c.Observed(),
		},
		Workers: make([]WorkerStats, 0, r.Slots()),
	}
	if !started.IsZero() {
		rep.Duration = rep.GeneratedAt.Sub(started)
	}
	rep.Expected = uint32(int64(rep.Committed) + rep.Drift)
	rep.Consistent = rep.Counter == rep.Expected

	for i := 0; i < r.Slots(); i++ {
		ws := workerStats(r.Slot(i).Record())
		rep.Workers = append(rep.Workers, ws)
		rep.Totals.add(ws)
	}

	if c.snapDir != "" {
		infos, err := snapshot.List(c.snapDir)
		switch {
		case err == nil:
			rep.Snapshots.OnDisk = len(infos)
			for _, info := range infos {
				rep.Snapshots.Bytes += info.Size
			}
		case !os.IsNotExist(err):
			c.logger.Warn("failed to list snapshots", "dir", c.snapDir, "error", err)
		}
	}

	return rep
}

func workerStats(rec shm.WorkerRecord) WorkerStats {
	return WorkerStats{
		ID:            rec.ID,
		PID:           rec.PID,
		State:         rec.State.String(),
		Iterations:    rec.Iteration,
		Retries:       rec.Retries,
		Successes:     rec.Successes,
		Failures:      rec.Failures,
		Escalations:   rec.Escalations,
		RateLimitHits: rec.RateLimitHits,
		WaitMs:        rec.Wait.Milliseconds(),
		Checks:        rec.Checks,
		Snapshots:     rec.Snapshots,
		Cancelled:     rec.Cancelled,
		Exited:        rec.Exited,
		ExitCode:      rec.ExitCode,
	}
}
