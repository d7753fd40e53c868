package stats

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "shmguard"

// Registry builds a private registry holding the report as gauges. The
// coordinator does not serve metrics; they are exported once per run.
func (r *Report) Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()

	run := func(name, help string, v float64) {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
		g.Set(v)
		reg.MustRegister(g)
	}
	run("counter_value", "Final value of the shared counter", float64(r.Counter))
	run("committed_total", "Successful critical sections recorded in the ledger", float64(r.Committed))
	run("counter_drift", "Accepted offset between counter and ledger after detected corruption", float64(r.Drift))
	run("counter_consistent", "1 if the final counter matches the ledger", boolGauge(r.Consistent))
	run("critical_section_max_holders", "Largest number of simultaneous critical section holders", float64(r.MaxHolders))
	run("mutual_exclusion_violations_total", "Critical section entries that found another holder", float64(r.Violations))
	run("forced_unlocks_total", "Fine locks forcibly released by the watchdog", float64(r.ForcedUnlocks))
	run("consistency_checks_total", "Conclusive consistency checks", float64(r.Checks))
	run("consistency_mismatches_total", "Reported consistency mismatches", float64(r.Mismatches))
	run("consistency_skipped_total", "Inconclusive consistency checks", float64(r.SkippedChecks))
	run("snapshots_written_total", "Snapshots counted in the ledger", float64(r.Snapshots.Written))
	run("snapshot_files", "Snapshot files present at the end of the run", float64(r.Snapshots.OnDisk))
	run("snapshot_bytes", "Total size of snapshot files in bytes", float64(r.Snapshots.Bytes))
	run("run_duration_seconds", "Wall time from setup to report", r.Duration.Seconds())

	perWorker := []struct {
		name, help string
		value      func(WorkerStats) float64
	}{
		{"worker_successes_total", "Completed critical sections", func(w WorkerStats) float64 { return float64(w.Successes) }},
		{"worker_failures_total", "Iterations abandoned after max retries", func(w WorkerStats) float64 { return float64(w.Failures) }},
		{"worker_retries_total", "Failed lock acquisition attempts", func(w WorkerStats) float64 { return float64(w.Retries) }},
		{"worker_escalations_total", "Escalation lock attempts", func(w WorkerStats) float64 { return float64(w.Escalations) }},
		{"worker_rate_limit_hits_total", "Rate limit penalties applied", func(w WorkerStats) float64 { return float64(w.RateLimitHits) }},
		{"worker_lock_wait_seconds", "Cumulative fine lock wait", func(w WorkerStats) float64 { return float64(w.WaitMs) / 1000 }},
	}
	for _, m := range perWorker {
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: m.name, Help: m.help}, []string{"worker"})
		for _, w := range r.Workers {
			vec.WithLabelValues(strconv.Itoa(w.ID)).Set(m.value(w))
		}
		reg.MustRegister(vec)
	}

	return reg
}

// WriteMetrics writes the report in the Prometheus text format to path, for
// pickup by a node_exporter textfile collector.
func (r *Report) WriteMetrics(path string) error {
	if err := prometheus.WriteToTextfile(path, r.Registry()); err != nil {
		return fmt.Errorf("failed to write metrics %s: %w", path, err)
	}
	return nil
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
