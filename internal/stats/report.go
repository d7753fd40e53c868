package stats

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/shmguard/internal/logging"
)

// File names written into the run directory.
const (
	ReportFileName  = "report.yaml"
	MetricsFileName = "metrics.prom"
)

// WorkerStats is one worker's final numbers.
type WorkerStats struct {
	ID            int    `yaml:"id" json:"id"`
	PID           int    `yaml:"pid" json:"pid"`
	State         string `yaml:"state" json:"state"`
	Iterations    uint64 `yaml:"iterations" json:"iterations"`
	Retries       uint64 `yaml:"retries" json:"retries"`
	Successes     uint64 `yaml:"successes" json:"successes"`
	Failures      uint64 `yaml:"failures" json:"failures"`
	Escalations   uint64 `yaml:"escalations" json:"escalations"`
	RateLimitHits uint64 `yaml:"rate_limit_hits" json:"rate_limit_hits"`
	WaitMs        int64  `yaml:"wait_ms" json:"wait_ms"`
	Checks        uint64 `yaml:"checks" json:"checks"`
	Snapshots     uint64 `yaml:"snapshots" json:"snapshots"`
	Cancelled     bool   `yaml:"cancelled" json:"cancelled"`
	Exited        bool   `yaml:"exited" json:"exited"`
	ExitCode      int    `yaml:"exit_code" json:"exit_code"`
}

// Totals sums the per-worker counters.
type Totals struct {
	Retries       uint64 `yaml:"retries" json:"retries"`
	Successes     uint64 `yaml:"successes" json:"successes"`
	Failures      uint64 `yaml:"failures" json:"failures"`
	Escalations   uint64 `yaml:"escalations" json:"escalations"`
	RateLimitHits uint64 `yaml:"rate_limit_hits" json:"rate_limit_hits"`
	WaitMs        int64  `yaml:"wait_ms" json:"wait_ms"`
}

func (t *Totals) add(w WorkerStats) {
	t.Retries += w.Retries
	t.Successes += w.Successes
	t.Failures += w.Failures
	t.Escalations += w.Escalations
	t.RateLimitHits += w.RateLimitHits
	t.WaitMs += w.WaitMs
}

// SnapshotStats compares snapshots counted in the ledger, found on disk and
// announced by the directory watcher.
type SnapshotStats struct {
	Written  uint64 `yaml:"written" json:"written"`
	OnDisk   int    `yaml:"on_disk" json:"on_disk"`
	Observed int    `yaml:"observed" json:"observed"`
	Bytes    int64  `yaml:"bytes" json:"bytes"`
}

// Report is the end-of-run summary.
type Report struct {
	RunDir      string        `yaml:"run_dir" json:"run_dir"`
	GeneratedAt time.Time     `yaml:"generated_at" json:"generated_at"`
	Duration    time.Duration `yaml:"duration" json:"duration"`

	Counter    uint32 `yaml:"counter" json:"counter"`
	Committed  uint64 `yaml:"committed" json:"committed"`
	Drift      int64  `yaml:"drift" json:"drift"`
	Expected   uint32 `yaml:"expected" json:"expected"`
	Consistent bool   `yaml:"consistent" json:"consistent"`

	MaxHolders    int64  `yaml:"max_holders" json:"max_holders"`
	Violations    uint64 `yaml:"violations" json:"violations"`
	ForcedUnlocks uint64 `yaml:"forced_unlocks" json:"forced_unlocks"`

	Checks        uint64 `yaml:"checks" json:"checks"`
	Mismatches    uint64 `yaml:"mismatches" json:"mismatches"`
	SkippedChecks uint64 `yaml:"skipped_checks" json:"skipped_checks"`

	Snapshots SnapshotStats `yaml:"snapshots" json:"snapshots"`
	Totals    Totals        `yaml:"totals" json:"totals"`
	Workers   []WorkerStats `yaml:"workers" json:"workers"`
}

// Exclusive reports whether no two workers were ever inside the critical
// section at the same time.
func (r *Report) Exclusive() bool {
	return r.MaxHolders <= 1 && r.Violations == 0
}

// Log writes a one-line summary, plus a warning for each broken property.
func (r *Report) Log(logger *logging.Logger) {
	if logger == nil {
		return
	}
	logger.Info("run summary",
		"counter", r.Counter,
		"committed", r.Committed,
		"successes", r.Totals.Successes,
		"failures", r.Totals.Failures,
		"retries", r.Totals.Retries,
		"max_holders", r.MaxHolders,
		"forced_unlocks", r.ForcedUnlocks,
		"snapshots", r.Snapshots.OnDisk,
	)
	if !r.Exclusive() {
		logger.Warn("mutual exclusion violated",
			"max_holders", r.MaxHolders, "violations", r.Violations, "forced_unlocks", r.ForcedUnlocks)
	}
	if !r.Consistent {
		logger.Warn("final counter does not match ledger",
			"counter", r.Counter, "expected", r.Expected, "drift", r.Drift)
	}
}

// WriteYAML writes the report to path, replacing any existing file.
func (r *Report) WriteYAML(path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write report %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write report %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write report %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write report %s: %w", path, err)
	}
	return nil
}

// LoadYAML reads a report written by WriteYAML.
func LoadYAML(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Report
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse report %s: %w", path, err)
	}
	return &r, nil
}

// Render writes a styled text report. Colors follow the terminal profile of w,
// so a file or pipe receives plain text.
func (r *Report) Render(w io.Writer) error {
	re := lipgloss.NewRenderer(w)
	var (
		title = re.NewStyle().Bold(true).Foreground(primaryColor).MarginBottom(1)
		label = re.NewStyle().Foreground(mutedColor).Width(16)
		good  = re.NewStyle().Foreground(greenColor)
		bad   = re.NewStyle().Foreground(redColor).Bold(true)
		warn  = re.NewStyle().Foreground(warningColor)
		head  = re.NewStyle().Bold(true).Foreground(textColor)
		box   = re.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(borderColor).Padding(0, 1)
	)

	verdict := func(ok bool, yes, no string) string {
		if ok {
			return good.Render(yes)
		}
		return bad.Render(no)
	}
	row := func(k, v string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, label.Render(k), v)
	}

	counter := fmt.Sprintf("%d (expected %d)", r.Counter, r.Expected)
	holders := fmt.Sprintf("max holders %d, violations %d", r.MaxHolders, r.Violations)
	forced := fmt.Sprintf("%d", r.ForcedUnlocks)
	if r.ForcedUnlocks > 0 {
		forced = warn.Render(forced)
	}

	summary := lipgloss.JoinVertical(lipgloss.Left,
		row("counter", counter+"  "+verdict(r.Consistent, "consistent", "INCONSISTENT")),
		row("committed", fmt.Sprintf("%d (drift %d)", r.Committed, r.Drift)),
		row("exclusion", holders+"  "+verdict(r.Exclusive(), "ok", "VIOLATED")),
		row("forced unlocks", forced),
		row("checks", fmt.Sprintf("%d ok, %d mismatched, %d skipped", r.Checks, r.Mismatches, r.SkippedChecks)),
		row("snapshots", fmt.Sprintf("%d written, %d on disk, %d observed", r.Snapshots.Written, r.Snapshots.OnDisk, r.Snapshots.Observed)),
		row("duration", r.Duration.Round(time.Millisecond).String()),
	)

	var tbl strings.Builder
	tbl.WriteString(head.Render(fmt.Sprintf("%-6s %-8s %-17s %9s %8s %8s %6s %6s %9s",
		"worker", "pid", "state", "successes", "failures", "retries", "escal", "rate", "wait_ms")))
	for _, ws := range r.Workers {
		line := fmt.Sprintf("%-6d %-8d %-17s %9d %8d %8d %6d %6d %9d",
			ws.ID, ws.PID, ws.State, ws.Successes, ws.Failures, ws.Retries, ws.Escalations, ws.RateLimitHits, ws.WaitMs)
		if ws.Failures > 0 || (ws.Exited && ws.ExitCode != 0) {
			line = warn.Render(line)
		}
		tbl.WriteString("\n" + line)
	}
	t := r.Totals
	tbl.WriteString("\n" + head.Render(fmt.Sprintf("%-6s %-8s %-17s %9d %8d %8d %6d %6d %9d",
		"total", "", "", t.Successes, t.Failures, t.Retries, t.Escalations, t.RateLimitHits, t.WaitMs)))

	out := lipgloss.JoinVertical(lipgloss.Left,
		title.Render("shmguard run report"),
		box.Render(summary),
		"",
		tbl.String(),
	)
	_, err := fmt.Fprintln(w, out)
	return err
}
