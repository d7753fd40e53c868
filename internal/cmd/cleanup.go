package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/shmguard/internal/cleanup"
	"github.com/Iron-Ham/shmguard/internal/config"
	"github.com/Iron-Ham/shmguard/internal/logging"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove run directories left by dead coordinators",
	Long: `Cleanup removes the run directories under run.dir whose run lock names a
process that no longer exists, together with their region files in /dev/shm.

Finished runs released their lock and are kept, reports included. Runs whose
coordinator is still alive are never touched.

Use --dry-run to see what would be cleaned up without making changes, and
--background to hand the removal to a detached process.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

var (
	cleanupDryRun     bool
	cleanupBackground bool
	cleanupBaseDir    string
	cleanupRunJob     string // Internal flag for background job execution
	cleanupJobStatus  string
)

// finished job files older than this are removed on every cleanup
const jobRetention = 7 * 24 * time.Hour

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Show what would be cleaned up without making changes")
	cleanupCmd.Flags().BoolVar(&cleanupBackground, "background", false, "Run the removal in a detached background process")
	cleanupCmd.Flags().StringVar(&cleanupBaseDir, "base-dir", "", "Directory holding run directories (default: run.dir)")
	cleanupCmd.Flags().StringVar(&cleanupJobStatus, "job-status", "", "Show status of a specific cleanup job")
	cleanupCmd.Flags().StringVar(&cleanupRunJob, "run-job", "", "Internal: run a cleanup job from its job file")
	_ = cleanupCmd.Flags().MarkHidden("run-job")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg := config.Get()
	baseDir := cleanupBaseDir
	if baseDir == "" {
		baseDir = cfg.Run.Dir
	}
	out := cmd.OutOrStdout()
	logger := logging.NewConsoleLogger(cmd.ErrOrStderr(), cfg.Logging.Level).WithComponent("cleanup")

	// Background process mode
	if cleanupRunJob != "" {
		return cleanup.RunSaved(baseDir, cleanupRunJob, logger)
	}
	if cleanupJobStatus != "" {
		return showJobStatus(out, baseDir, cleanupJobStatus)
	}

	if n, err := cleanup.PruneJobs(baseDir, jobRetention, time.Now()); err == nil && n > 0 {
		logger.Debug("removed old cleanup job files", "count", n)
	}

	if cleanupBackground && !cleanupDryRun {
		return runBackgroundCleanup(out, baseDir)
	}

	job, err := cleanup.Sweep(baseDir, cleanupDryRun, logger)
	if err != nil {
		return fmt.Errorf("cleanup of %s failed: %w", baseDir, err)
	}
	if len(job.Runs) == 0 {
		fmt.Fprintln(out, "No stale runs found. Nothing to clean up.")
		return nil
	}

	printStaleRuns(out, job.Runs)
	if cleanupDryRun {
		fmt.Fprintln(out, "\nDry run mode - no changes made.")
		return nil
	}
	printOutcome(out, job.Outcome)
	return nil
}

func runBackgroundCleanup(out io.Writer, baseDir string) error {
	stale, err := cleanup.Scan(baseDir)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", baseDir, err)
	}
	if len(stale) == 0 {
		fmt.Fprintln(out, "No stale runs found. Nothing to clean up.")
		return nil
	}

	job := cleanup.NewJob(baseDir, stale)
	if err := cleanup.Detach("", job); err != nil {
		return err
	}

	printStaleRuns(out, stale)
	fmt.Fprintf(out, "\nCleanup job %s started in the background.\n", job.ID)
	fmt.Fprintf(out, "Check progress with: shmguard cleanup --job-status %s\n", job.ID)
	return nil
}

func printStaleRuns(out io.Writer, stale []cleanup.StaleRun) {
	fmt.Fprintf(out, "Stale runs (%d):\n", len(stale))
	for _, sr := range stale {
		fmt.Fprintf(out, "  %s (pid %d, region %s)\n", sr.Dir, sr.PID, sr.RegionPath)
	}
}

func printOutcome(out io.Writer, o *cleanup.Outcome) {
	if o == nil {
		return
	}
	fmt.Fprintf(out, "\nRemoved %d run(s) and %d region(s), skipped %d.\n", o.RunsRemoved, o.RegionsRemoved, o.Skipped)
	for _, p := range o.Problems {
		fmt.Fprintf(out, "  ! %s\n", p)
	}
}

func showJobStatus(out io.Writer, baseDir, jobID string) error {
	job, err := cleanup.LoadJob(baseDir, jobID)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Job %s: %s\n", job.ID, job.State)
	fmt.Fprintf(out, "  created  %s\n", job.Created.Format(time.RFC3339))
	if !job.Started.IsZero() {
		fmt.Fprintf(out, "  started  %s\n", job.Started.Format(time.RFC3339))
	}
	if d := job.Elapsed(); d > 0 {
		fmt.Fprintf(out, "  took     %s\n", d.Round(time.Millisecond))
	}
	fmt.Fprintf(out, "  runs     %d\n", len(job.Runs))
	if job.Err != "" {
		fmt.Fprintf(out, "  error    %s\n", job.Err)
	}
	printOutcome(out, job.Outcome)
	return nil
}
