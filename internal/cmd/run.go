package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/shmguard/internal/config"
	"github.com/Iron-Ham/shmguard/internal/coordinator"
	"github.com/Iron-Ham/shmguard/internal/logging"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the workers and report",
	Long: `Run creates a run directory, the shared region and the lock files, spawns
run.thread_count worker processes and supervises them until they exit.

The report is printed when every worker has exited, including after an
interrupt. Setup failures abort the run before any worker starts and exit
non-zero.

Examples:
  # Default run: 5 workers, 100 iterations each
  shmguard run

  # Stall worker 0 at iteration 3 and let the watchdog break the lock
  shmguard run --fault stall --fault-worker 0 --fault-iteration 3 --forced-unlock`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runInProcess bool
	runQuiet     bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.String("run-dir", "", "parent directory for run directories (run.dir)")
	f.IntP("threads", "t", 0, "number of workers (run.thread_count)")
	f.IntP("iterations", "n", 0, "iterations per worker (run.iterations_per_thread)")
	f.String("fault", "", "fault to inject: none, crash, stall, corrupt (fault.mode)")
	f.Int("fault-worker", 0, "worker the fault fires in (fault.worker)")
	f.Int("fault-iteration", 0, "iteration the fault fires at (fault.iteration)")
	f.Bool("forced-unlock", false, "let the watchdog break a stuck fine lock (watchdog.forced_unlock)")
	f.String("log-level", "", "audit log level (logging.level)")
	f.BoolVar(&runInProcess, "in-process", false, "run workers as goroutines instead of processes")
	f.BoolVarP(&runQuiet, "quiet", "q", false, "do not print coordinator log lines to stderr")

	for key, flag := range map[string]string{
		"run.dir":                   "run-dir",
		"run.thread_count":          "threads",
		"run.iterations_per_thread": "iterations",
		"fault.mode":                "fault",
		"fault.worker":              "fault-worker",
		"fault.iteration":           "fault-iteration",
		"watchdog.forced_unlock":    "forced-unlock",
		"logging.level":             "log-level",
	} {
		_ = viper.BindPFlag(key, f.Lookup(flag))
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	opts := coordinator.Options{Report: cmd.OutOrStdout()}
	if !runQuiet {
		opts.Console = logging.NewConsoleLogger(cmd.ErrOrStderr(), cfg.Logging.Level)
	}
	if runInProcess {
		opts.Spawner = coordinator.InProcessSpawner()
	}

	res, err := coordinator.Run(context.Background(), cfg, opts)
	if err != nil {
		return err
	}
	if !res.Report.Exclusive() || !res.Report.Consistent {
		fmt.Fprintf(cmd.ErrOrStderr(), "run %s finished with coordination faults; see %s\n", res.Layout.ID, res.Layout.AuditPath())
	}
	return nil
}
