package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/shmguard/internal/config"
	"github.com/Iron-Ham/shmguard/internal/logging"
	"github.com/Iron-Ham/shmguard/internal/run"
)

var logsCmd = &cobra.Command{
	Use:   "logs <run-dir>",
	Short: "View the audit or fault log of a run",
	Long: `View and filter the audit log of a run, including its rotated archives.

Examples:
  # Last 50 lines of the audit log
  shmguard logs /tmp/shmguard/run-20260101T120000-4242

  # Everything worker 2 logged at WARN or above
  shmguard logs <run-dir> -n 0 --worker 2 --level warn

  # The fault log as CSV
  shmguard logs <run-dir> --fault --format csv`,
	Args: cobra.ExactArgs(1),
	RunE: runLogs,
}

var (
	logsFault     bool
	logsTail      int
	logsLevel     string
	logsWorker    int
	logsComponent string
	logsGrep      string
	logsFormat    string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().BoolVar(&logsFault, "fault", false, "Read fault.log instead of audit.log")
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of lines to show (0 for all)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().IntVar(&logsWorker, "worker", -1, "Filter by worker id")
	logsCmd.Flags().StringVar(&logsComponent, "component", "", "Filter by component (coordinator, watchdog, ...)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Filter by message substring")
	logsCmd.Flags().StringVar(&logsFormat, "format", "text", "Output format: text, json, csv")
}

func runLogs(cmd *cobra.Command, args []string) error {
	l := run.Layout{Root: args[0]}

	// The run's own config knows how many archives it kept.
	maxBackups := config.Default().Logging.MaxBackups
	if cfg, err := config.LoadFile(l.ConfigPath()); err == nil {
		maxBackups = cfg.Logging.MaxBackups
	}

	path := l.AuditPath()
	if logsFault {
		path = l.FaultPath()
	}
	entries, err := logging.ReadAuditLog(path, maxBackups)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	filter := logging.LogFilter{
		Level:           logsLevel,
		Component:       logsComponent,
		MessageContains: logsGrep,
	}
	if logsWorker >= 0 {
		filter.Worker = &logsWorker
	}
	entries = logging.FilterLogs(entries, filter)

	if logsTail > 0 && len(entries) > logsTail {
		entries = entries[len(entries)-logsTail:]
	}
	if len(entries) == 0 && logsFormat == "text" {
		fmt.Fprintln(cmd.OutOrStdout(), "No matching log entries found.")
		return nil
	}
	return logging.ExportLogEntries(cmd.OutOrStdout(), entries, logsFormat)
}
