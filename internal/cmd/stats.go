package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/shmguard/internal/run"
	"github.com/Iron-Ham/shmguard/internal/stats"
)

var statsCmd = &cobra.Command{
	Use:   "stats <run-dir>",
	Short: "Show the report of a finished run",
	Long: `Display the report a run wrote to report.yaml when its workers exited.

Shows:
- Final counter against the ledger
- Mutual exclusion instrumentation
- Per-worker successes, failures, retries and lock wait`,
	Args: cobra.ExactArgs(1),
	RunE: runStats,
}

var statsJSON bool

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Output the report as JSON")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	l := run.Layout{Root: args[0]}
	report, err := stats.LoadYAML(l.ReportPath())
	if os.IsNotExist(err) {
		return fmt.Errorf("no report in %s (run still active, or report.yaml disabled)", args[0])
	}
	if err != nil {
		return err
	}

	if statsJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	return report.Render(cmd.OutOrStdout())
}
