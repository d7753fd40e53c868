package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/shmguard/internal/run"
	"github.com/Iron-Ham/shmguard/internal/shm"
	"github.com/Iron-Ham/shmguard/internal/snapshot"
)

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Inspect region snapshots of a run",
}

var snapshotsListCmd = &cobra.Command{
	Use:   "list <run-dir>",
	Short: "List the snapshots of a run in sequence order",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotsList,
}

var snapshotsShowCmd = &cobra.Command{
	Use:   "show <run-dir|file>",
	Short: "Decode one snapshot",
	Long: `Decode a snapshot file and print the captured region.

Given a run directory, the latest snapshot of that run is shown.`,
	Args: cobra.ExactArgs(1),
	RunE: runSnapshotsShow,
}

var snapshotsJSON bool

func init() {
	rootCmd.AddCommand(snapshotsCmd)
	snapshotsCmd.AddCommand(snapshotsListCmd)
	snapshotsCmd.AddCommand(snapshotsShowCmd)
	snapshotsShowCmd.Flags().BoolVar(&snapshotsJSON, "json", false, "Output the decoded region as JSON")
}

func runSnapshotsList(cmd *cobra.Command, args []string) error {
	infos, err := snapshot.List(run.Layout{Root: args[0]}.SnapshotDir())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No snapshots found.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tSIZE\tFILE")
	for _, info := range infos {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", info.Seq, info.Time.Format(time.StampMilli), info.Size, filepath.Base(info.Path))
	}
	return tw.Flush()
}

func runSnapshotsShow(cmd *cobra.Command, args []string) error {
	path, err := resolveSnapshot(args[0])
	if err != nil {
		return err
	}
	img, err := snapshot.Load(path)
	if err != nil {
		return err
	}

	if snapshotsJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(img)
	}
	return printImage(cmd.OutOrStdout(), path, img)
}

// resolveSnapshot maps a run directory to its latest snapshot.
func resolveSnapshot(arg string) (string, error) {
	fi, err := os.Stat(arg)
	if err != nil {
		return "", err
	}
	if !fi.IsDir() {
		return arg, nil
	}
	infos, err := snapshot.List(run.Layout{Root: arg}.SnapshotDir())
	if err != nil {
		return "", err
	}
	if len(infos) == 0 {
		return "", fmt.Errorf("no snapshots in %s", arg)
	}
	return infos[len(infos)-1].Path, nil
}

func printImage(w io.Writer, path string, img shm.Image) error {
	fmt.Fprintf(w, "Snapshot: %s\n", path)
	fmt.Fprintf(w, "Region:   %d bytes, %d slots, coordinator pid %d, created %s\n",
		img.Size, img.Slots, img.CoordinatorPID, img.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Counter:  %d (committed %d, drift %d)\n", img.Counter, img.Committed, img.Drift)
	fmt.Fprintf(w, "Holders:  max %d, violations %d, forced unlocks %d\n", img.MaxHolders, img.Violations, img.ForcedUnlocks)
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKER\tPID\tSTATE\tITER\tOK\tFAIL\tRETRY\tWAIT")
	for _, rec := range img.Workers {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%d\t%d\t%d\t%s\n",
			rec.ID, rec.PID, rec.State, rec.Iteration, rec.Successes, rec.Failures, rec.Retries,
			rec.Wait.Round(time.Millisecond))
	}
	return tw.Flush()
}
