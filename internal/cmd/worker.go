package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/shmguard/internal/errors"
	"github.com/Iron-Ham/shmguard/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one worker of an existing run",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

var (
	workerRunDir string
	workerID     int
)

// workerExit is replaced in tests.
var workerExit = os.Exit

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().StringVar(&workerRunDir, "run-dir", "", "run directory to attach to")
	workerCmd.Flags().IntVar(&workerID, "id", -1, "worker id")
	_ = workerCmd.MarkFlagRequired("run-dir")
	_ = workerCmd.MarkFlagRequired("id")
}

func runWorker(cmd *cobra.Command, args []string) error {
	// SIGTERM from the supervisor is a cooperative stop.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	err := worker.Launch(ctx, workerRunDir, workerID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errors.ErrCanceled):
		workerExit(worker.ExitCanceled)
		return nil
	default:
		return fmt.Errorf("worker %d: %w", workerID, err)
	}
}
