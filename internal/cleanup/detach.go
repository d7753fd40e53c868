package cleanup

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/Iron-Ham/shmguard/internal/logging"
)

// Detach saves job and hands it to a new session running
// "<exe> cleanup --base-dir <base> --run-job <id>". The child is released
// immediately; its progress is visible only through the job file.
func Detach(exe string, job *Job) error {
	if err := job.Save(); err != nil {
		return err
	}
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to locate shmguard binary: %w", err)
		}
		exe = self
	}

	child := exec.Command(exe, "cleanup", "--base-dir", job.BaseDir, "--run-job", job.ID)
	child.Dir = job.BaseDir
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("failed to start background cleanup: %w", err)
	}
	return child.Process.Release()
}

// RunSaved loads job id from baseDir and executes it. This is the body of
// the detached process started by Detach.
func RunSaved(baseDir, id string, logger *logging.Logger) error {
	job, err := LoadJob(baseDir, id)
	if err != nil {
		return err
	}
	return NewExecutor(logger).Run(job)
}
