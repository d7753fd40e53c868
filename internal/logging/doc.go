// Package logging provides the audit log and structured logging for shmguard.
//
// Every process of a run (the coordinator and each worker) appends to the
// same audit file. Lines have the fixed shape
//
//	[15:04:05] [INFO] counter updated worker=2 value=17
//
// so they can be grepped, tailed and parsed back with [ParseAuditLine].
//
// # Cross-process safety
//
// [RotatingWriter] takes an exclusive flock on "<file>.lock" around every
// write and rotation. A line is rendered into a buffer first and written with
// one write call, so lines from different processes never interleave. Size is
// re-read from the file under the lock, and a writer whose file was rotated
// away by another process reopens the path before writing.
//
// # Basic Usage
//
//	audit, err := logging.NewAuditLogger(filepath.Join(runDir, "audit.log"), "INFO",
//	    logging.RotationConfig{MaxSizeBytes: 1 << 20, MaxBackups: 3})
//	if err != nil {
//	    return err
//	}
//	defer audit.Close()
//
//	wl := audit.WithWorker(2)
//	wl.Info("counter updated", "value", 17)
//	wl.Error("lock acquisition timeout", "attempts", 5)
//
// The coordinator mirrors its own entries to the terminal:
//
//	logger := logging.Tee(audit, logging.NewConsoleLogger(os.Stderr, "INFO"))
//
// # Log Rotation
//
// Once the file would exceed MaxSizeBytes it is renamed to audit.log.1, older
// archives shift up (.1 to .2 and so on) and anything past MaxBackups is
// removed. With Compress set, archives become audit.log.1.gz.
//
// # Reading Logs Back
//
//	entries, err := logging.ReadAuditLog(path, 3)
//	errs := logging.FilterLogs(entries, logging.LogFilter{Level: "ERROR"})
//	logging.ExportLogEntries(os.Stdout, errs, "csv")
//
// # Testing
//
// Use [NopLogger] to discard all output.
package logging
