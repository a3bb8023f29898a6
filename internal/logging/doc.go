// Package logging provides structured logging for the taskmesh coordinator.
//
// It wraps log/slog with a JSON handler and adds child loggers that carry
// coordination context (worker, task, component, conflict) on every entry.
// Long-running coordinators write to a size-rotated file; tests use
// [NopLogger].
//
//	logger, err := logging.NewLoggerWithRotation(dataDir, "INFO", logging.DefaultRotationConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	logger.WithComponent("taskqueue").WithTask("t-1").Info("task assigned", "worker_id", "w-1")
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"task assigned","component":"taskqueue","task_id":"t-1","worker_id":"w-1"}
//
// Entries written by a Logger can be read back with [ReadEntries] and
// narrowed with [Filter], which is what the `taskmesh logs` command does.
package logging
