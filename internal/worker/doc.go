// Package worker is the runtime a worker process embeds to serve the
// coordinator.
//
// A [Worker] subscribes to its own transport channel, announces itself
// with a RegisterRequest and waits for the ack, then heartbeats on a ticker
// until its context ends. Each AssignTask runs the [Handler] on its own
// goroutine; the worker reports in_progress, optional progress updates and
// exactly one terminal status (completed, failed, blocked or cancelled).
// A CancelTask cancels the task's context.
//
// Stopping the worker cancels every running task and waits for the
// handlers to return, so their final reports are sent before Run returns.
package worker
