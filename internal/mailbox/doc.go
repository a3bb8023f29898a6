// Package mailbox provides a file-backed transport between the coordinator
// and workers that run as separate processes.
//
// Envelopes are persisted under the mailbox root as append-only JSONL
// (JSON Lines). Each channel has a dedicated directory, and a shared
// broadcast directory holds messages for every worker.
//
//	<data_dir>/mailbox/
//	    coordinator/index.jsonl  -- messages to the coordinator
//	    broadcast/index.jsonl    -- messages to all workers
//	    {workerID}/index.jsonl   -- messages to a specific worker
//
// # Main Types
//
//   - [Store]: Low-level JSONL storage with serialized appends
//   - [Mailbox]: A [transport.Transport] that polls the store
//   - [Filter]: Selection of stored envelopes for display
//
// # Basic Usage
//
//	mb := mailbox.New(dir, mailbox.WithSender("worker-1"))
//	cancel, err := mb.Subscribe("worker-1", func(ctx context.Context, env transport.Envelope, msg transport.Message) {
//	    if a, ok := msg.(transport.AssignTask); ok {
//	        // ...
//	    }
//	})
//	defer cancel()
//	_ = mb.Send(ctx, transport.CoordinatorChannel, transport.Heartbeat{WorkerID: "worker-1"})
//
// # Thread Safety
//
// [Store] and [Mailbox] are safe for concurrent use within a process.
// Appends use O_APPEND so separate processes can share a root.
package mailbox
