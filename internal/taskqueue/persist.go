package taskqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"
)

const (
	stateFileName = "taskqueue-state.json"
	lockFileName  = "taskqueue.lock"
)

// withStateLock runs fn while holding an exclusive flock(2) on the lock
// file in dir, so a running coordinator and a CLI command never interleave
// snapshot reads and writes.
func withStateLock(dir string, fn func() error) error {
	f, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("flock: %w", err)
	}
	defer func() { _ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN) }()

	return fn()
}

// persistedState is the serializable representation of the queue.
type persistedState struct {
	Tasks []Task   `json:"tasks"`
	Order []string `json:"order"`
}

// SaveState writes a snapshot of the queue to a JSON file in dir.
// The write is atomic: data is written to a temporary file first, then
// renamed into place. A file lock is held during the operation for
// cross-process safety.
func (q *Queue) SaveState(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	q.mu.Lock()
	state := persistedState{Tasks: make([]Task, 0, len(q.tasks))}
	for _, id := range q.sortedIDs() {
		state.Tasks = append(state.Tasks, q.tasks[id].clone())
	}
	ids := make([]string, 0, len(q.entries))
	for id := range q.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return q.entries[ids[i]].seq < q.entries[ids[j]].seq })
	state.Order = ids
	q.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue state: %w", err)
	}

	target := filepath.Join(dir, stateFileName)
	return withStateLock(dir, func() error {
		tmp := target + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return fmt.Errorf("write temp file: %w", err)
		}
		if err := os.Rename(tmp, target); err != nil {
			_ = os.Remove(tmp) // best-effort cleanup
			return fmt.Errorf("rename temp file: %w", err)
		}
		return nil
	})
}

// LoadState restores a Queue from a snapshot in dir. Tasks that were held
// by a worker when the snapshot was taken are returned to pending, since
// no worker survives a coordinator restart. A missing snapshot yields an
// empty queue.
func LoadState(dir string, opts ...Option) (*Queue, []string, error) {
	q := New(opts...)

	target := filepath.Join(dir, stateFileName)
	if _, err := os.Stat(target); os.IsNotExist(err) {
		return q, nil, nil
	}

	var data []byte
	err := withStateLock(dir, func() error {
		var readErr error
		data, readErr = os.ReadFile(target)
		return readErr
	})
	if err != nil {
		return nil, nil, fmt.Errorf("read state file: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, nil, fmt.Errorf("unmarshal queue state: %w", err)
	}

	now := q.now()
	var requeued []string
	for i := range state.Tasks {
		t := state.Tasks[i]
		if t.Status.IsActive() {
			t.Status = StatusPending
			t.AssignedWorkerID = ""
			t.Progress = 0
			requeued = append(requeued, t.ID)
		}
		q.tasks[t.ID] = &t
	}

	// Pending tasks go back in their previous order, then any that were
	// held by a worker.
	seen := make(map[string]bool, len(state.Order))
	for _, id := range state.Order {
		if t, ok := q.tasks[id]; ok && t.Status == StatusPending {
			q.activate(t, now)
			seen[id] = true
		}
	}
	for _, id := range q.sortedIDs() {
		if t := q.tasks[id]; t.Status == StatusPending && !seen[id] {
			q.activate(t, now)
		}
	}

	return q, requeued, nil
}
