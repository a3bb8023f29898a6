package conflict

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestWatcher(t *testing.T) *Watcher {
	t.Helper()
	w, err := NewWatcher(nil)
	if err != nil {
		t.Fatalf("Failed to create watcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w, err := NewWatcher(nil)
	if err != nil {
		t.Fatalf("Failed to create watcher: %v", err)
	}

	w.Start()
	time.Sleep(10 * time.Millisecond)

	w.Stop()
	w.Stop()
}

func TestWatcher_AddWorker_NonExistentPath(t *testing.T) {
	w := newTestWatcher(t)

	err := w.AddWorker("w1", filepath.Join(t.TempDir(), "missing"))
	if err == nil {
		t.Fatal("Expected error when adding worker with non-existent path")
	}
	if !strings.Contains(err.Error(), "workspace path does not exist") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestWatcher_AddWorker_PathIsFile(t *testing.T) {
	w := newTestWatcher(t)

	file := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	err := w.AddWorker("w1", file)
	if err == nil {
		t.Fatal("Expected error when adding worker with file path")
	}
	if !strings.Contains(err.Error(), "workspace path is not a directory") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestWatcher_DetectsOverlap(t *testing.T) {
	w := newTestWatcher(t)
	dir1, dir2 := t.TempDir(), t.TempDir()

	var (
		mu       sync.Mutex
		reported []Overlap
	)
	w.OnOverlap(func(o []Overlap) {
		mu.Lock()
		reported = o
		mu.Unlock()
	})

	if err := w.AddWorker("w1", dir1); err != nil {
		t.Fatalf("AddWorker w1: %v", err)
	}
	if err := w.AddWorker("w2", dir2); err != nil {
		t.Fatalf("AddWorker w2: %v", err)
	}
	w.Start()

	if err := os.WriteFile(filepath.Join(dir1, "shared.go"), []byte("package a\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir2, "shared.go"), []byte("package b\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir1, "only1.go"), []byte("package a\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ok := waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reported) > 0
	})
	if !ok {
		t.Fatal("Expected overlap to be reported")
	}

	overlaps := w.Overlaps()
	if len(overlaps) != 1 {
		t.Fatalf("Expected 1 overlap, got %d: %+v", len(overlaps), overlaps)
	}
	if overlaps[0].File != "shared.go" {
		t.Errorf("File = %q, want shared.go", overlaps[0].File)
	}
	if got := strings.Join(overlaps[0].Workers, ","); got != "w1,w2" {
		t.Errorf("Workers = %q, want w1,w2", got)
	}

	files := w.FilesModifiedBy("w1")
	if strings.Join(files, ",") != "only1.go,shared.go" {
		t.Errorf("FilesModifiedBy(w1) = %v", files)
	}
}

func TestWatcher_IgnoresBackupsAndGit(t *testing.T) {
	w := newTestWatcher(t)
	dir1, dir2 := t.TempDir(), t.TempDir()

	for _, d := range []string{dir1, dir2} {
		if err := os.MkdirAll(filepath.Join(d, ".git"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.AddWorker("w1", dir1); err != nil {
		t.Fatal(err)
	}
	if err := w.AddWorker("w2", dir2); err != nil {
		t.Fatal(err)
	}
	w.Start()

	for _, d := range []string{dir1, dir2} {
		if err := os.WriteFile(filepath.Join(d, ".git", "HEAD"), []byte("ref"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(d, "main.go.backup.123"), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(d, "main.go.conflict.backup"), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	time.Sleep(300 * time.Millisecond)
	if o := w.Overlaps(); len(o) != 0 {
		t.Errorf("Expected no overlaps, got %+v", o)
	}
}

func TestWatcher_ForgetAndRemoveWorker(t *testing.T) {
	w := newTestWatcher(t)
	dir1, dir2 := t.TempDir(), t.TempDir()

	w.mu.Lock()
	w.workers["w1"] = dir1
	w.workers["w2"] = dir2
	now := time.Now()
	w.mods["a.go"] = map[string]time.Time{"w1": now, "w2": now}
	w.mods["b.go"] = map[string]time.Time{"w1": now, "w2": now}
	w.recalculate()
	w.mu.Unlock()

	if n := len(w.Overlaps()); n != 2 {
		t.Fatalf("Expected 2 overlaps, got %d", n)
	}

	w.Forget("a.go")
	if o := w.Overlaps(); len(o) != 1 || o[0].File != "b.go" {
		t.Fatalf("Expected only b.go after Forget, got %+v", o)
	}

	w.RemoveWorker("w2")
	if o := w.Overlaps(); len(o) != 0 {
		t.Errorf("Expected no overlaps after RemoveWorker, got %+v", o)
	}
	if files := w.FilesModifiedBy("w1"); len(files) != 1 || files[0] != "b.go" {
		t.Errorf("FilesModifiedBy(w1) = %v, want [b.go]", files)
	}
}

func TestWatcher_ClearOlderThan(t *testing.T) {
	w := newTestWatcher(t)

	w.mu.Lock()
	old := time.Now().Add(-time.Hour)
	w.mods["stale.go"] = map[string]time.Time{"w1": old, "w2": old}
	w.mods["fresh.go"] = map[string]time.Time{"w1": time.Now(), "w2": time.Now()}
	w.recalculate()
	w.mu.Unlock()

	w.ClearOlderThan(time.Minute)

	o := w.Overlaps()
	if len(o) != 1 || o[0].File != "fresh.go" {
		t.Errorf("Expected only fresh.go, got %+v", o)
	}
}
