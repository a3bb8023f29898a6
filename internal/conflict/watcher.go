package conflict

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/taskmesh/internal/logging"
)

const watchDebounce = 50 * time.Millisecond

// Overlap is a file modified on disk by more than one worker.
type Overlap struct {
	File         string    // Path relative to the worker workspace root
	Workers      []string  // Worker IDs that modified it, sorted
	LastModified time.Time // Most recent modification seen
}

// Watcher attributes filesystem modifications in per-worker workspaces and
// reports files touched by more than one worker, including files no task
// declared up front.
type Watcher struct {
	fsw *fsnotify.Watcher

	// worker ID -> workspace root
	workers map[string]string

	// relative path -> worker ID -> last modification
	mods map[string]map[string]time.Time

	overlaps  []Overlap
	onOverlap func([]Overlap)
	ignore    []string
	logger    *logging.Logger

	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher creates a stopped watcher.
func NewWatcher(logger *logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Watcher{
		fsw:     fsw,
		workers: make(map[string]string),
		mods:    make(map[string]map[string]time.Time),
		ignore:  []string{".git", ".taskmesh", "node_modules", ".DS_Store"},
		logger:  logger.WithComponent("conflict-watcher"),
		stopCh:  make(chan struct{}),
	}, nil
}

// OnOverlap sets the callback invoked with the full overlap list whenever
// it changes and is non-empty. The callback runs on the watcher goroutine.
func (w *Watcher) OnOverlap(fn func([]Overlap)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onOverlap = fn
}

// AddWorker starts watching a worker's workspace directory recursively.
func (w *Watcher) AddWorker(workerID, dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("workspace path does not exist: %s", dir)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("workspace path is not a directory: %s", dir)
	}
	dir = filepath.Clean(dir)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.workers[workerID] = dir
	return w.watchRecursive(dir)
}

func (w *Watcher) watchRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.ignored(path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// RemoveWorker stops attributing modifications to a worker and forgets its
// history.
func (w *Watcher) RemoveWorker(workerID string) {
	w.mu.Lock()
	dir, ok := w.workers[workerID]
	if !ok {
		w.mu.Unlock()
		return
	}
	for _, p := range w.fsw.WatchList() {
		if p == dir || strings.HasPrefix(p, dir+string(filepath.Separator)) {
			_ = w.fsw.Remove(p)
		}
	}
	delete(w.workers, workerID)
	for rel, byWorker := range w.mods {
		delete(byWorker, workerID)
		if len(byWorker) == 0 {
			delete(w.mods, rel)
		}
	}
	notify := w.recalculate()
	w.mu.Unlock()
	notify()
}

// Start begins processing filesystem events.
func (w *Watcher) Start() {
	w.wg.Go(w.loop)
}

// Stop ends event processing and releases the underlying watcher. It is
// safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.fsw.Close()
	})
	w.wg.Wait()
}

func (w *Watcher) loop() {
	// Editors often emit several events per save; collect them briefly.
	timer := time.NewTimer(watchDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := make(map[string]fsnotify.Event)

	for {
		select {
		case <-w.stopCh:
			timer.Stop()
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pending[ev.Name] = ev
			timer.Reset(watchDebounce)

		case <-timer.C:
			events := pending
			pending = make(map[string]fsnotify.Event)
			for _, ev := range events {
				w.handle(ev)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("filesystem watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	w.mu.Lock()
	if w.ignored(ev.Name) {
		w.mu.Unlock()
		return
	}
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.watchRecursive(ev.Name)
			w.mu.Unlock()
			return
		}
	}

	workerID, rel := w.attribute(ev.Name)
	if workerID == "" {
		w.mu.Unlock()
		return
	}
	if w.mods[rel] == nil {
		w.mods[rel] = make(map[string]time.Time)
	}
	w.mods[rel][workerID] = time.Now()
	notify := w.recalculate()
	w.mu.Unlock()
	notify()
}

// attribute finds the worker whose workspace contains path.
func (w *Watcher) attribute(path string) (string, string) {
	for id, dir := range w.workers {
		if strings.HasPrefix(path, dir+string(filepath.Separator)) {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				continue
			}
			return id, filepath.ToSlash(rel)
		}
	}
	return "", ""
}

func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)
	if strings.Contains(base, ".backup.") || strings.HasSuffix(base, ".conflict.backup") {
		return true
	}
	for _, ig := range w.ignore {
		sep := string(filepath.Separator)
		if base == ig || strings.Contains(path, sep+ig+sep) {
			return true
		}
	}
	return false
}

// recalculate rebuilds the overlap list and returns the notification to run
// once the lock is released.
func (w *Watcher) recalculate() func() {
	overlaps := make([]Overlap, 0)
	for rel, byWorker := range w.mods {
		if len(byWorker) < 2 {
			continue
		}
		o := Overlap{File: rel}
		for id, at := range byWorker {
			o.Workers = append(o.Workers, id)
			if at.After(o.LastModified) {
				o.LastModified = at
			}
		}
		slices.Sort(o.Workers)
		overlaps = append(overlaps, o)
	}
	slices.SortFunc(overlaps, func(a, b Overlap) int { return strings.Compare(a.File, b.File) })
	w.overlaps = overlaps

	cb := w.onOverlap
	if cb == nil || len(overlaps) == 0 {
		return func() {}
	}
	snapshot := slices.Clone(overlaps)
	return func() { cb(snapshot) }
}

// Overlaps returns the files currently modified by more than one worker.
func (w *Watcher) Overlaps() []Overlap {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return slices.Clone(w.overlaps)
}

// FilesModifiedBy returns the relative paths a worker has modified.
func (w *Watcher) FilesModifiedBy(workerID string) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var files []string
	for rel, byWorker := range w.mods {
		if _, ok := byWorker[workerID]; ok {
			files = append(files, rel)
		}
	}
	slices.Sort(files)
	return files
}

// Forget drops modification history for files, typically after the
// overlap was recorded as a conflict.
func (w *Watcher) Forget(files ...string) {
	w.mu.Lock()
	for _, f := range files {
		delete(w.mods, f)
	}
	notify := w.recalculate()
	w.mu.Unlock()
	notify()
}

// ClearOlderThan removes modifications older than maxAge.
func (w *Watcher) ClearOlderThan(maxAge time.Duration) {
	w.mu.Lock()
	cutoff := time.Now().Add(-maxAge)
	for rel, byWorker := range w.mods {
		for id, at := range byWorker {
			if at.Before(cutoff) {
				delete(byWorker, id)
			}
		}
		if len(byWorker) == 0 {
			delete(w.mods, rel)
		}
	}
	notify := w.recalculate()
	w.mu.Unlock()
	notify()
}
