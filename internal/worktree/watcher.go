package worktree

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/2389-research/fleetd/internal/log"
)

// OrphanWatcher watches the worktree base directory for externally removed
// worktree directories (a worker's checkout deleted by hand, or by a tool
// outside the orchestrator) and reconciles Manager.known so a later
// CleanupOrphaned/Create call doesn't operate against stale state.
type OrphanWatcher struct {
	mgr      *Manager
	fsw      *fsnotify.Watcher
	debounce time.Duration
	done     chan struct{}
}

// NewOrphanWatcher constructs a watcher over mgr's tracked worktree
// directories. Call Start to begin watching and Stop to release it.
func NewOrphanWatcher(mgr *Manager, debounce time.Duration) (*OrphanWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	return &OrphanWatcher{mgr: mgr, fsw: fsw, debounce: debounce, done: make(chan struct{})}, nil
}

// Start watches every directory currently tracked by mgr. Worktrees created
// after Start is called are not watched until the next Start/re-add; this
// is a one-shot directory watch, not a recursive tree watch.
func (w *OrphanWatcher) Start() error {
	for _, wt := range w.mgr.ListAll() {
		if err := w.fsw.Add(wt.Path); err != nil {
			log.Warn(log.CatWatcher, "failed to watch worktree dir", "path", wt.Path, "error", err.Error())
			continue
		}
	}
	go w.loop()
	return nil
}

// Stop terminates the watcher and releases its handle.
func (w *OrphanWatcher) Stop() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *OrphanWatcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.reconcile(ev.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn(log.CatWatcher, "worktree watcher error", "error", err.Error())
		}
	}
}

// reconcile drops any tracked worktree whose path matches the removed
// entry, so CleanupOrphaned doesn't try to remove a directory twice.
func (w *OrphanWatcher) reconcile(path string) {
	w.mgr.mu.Lock()
	var orphanedWorker string
	for id, wt := range w.mgr.known {
		if wt.Path == path {
			orphanedWorker = id
			break
		}
	}
	if orphanedWorker != "" {
		delete(w.mgr.known, orphanedWorker)
	}
	w.mgr.mu.Unlock()

	if orphanedWorker != "" {
		log.Info(log.CatWatcher, "worktree removed externally", "worker", orphanedWorker, "path", path)
	}
}
