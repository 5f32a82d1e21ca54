package worktree

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOrphanWatcherReconcilesExternallyRemovedDir(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "worker-1")
	require.NoError(t, os.Mkdir(dir, 0o750))

	mgr := NewManager(Config{BaseDir: base})
	mgr.known["worker-1"] = &Worktree{WorkerID: "worker-1", Path: dir, Branch: "fleet/worker-1"}

	w, err := NewOrphanWatcher(mgr, 20*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.RemoveAll(dir))

	require.Eventually(t, func() bool {
		mgr.mu.Lock()
		defer mgr.mu.Unlock()
		_, ok := mgr.known["worker-1"]
		return !ok
	}, time.Second, 10*time.Millisecond)
}
