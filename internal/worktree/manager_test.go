package worktree

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func TestManagerCreateIsIdempotent(t *testing.T) {
	repo := initRepo(t)
	base := t.TempDir()
	m := NewManager(Config{RepoDir: repo, BaseDir: base, BranchPrefix: "fleet/"})

	wt1, err := m.Create("worker-one")
	require.NoError(t, err)
	require.DirExists(t, wt1.Path)

	wt2, err := m.Create("worker-one")
	require.NoError(t, err)
	require.Equal(t, wt1.Path, wt2.Path)
	require.Equal(t, wt1.Branch, wt2.Branch)
}

func TestManagerTwoWorkersNeverShareWorktree(t *testing.T) {
	repo := initRepo(t)
	base := t.TempDir()
	m := NewManager(Config{RepoDir: repo, BaseDir: base, BranchPrefix: "fleet/"})

	wtA, err := m.Create("alice0001")
	require.NoError(t, err)
	wtB, err := m.Create("bob00001")
	require.NoError(t, err)

	require.NotEqual(t, wtA.Path, wtB.Path)
	require.NotEqual(t, wtA.Branch, wtB.Branch)
}

func TestManagerCommitRequiresChanges(t *testing.T) {
	repo := initRepo(t)
	base := t.TempDir()
	m := NewManager(Config{RepoDir: repo, BaseDir: base, BranchPrefix: "fleet/"})

	wt, err := m.Create("worker-two")
	require.NoError(t, err)

	_, err = m.Commit("worker-two", "nothing changed")
	require.ErrorIs(t, err, ErrNoChanges)

	require.NoError(t, os.WriteFile(filepath.Join(wt.Path, "new.txt"), []byte("x"), 0o644))
	hash, err := m.Commit("worker-two", "add new file")
	require.NoError(t, err)
	require.NotEmpty(t, hash)
}

func TestManagerAdoptRehydratesKnownWorktree(t *testing.T) {
	repo := initRepo(t)
	base := t.TempDir()
	m := NewManager(Config{RepoDir: repo, BaseDir: base, BranchPrefix: "fleet/"})

	wt, err := m.Create("worker-four")
	require.NoError(t, err)

	fresh := NewManager(Config{RepoDir: repo, BaseDir: base, BranchPrefix: "fleet/"})
	status, err := fresh.GetStatus("worker-four")
	require.NoError(t, err)
	require.False(t, status.Exists) // not yet adopted: fresh manager has no memory of it

	fresh.Adopt("worker-four", wt.Path, wt.Branch)

	status, err = fresh.GetStatus("worker-four")
	require.NoError(t, err)
	require.True(t, status.Exists)
}

func TestManagerRemoveIsBestEffort(t *testing.T) {
	repo := initRepo(t)
	base := t.TempDir()
	m := NewManager(Config{RepoDir: repo, BaseDir: base, BranchPrefix: "fleet/"})

	_, err := m.Create("worker-three")
	require.NoError(t, err)
	require.NotPanics(t, func() { m.Remove("worker-three") })
	require.NotPanics(t, func() { m.Remove("worker-three") }) // idempotent
}
