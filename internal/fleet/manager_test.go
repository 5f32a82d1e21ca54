package fleet

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389-research/fleetd/internal/eventbus"
	"github.com/2389-research/fleetd/internal/storage"
	"github.com/2389-research/fleetd/internal/storage/sqlite"
	"github.com/2389-research/fleetd/internal/supervisor"
	"github.com/2389-research/fleetd/internal/worktree"
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

func newTestManager(t *testing.T, cfg Config) (*Manager, storage.Store) {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bus := eventbus.New()
	sup := supervisor.New(bus)
	if cfg.Command == nil {
		cfg.Command = func(SpawnOptions) []string { return []string{"sh", "-c", "true"} }
	}
	return New(cfg, db, nil, sup, bus), db
}

func TestSpawnRejectsTakenHandle(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxWorkers: 5})
	ctx := context.Background()

	_, err := m.Spawn(ctx, SpawnOptions{Handle: "alice", Role: storage.RoleWorker})
	require.NoError(t, err)

	_, err = m.Spawn(ctx, SpawnOptions{Handle: "alice", Role: storage.RoleWorker})
	require.ErrorContains(t, err, "handle already taken")
}

func TestSpawnRejectsOverCapacity(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxWorkers: 1})
	ctx := context.Background()

	_, err := m.Spawn(ctx, SpawnOptions{Handle: "alice", Role: storage.RoleWorker})
	require.NoError(t, err)

	_, err = m.Spawn(ctx, SpawnOptions{Handle: "bob", Role: storage.RoleWorker})
	require.ErrorContains(t, err, "capacity exceeded")
}

func TestDismissIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxWorkers: 5})
	ctx := context.Background()

	_, err := m.Spawn(ctx, SpawnOptions{Handle: "alice", Role: storage.RoleWorker})
	require.NoError(t, err)

	require.NoError(t, m.Dismiss("alice", true))
	require.NoError(t, m.Dismiss("alice", true))

	w, err := m.store.Workers().GetByHandle("alice")
	require.Error(t, err) // dismissed workers are excluded from GetByHandle
	require.Nil(t, w)
}

func TestDismissedHandleCanBeReused(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxWorkers: 5})
	ctx := context.Background()

	_, err := m.Spawn(ctx, SpawnOptions{Handle: "alice", Role: storage.RoleWorker})
	require.NoError(t, err)
	require.NoError(t, m.Dismiss("alice", true))

	_, err = m.Spawn(ctx, SpawnOptions{Handle: "alice", Role: storage.RoleWorker})
	require.NoError(t, err)
}

func TestPromptIncludesUnreadMailAndHandoff(t *testing.T) {
	m, store := newTestManager(t, Config{MaxWorkers: 5})

	require.NoError(t, store.Workers().Insert(&storage.Worker{
		ID: "w1", Handle: "alice", Role: storage.RoleWorker, Status: storage.WorkerPending, SpawnedAt: time.Now(),
	}))
	_, err := store.Mail().Send(&storage.MailMessage{From: "lead", To: "alice", Body: "check logs"})
	require.NoError(t, err)
	_, err = store.Mail().CreateHandoff(&storage.Handoff{From: "bob", To: "alice", Context: []byte(`{"goal":"ship it"}`)})
	require.NoError(t, err)

	w, err := store.Workers().GetByID("w1")
	require.NoError(t, err)
	prompt := m.composePrompt(w, "hello", false)

	require.Contains(t, prompt, "check logs")
	require.Contains(t, prompt, "ship it")

	mail, err := store.Mail().GetUnread("alice")
	require.NoError(t, err)
	require.Len(t, mail, 1) // composePrompt never marks mail read
}

func TestPromptOnRecoveryIncludesAcceptedCheckpoint(t *testing.T) {
	m, store := newTestManager(t, Config{MaxWorkers: 5})
	require.NoError(t, store.Workers().Insert(&storage.Worker{
		ID: "w1", Handle: "alice", Role: storage.RoleWorker, Status: storage.WorkerBusy,
		InitialPrompt: "implement the migration endpoint", SpawnedAt: time.Now(),
	}))
	id, err := store.Checkpoints().Create(&storage.Checkpoint{From: "alice", To: "alice", Goal: "finish the migration", Next: []string{"run tests"}})
	require.NoError(t, err)
	ok, err := store.Checkpoints().Accept(id)
	require.NoError(t, err)
	require.True(t, ok)

	w, err := store.Workers().GetByID("w1")
	require.NoError(t, err)
	require.Equal(t, "implement the migration endpoint", w.InitialPrompt)

	withoutRecovery := m.composePrompt(w, "", false)
	require.NotContains(t, withoutRecovery, "finish the migration")
	require.NotContains(t, withoutRecovery, "implement the migration endpoint")

	withRecovery := m.composePrompt(w, w.InitialPrompt, true)
	require.Contains(t, withRecovery, "finish the migration")
	require.Contains(t, withRecovery, "implement the migration endpoint")
}

func TestValidTransitions(t *testing.T) {
	require.True(t, CanTransition(storage.WorkerPending, storage.WorkerReady))
	require.True(t, CanTransition(storage.WorkerReady, storage.WorkerBusy))
	require.True(t, CanTransition(storage.WorkerBusy, storage.WorkerReady))
	require.True(t, CanTransition(storage.WorkerError, storage.WorkerPending))
	require.True(t, CanTransition(storage.WorkerError, storage.WorkerDismissed))
	require.False(t, CanTransition(storage.WorkerDismissed, storage.WorkerPending))
	require.False(t, CanTransition(storage.WorkerStopped, storage.WorkerReady))
}

func TestRecoverIncrementsRestartAndRespawns(t *testing.T) {
	m, store := newTestManager(t, Config{MaxWorkers: 5, MaxRestarts: 3})
	require.NoError(t, store.Workers().Insert(&storage.Worker{
		ID: "w1", Handle: "alice", Role: storage.RoleWorker, Status: storage.WorkerBusy, SpawnedAt: time.Now(),
	}))

	require.NoError(t, m.Recover(context.Background()))

	w, err := store.Workers().GetByID("w1")
	require.NoError(t, err)
	require.Equal(t, 1, w.RestartCount)
}

func TestRecoverMarksErrorPastRestartLimit(t *testing.T) {
	m, store := newTestManager(t, Config{MaxWorkers: 5, MaxRestarts: 1})
	require.NoError(t, store.Workers().Insert(&storage.Worker{
		ID: "w1", Handle: "alice", Role: storage.RoleWorker, Status: storage.WorkerBusy,
		RestartCount: 1, SpawnedAt: time.Now(),
	}))

	require.NoError(t, m.Recover(context.Background()))

	w, err := store.Workers().GetByID("w1")
	require.NoError(t, err)
	require.Equal(t, storage.WorkerError, w.Status)
}

func TestRecoverRehydratesWorktreeTracking(t *testing.T) {
	repo := initRepo(t)
	base := t.TempDir()
	wt := worktree.NewManager(worktree.Config{RepoDir: repo, BaseDir: base, BranchPrefix: "fleet/"})
	created, err := wt.Create("w1")
	require.NoError(t, err)

	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	bus := eventbus.New()
	sup := supervisor.New(bus)

	require.NoError(t, db.Workers().Insert(&storage.Worker{
		ID: "w1", Handle: "alice", Role: storage.RoleWorker, Status: storage.WorkerBusy,
		WorktreePath: created.Path, WorktreeBranch: created.Branch, SpawnedAt: time.Now(),
	}))

	// a fresh worktree.Manager has no memory of "w1" until Recover rehydrates it
	freshWt := worktree.NewManager(worktree.Config{RepoDir: repo, BaseDir: base, BranchPrefix: "fleet/"})
	m2 := New(Config{MaxWorkers: 5, MaxRestarts: 3, Command: func(SpawnOptions) []string { return []string{"sh", "-c", "true"} }}, db, freshWt, sup, bus)

	status, err := freshWt.GetStatus("w1")
	require.NoError(t, err)
	require.False(t, status.Exists)

	require.NoError(t, m2.Recover(context.Background()))

	status, err = freshWt.GetStatus("w1")
	require.NoError(t, err)
	require.True(t, status.Exists)
}

func TestBroadcastPostsDirectiveMessage(t *testing.T) {
	m, store := newTestManager(t, Config{MaxWorkers: 5})
	require.NoError(t, m.Broadcast("swarm-1", "lead", "stand down"))

	msgs, err := store.Blackboard().ReadMessages("swarm-1", storage.BlackboardFilter{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, storage.PriorityHigh, msgs[0].Priority)
}
