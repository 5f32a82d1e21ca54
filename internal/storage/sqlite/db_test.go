package sqlite

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389-research/fleetd/internal/storage"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestWorkerHandleUniqueness(t *testing.T) {
	db := newTestDB(t)
	w := &storage.Worker{ID: "w1", Handle: "alice", Role: storage.RoleWorker, Status: storage.WorkerPending, SpawnedAt: time.Now()}
	require.NoError(t, db.Workers().Insert(w))

	dup := &storage.Worker{ID: "w2", Handle: "alice", Role: storage.RoleWorker, Status: storage.WorkerPending, SpawnedAt: time.Now()}
	err := db.Workers().Insert(dup)
	require.Error(t, err)
}

func TestWorkerDismissThenReuseHandle(t *testing.T) {
	db := newTestDB(t)
	w := &storage.Worker{ID: "w1", Handle: "alice", Role: storage.RoleWorker, Status: storage.WorkerPending, SpawnedAt: time.Now()}
	require.NoError(t, db.Workers().Insert(w))
	require.NoError(t, db.Workers().Dismiss("w1", time.Now()))

	again := &storage.Worker{ID: "w2", Handle: "alice", Role: storage.RoleWorker, Status: storage.WorkerPending, SpawnedAt: time.Now()}
	require.NoError(t, db.Workers().Insert(again))

	_, err := db.Workers().GetByHandle("alice")
	require.NoError(t, err)
}

func TestCheckpointAtMostOnce(t *testing.T) {
	db := newTestDB(t)
	c := &storage.Checkpoint{From: "lead", To: "bob", Goal: "implement X"}
	id, err := db.Checkpoints().Create(c)
	require.NoError(t, err)

	ok, err := db.Checkpoints().Accept(id)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = db.Checkpoints().Accept(id)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = db.Checkpoints().Reject(id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckpointRequiresGoal(t *testing.T) {
	db := newTestDB(t)
	_, err := db.Checkpoints().Create(&storage.Checkpoint{From: "lead", To: "bob"})
	require.Error(t, err)
}

func TestBlackboardVisibility(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Blackboard().PostMessage(&storage.BlackboardMessage{
		SwarmID: "s1", SenderHandle: "w1", Type: storage.MessageStatus, Priority: storage.PriorityNormal, Payload: []byte(`{"x":1}`),
	}))
	require.NoError(t, db.Blackboard().PostMessage(&storage.BlackboardMessage{
		SwarmID: "s1", SenderHandle: "w1", TargetHandle: "w3", Type: storage.MessageStatus, Priority: storage.PriorityNormal, Payload: []byte(`{}`),
	}))

	msgs, err := db.Blackboard().ReadMessages("s1", storage.BlackboardFilter{ReaderHandle: "w2", UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, []byte(`{"x":1}`), msgs[0].Payload)

	require.NoError(t, db.Blackboard().MarkRead([]int64{msgs[0].ID}, "w2"))
	msgs, err = db.Blackboard().ReadMessages("s1", storage.BlackboardFilter{ReaderHandle: "w2", UnreadOnly: true})
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestSpawnQueueDependencyRoundTrip(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.SpawnQueue().Insert(&storage.SpawnQueueItem{
		ID: "q1", RequesterHandle: "lead", TargetRole: storage.RoleWorker, Priority: storage.PriorityNormal, Status: storage.SpawnPending,
	}))
	require.NoError(t, db.SpawnQueue().Insert(&storage.SpawnQueueItem{
		ID: "q2", RequesterHandle: "lead", TargetRole: storage.RoleWorker, Priority: storage.PriorityNormal,
		Status: storage.SpawnPending, DependsOn: []string{"q1"},
	}))

	item, err := db.SpawnQueue().Get("q2")
	require.NoError(t, err)
	require.Equal(t, []string{"q1"}, item.DependsOn)

	dependents, err := db.SpawnQueue().ListDependents("q1")
	require.NoError(t, err)
	require.Len(t, dependents, 1)
	require.Equal(t, "q2", dependents[0].ID)
}
