package checkpoint

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/2389-research/fleetd/internal/storage"
	"github.com/2389-research/fleetd/internal/storage/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db.Checkpoints())
}

func TestCreateRejectsOversizedCheckpoint(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(&storage.Checkpoint{
		From: "alice", To: "alice", Goal: strings.Repeat("x", maxContextBytes+1),
	})
	require.ErrorContains(t, err, "too large")
}

func TestAcceptThenRejectIsANoOp(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Create(&storage.Checkpoint{From: "alice", To: "alice", Goal: "ship it"})
	require.NoError(t, err)

	ok, err := s.Accept(id)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Reject(id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLoadLatestIgnoresStatus(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(&storage.Checkpoint{From: "alice", To: "alice", Goal: "first"})
	require.NoError(t, err)
	second, err := s.Create(&storage.Checkpoint{From: "alice", To: "alice", Goal: "second"})
	require.NoError(t, err)

	latest, err := s.LoadLatest("alice")
	require.NoError(t, err)
	require.Equal(t, second, latest.ID)
}
