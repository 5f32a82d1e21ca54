package blackboard

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/2389-research/fleetd/internal/eventbus"
	"github.com/2389-research/fleetd/internal/storage"
	"github.com/2389-research/fleetd/internal/storage/sqlite"
)

func newTestBoard(t *testing.T) *Board {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db.Blackboard(), eventbus.New())
}

func TestStatusPostDefaultsToOneHourExpiry(t *testing.T) {
	b := newTestBoard(t)
	m, err := b.Post("swarm-1", "alice", storage.MessageStatus, []byte("ok"), TopicStatusPrefix+"alice", PostOptions{})
	require.NoError(t, err)
	require.NotNil(t, m.ExpiresAt)
	require.WithinDuration(t, m.CreatedAt.Add(statusDefaultExpiry), *m.ExpiresAt, 2*1e9)
}

func TestAlertsPostDefaultsToTwentyFourHourExpiry(t *testing.T) {
	b := newTestBoard(t)
	m, err := b.Post("swarm-1", "alice", storage.MessageDirective, []byte("fire"), TopicAlerts, PostOptions{})
	require.NoError(t, err)
	require.NotNil(t, m.ExpiresAt)
	require.WithinDuration(t, m.CreatedAt.Add(alertsDefaultExpiry), *m.ExpiresAt, 2*1e9)
}

func TestBroadcastVisibleToEveryReader(t *testing.T) {
	b := newTestBoard(t)
	_, err := b.Post("swarm-1", "lead", storage.MessageDirective, []byte("go"), TopicBroadcast, PostOptions{})
	require.NoError(t, err)

	msgsA, err := b.Read("swarm-1", storage.BlackboardFilter{ReaderHandle: "alice"})
	require.NoError(t, err)
	require.Len(t, msgsA, 1)

	msgsB, err := b.Read("swarm-1", storage.BlackboardFilter{ReaderHandle: "bob"})
	require.NoError(t, err)
	require.Len(t, msgsB, 1)
}

func TestTargetedMessageReadBookkeepingIsPerReader(t *testing.T) {
	b := newTestBoard(t)
	m, err := b.Post("swarm-1", "lead", storage.MessageDirective, []byte("for alice"), "", PostOptions{TargetHandle: "alice"})
	require.NoError(t, err)

	require.NoError(t, b.MarkRead([]int64{m.ID}, "alice"))

	unreadAlice, err := b.Read("swarm-1", storage.BlackboardFilter{ReaderHandle: "alice", UnreadOnly: true})
	require.NoError(t, err)
	require.Empty(t, unreadAlice)

	// the message is targeted to alice, and the visibility rule only shows a
	// reader untargeted messages or ones targeted to their own handle, so bob
	// does not see it at all.
	visibleBob, err := b.Read("swarm-1", storage.BlackboardFilter{ReaderHandle: "bob"})
	require.NoError(t, err)
	require.Empty(t, visibleBob)
}

func TestSubscribeReturnsOnlyMessagesPastWatermark(t *testing.T) {
	b := newTestBoard(t)
	first, err := b.Post("swarm-1", "lead", storage.MessageStatus, []byte("one"), "", PostOptions{})
	require.NoError(t, err)

	fresh, watermark, err := b.Subscribe("swarm-1", 0)
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	require.Equal(t, first.ID, watermark)

	_, err = b.Post("swarm-1", "lead", storage.MessageStatus, []byte("two"), "", PostOptions{})
	require.NoError(t, err)

	fresh, watermark2, err := b.Subscribe("swarm-1", watermark)
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	require.Greater(t, watermark2, watermark)
}

func TestArchiveOldRemovesStaleMessagesFromReads(t *testing.T) {
	b := newTestBoard(t)
	_, err := b.Post("swarm-1", "lead", storage.MessageStatus, []byte("old"), "", PostOptions{})
	require.NoError(t, err)

	n, err := b.ArchiveOld("swarm-1", 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	msgs, err := b.Read("swarm-1", storage.BlackboardFilter{})
	require.NoError(t, err)
	require.Empty(t, msgs)
}
