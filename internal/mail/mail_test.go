package mail

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/2389-research/fleetd/internal/eventbus"
	"github.com/2389-research/fleetd/internal/storage/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db.Mail(), eventbus.New())
}

func TestSendEmitsMailDelivered(t *testing.T) {
	bus := eventbus.New()
	var delivered map[string]any
	bus.On(eventbus.MailDelivered, func(e eventbus.Event) {
		delivered = e.Payload.(map[string]any)
	})

	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s := New(db.Mail(), bus)

	_, err = s.Send("lead", "alice", "check logs", "")
	require.NoError(t, err)
	require.Equal(t, "alice", delivered["to"])
}

func TestMarkAllReadClearsUnread(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Send("lead", "alice", "one", "")
	require.NoError(t, err)
	_, err = s.Send("lead", "alice", "two", "")
	require.NoError(t, err)

	n, err := s.MarkAllRead("alice")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	unread, err := s.GetUnread("alice")
	require.NoError(t, err)
	require.Empty(t, unread)
}

func TestHandoffRequiresExplicitAccept(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateHandoff("bob", "alice", []byte(`{"goal":"ship it"}`))
	require.NoError(t, err)

	pending, err := s.GetUnacceptedHandoffs("alice")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.AcceptHandoff(id))

	pending, err = s.GetUnacceptedHandoffs("alice")
	require.NoError(t, err)
	require.Empty(t, pending)
}
