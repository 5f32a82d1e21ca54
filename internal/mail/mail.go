// Package mail wraps storage.MailStorage with an event-emission contract:
// send() notifies any in-process subscriber (e.g. a live worker's
// output-injection pipeline) via the shared event bus, pairing domain
// construction with an id while leaving delivery notification to the
// caller's broker of choice.
package mail

import (
	"github.com/2389-research/fleetd/internal/eventbus"
	"github.com/2389-research/fleetd/internal/storage"
)

// Store is the domain-level MailStore.
type Store struct {
	backend storage.MailStorage
	bus     *eventbus.Bus
}

// New constructs a Store backed by backend, emitting mail:delivered on bus.
func New(backend storage.MailStorage, bus *eventbus.Bus) *Store {
	return &Store{backend: backend, bus: bus}
}

// Send delivers a message from -> to and emits mail:delivered.
func (s *Store) Send(from, to, body, subject string) (int64, error) {
	id, err := s.backend.Send(&storage.MailMessage{From: from, To: to, Subject: subject, Body: body})
	if err != nil {
		return 0, err
	}
	if s.bus != nil {
		s.bus.Emit(eventbus.MailDelivered, map[string]any{"id": id, "from": from, "to": to})
	}
	return id, nil
}

// GetUnread returns handle's unread mail, oldest first (insertion order).
func (s *Store) GetUnread(handle string) ([]*storage.MailMessage, error) {
	return s.backend.GetUnread(handle)
}

// GetAll returns up to limit of handle's mail, read or not.
func (s *Store) GetAll(handle string, limit int) ([]*storage.MailMessage, error) {
	return s.backend.GetAll(handle, limit)
}

// MarkRead marks a single message read.
func (s *Store) MarkRead(id int64) error {
	return s.backend.MarkRead(id)
}

// MarkAllRead marks every unread message addressed to handle as read and
// returns the count affected.
func (s *Store) MarkAllRead(handle string) (int, error) {
	return s.backend.MarkAllRead(handle)
}

// CreateHandoff creates a directed, accept-once context transfer. context
// is opaque, size-bounded structured data (small JSON); the recipient must
// call AcceptHandoff before its timestamp is recorded. There is no reject
// endpoint: rejection is implicit by never accepting.
func (s *Store) CreateHandoff(from, to string, context []byte) (int64, error) {
	return s.backend.CreateHandoff(&storage.Handoff{From: from, To: to, Context: context})
}

// AcceptHandoff records acceptance for handoff id.
func (s *Store) AcceptHandoff(id int64) error {
	return s.backend.AcceptHandoff(id)
}

// GetUnacceptedHandoffs returns every handoff addressed to handle that has
// not yet been accepted.
func (s *Store) GetUnacceptedHandoffs(handle string) ([]*storage.Handoff, error) {
	return s.backend.GetUnacceptedHandoffs(handle)
}
