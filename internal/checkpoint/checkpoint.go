// Package checkpoint wraps storage.CheckpointStorage. It is a thin
// persistence layer: beyond what the durable store already enforces (goal
// required, accept/reject at-most-once), the only check it adds is the
// size bound that Create applies.
package checkpoint

import (
	"fmt"

	"github.com/2389-research/fleetd/internal/storage"
)

// maxContextBytes bounds a checkpoint's serialized size: a checkpoint is
// an opaque structured blob handed from one worker session to the next,
// and stays small and size-bounded the same way a mail handoff does.
const maxContextBytes = 64 * 1024

// Store is the domain-level CheckpointStore.
type Store struct {
	backend storage.CheckpointStorage
}

// New constructs a Store backed by backend.
func New(backend storage.CheckpointStorage) *Store {
	return &Store{backend: backend}
}

// Create persists a new checkpoint. Goal is required; the serialized
// free-text fields together must stay under maxContextBytes.
func (s *Store) Create(c *storage.Checkpoint) (int64, error) {
	if size := checkpointSize(c); size > maxContextBytes {
		return 0, fmt.Errorf("checkpoint too large: %d bytes > %d", size, maxContextBytes)
	}
	return s.backend.Create(c)
}

// Load returns the checkpoint with the given id.
func (s *Store) Load(id int64) (*storage.Checkpoint, error) {
	return s.backend.Load(id)
}

// LoadLatest returns the highest-id checkpoint where handle is the
// recipient, regardless of accept/reject status.
func (s *Store) LoadLatest(handle string) (*storage.Checkpoint, error) {
	return s.backend.LoadLatest(handle)
}

// List returns handle's checkpoints filtered by f.
func (s *Store) List(handle string, f storage.CheckpointFilter) ([]*storage.Checkpoint, error) {
	return s.backend.List(handle, f)
}

// Accept transitions a pending checkpoint to accepted. Returns false if it
// was already terminal (at-most-once).
func (s *Store) Accept(id int64) (bool, error) {
	return s.backend.Accept(id)
}

// Reject transitions a pending checkpoint to rejected. Returns false if it
// was already terminal (at-most-once).
func (s *Store) Reject(id int64) (bool, error) {
	return s.backend.Reject(id)
}

func checkpointSize(c *storage.Checkpoint) int {
	n := len(c.Goal) + len(c.Now)
	for _, list := range [][]string{c.DoneThisSession, c.Blockers, c.Questions, c.Worked, c.Failed, c.Next, c.Files.Created, c.Files.Modified} {
		for _, s := range list {
			n += len(s)
		}
	}
	return n
}
