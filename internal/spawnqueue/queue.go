// Package spawnqueue implements SpawnQueue and its Scheduler: a
// dependency-DAG-aware generalization of a plain arrival-order FIFO. This
// one orders by dependency satisfaction, priority, and insertion, and
// rejects any insert that would close a cycle.
package spawnqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389-research/fleetd/internal/eventbus"
	"github.com/2389-research/fleetd/internal/log"
	"github.com/2389-research/fleetd/internal/orcherr"
	"github.com/2389-research/fleetd/internal/storage"
)

// Hook mirrors the validate signature of the hook pipeline (§4.10) closely
// enough to let the scheduler veto a ready item without importing
// internal/hooks directly — callers wrap an internal/hooks.Pipeline.Check
// call in a closure of this type when they want policy enforcement over
// spawn approval.
type Hook func(item *storage.SpawnQueueItem) (allowed bool, reason string)

// Config controls scheduling limits.
type Config struct {
	MaxDepth   int
	MaxWorkers int
	Policy     Hook // optional; nil means every ready item is auto-approved
}

// Scheduler owns SpawnQueueItem lifecycle: pending -> approved|rejected,
// and tracks how many workers are spawned-but-not-dismissed against
// Config.MaxWorkers.
type Scheduler struct {
	cfg   Config
	store storage.SpawnQueueStorage
	bus   *eventbus.Bus

	mu sync.Mutex
}

// New constructs a Scheduler backed by store.
func New(cfg Config, store storage.SpawnQueueStorage, bus *eventbus.Bus) *Scheduler {
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = 3
	}
	return &Scheduler{cfg: cfg, store: store, bus: bus}
}

// QueueSpawn inserts a new request. Depth must not exceed cfg.MaxDepth.
// dependsOn is validated against a cycle before insert; the scheduler
// rejects any edge set that would close a cycle over the existing graph.
func (s *Scheduler) QueueSpawn(requesterHandle string, targetRole storage.Role, depth int, task string, opts Options) (string, error) {
	if depth > s.cfg.MaxDepth {
		return "", fmt.Errorf("%w: depth %d > max %d", orcherr.ErrDepthExceeded, depth, s.cfg.MaxDepth)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	if err := s.checkAcyclic(id, opts.DependsOn); err != nil {
		return "", err
	}

	priority := opts.Priority
	if priority == "" {
		priority = storage.PriorityNormal
	}
	item := &storage.SpawnQueueItem{
		ID:              id,
		RequesterHandle: requesterHandle,
		TargetRole:      targetRole,
		Depth:           depth,
		Task:            task,
		Context:         opts.Context,
		Priority:        priority,
		DependsOn:       opts.DependsOn,
		SwarmID:         opts.SwarmID,
		Status:          storage.SpawnPending,
	}
	if err := s.store.Insert(item); err != nil {
		return "", err
	}
	log.Info(log.CatQueue, "spawn queued", "id", id, "requester", requesterHandle, "role", targetRole, "depth", depth)
	return id, nil
}

// Options are the optional fields accepted by QueueSpawn.
type Options struct {
	Priority  storage.Priority
	DependsOn []string
	SwarmID   string
	Context   []byte
}

// checkAcyclic runs a DFS from each proposed dependency to confirm none of
// them can reach candidateID — i.e. inserting candidateID -> deps would
// not close a cycle. Must be called with s.mu held.
func (s *Scheduler) checkAcyclic(candidateID string, deps []string) error {
	if len(deps) == 0 {
		return nil
	}
	visited := make(map[string]bool)
	var walk func(id string) error
	walk = func(id string) error {
		if id == candidateID {
			return fmt.Errorf("%w", &orcherr.DependencyCycleError{ItemID: candidateID, Depends: deps})
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		children, err := s.store.GetDependsOn(id)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	for _, dep := range deps {
		if err := walk(dep); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate scans every pending item and promotes those whose dependencies
// are all spawned to approved (emitting spawn:ready), or to rejected when
// the configured policy vetoes. Call this periodically or after any
// status change.
func (s *Scheduler) Evaluate(spawnedCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.store.ListByStatus(storage.SpawnPending)
	if err != nil {
		return err
	}
	approved, err := s.store.ListByStatus(storage.SpawnApproved)
	if err != nil {
		return err
	}
	inFlight := spawnedCount + len(approved)

	sortReady(pending)
	for _, item := range pending {
		if !s.dependenciesSpawned(item.DependsOn) {
			continue
		}
		if s.cfg.MaxWorkers > 0 && inFlight >= s.cfg.MaxWorkers {
			continue // bounded parallelism: leave pending until a slot frees
		}
		if s.cfg.Policy != nil {
			if allowed, reason := s.cfg.Policy(item); !allowed {
				if err := s.store.UpdateStatus(item.ID, storage.SpawnRejected); err != nil {
					return err
				}
				log.Warn(log.CatQueue, "spawn rejected by policy", "id", item.ID, "reason", reason)
				continue
			}
		}
		if err := s.store.UpdateStatus(item.ID, storage.SpawnApproved); err != nil {
			return err
		}
		inFlight++
		if s.bus != nil {
			s.bus.Emit(eventbus.SpawnReady, map[string]any{"id": item.ID, "role": item.TargetRole})
		}
	}
	return nil
}

// StartEvaluateSweep runs a ticking loop, independent of any heartbeat
// sweep, that calls Evaluate on every tick against the live worker count
// spawnedCount reports. It runs until ctx is cancelled.
func (s *Scheduler) StartEvaluateSweep(ctx context.Context, interval time.Duration, spawnedCount func() int) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Evaluate(spawnedCount()); err != nil {
					log.ErrorErr(log.CatQueue, "spawn queue evaluation failed", err)
				}
			}
		}
	}()
}

func (s *Scheduler) dependenciesSpawned(deps []string) bool {
	for _, dep := range deps {
		item, err := s.store.Get(dep)
		if err != nil || item.Status != storage.SpawnSpawned {
			return false
		}
	}
	return true
}

// sortReady orders items priority descending, then insertion order.
func sortReady(items []*storage.SpawnQueueItem) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0; j-- {
			a, b := items[j-1], items[j]
			if a.Priority.Rank() < b.Priority.Rank() {
				items[j-1], items[j] = items[j], items[j-1]
				continue
			}
			break
		}
	}
}

// MarkSpawned records that item id produced workerID, unblocking any
// downstream dependents on the next Evaluate.
func (s *Scheduler) MarkSpawned(id, workerID string) error {
	return s.store.MarkSpawned(id, workerID)
}

// Get returns a single queue item.
func (s *Scheduler) Get(id string) (*storage.SpawnQueueItem, error) {
	return s.store.Get(id)
}

// ListByStatus is a pure read.
func (s *Scheduler) ListByStatus(status storage.SpawnQueueStatus) ([]*storage.SpawnQueueItem, error) {
	return s.store.ListByStatus(status)
}
