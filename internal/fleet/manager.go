// Package fleet implements WorkerManager: the Worker lifecycle state
// machine, spawn/dismiss/recover orchestration, and the prompt-assembly
// contract every launched subprocess goes through. It composes Storage,
// WorktreeManager, ProcessSupervisor, and the event bus to allocate
// resources, spawn workers, and drive their state transitions.
package fleet

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
	"github.com/2389-research/fleetd/internal/supervisor"
	"github.com/2389-research/fleetd/internal/worktree"
)

// validTransitions enumerates the Worker state machine. The key is the
// current status, the value the set of statuses reachable from it via a
// single transition.
var validTransitions = map[storage.WorkerStatus]map[storage.WorkerStatus]bool{
	storage.WorkerPending: {
		storage.WorkerReady: true,
		storage.WorkerError: true,
	},
	storage.WorkerReady: {
		storage.WorkerBusy:     true,
		storage.WorkerError:    true,
		storage.WorkerStopping: true,
	},
	storage.WorkerBusy: {
		storage.WorkerReady:    true,
		storage.WorkerError:    true,
		storage.WorkerStopping: true,
	},
	storage.WorkerStopping: {
		storage.WorkerStopped: true,
	},
	storage.WorkerError: {
		storage.WorkerPending:   true, // restart attempted, under limit
		storage.WorkerDismissed: true, // restart limit exceeded
	},
	// WorkerStopped and WorkerDismissed are terminal.
}

// CanTransition reports whether from -> to is a legal single step.
func CanTransition(from, to storage.WorkerStatus) bool {
	return validTransitions[from][to]
}

// rolePrefixes gives every entry in the closed role set its own prompt
// prefix instead of one generic template — the lead role gets a
// coordinator-flavored prefix emphasizing fan-out/delegation.
var rolePrefixes = map[storage.Role]string{
	storage.RoleLead:      "You are the lead. Delegate work by spawning and coordinating other workers; avoid doing implementation work yourself when a worker can do it.",
	storage.RoleWorker:    "You are a worker. Focus on the assigned task and report status via checkpoints.",
	storage.RoleScout:     "You are a scout. Investigate and report findings; do not make changes unless explicitly asked.",
	storage.RoleArchitect: "You are an architect. Favor design review and structural soundness over speed.",
	storage.RoleCritic:    "You are a critic. Review the work of other workers for correctness and completeness.",
	storage.RoleKraken:    "You are a kraken. Fan out broadly across many small parallel subtasks.",
	storage.RoleOracle:    "You are an oracle. Answer questions from other workers; you do not own a task of your own.",
}

// Config controls fleet-wide limits and timers.
type Config struct {
	MaxWorkers        int
	MaxRestarts       int // default 3
	StaleThreshold    time.Duration
	HeartbeatInterval time.Duration
	WorktreesEnabled  bool
	Command           func(opts SpawnOptions) []string // builds the subprocess command vector for a spawn
	IdlePrompt        func(lastLine string) bool
}

// SpawnOptions configures a Spawn call.
type SpawnOptions struct {
	Handle         string
	Role           storage.Role
	InitialPrompt  string
	WorkDir        string
	CreateWorktree bool
	SwarmID        string
	Depth          int
	Env            []string
	// SuccessPattern overrides cfg.IdlePrompt for this spawn only — used by
	// WaveOrchestrator to give each worker in a wave its own completion
	// predicate.
	SuccessPattern func(lastLine string) bool
}

// Manager is WorkerManager: it exclusively owns Worker records and the
// live subprocess handles backing them.
type Manager struct {
	cfg        Config
	store      storage.Store
	worktrees  *worktree.Manager
	supervisor *supervisor.Supervisor
	bus        *eventbus.Bus

	mu      sync.Mutex
	handles map[string]*supervisor.Handle // worker id -> live process handle
}

// New constructs a Manager. worktrees may be nil when cfg.WorktreesEnabled
// is false.
func New(cfg Config, store storage.Store, worktrees *worktree.Manager, sup *supervisor.Supervisor, bus *eventbus.Bus) *Manager {
	if cfg.MaxRestarts == 0 {
		cfg.MaxRestarts = 3
	}
	return &Manager{
		cfg:        cfg,
		store:      store,
		worktrees:  worktrees,
		supervisor: sup,
		bus:        bus,
		handles:    make(map[string]*supervisor.Handle),
	}
}

// Spawn reserves a handle, optionally creates a worktree, composes the
// initial prompt, and launches the subprocess.
func (m *Manager) Spawn(ctx context.Context, opts SpawnOptions) (*storage.Worker, error) {
	if existing, err := m.store.Workers().GetByHandle(opts.Handle); err == nil && existing.DismissedAt == nil {
		return nil, fmt.Errorf("%w: handle %s", orcherr.ErrHandleTaken, opts.Handle)
	}

	live, err := m.store.Workers().List(storage.WorkerFilter{IncludeDismissed: false})
	if err != nil {
		return nil, fmt.Errorf("%w: list live workers: %v", orcherr.ErrStorageIO, err)
	}
	if m.cfg.MaxWorkers > 0 && len(live) >= m.cfg.MaxWorkers {
		return nil, fmt.Errorf("%w: %d/%d", orcherr.ErrCapacityExceeded, len(live), m.cfg.MaxWorkers)
	}

	w := &storage.Worker{
		ID:            uuid.New().String(),
		Handle:        opts.Handle,
		Role:          opts.Role,
		Status:        storage.WorkerPending,
		WorkDir:       opts.WorkDir,
		InitialPrompt: opts.InitialPrompt,
		SwarmID:       opts.SwarmID,
		Depth:         opts.Depth,
		SpawnedAt:     time.Now(),
	}

	if opts.CreateWorktree && m.worktrees != nil {
		wt, err := m.worktrees.Create(w.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", orcherr.ErrWorktreeCreate, err)
		}
		w.WorktreePath, w.WorktreeBranch = wt.Path, wt.Branch
		w.WorkDir = wt.Path
	}

	if err := m.store.Workers().Insert(w); err != nil {
		return nil, fmt.Errorf("%w: insert worker: %v", orcherr.ErrStorageIO, err)
	}

	prompt := m.composePrompt(w, opts.InitialPrompt, false)
	if err := m.launch(ctx, w, prompt, opts.Env, opts.SuccessPattern); err != nil {
		return nil, err
	}

	m.bus.Emit(eventbus.WorkerSpawned, map[string]any{"workerID": w.ID, "handle": w.Handle})
	return w, nil
}

// launch starts the subprocess for an already-inserted worker and wires
// its handle into m.handles. idlePrompt overrides cfg.IdlePrompt when set.
func (m *Manager) launch(ctx context.Context, w *storage.Worker, prompt string, env []string, idlePrompt func(string) bool) error {
	var cmdVec []string
	if m.cfg.Command != nil {
		cmdVec = m.cfg.Command(SpawnOptions{Handle: w.Handle, Role: w.Role, WorkDir: w.WorkDir})
	}
	if idlePrompt == nil {
		idlePrompt = m.cfg.IdlePrompt
	}
	h, err := m.supervisor.Spawn(ctx, supervisor.SpawnOptions{
		WorkerID:   w.ID,
		Handle:     w.Handle,
		Role:       string(w.Role),
		Command:    cmdVec,
		Env:        env,
		Dir:        w.WorkDir,
		IdlePrompt: idlePrompt,
	})
	if err != nil {
		_ = m.store.Workers().UpdateStatus(w.ID, storage.WorkerError)
		return fmt.Errorf("%w: %v", orcherr.ErrSpawnFailed, err)
	}
	if prompt != "" {
		_ = h.Write(prompt)
	}
	_ = m.store.Workers().UpdatePID(w.ID, h.PID())

	m.mu.Lock()
	m.handles[w.ID] = h
	m.mu.Unlock()
	return nil
}

// composePrompt builds the launch prompt: role prefix, initial prompt,
// unread mail, un-accepted handoffs, and (on recovery only) the latest
// accepted checkpoint. Any empty section is omitted. Fetched mail/handoffs
// are never marked read here.
func (m *Manager) composePrompt(w *storage.Worker, initial string, recovering bool) string {
	var out string
	if prefix := rolePrefixes[w.Role]; prefix != "" {
		out += prefix + "\n\n"
	}
	if initial != "" {
		out += initial + "\n\n"
	}

	if mail, err := m.store.Mail().GetUnread(w.Handle); err == nil && len(mail) > 0 {
		out += "Unread mail:\n"
		for _, msg := range mail {
			out += fmt.Sprintf("- from %s: %s\n", msg.From, msg.Body)
		}
		out += "\n"
	}

	if handoffs, err := m.store.Mail().GetUnacceptedHandoffs(w.Handle); err == nil && len(handoffs) > 0 {
		out += "Pending handoffs:\n"
		for _, h := range handoffs {
			out += fmt.Sprintf("- from %s: %s\n", h.From, string(h.Context))
		}
		out += "\n"
	}

	if recovering {
		if cps, err := m.store.Checkpoints().List(w.Handle, storage.CheckpointFilter{Status: "accepted", Limit: 1}); err == nil && len(cps) > 0 {
			cp := cps[0]
			out += fmt.Sprintf("Latest accepted checkpoint — goal: %s; next: %v\n", cp.Goal, cp.Next)
		}
	}
	return out
}

// Dismiss sends a terminate signal, removes the worktree (best-effort),
// and marks the worker dismissed. Idempotent: dismissing an already
// dismissed handle is a no-op.
func (m *Manager) Dismiss(handle string, graceful bool) error {
	w, err := m.store.Workers().GetByHandle(handle)
	if err != nil {
		// GetByHandle skips dismissed rows, so an already dismissed handle
		// is looked up among all workers before it is reported as unknown.
		if all, lerr := m.store.Workers().List(storage.WorkerFilter{IncludeDismissed: true}); lerr == nil {
			for _, d := range all {
				if d.Handle == handle && d.DismissedAt != nil {
					return nil
				}
			}
		}
		return fmt.Errorf("%w: %v", orcherr.ErrNotFound, err)
	}
	if w.DismissedAt != nil {
		return nil
	}

	_ = m.store.Workers().UpdateStatus(w.ID, storage.WorkerStopping)

	m.mu.Lock()
	h, ok := m.handles[w.ID]
	m.mu.Unlock()
	if ok {
		grace := 5 * time.Second
		if !graceful {
			grace = 0
		}
		if err := m.supervisor.Signal(h, supervisor.SignalTerminate, grace); err != nil {
			log.Warn(log.CatFleet, "dismiss signal failed, cancelling directly", "handle", handle, "error", err.Error())
			m.supervisor.Cancel(h)
		}
		_ = h.Wait()
		m.mu.Lock()
		delete(m.handles, w.ID)
		m.mu.Unlock()
	}

	if m.worktrees != nil {
		m.worktrees.Remove(w.ID)
	}

	if err := m.store.Workers().Dismiss(w.ID, time.Now()); err != nil {
		return fmt.Errorf("%w: dismiss worker: %v", orcherr.ErrStorageIO, err)
	}
	m.bus.Emit(eventbus.WorkerDismissed, map[string]any{"workerID": w.ID, "handle": handle})
	return nil
}

// Heartbeat records a liveness pulse for handle.
func (m *Manager) Heartbeat(handle string) error {
	w, err := m.store.Workers().GetByHandle(handle)
	if err != nil {
		return fmt.Errorf("%w: %v", orcherr.ErrNotFound, err)
	}
	return m.store.Workers().Heartbeat(w.ID, time.Now())
}

// List is a pure read over the Worker set.
func (m *Manager) List(f storage.WorkerFilter) ([]*storage.Worker, error) {
	return m.store.Workers().List(f)
}

// Get is a pure read of a single worker by handle.
func (m *Manager) Get(handle string) (*storage.Worker, error) {
	return m.store.Workers().GetByHandle(handle)
}

// ProcessHandle resolves handle to its live supervisor.Handle, so a caller
// like WaveOrchestrator can poll process state (Idle/Wait/exit status)
// without reaching into Manager's unexported bookkeeping.
func (m *Manager) ProcessHandle(handle string) (*supervisor.Handle, error) {
	w, err := m.store.Workers().GetByHandle(handle)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", orcherr.ErrNotFound, err)
	}
	m.mu.Lock()
	h, ok := m.handles[w.ID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no live process for %s", orcherr.ErrNotFound, handle)
	}
	return h, nil
}

// Broadcast posts message to the well-known broadcast topic at elevated
// priority, visible to every live worker in the swarm.
func (m *Manager) Broadcast(swarmID, fromHandle, message string) error {
	return m.store.Blackboard().PostMessage(&storage.BlackboardMessage{
		SwarmID:      swarmID,
		SenderHandle: fromHandle,
		Type:         storage.MessageDirective,
		Priority:     storage.PriorityHigh,
		Payload:      []byte(message),
	})
}

// Recover re-spawns every worker left pending/ready/busy at startup. Each
// worker's restart count is incremented first; workers past the restart
// limit are marked error and left stopped, everyone else has its worktree
// (if any) rehydrated into WorktreeManager's tracking and is re-launched
// with its original initial prompt against its latest accepted checkpoint.
func (m *Manager) Recover(ctx context.Context) error {
	workers, err := m.store.Workers().GetRecoverable()
	if err != nil {
		return fmt.Errorf("%w: list recoverable workers: %v", orcherr.ErrStorageIO, err)
	}
	for _, w := range workers {
		count, err := m.store.Workers().IncrementRestart(w.ID)
		if err != nil {
			log.ErrorErr(log.CatFleet, "increment restart failed", err, "worker", w.ID)
			continue
		}
		if count > m.cfg.MaxRestarts {
			_ = m.store.Workers().UpdateStatus(w.ID, storage.WorkerError)
			m.bus.Emit(eventbus.WorkerError, map[string]any{"workerID": w.ID, "handle": w.Handle, "reason": "restart limit exceeded"})
			continue
		}

		if m.worktrees != nil {
			m.worktrees.Adopt(w.ID, w.WorktreePath, w.WorktreeBranch)
		}

		prompt := m.composePrompt(w, w.InitialPrompt, true)
		if err := m.launch(ctx, w, prompt, nil, nil); err != nil {
			_ = m.store.Workers().UpdateStatus(w.ID, storage.WorkerError)
			m.bus.Emit(eventbus.WorkerError, map[string]any{"workerID": w.ID, "handle": w.Handle, "reason": err.Error()})
			continue
		}
		m.bus.Emit(eventbus.WorkerRecovered, map[string]any{"workerID": w.ID, "handle": w.Handle, "restartCount": count})
	}
	return nil
}

// StartHeartbeatSweep runs a ticking loop, separate from any spawn-queue
// evaluator, that marks workers stale past cfg.StaleThreshold as error and
// kills their orphaned process. It runs until ctx is cancelled.
func (m *Manager) StartHeartbeatSweep(ctx context.Context) {
	interval := m.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepStale()
			}
		}
	}()
}

func (m *Manager) sweepStale() {
	cutoff := time.Now().Add(-m.cfg.StaleThreshold)
	stale, err := m.store.Workers().GetStale(cutoff)
	if err != nil {
		log.ErrorErr(log.CatFleet, "stale sweep query failed", err)
		return
	}
	for _, w := range stale {
		_ = m.store.Workers().UpdateStatus(w.ID, storage.WorkerError)

		m.mu.Lock()
		h, ok := m.handles[w.ID]
		if ok {
			delete(m.handles, w.ID)
		}
		m.mu.Unlock()
		if ok {
			m.supervisor.Cancel(h)
		}
		m.bus.Emit(eventbus.WorkerStale, map[string]any{"workerID": w.ID, "handle": w.Handle})
	}
}
