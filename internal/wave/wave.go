// Package wave implements WaveOrchestrator: phase-by-phase execution of
// groups of workers with inter-wave dependencies and iteration loops. It
// composes WorkerManager (internal/fleet) the way a supervisor composes
// pause/resume around a coordinator lifecycle, generalized here to an
// explicit DAG of named waves instead of a single linear pipeline.
package wave

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/2389-research/fleetd/internal/eventbus"
	"github.com/2389-research/fleetd/internal/fleet"
	"github.com/2389-research/fleetd/internal/orcherr"
	"github.com/2389-research/fleetd/internal/storage"
)

// Worker describes one worker to spawn as part of a wave.
type Worker struct {
	Handle         string
	Role           string
	InitialPrompt  string
	SwarmID        string
	CreateWorktree bool
	SuccessPattern func(lastLine string) bool
}

// WaveSpec is a named group of workers plus the waves it depends on.
type WaveSpec struct {
	Name              string
	Workers           []Worker
	AfterWaves        []string
	ContinueOnFailure bool
}

// WorkerOutcome is a terminal state for a single worker within a wave.
type WorkerOutcome string

const (
	OutcomeSuccess WorkerOutcome = "success"
	OutcomeFailed  WorkerOutcome = "failed"
	OutcomeTimeout WorkerOutcome = "timeout"
)

// WorkerResult records how one worker in a wave finished.
type WorkerResult struct {
	Handle  string
	Outcome WorkerOutcome
	Err     string
}

// WaveResult aggregates every worker's outcome for one wave in one iteration.
type WaveResult struct {
	Wave    string
	Workers []WorkerResult
	Failed  bool
}

// Result is the outcome of one execute() iteration.
type Result struct {
	Status        string // "success" or "failed"
	IterationsRun int
	Waves         []WaveResult
}

// ExecuteOptions configures one execute() call.
type ExecuteOptions struct {
	MaxIterations   int
	SuccessCriteria func(results []WaveResult) bool
	WaveTimeout     time.Duration
	PollInterval    time.Duration
}

// Status is the live state of a plan, per getStatus().
type Status struct {
	Status         string // "idle", "running", "cancelling", "done", "failed"
	CurrentWave    string
	CompletedWaves []string
	TotalWaves     int
	Waves          []string
}

// Orchestrator runs a plan of waves against a fleet.Manager.
type Orchestrator struct {
	fl  *fleet.Manager
	bus *eventbus.Bus

	mu              sync.Mutex
	waves           []WaveSpec
	status          string
	current         string
	completed       []string
	cancelling      bool
	inFlightHandles []string
}

// New constructs an Orchestrator with an empty plan.
func New(fl *fleet.Manager, bus *eventbus.Bus) *Orchestrator {
	return &Orchestrator{fl: fl, bus: bus, status: "idle"}
}

// AddWave appends w to the plan. AfterWaves entries must name waves already
// added, which makes the resulting dependency graph acyclic by
// construction (mirroring the same insert-only invariant spawnqueue relies
// on for its DAG).
func (o *Orchestrator) AddWave(w WaveSpec) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	known := make(map[string]bool, len(o.waves))
	for _, existing := range o.waves {
		known[existing.Name] = true
	}
	for _, dep := range w.AfterWaves {
		if !known[dep] {
			return fmt.Errorf("%w: wave %q depends on unknown wave %q", orcherr.ErrInvalidState, w.Name, dep)
		}
	}
	if known[w.Name] {
		return fmt.Errorf("%w: wave %q already added", orcherr.ErrInvalidState, w.Name)
	}
	o.waves = append(o.waves, w)
	return nil
}

// GetStatus is a pure read of the plan's live state.
func (o *Orchestrator) GetStatus() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	names := make([]string, len(o.waves))
	for i, w := range o.waves {
		names[i] = w.Name
	}
	completed := make([]string, len(o.completed))
	copy(completed, o.completed)

	status := o.status
	if status == "" {
		status = "idle"
	}
	return Status{
		Status:         status,
		CurrentWave:    o.current,
		CompletedWaves: completed,
		TotalWaves:     len(o.waves),
		Waves:          names,
	}
}

// Cancel marks the plan cancelling (its status too, while it is running)
// and dismisses every in-flight worker
// this iteration has spawned so far. It returns once every dismissal has
// been issued; it does not wait for execute() itself to return.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	o.cancelling = true
	if o.status == "running" {
		o.status = "cancelling"
	}
	inFlight := make([]string, len(o.inFlightHandles))
	copy(inFlight, o.inFlightHandles)
	o.mu.Unlock()

	for _, h := range inFlight {
		_ = o.fl.Dismiss(h, false)
	}
}

// Execute runs the iteration loop: topologically order waves, spawn each
// ready wave's workers in parallel, wait for each worker to settle
// (success pattern / idle / timeout / nonzero exit), aggregate, and loop
// until successCriteria passes or maxIterations is exhausted.
func (o *Orchestrator) Execute(ctx context.Context, opts ExecuteOptions) (Result, error) {
	order, err := o.topoOrder()
	if err != nil {
		return Result{}, err
	}

	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = 1
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}

	o.mu.Lock()
	o.status = "running"
	o.mu.Unlock()

	var allResults []WaveResult
	iterationsRun := 0
	for iterationsRun < maxIter {
		iterationsRun++
		o.mu.Lock()
		o.completed = nil
		o.mu.Unlock()

		iterResults, haltedFailed, err := o.runOnePass(ctx, order, opts.WaveTimeout, poll)
		if err != nil {
			o.setStatus("failed")
			return Result{Status: "failed", IterationsRun: iterationsRun, Waves: iterResults}, err
		}
		allResults = iterResults

		if haltedFailed {
			o.setStatus("failed")
			return Result{Status: "failed", IterationsRun: iterationsRun, Waves: allResults}, nil
		}
		if opts.SuccessCriteria == nil || opts.SuccessCriteria(allResults) {
			o.setStatus("done")
			return Result{Status: "success", IterationsRun: iterationsRun, Waves: allResults}, nil
		}

		o.mu.Lock()
		cancelling := o.cancelling
		o.mu.Unlock()
		if cancelling {
			o.setStatus("failed")
			return Result{Status: "failed", IterationsRun: iterationsRun, Waves: allResults}, orcherr.ErrCancelled
		}
	}

	o.setStatus("failed")
	return Result{Status: "failed", IterationsRun: iterationsRun, Waves: allResults}, nil
}

func (o *Orchestrator) setStatus(s string) {
	o.mu.Lock()
	o.status = s
	o.current = ""
	o.mu.Unlock()
}

// runOnePass spawns and waits on every wave, in topological order, once.
func (o *Orchestrator) runOnePass(ctx context.Context, order []WaveSpec, waveTimeout, poll time.Duration) ([]WaveResult, bool, error) {
	var results []WaveResult
	for _, w := range order {
		o.mu.Lock()
		o.current = w.Name
		cancelling := o.cancelling
		o.mu.Unlock()
		if cancelling {
			return results, true, nil
		}

		o.bus.Emit(eventbus.WaveStart, map[string]any{"wave": w.Name})

		wr, err := o.runWave(ctx, w, waveTimeout, poll)
		if err != nil {
			return results, false, err
		}
		results = append(results, wr)

		o.bus.Emit(eventbus.WaveComplete, map[string]any{"wave": w.Name, "failed": wr.Failed})

		o.mu.Lock()
		o.completed = append(o.completed, w.Name)
		o.mu.Unlock()

		if wr.Failed && !w.ContinueOnFailure {
			return results, true, nil
		}
	}
	return results, false, nil
}

// runWave spawns every worker in w in parallel and waits for each to settle.
func (o *Orchestrator) runWave(ctx context.Context, w WaveSpec, waveTimeout, poll time.Duration) (WaveResult, error) {
	deadline := time.Time{}
	if waveTimeout > 0 {
		deadline = time.Now().Add(waveTimeout)
	}

	type spawned struct {
		handle  string
		pattern func(string) bool
	}
	var live []spawned

	for _, wk := range w.Workers {
		sw, err := o.fl.Spawn(ctx, fleet.SpawnOptions{
			Handle:         wk.Handle,
			Role:           storage.Role(wk.Role),
			InitialPrompt:  wk.InitialPrompt,
			SwarmID:        wk.SwarmID,
			CreateWorktree: wk.CreateWorktree,
			SuccessPattern: wk.SuccessPattern,
		})
		if err != nil {
			return WaveResult{}, fmt.Errorf("spawn %s in wave %s: %w", wk.Handle, w.Name, err)
		}

		o.mu.Lock()
		o.inFlightHandles = append(o.inFlightHandles, sw.Handle)
		o.mu.Unlock()

		o.bus.Emit(eventbus.WorkerSpawned, map[string]any{"wave": w.Name, "handle": sw.Handle})
		live = append(live, spawned{handle: sw.Handle, pattern: wk.SuccessPattern})
	}

	results := make([]WorkerResult, len(live))
	var wg sync.WaitGroup
	for i, sp := range live {
		wg.Add(1)
		go func(i int, sp spawned) {
			defer wg.Done()
			results[i] = o.waitForSettle(sp.handle, sp.pattern, deadline, poll)
		}(i, sp)
	}
	wg.Wait()

	wr := WaveResult{Wave: w.Name, Workers: results}
	for _, r := range results {
		if r.Outcome != OutcomeSuccess {
			wr.Failed = true
		}
		if r.Outcome == OutcomeSuccess {
			o.bus.Emit(eventbus.WorkerSuccess, map[string]any{"wave": w.Name, "handle": r.Handle})
		} else {
			o.bus.Emit(eventbus.WorkerFailed, map[string]any{"wave": w.Name, "handle": r.Handle, "outcome": r.Outcome})
		}
	}
	return wr, nil
}

// waitForSettle polls handle's live process until it reaches idle (success
// pattern matched), exits, or the wave deadline passes.
func (o *Orchestrator) waitForSettle(handle string, pattern func(string) bool, deadline time.Time, poll time.Duration) WorkerResult {
	ph, err := o.fl.ProcessHandle(handle)
	if err != nil {
		return WorkerResult{Handle: handle, Outcome: OutcomeFailed, Err: err.Error()}
	}

	exited := make(chan error, 1)
	go func() { exited <- ph.Wait() }()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case err := <-exited:
			_ = o.fl.Dismiss(handle, true)
			if err != nil {
				return WorkerResult{Handle: handle, Outcome: OutcomeFailed, Err: err.Error()}
			}
			return WorkerResult{Handle: handle, Outcome: OutcomeSuccess}
		case <-ticker.C:
			if pattern != nil && ph.Idle(poll) {
				_ = o.fl.Dismiss(handle, true)
				return WorkerResult{Handle: handle, Outcome: OutcomeSuccess}
			}
			if !deadline.IsZero() && time.Now().After(deadline) {
				_ = o.fl.Dismiss(handle, false)
				return WorkerResult{Handle: handle, Outcome: OutcomeTimeout, Err: "wave timeout"}
			}
		}
	}
}

// topoOrder runs Kahn's algorithm over o.waves using AfterWaves as the
// dependency edges, rejecting any dependency on a wave not present in the
// plan.
func (o *Orchestrator) topoOrder() ([]WaveSpec, error) {
	o.mu.Lock()
	waves := make([]WaveSpec, len(o.waves))
	copy(waves, o.waves)
	o.mu.Unlock()

	byName := make(map[string]WaveSpec, len(waves))
	indegree := make(map[string]int, len(waves))
	for _, w := range waves {
		byName[w.Name] = w
		if _, ok := indegree[w.Name]; !ok {
			indegree[w.Name] = 0
		}
	}
	dependents := make(map[string][]string)
	for _, w := range waves {
		for _, dep := range w.AfterWaves {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("%w: wave %q depends on unknown wave %q", orcherr.ErrInvalidState, w.Name, dep)
			}
			indegree[w.Name]++
			dependents[dep] = append(dependents[dep], w.Name)
		}
	}

	var queue []string
	for _, w := range waves {
		if indegree[w.Name] == 0 {
			queue = append(queue, w.Name)
		}
	}

	var order []WaveSpec
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, byName[name])
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(waves) {
		return nil, fmt.Errorf("%w: wave plan has a dependency cycle", orcherr.ErrInvalidState)
	}
	return order, nil
}
