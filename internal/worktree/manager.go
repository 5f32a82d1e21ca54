package worktree

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/2389-research/fleetd/internal/log"
	"github.com/2389-research/fleetd/internal/orcherr"
)

// ErrNoChanges is returned by Commit when the worktree status is clean.
var ErrNoChanges = errors.New("no changes to commit")

// Worktree is the path/branch pair produced for a given worker.
type Worktree struct {
	WorkerID string
	Path     string
	Branch   string
}

// Status reports ahead/behind/dirty state for a worktree.
type Status struct {
	Exists     bool
	HasChanges bool
	Ahead      int
	Behind     int
}

// Config controls where and how worktrees are laid out.
type Config struct {
	RepoDir           string // the main checkout git commands are run against to resolve repo root/main branch
	BaseDir           string // explicit base dir; empty means use the sibling-or-fallback strategy
	BranchPrefix      string
	DefaultBaseBranch string // empty means resolve dynamically
	Remote            string
}

// Manager creates and destroys per-worker worktrees. Operations on a given
// worker id are serialized by that worker's lock; operations on different
// worker ids proceed concurrently.
type Manager struct {
	cfg Config
	mu  sync.Mutex
	// locks holds one mutex per worker id, created lazily.
	locks map[string]*sync.Mutex
	known map[string]*Worktree
}

// NewManager constructs a Manager rooted at cfg.RepoDir.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:   cfg,
		locks: make(map[string]*sync.Mutex),
		known: make(map[string]*Worktree),
	}
}

func (m *Manager) lockFor(workerID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[workerID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[workerID] = l
	}
	return l
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Create produces a directory-and-branch pair for workerID. If the path
// already exists, returns the pre-existing mapping (idempotent).
func (m *Manager) Create(workerID string) (*Worktree, error) {
	lock := m.lockFor(workerID)
	lock.Lock()
	defer lock.Unlock()

	if wt, ok := m.known[workerID]; ok {
		if _, err := os.Stat(wt.Path); err == nil {
			return wt, nil
		}
	}

	root := &runner{dir: m.cfg.RepoDir}
	repoRoot, err := root.repoRoot()
	if err != nil {
		return nil, fmt.Errorf("%w: resolve repo root: %v", orcherr.ErrWorktreeCreate, err)
	}
	if _, err := root.output("fetch", "--prune"); err != nil {
		log.Warn(log.CatWorktree, "remote fetch failed, continuing with local state", "worker", workerID, "error", err.Error())
	}

	base := m.cfg.DefaultBaseBranch
	if base == "" {
		base, err = root.mainBranch()
		if err != nil {
			return nil, fmt.Errorf("%w: resolve base branch: %v", orcherr.ErrWorktreeCreate, err)
		}
	}

	branch := fmt.Sprintf("%s%s", m.cfg.BranchPrefix, shortID(workerID))
	path := m.pathFor(repoRoot, workerID)

	createErr := root.createWorktree(path, branch, base)
	if createErr != nil {
		if errors.Is(createErr, ErrBranchAlreadyCheckedOut) {
			// retry against the existing branch instead of failing outright
			if err := root.createWorktreeExistingBranch(path, branch); err != nil {
				return nil, fmt.Errorf("%w: %v", orcherr.ErrWorktreeCreate, err)
			}
		} else {
			return nil, fmt.Errorf("%w: %v", orcherr.ErrWorktreeCreate, createErr)
		}
	}

	wt := &Worktree{WorkerID: workerID, Path: path, Branch: branch}
	m.mu.Lock()
	m.known[workerID] = wt
	m.mu.Unlock()
	log.Info(log.CatWorktree, "worktree created", "worker", workerID, "path", path, "branch", branch)
	return wt, nil
}

// Adopt registers an already-existing path/branch pair for workerID without
// running any git command — used to rehydrate m.known after a restart, when
// the worktree itself was created in a prior process and only the in-memory
// tracking was lost. A no-op if path is empty (worker never had a worktree).
func (m *Manager) Adopt(workerID, path, branch string) {
	if path == "" {
		return
	}
	lock := m.lockFor(workerID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	m.known[workerID] = &Worktree{WorkerID: workerID, Path: path, Branch: branch}
	m.mu.Unlock()
}

func (m *Manager) pathFor(repoRoot, workerID string) string {
	if m.cfg.BaseDir != "" {
		return filepath.Join(m.cfg.BaseDir, shortID(workerID))
	}
	parent := filepath.Dir(repoRoot)
	projectName := filepath.Base(repoRoot)
	if isSafeParentDir(parent) {
		return filepath.Join(parent, fmt.Sprintf("%s-worktree-%s", projectName, shortID(workerID)))
	}
	return filepath.Join(repoRoot, ".fleetd", "worktrees", workerID)
}

// Remove is a best-effort removal of a worker's worktree and branch; it
// never raises. If the worktree is locked, it falls back to a forced
// directory deletion plus a prune.
func (m *Manager) Remove(workerID string) {
	lock := m.lockFor(workerID)
	lock.Lock()
	defer lock.Unlock()

	wt, ok := m.known[workerID]
	if !ok {
		return
	}
	root := &runner{dir: m.cfg.RepoDir}
	if err := root.removeWorktree(wt.Path, false); err != nil {
		if errors.Is(err, ErrWorktreeLocked) {
			_ = os.RemoveAll(wt.Path)
			_ = root.pruneWorktrees()
		} else {
			log.Warn(log.CatWorktree, "worktree remove failed, forcing", "worker", workerID, "error", err.Error())
			_ = root.removeWorktree(wt.Path, true)
		}
	}
	delete(m.known, workerID)
}

// Commit stages all changes and commits them in the worker's worktree.
func (m *Manager) Commit(workerID, message string) (string, error) {
	lock := m.lockFor(workerID)
	lock.Lock()
	defer lock.Unlock()

	wt, ok := m.known[workerID]
	if !ok {
		return "", fmt.Errorf("%w: worktree %s", orcherr.ErrNotFound, workerID)
	}
	r := &runner{dir: wt.Path}
	dirty, err := r.hasUncommittedChanges()
	if err != nil {
		return "", fmt.Errorf("%w: %v", orcherr.ErrStorageIO, err)
	}
	if !dirty {
		return "", ErrNoChanges
	}
	return r.commitAll(message)
}

// Push pushes the worker's branch to the configured remote.
func (m *Manager) Push(workerID string) error {
	lock := m.lockFor(workerID)
	lock.Lock()
	defer lock.Unlock()

	wt, ok := m.known[workerID]
	if !ok {
		return fmt.Errorf("%w: worktree %s", orcherr.ErrNotFound, workerID)
	}
	remote := m.cfg.Remote
	if remote == "" {
		remote = "origin"
	}
	r := &runner{dir: wt.Path}
	return r.push(remote, wt.Branch)
}

// PullRequest is the minimal description needed to open a PR; the actual
// hosting-API call is a collaborator outside this component's scope (spec
// §1 Non-goals: integrations with specific source-control hosting APIs).
type PullRequest struct {
	WorkerID string
	Title    string
	Body     string
	Branch   string
}

// CreatePR returns the PR description for the worker's branch; the caller
// is responsible for submitting it to whatever hosting API is configured.
func (m *Manager) CreatePR(workerID, title, body string) (*PullRequest, error) {
	lock := m.lockFor(workerID)
	lock.Lock()
	defer lock.Unlock()

	wt, ok := m.known[workerID]
	if !ok {
		return nil, fmt.Errorf("%w: worktree %s", orcherr.ErrNotFound, workerID)
	}
	return &PullRequest{WorkerID: workerID, Title: title, Body: body, Branch: wt.Branch}, nil
}

// GetStatus reports existence, dirtiness, and ahead/behind counts against
// the worker's base branch.
func (m *Manager) GetStatus(workerID string) (Status, error) {
	lock := m.lockFor(workerID)
	lock.Lock()
	defer lock.Unlock()

	wt, ok := m.known[workerID]
	if !ok {
		return Status{}, nil
	}
	if _, err := os.Stat(wt.Path); err != nil {
		return Status{}, nil
	}
	r := &runner{dir: wt.Path}
	dirty, err := r.hasUncommittedChanges()
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", orcherr.ErrStorageIO, err)
	}
	base := m.cfg.DefaultBaseBranch
	if base == "" {
		base, _ = r.mainBranch()
	}
	ahead, behind, err := r.aheadBehind(base)
	if err != nil {
		ahead, behind = 0, 0
	}
	return Status{Exists: true, HasChanges: dirty, Ahead: ahead, Behind: behind}, nil
}

// ListAll returns every worktree this Manager currently tracks.
func (m *Manager) ListAll() []*Worktree {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Worktree, 0, len(m.known))
	for _, wt := range m.known {
		out = append(out, wt)
	}
	return out
}

// Prune runs `git worktree prune` against the repo.
func (m *Manager) Prune() error {
	root := &runner{dir: m.cfg.RepoDir}
	return root.pruneWorktrees()
}

// CleanupOrphaned removes any tracked worktree whose worker id is not in
// activeIDs — used after a restart to reconcile disk state with the
// recovered worker set.
func (m *Manager) CleanupOrphaned(activeIDs map[string]bool) {
	m.mu.Lock()
	var orphaned []string
	for id := range m.known {
		if !activeIDs[id] {
			orphaned = append(orphaned, id)
		}
	}
	m.mu.Unlock()

	for _, id := range orphaned {
		log.Info(log.CatWorktree, "cleaning up orphaned worktree", "worker", id)
		m.Remove(id)
	}
}
