// Package hooks implements the pre-execution policy chain: a
// priority-ordered list of checks run against a proposed worker action
// before it is allowed. The registry shape is a mutex-guarded slice with
// a sorted read path.
package hooks

import (
	"regexp"
	"sort"
	"sync"

	"github.com/2389-research/fleetd/internal/log"
	"github.com/2389-research/fleetd/internal/orcherr"
)

// OperationType is the closed set of proposed operations a hook can judge.
type OperationType string

const (
	OpBashCommand OperationType = "bash_command"
	OpFileWrite   OperationType = "file_write"
	OpFileDelete  OperationType = "file_delete"
	OpGitCommit   OperationType = "git_commit"
	OpGitPush     OperationType = "git_push"
	OpFileRead    OperationType = "file_read"
	OpEnvAccess   OperationType = "env_access"
)

// Context describes a proposed operation a worker is about to take.
type Context struct {
	Operation OperationType
	Command   string
	Path      string
	Handle    string
}

// Severity classifies how serious a block is, for advisory-mode reporting.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Verdict is a hook's judgment on a Context.
type Verdict struct {
	Allowed  bool
	Reason   string
	Severity Severity
}

// Hook is a single named pre-execution check.
type Hook struct {
	ID       string
	Priority int
	Enabled  bool
	Validate func(Context) Verdict
}

// Mode controls whether a block actually stops the operation.
type Mode int

const (
	// ModeEnforce means a blocking verdict returns a SafetyError.
	ModeEnforce Mode = iota
	// ModeAdvisory means blocking verdicts are collected as warnings but
	// never returned as an error.
	ModeAdvisory
)

// Pipeline runs hooks in priority-descending order and short-circuits on
// the first blocking verdict.
type Pipeline struct {
	mode Mode

	mu    sync.Mutex
	hooks []*Hook
}

// New constructs an empty Pipeline in the given mode.
func New(mode Mode) *Pipeline {
	return &Pipeline{mode: mode}
}

// Register adds h to the pipeline.
func (p *Pipeline) Register(h *Hook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, h)
}

// Result is the outcome of running the pipeline against a Context.
type Result struct {
	Allowed   bool
	BlockedBy string // hook id that blocked, if any
	Reason    string
	Warnings  []Verdict // blocking verdicts collected in advisory mode
}

// Check runs every enabled hook, priority descending, stopping at the
// first allowed=false verdict. In ModeEnforce that first block is
// returned as a *orcherr.SafetyError; in ModeAdvisory every blocking
// verdict is collected into Warnings and Check never fails.
func (p *Pipeline) Check(ctx Context) (Result, error) {
	p.mu.Lock()
	ordered := make([]*Hook, len(p.hooks))
	copy(ordered, p.hooks)
	p.mu.Unlock()

	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority > ordered[j].Priority })

	res := Result{Allowed: true}
	for _, h := range ordered {
		if !h.Enabled {
			continue
		}
		v := h.Validate(ctx)
		if v.Allowed {
			continue
		}
		if p.mode == ModeEnforce {
			log.Warn(log.CatHook, "operation blocked", "hook", h.ID, "operation", ctx.Operation, "reason", v.Reason)
			return Result{Allowed: false, BlockedBy: h.ID, Reason: v.Reason}, &orcherr.SafetyError{HookID: h.ID, Reason: v.Reason}
		}
		res.Warnings = append(res.Warnings, v)
	}
	return res, nil
}

// DefaultHooks returns the seeded set of dangerous-pattern blocks:
// recursive deletes of root-ish paths, fork-bomb shell patterns,
// block-device writes, and reads of well-known secret files.
func DefaultHooks() []*Hook {
	recursiveDelete := regexp.MustCompile(`rm\s+(-\w*r\w*f\w*|-\w*f\w*r\w*)\s+(/\s*$|/\*|~\s*$|\$HOME\s*$)`)
	forkBomb := regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;`)
	blockDevice := regexp.MustCompile(`^/dev/(sd|nvme|hd|xvd)`)
	secretFile := regexp.MustCompile(`(^|/)(\.ssh/id_\w+|\.aws/credentials|\.env|\.netrc)$`)

	return []*Hook{
		{
			ID: "block-recursive-delete-root", Priority: 100, Enabled: true,
			Validate: func(c Context) Verdict {
				if c.Operation == OpBashCommand && recursiveDelete.MatchString(c.Command) {
					return Verdict{Allowed: false, Reason: "recursive delete of a root-ish path", Severity: SeverityCritical}
				}
				return Verdict{Allowed: true}
			},
		},
		{
			ID: "block-fork-bomb", Priority: 100, Enabled: true,
			Validate: func(c Context) Verdict {
				if c.Operation == OpBashCommand && forkBomb.MatchString(c.Command) {
					return Verdict{Allowed: false, Reason: "fork bomb pattern", Severity: SeverityCritical}
				}
				return Verdict{Allowed: true}
			},
		},
		{
			ID: "block-device-write", Priority: 90, Enabled: true,
			Validate: func(c Context) Verdict {
				if c.Operation == OpFileWrite && blockDevice.MatchString(c.Path) {
					return Verdict{Allowed: false, Reason: "write to a block device", Severity: SeverityCritical}
				}
				return Verdict{Allowed: true}
			},
		},
		{
			ID: "block-secret-file-read", Priority: 80, Enabled: true,
			Validate: func(c Context) Verdict {
				if c.Operation == OpFileRead && secretFile.MatchString(c.Path) {
					return Verdict{Allowed: false, Reason: "read of a well-known secret file", Severity: SeverityHigh}
				}
				return Verdict{Allowed: true}
			},
		},
	}
}
