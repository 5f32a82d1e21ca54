// Package orcherr defines the stable error taxonomy surfaced across the
// fleet orchestrator: precondition failures, infrastructure failures, and
// the two structured errors (SafetyError, DependencyCycleError) that carry
// extra fields a caller needs to render or route.
package orcherr

import "fmt"

// Sentinel kinds. Components wrap these with fmt.Errorf("%w: ...") so
// errors.Is classification survives propagation to the API boundary.
var (
	// ErrHandleTaken means a live (non-dismissed) worker already owns the handle.
	ErrHandleTaken = fmt.Errorf("handle already taken")
	// ErrCapacityExceeded means the fleet is already at maxWorkers.
	ErrCapacityExceeded = fmt.Errorf("capacity exceeded")
	// ErrDepthExceeded means a spawn chain would exceed maxDepth.
	ErrDepthExceeded = fmt.Errorf("depth exceeded")
	// ErrNotFound means the referenced entity does not exist.
	ErrNotFound = fmt.Errorf("not found")
	// ErrInvalidState means the operation is not valid from the entity's current state.
	ErrInvalidState = fmt.Errorf("invalid state")
	// ErrAccessDenied means the caller's claim does not cover the requested entity.
	ErrAccessDenied = fmt.Errorf("access denied")
	// ErrWorktreeCreate means worktree creation failed for an infrastructure reason.
	ErrWorktreeCreate = fmt.Errorf("worktree create failed")
	// ErrSpawnFailed means launching the subprocess failed.
	ErrSpawnFailed = fmt.Errorf("spawn failed")
	// ErrStorageIO means a storage backend call failed for an infrastructure reason.
	ErrStorageIO = fmt.Errorf("storage io error")
	// ErrCancelled means the operation was cooperatively cancelled.
	ErrCancelled = fmt.Errorf("cancelled")
)

// SafetyError is returned when the hook pipeline blocks an operation in
// enforce mode. It carries the blocking hook's id and its stated reason.
type SafetyError struct {
	HookID string
	Reason string
}

func (e *SafetyError) Error() string {
	return fmt.Sprintf("blocked by hook %s: %s", e.HookID, e.Reason)
}

// DependencyCycleError is returned when inserting a spawn-queue item would
// form a dependency cycle. The offending item is never inserted.
type DependencyCycleError struct {
	ItemID  string
	Depends []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected inserting %s via %v", e.ItemID, e.Depends)
}
