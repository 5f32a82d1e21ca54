// Package storage defines the durable entities and backend contracts the
// rest of the orchestrator depends on: workers, worktrees, tasks, work
// items, blackboard messages, mail, checkpoints, the spawn queue, and
// swarms. Concrete backends (the default being internal/storage/sqlite)
// implement the interfaces in contracts.go.
package storage

import "time"

// WorkerStatus is the closed set of states a Worker can occupy.
type WorkerStatus string

const (
	WorkerPending   WorkerStatus = "pending"
	WorkerReady     WorkerStatus = "ready"
	WorkerBusy      WorkerStatus = "busy"
	WorkerStopping  WorkerStatus = "stopping"
	WorkerStopped   WorkerStatus = "stopped"
	WorkerError     WorkerStatus = "error"
	WorkerDismissed WorkerStatus = "dismissed"
)

// Role is the closed set of roles a worker may hold.
type Role string

const (
	RoleLead      Role = "lead"
	RoleWorker    Role = "worker"
	RoleScout     Role = "scout"
	RoleArchitect Role = "architect"
	RoleCritic    Role = "critic"
	RoleKraken    Role = "kraken"
	RoleOracle    Role = "oracle"
)

// Worker is the durable record of a fleet member. It is exclusively owned
// by WorkerManager; the Worktree it references (if any) is exclusively
// owned by the worker while it lives.
type Worker struct {
	ID            string
	Handle        string
	Role          Role
	Status        WorkerStatus
	WorkDir       string
	WorktreePath  string
	WorktreeBranch string
	InitialPrompt string
	PID           *int
	LastHeartbeat *time.Time
	RestartCount  int
	SwarmID       string
	Depth         int
	SpawnedAt     time.Time
	DismissedAt   *time.Time
}

// Worktree is a filesystem path plus branch name derived from the owning
// worker's id.
type Worktree struct {
	WorkerID string
	Path     string
	Branch   string
	Exists   bool
}

// WorktreeStatus reports ahead/behind/dirty state, used by getStatus.
type WorktreeStatus struct {
	Exists     bool
	HasChanges bool
	Ahead      int
	Behind     int
}

// TaskStatus is the closed status set for Task.
type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskResolved   TaskStatus = "resolved"
	TaskBlocked    TaskStatus = "blocked"
)

// Task is a durable unit of work tracked independently of the spawn
// queue — e.g. a human-filed objective a worker claims and resolves.
type Task struct {
	ID        string
	Subject   string
	Status    TaskStatus
	Owner     string
	BlockedBy []string
	Team      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WorkItemStatus is the closed status set for WorkItem.
type WorkItemStatus string

const (
	WorkItemPending    WorkItemStatus = "pending"
	WorkItemInProgress WorkItemStatus = "in_progress"
	WorkItemCompleted  WorkItemStatus = "completed"
	WorkItemBlocked    WorkItemStatus = "blocked"
	WorkItemCancelled  WorkItemStatus = "cancelled"
)

// WorkItem is a finer-grained unit grouped into a Batch.
type WorkItem struct {
	ID        string
	BatchID   string
	Subject   string
	Status    WorkItemStatus
	Owner     string
	BlockedBy []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Batch groups WorkItems; dispatching transitions all pending items to
// in_progress atomically.
type Batch struct {
	ID        string
	Name      string
	Team      string
	CreatedAt time.Time
}

// MessageType is the closed set of BlackboardMessage types.
type MessageType string

const (
	MessageRequest    MessageType = "request"
	MessageResponse   MessageType = "response"
	MessageStatus     MessageType = "status"
	MessageDirective  MessageType = "directive"
	MessageCheckpoint MessageType = "checkpoint"
)

// Priority is the closed set of BlackboardMessage priorities.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// priorityRank orders Priority values for descending sort (critical first).
var priorityRank = map[Priority]int{
	PriorityCritical: 3,
	PriorityHigh:     2,
	PriorityNormal:   1,
	PriorityLow:      0,
}

// Rank returns p's sort weight; higher sorts first.
func (p Priority) Rank() int { return priorityRank[p] }

// BlackboardMessage is a swarm-scoped pub/sub post.
type BlackboardMessage struct {
	ID            int64
	SwarmID       string
	SenderHandle  string
	TargetHandle  string // empty = broadcast
	Type          MessageType
	Priority      Priority
	Payload       []byte // opaque JSON
	CreatedAt     time.Time
	ExpiresAt     *time.Time
	Archived      bool
}

// MailMessage is a directed inter-worker message.
type MailMessage struct {
	ID        int64
	From      string
	To        string
	Subject   string
	Body      string
	CreatedAt time.Time
	ReadAt    *time.Time
}

// Handoff is a directed, accept-once transfer of opaque context.
type Handoff struct {
	ID         int64
	From       string
	To         string
	Context    []byte // opaque JSON, size-bounded
	CreatedAt  time.Time
	AcceptedAt *time.Time
}

// CheckpointFiles lists file paths touched during a checkpointed session.
type CheckpointFiles struct {
	Created  []string
	Modified []string
}

// Checkpoint is a structured snapshot of a worker's state.
type Checkpoint struct {
	ID            int64
	From          string
	To            string
	Goal          string
	Now           string
	DoneThisSession []string
	Blockers      []string
	Questions     []string
	Worked        []string
	Failed        []string
	Next          []string
	Files         CheckpointFiles
	CreatedAt     time.Time
	AcceptedAt    *time.Time
	RejectedAt    *time.Time
}

// IsTerminal reports whether the checkpoint has been accepted or rejected.
func (c *Checkpoint) IsTerminal() bool {
	return c.AcceptedAt != nil || c.RejectedAt != nil
}

// SpawnQueueStatus is the closed status set for a SpawnQueueItem.
type SpawnQueueStatus string

const (
	SpawnPending  SpawnQueueStatus = "pending"
	SpawnApproved SpawnQueueStatus = "approved"
	SpawnBlocked  SpawnQueueStatus = "blocked"
	SpawnSpawned  SpawnQueueStatus = "spawned"
	SpawnRejected SpawnQueueStatus = "rejected"
)

// SpawnQueueItem is a pending request to spawn a worker, subject to
// dependency and depth constraints.
type SpawnQueueItem struct {
	ID              string
	RequesterHandle string
	TargetRole      Role
	Depth           int
	Task            string
	Context         []byte
	Priority        Priority
	DependsOn       []string
	SwarmID         string
	Status          SpawnQueueStatus
	ProducedWorkerID string
	CreatedAt       time.Time
}

// Swarm is a logical grouping of workers sharing a Blackboard namespace.
type Swarm struct {
	ID        string
	Name      string
	MaxAgents int
	CreatedAt time.Time
}
