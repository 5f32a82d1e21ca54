package storage

import "time"

// WorkerFilter narrows WorkerStorage.List results. Zero values mean
// "no filter on this field".
type WorkerFilter struct {
	Status           WorkerStatus
	Role             Role
	SwarmID          string
	IncludeDismissed bool
}

// BlackboardFilter narrows BlackboardStorage.ReadMessages.
type BlackboardFilter struct {
	Type         MessageType
	MinPriority  Priority
	UnreadOnly   bool
	ReaderHandle string
	Since        *time.Time
	Limit        int
}

// WorkItemFilter narrows WorkItemStorage listings.
type WorkItemFilter struct {
	Status  WorkItemStatus
	BatchID string
	Owner   string
}

// CheckpointFilter narrows CheckpointStorage.List.
type CheckpointFilter struct {
	Role   Role
	Status string // "pending", "accepted", "rejected"
	Limit  int
}

// WorkerStorage is the transactional contract for Worker records.
type WorkerStorage interface {
	Insert(w *Worker) error
	GetByID(id string) (*Worker, error)
	GetByHandle(handle string) (*Worker, error)
	List(f WorkerFilter) ([]*Worker, error)
	UpdateStatus(id string, status WorkerStatus) error
	Heartbeat(id string, at time.Time) error
	UpdatePID(id string, pid int) error
	UpdateWorktree(id, path, branch string) error
	IncrementRestart(id string) (int, error)
	Dismiss(id string, at time.Time) error
	DeleteByHandle(handle string) error
	GetStale(olderThan time.Time) ([]*Worker, error)
	GetRecoverable() ([]*Worker, error)
}

// TaskStorage is the transactional contract for Task records.
type TaskStorage interface {
	Insert(t *Task) error
	GetByID(id string) (*Task, error)
	List(team string, status TaskStatus) ([]*Task, error)
	UpdateStatus(id string, status TaskStatus) error
}

// WorkItemStorage is the transactional contract for WorkItem/Batch records.
type WorkItemStorage interface {
	InsertBatch(b *Batch, items []*WorkItem) error
	GetItem(id string) (*WorkItem, error)
	ListItems(f WorkItemFilter) ([]*WorkItem, error)
	UpdateItemStatus(id string, status WorkItemStatus) error
	// DispatchBatch atomically transitions every pending item in the
	// batch to in_progress.
	DispatchBatch(batchID string) error
}

// BlackboardStorage is the transactional contract for BlackboardMessage records.
type BlackboardStorage interface {
	PostMessage(m *BlackboardMessage) error
	ReadMessages(swarmID string, f BlackboardFilter) ([]*BlackboardMessage, error)
	MarkRead(ids []int64, reader string) error
	ArchiveMessage(id int64) error
	ArchiveOldMessages(swarmID string, maxAge time.Duration) (int, error)
	GetUnreadCount(swarmID, reader string) (int, error)
}

// MailStorage is the transactional contract for MailMessage and Handoff records.
type MailStorage interface {
	Send(m *MailMessage) (int64, error)
	GetUnread(handle string) ([]*MailMessage, error)
	GetAll(handle string, limit int) ([]*MailMessage, error)
	MarkRead(id int64) error
	MarkAllRead(handle string) (int, error)
	CreateHandoff(h *Handoff) (int64, error)
	AcceptHandoff(id int64) error
	GetUnacceptedHandoffs(to string) ([]*Handoff, error)
}

// CheckpointStorage is the transactional contract for Checkpoint records.
type CheckpointStorage interface {
	Create(c *Checkpoint) (int64, error)
	Load(id int64) (*Checkpoint, error)
	LoadLatest(handle string) (*Checkpoint, error)
	List(handle string, f CheckpointFilter) ([]*Checkpoint, error)
	Accept(id int64) (bool, error)
	Reject(id int64) (bool, error)
}

// SpawnQueueStorage is the transactional contract for SpawnQueueItem records.
type SpawnQueueStorage interface {
	Insert(item *SpawnQueueItem) error
	Get(id string) (*SpawnQueueItem, error)
	ListByStatus(status SpawnQueueStatus) ([]*SpawnQueueItem, error)
	ListDependents(id string) ([]*SpawnQueueItem, error)
	UpdateStatus(id string, status SpawnQueueStatus) error
	MarkSpawned(id, workerID string) error
	// AllIDs returns every item id currently stored.
	AllIDs() ([]string, error)
	GetDependsOn(id string) ([]string, error)
}

// SwarmStorage is the transactional contract for Swarm records.
type SwarmStorage interface {
	Insert(s *Swarm) error
	Get(id string) (*Swarm, error)
	List() ([]*Swarm, error)
	// Delete removes a swarm. If force is false, it fails when any
	// non-dismissed worker still belongs to the swarm.
	Delete(id string, force bool) error
}

// Store aggregates every sub-contract a concrete backend must implement.
// The default implementation (internal/storage/sqlite) backs this with an
// embedded, write-ahead-logged on-disk store; alternates must preserve
// the same contracts.
type Store interface {
	Workers() WorkerStorage
	Tasks() TaskStorage
	WorkItems() WorkItemStorage
	Blackboard() BlackboardStorage
	Mail() MailStorage
	Checkpoints() CheckpointStorage
	SpawnQueue() SpawnQueueStorage
	Swarms() SwarmStorage
	Close() error
}
