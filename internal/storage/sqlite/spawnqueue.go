package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/2389-research/fleetd/internal/orcherr"
	"github.com/2389-research/fleetd/internal/storage"
)

type spawnQueueStorage struct {
	db *sql.DB
}

var _ storage.SpawnQueueStorage = (*spawnQueueStorage)(nil)

const spawnQueueColumns = `id, requester_handle, target_role, depth, task, context, priority,
	swarm_id, status, produced_worker_id, created_at`

func scanSpawnQueueItem(row interface{ Scan(...any) error }) (*storage.SpawnQueueItem, error) {
	var item storage.SpawnQueueItem
	var createdAt int64
	err := row.Scan(
		&item.ID, &item.RequesterHandle, &item.TargetRole, &item.Depth, &item.Task, &item.Context,
		&item.Priority, &item.SwarmID, &item.Status, &item.ProducedWorkerID, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	item.CreatedAt = time.Unix(createdAt, 0)
	return &item, nil
}

// Insert persists the queue item and its dependency edges as a single
// transaction. Cycle rejection happens one layer up, in internal/spawnqueue,
// which reads the dependency graph via GetDependsOn before calling Insert.
func (s *spawnQueueStorage) Insert(item *storage.SpawnQueueItem) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin spawn queue insert: %v", orcherr.ErrStorageIO, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	_, err = tx.Exec(
		`INSERT INTO spawn_queue (id, requester_handle, target_role, depth, task, context, priority,
			swarm_id, status, produced_worker_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?)`,
		item.ID, item.RequesterHandle, item.TargetRole, item.Depth, item.Task, item.Context,
		item.Priority, item.SwarmID, item.Status, now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("%w: insert spawn queue item: %v", orcherr.ErrStorageIO, err)
	}
	for _, dep := range item.DependsOn {
		if _, err := tx.Exec(
			`INSERT INTO spawn_queue_deps (item_id, depends_on_id) VALUES (?, ?)`, item.ID, dep,
		); err != nil {
			return fmt.Errorf("%w: insert spawn queue dependency: %v", orcherr.ErrStorageIO, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit spawn queue insert: %v", orcherr.ErrStorageIO, err)
	}
	item.CreatedAt = now
	return nil
}

func (s *spawnQueueStorage) Get(id string) (*storage.SpawnQueueItem, error) {
	row := s.db.QueryRow(`SELECT `+spawnQueueColumns+` FROM spawn_queue WHERE id = ?`, id)
	item, err := scanSpawnQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: spawn queue item %s", orcherr.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get spawn queue item: %v", orcherr.ErrStorageIO, err)
	}
	item.DependsOn, err = s.GetDependsOn(id)
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *spawnQueueStorage) ListByStatus(status storage.SpawnQueueStatus) ([]*storage.SpawnQueueItem, error) {
	rows, err := s.db.Query(`SELECT `+spawnQueueColumns+` FROM spawn_queue WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("%w: list spawn queue items: %v", orcherr.ErrStorageIO, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*storage.SpawnQueueItem
	for rows.Next() {
		item, err := scanSpawnQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan spawn queue item: %v", orcherr.ErrStorageIO, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, item := range out {
		if item.DependsOn, err = s.GetDependsOn(item.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListDependents returns every item that directly depends on id.
func (s *spawnQueueStorage) ListDependents(id string) ([]*storage.SpawnQueueItem, error) {
	rows, err := s.db.Query(
		`SELECT `+prefixColumns("sq")+` FROM spawn_queue sq
		 JOIN spawn_queue_deps d ON d.item_id = sq.id WHERE d.depends_on_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: list dependents: %v", orcherr.ErrStorageIO, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*storage.SpawnQueueItem
	for rows.Next() {
		item, err := scanSpawnQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan dependent: %v", orcherr.ErrStorageIO, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, item := range out {
		if item.DependsOn, err = s.GetDependsOn(item.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func prefixColumns(alias string) string {
	cols := []string{"id", "requester_handle", "target_role", "depth", "task", "context", "priority",
		"swarm_id", "status", "produced_worker_id", "created_at"}
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + c
	}
	return out
}

func (s *spawnQueueStorage) UpdateStatus(id string, status storage.SpawnQueueStatus) error {
	res, err := s.db.Exec(`UPDATE spawn_queue SET status = ? WHERE id = ?`, status, id)
	return mustAffectRow(res, err, id)
}

func (s *spawnQueueStorage) MarkSpawned(id, workerID string) error {
	res, err := s.db.Exec(
		`UPDATE spawn_queue SET status = ?, produced_worker_id = ? WHERE id = ?`,
		storage.SpawnSpawned, workerID, id,
	)
	return mustAffectRow(res, err, id)
}

func (s *spawnQueueStorage) AllIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM spawn_queue`)
	if err != nil {
		return nil, fmt.Errorf("%w: list spawn queue ids: %v", orcherr.ErrStorageIO, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan spawn queue id: %v", orcherr.ErrStorageIO, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *spawnQueueStorage) GetDependsOn(id string) ([]string, error) {
	rows, err := s.db.Query(`SELECT depends_on_id FROM spawn_queue_deps WHERE item_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: get depends on: %v", orcherr.ErrStorageIO, err)
	}
	defer func() { _ = rows.Close() }()

	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("%w: scan dependency: %v", orcherr.ErrStorageIO, err)
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}
