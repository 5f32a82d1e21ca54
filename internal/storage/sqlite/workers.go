package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2389-research/fleetd/internal/orcherr"
	"github.com/2389-research/fleetd/internal/storage"
)

const workerColumns = `id, handle, role, status, work_dir, worktree_path, worktree_branch,
	initial_prompt, pid, last_heartbeat_at, restart_count, swarm_id, depth, spawned_at, dismissed_at`

type workerStorage struct {
	db *sql.DB
}

var _ storage.WorkerStorage = (*workerStorage)(nil)

func scanWorker(row interface{ Scan(...any) error }) (*storage.Worker, error) {
	var w storage.Worker
	var pid *int64
	var lastHeartbeat, dismissedAt *int64
	var spawnedAt int64

	err := row.Scan(
		&w.ID, &w.Handle, &w.Role, &w.Status, &w.WorkDir, &w.WorktreePath, &w.WorktreeBranch,
		&w.InitialPrompt, &pid, &lastHeartbeat, &w.RestartCount, &w.SwarmID, &w.Depth, &spawnedAt, &dismissedAt,
	)
	if err != nil {
		return nil, err
	}
	w.PID = intPtr(pid)
	w.LastHeartbeat = timePtr(lastHeartbeat)
	w.SpawnedAt = time.Unix(spawnedAt, 0)
	w.DismissedAt = timePtr(dismissedAt)
	return &w, nil
}

func (s *workerStorage) Insert(w *storage.Worker) error {
	_, err := s.db.Exec(
		`INSERT INTO workers (id, handle, role, status, work_dir, worktree_path, worktree_branch,
			initial_prompt, pid, last_heartbeat_at, restart_count, swarm_id, depth, spawned_at, dismissed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Handle, w.Role, w.Status, w.WorkDir, w.WorktreePath, w.WorktreeBranch,
		w.InitialPrompt, nullInt(w.PID), nullTime(w.LastHeartbeat), w.RestartCount, w.SwarmID, w.Depth,
		w.SpawnedAt.Unix(), nullTime(w.DismissedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("%w: handle %s", orcherr.ErrHandleTaken, w.Handle)
		}
		return fmt.Errorf("%w: insert worker: %v", orcherr.ErrStorageIO, err)
	}
	return nil
}

func (s *workerStorage) GetByID(id string) (*storage.Worker, error) {
	row := s.db.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: worker %s", orcherr.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get worker by id: %v", orcherr.ErrStorageIO, err)
	}
	return w, nil
}

func (s *workerStorage) GetByHandle(handle string) (*storage.Worker, error) {
	row := s.db.QueryRow(
		`SELECT `+workerColumns+` FROM workers WHERE handle = ? AND dismissed_at IS NULL`, handle)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: worker %s", orcherr.ErrNotFound, handle)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get worker by handle: %v", orcherr.ErrStorageIO, err)
	}
	return w, nil
}

func (s *workerStorage) List(f storage.WorkerFilter) ([]*storage.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Role != "" {
		query += ` AND role = ?`
		args = append(args, f.Role)
	}
	if f.SwarmID != "" {
		query += ` AND swarm_id = ?`
		args = append(args, f.SwarmID)
	}
	if !f.IncludeDismissed {
		query += ` AND dismissed_at IS NULL`
	}
	query += ` ORDER BY spawned_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list workers: %v", orcherr.ErrStorageIO, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*storage.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan worker: %v", orcherr.ErrStorageIO, err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *workerStorage) UpdateStatus(id string, status storage.WorkerStatus) error {
	res, err := s.db.Exec(`UPDATE workers SET status = ? WHERE id = ?`, status, id)
	return mustAffectRow(res, err, id)
}

func (s *workerStorage) Heartbeat(id string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE workers SET last_heartbeat_at = ? WHERE id = ?`, at.Unix(), id)
	return mustAffectRow(res, err, id)
}

func (s *workerStorage) UpdatePID(id string, pid int) error {
	res, err := s.db.Exec(`UPDATE workers SET pid = ? WHERE id = ?`, pid, id)
	return mustAffectRow(res, err, id)
}

func (s *workerStorage) UpdateWorktree(id, path, branch string) error {
	res, err := s.db.Exec(
		`UPDATE workers SET worktree_path = ?, worktree_branch = ? WHERE id = ?`, path, branch, id)
	return mustAffectRow(res, err, id)
}

func (s *workerStorage) IncrementRestart(id string) (int, error) {
	res, err := s.db.Exec(`UPDATE workers SET restart_count = restart_count + 1 WHERE id = ?`, id)
	if err := mustAffectRow(res, err, id); err != nil {
		return 0, err
	}
	w, err := s.GetByID(id)
	if err != nil {
		return 0, err
	}
	return w.RestartCount, nil
}

func (s *workerStorage) Dismiss(id string, at time.Time) error {
	res, err := s.db.Exec(
		`UPDATE workers SET status = ?, dismissed_at = ? WHERE id = ?`, storage.WorkerDismissed, at.Unix(), id)
	return mustAffectRow(res, err, id)
}

func (s *workerStorage) DeleteByHandle(handle string) error {
	_, err := s.db.Exec(`DELETE FROM workers WHERE handle = ?`, handle)
	if err != nil {
		return fmt.Errorf("%w: delete worker: %v", orcherr.ErrStorageIO, err)
	}
	return nil
}

func (s *workerStorage) GetStale(olderThan time.Time) ([]*storage.Worker, error) {
	rows, err := s.db.Query(
		`SELECT `+workerColumns+` FROM workers
		 WHERE dismissed_at IS NULL AND last_heartbeat_at IS NOT NULL AND last_heartbeat_at < ?`,
		olderThan.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: get stale workers: %v", orcherr.ErrStorageIO, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*storage.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan worker: %v", orcherr.ErrStorageIO, err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *workerStorage) GetRecoverable() ([]*storage.Worker, error) {
	rows, err := s.db.Query(
		`SELECT ` + workerColumns + ` FROM workers WHERE status IN ('pending', 'ready', 'busy')`,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: get recoverable workers: %v", orcherr.ErrStorageIO, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*storage.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan worker: %v", orcherr.ErrStorageIO, err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// mustAffectRow wraps an Exec result, translating a zero-rows-affected
// update into ErrNotFound so callers get the stable taxonomy rather than a
// silent no-op.
func mustAffectRow(res sql.Result, err error, id string) error {
	if err != nil {
		return fmt.Errorf("%w: %v", orcherr.ErrStorageIO, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", orcherr.ErrStorageIO, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", orcherr.ErrNotFound, id)
	}
	return nil
}
