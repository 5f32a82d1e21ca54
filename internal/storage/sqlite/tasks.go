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

type taskStorage struct {
	db *sql.DB
}

var _ storage.TaskStorage = (*taskStorage)(nil)

func scanTask(row interface{ Scan(...any) error }) (*storage.Task, error) {
	var t storage.Task
	var blockedBy string
	var createdAt, updatedAt int64
	if err := row.Scan(&t.ID, &t.Subject, &t.Status, &t.Owner, &blockedBy, &t.Team, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.BlockedBy = splitNonEmpty(blockedBy)
	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(updatedAt, 0)
	return &t, nil
}

func (s *taskStorage) Insert(t *storage.Task) error {
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO tasks (id, subject, status, owner, blocked_by, team, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Subject, t.Status, t.Owner, strings.Join(t.BlockedBy, ","), t.Team, now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("%w: insert task: %v", orcherr.ErrStorageIO, err)
	}
	t.CreatedAt, t.UpdatedAt = now, now
	return nil
}

func (s *taskStorage) GetByID(id string) (*storage.Task, error) {
	row := s.db.QueryRow(
		`SELECT id, subject, status, owner, blocked_by, team, created_at, updated_at FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s", orcherr.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get task: %v", orcherr.ErrStorageIO, err)
	}
	return t, nil
}

func (s *taskStorage) List(team string, status storage.TaskStatus) ([]*storage.Task, error) {
	query := `SELECT id, subject, status, owner, blocked_by, team, created_at, updated_at FROM tasks WHERE 1=1`
	var args []any
	if team != "" {
		query += ` AND team = ?`
		args = append(args, team)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list tasks: %v", orcherr.ErrStorageIO, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*storage.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan task: %v", orcherr.ErrStorageIO, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *taskStorage) UpdateStatus(id string, status storage.TaskStatus) error {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().Unix(), id)
	return mustAffectRow(res, err, id)
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
