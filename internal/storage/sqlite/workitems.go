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

type workItemStorage struct {
	db *sql.DB
}

var _ storage.WorkItemStorage = (*workItemStorage)(nil)

func scanWorkItem(row interface{ Scan(...any) error }) (*storage.WorkItem, error) {
	var wi storage.WorkItem
	var blockedBy string
	var createdAt, updatedAt int64
	err := row.Scan(&wi.ID, &wi.BatchID, &wi.Subject, &wi.Status, &wi.Owner, &blockedBy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	wi.BlockedBy = splitNonEmpty(blockedBy)
	wi.CreatedAt = time.Unix(createdAt, 0)
	wi.UpdatedAt = time.Unix(updatedAt, 0)
	return &wi, nil
}

// InsertBatch inserts the batch row and all of its work items as a single
// transaction — the batch and its items either all land or none do.
func (s *workItemStorage) InsertBatch(b *storage.Batch, items []*storage.WorkItem) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin batch insert: %v", orcherr.ErrStorageIO, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	if _, err := tx.Exec(
		`INSERT INTO batches (id, name, team, created_at) VALUES (?, ?, ?, ?)`,
		b.ID, b.Name, b.Team, now.Unix(),
	); err != nil {
		return fmt.Errorf("%w: insert batch: %v", orcherr.ErrStorageIO, err)
	}
	b.CreatedAt = now

	for _, wi := range items {
		if _, err := tx.Exec(
			`INSERT INTO work_items (id, batch_id, subject, status, owner, blocked_by, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			wi.ID, b.ID, wi.Subject, wi.Status, wi.Owner, strings.Join(wi.BlockedBy, ","), now.Unix(), now.Unix(),
		); err != nil {
			return fmt.Errorf("%w: insert work item: %v", orcherr.ErrStorageIO, err)
		}
		wi.BatchID, wi.CreatedAt, wi.UpdatedAt = b.ID, now, now
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit batch insert: %v", orcherr.ErrStorageIO, err)
	}
	return nil
}

func (s *workItemStorage) GetItem(id string) (*storage.WorkItem, error) {
	row := s.db.QueryRow(
		`SELECT id, batch_id, subject, status, owner, blocked_by, created_at, updated_at FROM work_items WHERE id = ?`, id)
	wi, err := scanWorkItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: work item %s", orcherr.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get work item: %v", orcherr.ErrStorageIO, err)
	}
	return wi, nil
}

func (s *workItemStorage) ListItems(f storage.WorkItemFilter) ([]*storage.WorkItem, error) {
	query := `SELECT id, batch_id, subject, status, owner, blocked_by, created_at, updated_at FROM work_items WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, f.BatchID)
	}
	if f.Owner != "" {
		query += ` AND owner = ?`
		args = append(args, f.Owner)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list work items: %v", orcherr.ErrStorageIO, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*storage.WorkItem
	for rows.Next() {
		wi, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan work item: %v", orcherr.ErrStorageIO, err)
		}
		out = append(out, wi)
	}
	return out, rows.Err()
}

func (s *workItemStorage) UpdateItemStatus(id string, status storage.WorkItemStatus) error {
	res, err := s.db.Exec(`UPDATE work_items SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().Unix(), id)
	return mustAffectRow(res, err, id)
}

// DispatchBatch atomically transitions every pending item in the batch to
// in_progress.
func (s *workItemStorage) DispatchBatch(batchID string) error {
	_, err := s.db.Exec(
		`UPDATE work_items SET status = ?, updated_at = ? WHERE batch_id = ? AND status = ?`,
		storage.WorkItemInProgress, time.Now().Unix(), batchID, storage.WorkItemPending,
	)
	if err != nil {
		return fmt.Errorf("%w: dispatch batch: %v", orcherr.ErrStorageIO, err)
	}
	return nil
}
