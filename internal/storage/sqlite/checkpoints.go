package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389-research/fleetd/internal/orcherr"
	"github.com/2389-research/fleetd/internal/storage"
)

type checkpointStorage struct {
	db *sql.DB
}

var _ storage.CheckpointStorage = (*checkpointStorage)(nil)

func encodeList(items []string) string {
	if items == nil {
		items = []string{}
	}
	b, _ := json.Marshal(items)
	return string(b)
}

func decodeList(s string) []string {
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func scanCheckpoint(row interface{ Scan(...any) error }) (*storage.Checkpoint, error) {
	var c storage.Checkpoint
	var done, blockers, questions, worked, failed, next, filesCreated, filesModified string
	var createdAt int64
	var acceptedAt, rejectedAt *int64

	err := row.Scan(
		&c.ID, &c.From, &c.To, &c.Goal, &c.Now,
		&done, &blockers, &questions, &worked, &failed, &next,
		&filesCreated, &filesModified,
		&createdAt, &acceptedAt, &rejectedAt,
	)
	if err != nil {
		return nil, err
	}
	c.DoneThisSession = decodeList(done)
	c.Blockers = decodeList(blockers)
	c.Questions = decodeList(questions)
	c.Worked = decodeList(worked)
	c.Failed = decodeList(failed)
	c.Next = decodeList(next)
	c.Files = storage.CheckpointFiles{Created: decodeList(filesCreated), Modified: decodeList(filesModified)}
	c.CreatedAt = time.Unix(createdAt, 0)
	c.AcceptedAt = timePtr(acceptedAt)
	c.RejectedAt = timePtr(rejectedAt)
	return &c, nil
}

const checkpointColumns = `id, from_handle, to_handle, goal, now,
	done_this_session, blockers, questions, worked, failed, next_actions,
	files_created, files_modified, created_at, accepted_at, rejected_at`

func (s *checkpointStorage) Create(c *storage.Checkpoint) (int64, error) {
	if c.Goal == "" {
		return 0, fmt.Errorf("%w: checkpoint goal is required", orcherr.ErrInvalidState)
	}
	now := time.Now()
	res, err := s.db.Exec(
		`INSERT INTO checkpoints (from_handle, to_handle, goal, now,
			done_this_session, blockers, questions, worked, failed, next_actions,
			files_created, files_modified, created_at, accepted_at, rejected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)`,
		c.From, c.To, c.Goal, c.Now,
		encodeList(c.DoneThisSession), encodeList(c.Blockers), encodeList(c.Questions),
		encodeList(c.Worked), encodeList(c.Failed), encodeList(c.Next),
		encodeList(c.Files.Created), encodeList(c.Files.Modified), now.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: create checkpoint: %v", orcherr.ErrStorageIO, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: last insert id: %v", orcherr.ErrStorageIO, err)
	}
	c.ID, c.CreatedAt = id, now
	return id, nil
}

func (s *checkpointStorage) Load(id int64) (*storage.Checkpoint, error) {
	row := s.db.QueryRow(`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	c, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: checkpoint %d", orcherr.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load checkpoint: %v", orcherr.ErrStorageIO, err)
	}
	return c, nil
}

// LoadLatest returns the highest-id checkpoint where handle appears as the
// recipient, regardless of its accept/reject status.
func (s *checkpointStorage) LoadLatest(handle string) (*storage.Checkpoint, error) {
	row := s.db.QueryRow(
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE to_handle = ? ORDER BY id DESC LIMIT 1`, handle)
	c, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no checkpoint for %s", orcherr.ErrNotFound, handle)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load latest checkpoint: %v", orcherr.ErrStorageIO, err)
	}
	return c, nil
}

func (s *checkpointStorage) List(handle string, f storage.CheckpointFilter) ([]*storage.Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE to_handle = ?`
	args := []any{handle}
	switch f.Status {
	case "accepted":
		query += ` AND accepted_at IS NOT NULL`
	case "rejected":
		query += ` AND rejected_at IS NOT NULL`
	case "pending":
		query += ` AND accepted_at IS NULL AND rejected_at IS NULL`
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list checkpoints: %v", orcherr.ErrStorageIO, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*storage.Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan checkpoint: %v", orcherr.ErrStorageIO, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Accept transitions a pending checkpoint to accepted. Returns false,nil
// (not an error) if the checkpoint was already terminal — accept/reject
// is at-most-once.
func (s *checkpointStorage) Accept(id int64) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE checkpoints SET accepted_at = ? WHERE id = ? AND accepted_at IS NULL AND rejected_at IS NULL`,
		time.Now().Unix(), id,
	)
	if err != nil {
		return false, fmt.Errorf("%w: accept checkpoint: %v", orcherr.ErrStorageIO, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %v", orcherr.ErrStorageIO, err)
	}
	return n > 0, nil
}

func (s *checkpointStorage) Reject(id int64) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE checkpoints SET rejected_at = ? WHERE id = ? AND accepted_at IS NULL AND rejected_at IS NULL`,
		time.Now().Unix(), id,
	)
	if err != nil {
		return false, fmt.Errorf("%w: reject checkpoint: %v", orcherr.ErrStorageIO, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %v", orcherr.ErrStorageIO, err)
	}
	return n > 0, nil
}
