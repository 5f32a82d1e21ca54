package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/2389-research/fleetd/internal/orcherr"
	"github.com/2389-research/fleetd/internal/storage"
)

type blackboardStorage struct {
	db *sql.DB
}

var _ storage.BlackboardStorage = (*blackboardStorage)(nil)

func scanBlackboardMessage(row interface{ Scan(...any) error }) (*storage.BlackboardMessage, error) {
	var m storage.BlackboardMessage
	var createdAt int64
	var expiresAt *int64
	var archived int
	err := row.Scan(
		&m.ID, &m.SwarmID, &m.SenderHandle, &m.TargetHandle, &m.Type, &m.Priority,
		&m.Payload, &createdAt, &expiresAt, &archived,
	)
	if err != nil {
		return nil, err
	}
	m.CreatedAt = time.Unix(createdAt, 0)
	m.ExpiresAt = timePtr(expiresAt)
	m.Archived = archived != 0
	return &m, nil
}

func (s *blackboardStorage) PostMessage(m *storage.BlackboardMessage) error {
	now := time.Now()
	res, err := s.db.Exec(
		`INSERT INTO blackboard (swarm_id, sender_handle, target_handle, message_type, priority, payload, created_at, expires_at, archived)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		m.SwarmID, m.SenderHandle, m.TargetHandle, m.Type, m.Priority, m.Payload, now.Unix(), nullTime(m.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("%w: post blackboard message: %v", orcherr.ErrStorageIO, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("%w: last insert id: %v", orcherr.ErrStorageIO, err)
	}
	m.ID, m.CreatedAt = id, now
	return nil
}

// ReadMessages implements the visibility rule: a reader sees every
// un-archived, non-expired message in the swarm that is either untargeted
// or targeted to its own handle.
func (s *blackboardStorage) ReadMessages(swarmID string, f storage.BlackboardFilter) ([]*storage.BlackboardMessage, error) {
	query := `SELECT id, swarm_id, sender_handle, target_handle, message_type, priority, payload, created_at, expires_at, archived
		FROM blackboard WHERE swarm_id = ? AND archived = 0 AND (expires_at IS NULL OR expires_at > ?)`
	args := []any{swarmID, time.Now().Unix()}

	if f.ReaderHandle != "" {
		query += ` AND (target_handle = '' OR target_handle = ?)`
		args = append(args, f.ReaderHandle)
	}
	if f.Type != "" {
		query += ` AND message_type = ?`
		args = append(args, f.Type)
	}
	if f.MinPriority != "" {
		var placeholders []string
		for _, p := range []storage.Priority{storage.PriorityLow, storage.PriorityNormal, storage.PriorityHigh, storage.PriorityCritical} {
			if p.Rank() >= f.MinPriority.Rank() {
				placeholders = append(placeholders, "?")
				args = append(args, p)
			}
		}
		query += ` AND priority IN (` + strings.Join(placeholders, ",") + `)`
	}
	if f.Since != nil {
		query += ` AND created_at > ?`
		args = append(args, f.Since.Unix())
	}
	if f.UnreadOnly {
		if f.ReaderHandle == "" {
			return nil, fmt.Errorf("%w: unreadOnly requires readerHandle", orcherr.ErrInvalidState)
		}
		query += ` AND id NOT IN (SELECT message_id FROM blackboard_reads WHERE reader_handle = ?)`
		args = append(args, f.ReaderHandle)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: read blackboard messages: %v", orcherr.ErrStorageIO, err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*storage.BlackboardMessage
	for rows.Next() {
		m, err := scanBlackboardMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan blackboard message: %v", orcherr.ErrStorageIO, err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortByPriorityThenCreatedDesc(msgs)
	if f.Limit > 0 && len(msgs) > f.Limit {
		msgs = msgs[:f.Limit]
	}
	return msgs, nil
}

func sortByPriorityThenCreatedDesc(msgs []*storage.BlackboardMessage) {
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0; j-- {
			a, b := msgs[j-1], msgs[j]
			if a.Priority.Rank() < b.Priority.Rank() ||
				(a.Priority.Rank() == b.Priority.Rank() && a.CreatedAt.Before(b.CreatedAt)) {
				msgs[j-1], msgs[j] = msgs[j], msgs[j-1]
				continue
			}
			break
		}
	}
}

func (s *blackboardStorage) MarkRead(ids []int64, reader string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin mark read: %v", orcherr.ErrStorageIO, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().Unix()
	for _, id := range ids {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO blackboard_reads (message_id, reader_handle, read_at) VALUES (?, ?, ?)`,
			id, reader, now,
		); err != nil {
			return fmt.Errorf("%w: mark read: %v", orcherr.ErrStorageIO, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit mark read: %v", orcherr.ErrStorageIO, err)
	}
	return nil
}

func (s *blackboardStorage) ArchiveMessage(id int64) error {
	res, err := s.db.Exec(`UPDATE blackboard SET archived = 1 WHERE id = ?`, id)
	return mustAffectRow(res, err, fmt.Sprintf("%d", id))
}

func (s *blackboardStorage) ArchiveOldMessages(swarmID string, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	res, err := s.db.Exec(
		`UPDATE blackboard SET archived = 1 WHERE swarm_id = ? AND archived = 0 AND created_at <= ?`,
		swarmID, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: archive old messages: %v", orcherr.ErrStorageIO, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %v", orcherr.ErrStorageIO, err)
	}
	return int(n), nil
}

func (s *blackboardStorage) GetUnreadCount(swarmID, reader string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM blackboard
		 WHERE swarm_id = ? AND archived = 0 AND (expires_at IS NULL OR expires_at > ?)
		   AND (target_handle = '' OR target_handle = ?)
		   AND id NOT IN (SELECT message_id FROM blackboard_reads WHERE reader_handle = ?)`,
		swarmID, time.Now().Unix(), reader, reader,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: get unread count: %v", orcherr.ErrStorageIO, err)
	}
	return count, nil
}
