package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/2389-research/fleetd/internal/orcherr"
	"github.com/2389-research/fleetd/internal/storage"
)

type mailStorage struct {
	db *sql.DB
}

var _ storage.MailStorage = (*mailStorage)(nil)

func scanMail(row interface{ Scan(...any) error }) (*storage.MailMessage, error) {
	var m storage.MailMessage
	var createdAt int64
	var readAt *int64
	if err := row.Scan(&m.ID, &m.From, &m.To, &m.Subject, &m.Body, &createdAt, &readAt); err != nil {
		return nil, err
	}
	m.CreatedAt = time.Unix(createdAt, 0)
	m.ReadAt = timePtr(readAt)
	return &m, nil
}

func (s *mailStorage) Send(m *storage.MailMessage) (int64, error) {
	now := time.Now()
	res, err := s.db.Exec(
		`INSERT INTO mail (from_handle, to_handle, subject, body, created_at, read_at)
		 VALUES (?, ?, ?, ?, ?, NULL)`,
		m.From, m.To, m.Subject, m.Body, now.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: send mail: %v", orcherr.ErrStorageIO, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: last insert id: %v", orcherr.ErrStorageIO, err)
	}
	m.ID, m.CreatedAt = id, now
	return id, nil
}

func (s *mailStorage) GetUnread(handle string) ([]*storage.MailMessage, error) {
	return s.queryMail(
		`SELECT id, from_handle, to_handle, subject, body, created_at, read_at
		 FROM mail WHERE to_handle = ? AND read_at IS NULL ORDER BY id ASC`, handle)
}

func (s *mailStorage) GetAll(handle string, limit int) ([]*storage.MailMessage, error) {
	query := `SELECT id, from_handle, to_handle, subject, body, created_at, read_at
		FROM mail WHERE to_handle = ? ORDER BY id DESC`
	args := []any{handle}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryMail(query, args...)
}

func (s *mailStorage) queryMail(query string, args ...any) ([]*storage.MailMessage, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query mail: %v", orcherr.ErrStorageIO, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*storage.MailMessage
	for rows.Next() {
		m, err := scanMail(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan mail: %v", orcherr.ErrStorageIO, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *mailStorage) MarkRead(id int64) error {
	res, err := s.db.Exec(`UPDATE mail SET read_at = ? WHERE id = ? AND read_at IS NULL`, time.Now().Unix(), id)
	return mustAffectRow(res, err, fmt.Sprintf("%d", id))
}

func (s *mailStorage) MarkAllRead(handle string) (int, error) {
	res, err := s.db.Exec(
		`UPDATE mail SET read_at = ? WHERE to_handle = ? AND read_at IS NULL`, time.Now().Unix(), handle)
	if err != nil {
		return 0, fmt.Errorf("%w: mark all read: %v", orcherr.ErrStorageIO, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %v", orcherr.ErrStorageIO, err)
	}
	return int(n), nil
}

func scanHandoff(row interface{ Scan(...any) error }) (*storage.Handoff, error) {
	var h storage.Handoff
	var createdAt int64
	var acceptedAt *int64
	if err := row.Scan(&h.ID, &h.From, &h.To, &h.Context, &createdAt, &acceptedAt); err != nil {
		return nil, err
	}
	h.CreatedAt = time.Unix(createdAt, 0)
	h.AcceptedAt = timePtr(acceptedAt)
	return &h, nil
}

func (s *mailStorage) CreateHandoff(h *storage.Handoff) (int64, error) {
	now := time.Now()
	res, err := s.db.Exec(
		`INSERT INTO handoffs (from_handle, to_handle, context, created_at, accepted_at) VALUES (?, ?, ?, ?, NULL)`,
		h.From, h.To, h.Context, now.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: create handoff: %v", orcherr.ErrStorageIO, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: last insert id: %v", orcherr.ErrStorageIO, err)
	}
	h.ID, h.CreatedAt = id, now
	return id, nil
}

func (s *mailStorage) AcceptHandoff(id int64) error {
	res, err := s.db.Exec(
		`UPDATE handoffs SET accepted_at = ? WHERE id = ? AND accepted_at IS NULL`, time.Now().Unix(), id)
	return mustAffectRow(res, err, fmt.Sprintf("%d", id))
}

func (s *mailStorage) GetUnacceptedHandoffs(to string) ([]*storage.Handoff, error) {
	rows, err := s.db.Query(
		`SELECT id, from_handle, to_handle, context, created_at, accepted_at
		 FROM handoffs WHERE to_handle = ? AND accepted_at IS NULL ORDER BY id ASC`, to)
	if err != nil {
		return nil, fmt.Errorf("%w: get unaccepted handoffs: %v", orcherr.ErrStorageIO, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*storage.Handoff
	for rows.Next() {
		h, err := scanHandoff(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan handoff: %v", orcherr.ErrStorageIO, err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
