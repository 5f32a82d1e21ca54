package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/2389-research/fleetd/internal/orcherr"
	"github.com/2389-research/fleetd/internal/storage"
)

type swarmStorage struct {
	db *sql.DB
}

var _ storage.SwarmStorage = (*swarmStorage)(nil)

func scanSwarm(row interface{ Scan(...any) error }) (*storage.Swarm, error) {
	var s storage.Swarm
	var createdAt int64
	if err := row.Scan(&s.ID, &s.Name, &s.MaxAgents, &createdAt); err != nil {
		return nil, err
	}
	s.CreatedAt = time.Unix(createdAt, 0)
	return &s, nil
}

func (s *swarmStorage) Insert(sw *storage.Swarm) error {
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO swarms (id, name, max_agents, created_at) VALUES (?, ?, ?, ?)`,
		sw.ID, sw.Name, sw.MaxAgents, now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("%w: insert swarm: %v", orcherr.ErrStorageIO, err)
	}
	sw.CreatedAt = now
	return nil
}

func (s *swarmStorage) Get(id string) (*storage.Swarm, error) {
	row := s.db.QueryRow(`SELECT id, name, max_agents, created_at FROM swarms WHERE id = ?`, id)
	sw, err := scanSwarm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: swarm %s", orcherr.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get swarm: %v", orcherr.ErrStorageIO, err)
	}
	return sw, nil
}

func (s *swarmStorage) List() ([]*storage.Swarm, error) {
	rows, err := s.db.Query(`SELECT id, name, max_agents, created_at FROM swarms ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list swarms: %v", orcherr.ErrStorageIO, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*storage.Swarm
	for rows.Next() {
		sw, err := scanSwarm(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan swarm: %v", orcherr.ErrStorageIO, err)
		}
		out = append(out, sw)
	}
	return out, rows.Err()
}

// Delete requires all of the swarm's workers be dismissed unless force is
// set.
func (s *swarmStorage) Delete(id string, force bool) error {
	if !force {
		var liveCount int
		err := s.db.QueryRow(
			`SELECT COUNT(*) FROM workers WHERE swarm_id = ? AND dismissed_at IS NULL`, id,
		).Scan(&liveCount)
		if err != nil {
			return fmt.Errorf("%w: check live workers: %v", orcherr.ErrStorageIO, err)
		}
		if liveCount > 0 {
			return fmt.Errorf("%w: swarm %s has %d live workers", orcherr.ErrInvalidState, id, liveCount)
		}
	}
	res, err := s.db.Exec(`DELETE FROM swarms WHERE id = ?`, id)
	return mustAffectRow(res, err, id)
}
