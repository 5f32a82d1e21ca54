// Package sqlite is the default Storage backend: an embedded, write-ahead
// logged on-disk store backed by the pure-Go ncruces/go-sqlite3 driver.
// Schema migrations are applied through golang-migrate against the same
// *sql.DB the application queries run over.
package sqlite

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	sqlite3migrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/2389-research/fleetd/internal/log"
	"github.com/2389-research/fleetd/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps a *sql.DB and the per-entity storage implementations that share
// its connection.
type DB struct {
	conn *sql.DB

	workers     *workerStorage
	tasks       *taskStorage
	workItems   *workItemStorage
	blackboard  *blackboardStorage
	mail        *mailStorage
	checkpoints *checkpointStorage
	spawnQueue  *spawnQueueStorage
	swarms      *swarmStorage
}

var _ storage.Store = (*DB)(nil)

// Open opens (creating if necessary) the SQLite database at path, applies
// pending migrations, and returns a ready-to-use Store.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	conn.SetMaxOpenConns(1) // single-writer WAL discipline for an embedded store

	if _, err := conn.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("configure pragmas: %w", err)
	}

	if err := migrateUp(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	db := &DB{conn: conn}
	db.workers = &workerStorage{db: conn}
	db.tasks = &taskStorage{db: conn}
	db.workItems = &workItemStorage{db: conn}
	db.blackboard = &blackboardStorage{db: conn}
	db.mail = &mailStorage{db: conn}
	db.checkpoints = &checkpointStorage{db: conn}
	db.spawnQueue = &spawnQueueStorage{db: conn}
	db.swarms = &swarmStorage{db: conn}
	return db, nil
}

func migrateUp(conn *sql.DB) error {
	driver, err := sqlite3migrate.WithInstance(conn, &sqlite3migrate.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	log.Info(log.CatStorage, "migrations applied")
	return nil
}

func (d *DB) Workers() storage.WorkerStorage         { return d.workers }
func (d *DB) Tasks() storage.TaskStorage             { return d.tasks }
func (d *DB) WorkItems() storage.WorkItemStorage     { return d.workItems }
func (d *DB) Blackboard() storage.BlackboardStorage  { return d.blackboard }
func (d *DB) Mail() storage.MailStorage              { return d.mail }
func (d *DB) Checkpoints() storage.CheckpointStorage { return d.checkpoints }
func (d *DB) SpawnQueue() storage.SpawnQueueStorage  { return d.spawnQueue }
func (d *DB) Swarms() storage.SwarmStorage           { return d.swarms }

// Close releases the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}
