package sync

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openmaps/marksync/internal/db"
)

const stateSchema = `
CREATE TABLE IF NOT EXISTS sync_roots (
    root TEXT PRIMARY KEY,
    initial_done INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL -- RFC3339
);
`

// StateRecord is the one piece of durable sync state: whether the first-ever
// synchronization completed, keyed per local root directory.
type StateRecord struct {
	db     *sqlx.DB
	dbPath string
}

func NewStateRecord(dbPath string) *StateRecord {
	return &StateRecord{dbPath: dbPath}
}

func (s *StateRecord) Open() error {
	if s.db != nil {
		return errors.New("state record already open")
	}

	database, err := db.NewSqliteDB(db.WithPath(s.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("open state record: %w", err)
	}

	if _, err := database.Exec(stateSchema); err != nil {
		database.Close()
		return fmt.Errorf("initialize state schema: %w", err)
	}

	s.db = database
	return nil
}

func (s *StateRecord) Close() error {
	if s.db == nil {
		return errors.New("state record not open")
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// InitialSyncDone reports whether the first-ever synchronization for root
// has completed. An unknown root reports false.
func (s *StateRecord) InitialSyncDone(root string) (bool, error) {
	var done int
	err := s.db.Get(&done, "SELECT initial_done FROM sync_roots WHERE root = ?", root)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query root %s: %w", root, err)
	}
	return done != 0, nil
}

// MarkInitialSyncDone durably records that the first synchronization for
// root completed.
func (s *StateRecord) MarkInitialSyncDone(root string) error {
	_, err := s.db.Exec(
		`INSERT INTO sync_roots (root, initial_done, updated_at) VALUES (?, 1, ?)
		 ON CONFLICT(root) DO UPDATE SET initial_done = 1, updated_at = excluded.updated_at`,
		root, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("mark initial sync done for %s: %w", root, err)
	}
	return nil
}

// Forget drops the record for root, so the next session runs as an initial
// synchronization again.
func (s *StateRecord) Forget(root string) error {
	_, err := s.db.Exec("DELETE FROM sync_roots WHERE root = ?", root)
	if err != nil {
		return fmt.Errorf("forget root %s: %w", root, err)
	}
	return nil
}
