package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSqliteDBMemoryDefaults(t *testing.T) {
	database, err := NewSqliteDB()
	require.NoError(t, err)
	defer database.Close()

	_, err = database.Exec(`CREATE TABLE roots (path TEXT PRIMARY KEY, done INTEGER NOT NULL DEFAULT 0)`)
	require.NoError(t, err)
	_, err = database.Exec(`INSERT INTO roots (path, done) VALUES (?, 1)`, "/marks")
	require.NoError(t, err)

	var done bool
	require.NoError(t, database.Get(&done, `SELECT done FROM roots WHERE path = ?`, "/marks"))
	assert.True(t, done)
}

// The state record opens its database with a single connection under a
// nested state directory; this mirrors that profile.
func TestNewSqliteDBSingleWriterFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state", "marksync.db")

	database, err := NewSqliteDB(WithPath(dbPath), WithMaxOpenConns(1))
	require.NoError(t, err)
	defer database.Close()

	assert.DirExists(t, filepath.Dir(dbPath))
	assert.Equal(t, 1, database.Stats().MaxOpenConnections)

	var mode string
	require.NoError(t, database.Get(&mode, `PRAGMA journal_mode`))
	assert.Equal(t, "wal", mode)
}

func TestNewSqliteDBFileSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "marksync.db")

	database, err := NewSqliteDB(WithPath(dbPath), WithMaxOpenConns(1))
	require.NoError(t, err)
	_, err = database.Exec(`CREATE TABLE roots (path TEXT PRIMARY KEY)`)
	require.NoError(t, err)
	_, err = database.Exec(`INSERT INTO roots (path) VALUES (?)`, "/marks")
	require.NoError(t, err)
	require.NoError(t, database.Close())

	database, err = NewSqliteDB(WithPath(dbPath), WithMaxOpenConns(1))
	require.NoError(t, err)
	defer database.Close()

	var count int
	require.NoError(t, database.Get(&count, `SELECT COUNT(*) FROM roots`))
	assert.Equal(t, 1, count)
}

func TestNewSqliteDBCustomPragmas(t *testing.T) {
	database, err := NewSqliteDB(WithPragmas("PRAGMA journal_mode=WAL;"))
	require.NoError(t, err)
	defer database.Close()

	_, err = database.Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY)`)
	assert.NoError(t, err)
}
