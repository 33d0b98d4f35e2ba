// Package db provides the durable local store for field sync.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	apperrors "github.com/fleetops/fieldsync/internal/errors"
	"github.com/fleetops/fieldsync/internal/logging"
	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "fieldsync.db"

// DB wraps the sql.DB with field sync configuration.
type DB struct {
	*sql.DB
	Path string
}

// Open opens the SQLite database in dataDir and brings its schema up to date.
// The database is opened with:
// - WAL mode for concurrent reads/writes
// - Foreign key constraints enabled
// - A busy timeout so concurrent writers wait instead of failing
//
// Any failure is returned as STORE_INIT_FAILED; there is no in-memory fallback.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreInit, "create data directory", err)
	}

	dbPath := filepath.Join(dataDir, FileName)
	db, err := open(dbPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreInit, "open store", err)
	}

	if err := NewMigrator(db.DB).Up(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.ErrStoreInit, "migrate store", err)
	}

	version, _, _ := NewMigrator(db.DB).CurrentVersion()
	logging.Debug("store opened", map[string]interface{}{
		"path":           dbPath,
		"schema_version": version,
	})
	return db, nil
}

func open(dbPath string) (*DB, error) {
	// modernc.org/sqlite (pure Go, no CGO)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", p, err)
		}
	}

	return &DB{DB: db, Path: dbPath}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
