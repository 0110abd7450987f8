// Package store is the SQLite backing for the phase journal.
package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// DB wraps the journal database.
type DB struct {
	conn *sql.DB
}

// NewDB opens (creating if needed) the journal at dbPath and applies the schema.
func NewDB(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	// One writer; SQLite serializes anyway and this keeps busy errors away.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, closeWith(conn, fmt.Errorf("enabling WAL mode: %w", err))
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		return nil, closeWith(conn, fmt.Errorf("executing schema: %w", err))
	}
	return &DB{conn: conn}, nil
}

func closeWith(conn *sql.DB, err error) error {
	if closeErr := conn.Close(); closeErr != nil {
		return fmt.Errorf("%v; closing journal: %w", err, closeErr)
	}
	return err
}

// Close closes the database.
func (db *DB) Close() error {
	return db.conn.Close()
}
