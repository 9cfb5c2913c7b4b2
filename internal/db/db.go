// Package db owns the workspace state directory and the SQLite connection. All
// durable state lives in .milo/milo.db under the workspace root.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	stateDir     = ".milo"
	databaseFile = "milo.db"
)

// Dir returns the hidden state directory for a workspace.
func Dir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir)
}

// Path returns the database file path for a workspace.
func Path(workspace string) string {
	return filepath.Join(Dir(workspace), databaseFile)
}

// Init creates the state directory if missing and returns it.
func Init(workspace string) (string, error) {
	dir := Dir(workspace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	return dir, nil
}

// Open opens the workspace database, creating the state directory on first use.
// WAL keeps readers from blocking behind concurrent tick writers; busy_timeout
// covers the brief writer lock instead of surfacing SQLITE_BUSY.
func Open(workspace string) (*sql.DB, error) {
	if _, err := Init(workspace); err != nil {
		return nil, err
	}
	conn, err := sql.Open("sqlite", Path(workspace))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	for _, pragma := range []string{
		"journal_mode=WAL",
		"busy_timeout=5000",
		"foreign_keys=ON",
	} {
		if _, err := conn.Exec("PRAGMA " + pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("pragma %s: %w", pragma, err)
		}
	}
	return conn, nil
}
