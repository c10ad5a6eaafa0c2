package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	// LocalName is the device-local task store.
	LocalName = "local.db"
	// RemoteName backs the document service run by tf serve.
	RemoteName = "remote.db"

	workspaceDir = ".taskflow"
)

type Config struct {
	Workspace string
	// Name is the database file inside the workspace; LocalName when empty.
	Name string
}

func dbPath(workspace, name string) string {
	if workspace == "" {
		workspace = "."
	}
	if name == "" {
		name = LocalName
	}
	return filepath.Join(workspace, workspaceDir, name)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite database in WAL mode so readers do not block the sync writer.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath(cfg.Workspace, cfg.Name))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace, name string) string {
	return dbPath(workspace, name)
}
