package history

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // pure Go driver, no CGO
)

// OpenSQLite opens (creating if needed) the SQLite database at path,
// applies pending migrations and returns the handle.
func OpenSQLite(path string) (*DB, error) {
	d, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := d.Migrate(); err != nil {
		d.Close()
		return nil, err
	}
	slog.Debug("sqlite database ready", "path", path)
	return d, nil
}

// openSQLite opens the handle without touching the schema. The
// connection pool is pinned to a single connection: SQLite serializes
// writers, and one connection keeps WAL checkpointing and in-memory
// databases sane.
func openSQLite(path string) (*DB, error) {
	if path == "" {
		path = "parley.db"
	}
	if !strings.HasPrefix(path, ":memory:") {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &DB{SQL: db, Dialect: DialectSQLite}, nil
}
