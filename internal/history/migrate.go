package history

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

// Migrate applies all pending schema migrations for the handle's
// dialect. Called at open and by `parley migrate up`.
func (d *DB) Migrate() error {
	m, err := d.Migrator()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	// m is not closed: closing the migrator closes the shared *sql.DB.
	return nil
}

// Migrator builds a migrate instance over the embedded migrations and
// the open handle, for the migrate subcommands (steps, goto, version).
// Closing the returned migrator closes the database handle.
func (d *DB) Migrator() (*migrate.Migrate, error) {
	dir := "migrations/" + d.Dialect.String()
	src, err := iofs.New(migrationFS, dir)
	if err != nil {
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}

	var drv database.Driver
	switch d.Dialect {
	case DialectPostgres:
		drv, err = migratepg.WithInstance(d.SQL, &migratepg.Config{})
	default:
		drv, err = migratesqlite.WithInstance(d.SQL, &migratesqlite.Config{})
	}
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, d.Dialect.String(), drv)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}
