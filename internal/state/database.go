package state

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Database is a migrated SQLite file. WAL mode with a single connection keeps
// writers serialised.
type Database struct {
	db            *sql.DB
	path          string
	schemaVersion uint
}

// OpenDatabase opens path, creating the file and its directory when missing,
// and applies pending migrations.
func OpenDatabase(path string) (*Database, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	version, err := migrateUp(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db, path: path, schemaVersion: version}, nil
}

// migrateUp brings the schema to the latest embedded version. The migrate
// instance is not closed because its driver would close db.
func migrateUp(db *sql.DB) (uint, error) {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return 0, fmt.Errorf("create sqlite migration driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return 0, fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("run migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return 0, fmt.Errorf("schema version %d is dirty", version)
	}
	return version, nil
}

func (d *Database) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// DB exposes the connection pool.
func (d *Database) DB() *sql.DB { return d.db }

// Path returns the database file path.
func (d *Database) Path() string { return d.path }

// SchemaVersion is the migration version applied at open.
func (d *Database) SchemaVersion() uint { return d.schemaVersion }
