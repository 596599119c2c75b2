package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed sqlite/*.sql
var sqliteFiles embed.FS

// Dialect selects the SQL flavour a store speaks.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

func (d Dialect) String() string {
	if d == DialectSQLite {
		return "sqlite"
	}
	return "postgres"
}

// ParseDialect maps a configured driver name to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch driver {
	case "postgres", "pgx", "":
		return DialectPostgres, nil
	case "sqlite":
		return DialectSQLite, nil
	default:
		return 0, fmt.Errorf("unknown database driver %q", driver)
	}
}

func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// OpenSQLite opens (creating if needed) a SQLite database at path and applies
// the embedded schema. Writes are serialised through a single connection.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := applySQLiteSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// applySQLiteSchema creates the tables, adds columns introduced after a
// database file was first created, then installs the version triggers.
func applySQLiteSchema(ctx context.Context, db *sql.DB) error {
	schema, err := sqliteFiles.ReadFile("sqlite/schema.sql")
	if err != nil {
		return fmt.Errorf("read sqlite schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}

	var hasVersion bool
	err = db.QueryRowContext(ctx, `SELECT COUNT(*) > 0 FROM pragma_table_info('items') WHERE name = 'version'`).Scan(&hasVersion)
	if err != nil {
		return fmt.Errorf("inspect items table: %w", err)
	}
	if !hasVersion {
		if _, err := db.ExecContext(ctx, `ALTER TABLE items ADD COLUMN version INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("add items.version: %w", err)
		}
	}

	triggers, err := sqliteFiles.ReadFile("sqlite/triggers.sql")
	if err != nil {
		return fmt.Errorf("read sqlite triggers: %w", err)
	}
	if _, err := db.ExecContext(ctx, string(triggers)); err != nil {
		return fmt.Errorf("apply sqlite triggers: %w", err)
	}
	return nil
}
