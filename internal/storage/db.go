// Package storage persists the recovery journal and small service state in
// SQLite.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"salvage/internal/config"
	"salvage/internal/storage/migrations"

	_ "modernc.org/sqlite"
)

// connPragmas are applied by the driver to every pooled connection.
// WAL lets the CLI read the journal while the service writes it.
var connPragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"foreign_keys(ON)",
}

// DB is the service database.
type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies pending
// migrations. A leading ~ is expanded.
func Open(path string) (*DB, error) {
	expanded, err := config.ExpandPath(path)
	if err != nil {
		return nil, fmt.Errorf("expand path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", dsn(expanded))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrations.Run(context.Background(), sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &DB{DB: sqlDB, path: expanded}, nil
}

func dsn(path string) string {
	q := url.Values{"_pragma": connPragmas}
	return "file:" + path + "?" + q.Encode()
}

// Path returns the expanded database file path.
func (db *DB) Path() string {
	return db.path
}

// WithTx runs fn in a transaction, committing on nil and rolling back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
