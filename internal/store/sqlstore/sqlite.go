package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

func init() {
	Register(&sqliteDriver{})
}

// sqliteDriver backs the store with a local SQLite file via the pure-Go
// driver, so no CGO is needed.
type sqliteDriver struct{}

// Name implements Driver.
func (d *sqliteDriver) Name() string { return "sqlite" }

// Dialect implements Driver.
func (d *sqliteDriver) Dialect() string { return "sqlite3" }

// Open implements Driver. The pool is capped at one connection so all
// goroutines serialize through it, which eliminates SQLITE_BUSY errors from
// concurrent writers.
func (d *sqliteDriver) Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return db, nil
}

// Rebind implements Driver. SQLite consumes ? placeholders natively.
func (d *sqliteDriver) Rebind(query string) string { return query }
