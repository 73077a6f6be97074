package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

func init() {
	Register(&postgresDriver{})
}

// postgresDriver backs the store with PostgreSQL through the pgx stdlib
// adapter.
type postgresDriver struct{}

// Name implements Driver.
func (d *postgresDriver) Name() string { return "postgres" }

// Dialect implements Driver.
func (d *postgresDriver) Dialect() string { return "postgres" }

// Open implements Driver.
func (d *postgresDriver) Open(_ context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// Rebind implements Driver.
func (d *postgresDriver) Rebind(query string) string {
	return rebindPositional(query)
}
