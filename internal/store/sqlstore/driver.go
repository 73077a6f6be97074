package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// Driver abstracts over the SQL engines the graph store supports. Each
// engine configures its own pool and placeholder style; the store itself is
// written once against ? placeholders.
type Driver interface {
	// Name returns the driver identifier ("sqlite", "postgres").
	Name() string

	// Dialect returns the goose dialect used for migrations.
	Dialect() string

	// Open opens and configures the connection pool for the DSN.
	Open(ctx context.Context, dsn string) (*sql.DB, error)

	// Rebind rewrites ? placeholders into the engine's native format.
	Rebind(query string) string
}

var drivers = make(map[string]Driver)

// Register adds a driver under its name. Drivers register themselves in
// init; calling Register twice for one name is a programming error.
func Register(driver Driver) {
	if _, ok := drivers[driver.Name()]; ok {
		panic(fmt.Sprintf("sqlstore: driver %q registered twice", driver.Name()))
	}
	drivers[driver.Name()] = driver
}

// GetDriver retrieves a registered driver by name.
func GetDriver(name string) (Driver, bool) {
	driver, ok := drivers[name]
	return driver, ok
}

// rebindPositional rewrites each ? into $1, $2, ... for engines with
// positional placeholders.
func rebindPositional(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
