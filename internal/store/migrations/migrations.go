// Package migrations embeds the schema for the SQL stores and runs it
// through goose.
//
// Commands mirror the goose CLI: up, down, status, version, redo,
// up-to <version>, down-to <version>.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS

// Dialect selects the schema variant.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite3"
)

func (d Dialect) dir() string {
	if d == SQLite {
		return "sqlite"
	}
	return "postgres"
}

// Run executes a goose command against db using the embedded schema.
func Run(ctx context.Context, db *sql.DB, dialect Dialect, command string, args ...string) error {
	goose.SetBaseFS(FS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(string(dialect)); err != nil {
		return fmt.Errorf("set dialect %s: %w", dialect, err)
	}
	if err := goose.RunContext(ctx, command, db, dialect.dir(), args...); err != nil {
		return fmt.Errorf("migration %s: %w", command, err)
	}
	return nil
}

// Up applies all pending migrations.
func Up(ctx context.Context, db *sql.DB, dialect Dialect) error {
	return Run(ctx, db, dialect, "up")
}
