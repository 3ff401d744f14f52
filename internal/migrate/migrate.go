// Package migrate applies embedded SQL migrations on startup.
package migrate

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/and161185/televault/migrations"
)

// Dialect selects the index backend a migration set targets.
type Dialect string

const (
	// SQLite is the embedded single-file index.
	SQLite Dialect = "sqlite"
	// Postgres is the optional shared index.
	Postgres Dialect = "postgres"
)

// Up runs all pending migrations from the embedded filesystem.
// For SQLite the dsn is a file path.
func Up(ctx context.Context, dialect Dialect, dsn string) error {
	var driver, gooseDialect string
	switch dialect {
	case SQLite:
		driver, gooseDialect = "sqlite", "sqlite3"
	case Postgres:
		driver, gooseDialect = "pgx", "postgres"
	default:
		return fmt.Errorf("unsupported index dialect %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(gooseDialect); err != nil {
		return err
	}

	return goose.UpContext(ctx, db, string(dialect))
}
