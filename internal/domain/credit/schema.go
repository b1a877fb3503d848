package credit

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var (
	//go:embed schema_postgres.sql
	postgresSchema string

	//go:embed schema_sqlite.sql
	sqliteSchema string
)

// Migrate creates the ledger tables for the driver behind db. It is idempotent.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	schema := postgresSchema
	if isSQLite(db) {
		schema = sqliteSchema
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: migrate: %w", ErrLedgerStore, err)
	}
	return nil
}

func isSQLite(db *sqlx.DB) bool {
	return db.DriverName() == "sqlite3"
}
