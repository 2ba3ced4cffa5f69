package storage

import (
	"context"
	"embed"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func (db *DB) migrate(ctx context.Context) error {
	name := "migrations/sqlite.sql"
	if db.dialect == DialectPostgres {
		name = "migrations/postgres.sql"
	}
	b, err := migrationsFS.ReadFile(name)
	if err != nil {
		return err
	}
	_, err = db.sql.ExecContext(ctx, string(b))
	return wrapMigrate(db.dialect, err)
}
