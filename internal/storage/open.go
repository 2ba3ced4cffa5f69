package storage

import (
	"context"
	"errors"
	"strings"

	logx "github.com/GezzyDax/Timelith/pkg/logx"
)

// Open initializes the configured database and applies the embedded schema.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*DB, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	var (
		db  *DB
		err error
	)
	switch driver {
	case "sqlite", "sqlite3":
		db, err = openSQLite(cfg, log)
	case "postgres", "postgresql", "pg":
		db, err = openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}
	if err := db.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", db.dialect.String()))
	return db, nil
}
