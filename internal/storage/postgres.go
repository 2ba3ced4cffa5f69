package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/lib/pq"

	logx "github.com/GezzyDax/Timelith/pkg/logx"
)

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (*DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	sdb, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	sdb.SetMaxOpenConns(10)
	sdb.SetMaxIdleConns(5)
	sdb.SetConnMaxIdleTime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sdb.PingContext(pctx); err != nil {
		_ = sdb.Close()
		return nil, err
	}
	return &DB{sql: sdb, dialect: DialectPostgres, log: log.With(logx.String("driver", "postgres"))}, nil
}
