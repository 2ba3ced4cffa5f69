// Package storagetest opens throwaway SQLite databases for package tests.
package storagetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/GezzyDax/Timelith/internal/storage"
	logx "github.com/GezzyDax/Timelith/pkg/logx"
)

// Open returns a migrated database under t.TempDir(), closed on cleanup.
func Open(t testing.TB) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "timelith.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}
