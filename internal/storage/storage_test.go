package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	logx "github.com/GezzyDax/Timelith/pkg/logx"
)

func TestRebind(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"no params", "SELECT 1", "SELECT 1"},
		{"two params", "UPDATE t SET a=? WHERE id=?", "UPDATE t SET a=$1 WHERE id=$2"},
		{"quoted", "SELECT '?' FROM t WHERE id=?", "SELECT '?' FROM t WHERE id=$1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := rebind(DialectPostgres, tc.in); got != tc.want {
				t.Fatalf("rebind(%q)=%q want %q", tc.in, got, tc.want)
			}
			if got := rebind(DialectSQLite, tc.in); got != tc.in {
				t.Fatalf("sqlite rebind changed query: %q", got)
			}
		})
	}
}

func TestOpenSQLiteMigrates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, err := Open(ctx, Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "data", "t.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	for _, table := range []string{"schedules", "channels", "schedule_channels", "send_logs", "message_templates"} {
		var n int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			t.Fatalf("table %s: %v", table, err)
		}
	}

	// Migrations are idempotent.
	if err := db.migrate(ctx); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), Config{Driver: "mysql"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
	if _, err := Open(context.Background(), Config{}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("empty driver: want ErrDisabled, got %v", err)
	}
}

func TestInTxRollsBack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, err := Open(ctx, Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "t.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	boom := errors.New("boom")
	err = db.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO channels(id, external_id, created_at, updated_at) VALUES(?,?,?,?)`,
			"c1", "-100", 1, 1); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM channels`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("rows after rollback=%d", n)
	}
}
