package channel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GezzyDax/Timelith/internal/storage"
)

const targetColumns = `c.id, c.external_id, c.name, c.kind, c.username, c.title, c.thread_id, c.created_at, c.updated_at`

type Store struct {
	db *storage.DB
}

func NewStore(db *storage.DB) *Store { return &Store{db: db} }

// Upsert inserts t or updates the row with the same ExternalID. The stored
// target is returned with its id.
func (s *Store) Upsert(ctx context.Context, t Target, now time.Time) (Target, error) {
	t.ExternalID = strings.TrimSpace(t.ExternalID)
	if t.ExternalID == "" {
		return Target{}, errors.New("channel external_id required")
	}
	kind, err := ParseKind(string(t.Kind))
	if err != nil {
		return Target{}, err
	}
	t.Kind = kind
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	ms := now.UTC().UnixMilli()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO channels(id, external_id, name, kind, username, title, thread_id, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(external_id) DO UPDATE SET
		   name=excluded.name, kind=excluded.kind, username=excluded.username,
		   title=excluded.title, thread_id=excluded.thread_id, updated_at=excluded.updated_at`,
		t.ID, t.ExternalID, t.Name, string(t.Kind), t.Username, t.Title, t.ThreadID, ms, ms,
	)
	if err != nil {
		return Target{}, fmt.Errorf("upsert channel: %w", err)
	}
	return s.GetByExternalID(ctx, t.ExternalID)
}

func (s *Store) Get(ctx context.Context, id string) (Target, error) {
	return s.getOne(ctx, `SELECT `+targetColumns+` FROM channels c WHERE c.id=?`, id)
}

func (s *Store) GetByExternalID(ctx context.Context, externalID string) (Target, error) {
	return s.getOne(ctx, `SELECT `+targetColumns+` FROM channels c WHERE c.external_id=?`, strings.TrimSpace(externalID))
}

func (s *Store) Delete(ctx context.Context, id string) error {
	n, err := storage.Affected(s.db.ExecContext(ctx, `DELETE FROM channels WHERE id=?`, id))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Attach links a channel to a schedule. Repeating an existing link is a
// no-op. A link to a missing schedule or channel fails with
// ErrDuplicateLink (also matching ErrNotFound).
func (s *Store) Attach(ctx context.Context, scheduleID, channelID string, now time.Time) error {
	return s.db.InTx(ctx, func(tx *storage.Tx) error {
		var schedules, channels int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM schedules WHERE id=?`, scheduleID).Scan(&schedules); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM channels WHERE id=?`, channelID).Scan(&channels); err != nil {
			return err
		}
		if schedules == 0 || channels == 0 {
			return fmt.Errorf("%w: schedule %q channel %q: %w", ErrDuplicateLink, scheduleID, channelID, ErrNotFound)
		}

		var pos int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(position), -1) + 1 FROM schedule_channels WHERE schedule_id=?`, scheduleID,
		).Scan(&pos); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO schedule_channels(schedule_id, channel_id, position, created_at) VALUES(?,?,?,?)
			 ON CONFLICT(schedule_id, channel_id) DO NOTHING`,
			scheduleID, channelID, pos, now.UTC().UnixMilli(),
		)
		if storage.IsForeignKeyViolation(err) {
			return fmt.Errorf("%w: %w", ErrDuplicateLink, err)
		}
		return err
	})
}

// Detach removes the link; a missing link is not an error. The only channel
// of an active schedule cannot be detached (ErrLastChannel): deactivate the
// schedule first.
func (s *Store) Detach(ctx context.Context, scheduleID, channelID string) error {
	return s.db.InTx(ctx, func(tx *storage.Tx) error {
		var linked, others int
		if err := tx.QueryRowContext(ctx,
			`SELECT
			   COALESCE(SUM(CASE WHEN channel_id=? THEN 1 ELSE 0 END), 0),
			   COALESCE(SUM(CASE WHEN channel_id<>? THEN 1 ELSE 0 END), 0)
			 FROM schedule_channels WHERE schedule_id=?`,
			channelID, channelID, scheduleID,
		).Scan(&linked, &others); err != nil {
			return err
		}
		if linked == 0 {
			return nil
		}
		if others == 0 {
			var active int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM schedules WHERE id=? AND active=?`, scheduleID, true,
			).Scan(&active); err != nil {
				return err
			}
			if active > 0 {
				return fmt.Errorf("%w: schedule %s", ErrLastChannel, scheduleID)
			}
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM schedule_channels WHERE schedule_id=? AND channel_id=?`, scheduleID, channelID)
		return err
	})
}

// Members returns the schedule's channels in attach order.
func (s *Store) Members(ctx context.Context, scheduleID string) ([]Target, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+targetColumns+` FROM channels c
		 JOIN schedule_channels sc ON sc.channel_id = c.id
		 WHERE sc.schedule_id=?
		 ORDER BY sc.position ASC, c.id ASC`,
		scheduleID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) Count(ctx context.Context, scheduleID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schedule_channels WHERE schedule_id=?`, scheduleID).Scan(&n)
	return n, err
}

func (s *Store) getOne(ctx context.Context, q string, arg string) (Target, error) {
	t, err := scanTarget(s.db.QueryRowContext(ctx, q, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return Target{}, fmt.Errorf("%w: %s", ErrNotFound, arg)
	}
	return t, err
}

func scanTarget(r interface{ Scan(...any) error }) (Target, error) {
	var (
		t                Target
		kind             string
		created, updated int64
	)
	if err := r.Scan(&t.ID, &t.ExternalID, &t.Name, &kind, &t.Username, &t.Title, &t.ThreadID, &created, &updated); err != nil {
		return Target{}, err
	}
	t.Kind = Kind(kind)
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	return t, nil
}
