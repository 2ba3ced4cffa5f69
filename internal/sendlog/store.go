package sendlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/GezzyDax/Timelith/internal/storage"
)

const logColumns = `id, schedule_id, channel_id, account_id, status, message_content, external_message_id,
	error_message, sent_at, retry_count, created_at, updated_at`

// Store persists send logs. Status changes are compare-and-set updates on
// the current status, so a late or duplicate outcome cannot move a log
// backwards.
type Store struct {
	db *storage.DB
}

func NewStore(db *storage.DB) *Store { return &Store{db: db} }

// Create inserts a new pending log.
func (s *Store) Create(ctx context.Context, l Log, now time.Time) (Log, error) {
	l.Status = StatusPending
	l.RetryCount = 0
	l.SentAt = time.Time{}
	return s.insert(ctx, l, now)
}

// Import stores a log reported by an out-of-process delivery engine with
// its final fields as given.
func (s *Store) Import(ctx context.Context, l Log, now time.Time) (Log, error) {
	if _, err := ParseStatus(string(l.Status)); err != nil {
		return Log{}, err
	}
	if l.RetryCount < 0 {
		return Log{}, fmt.Errorf("retry_count must be >= 0")
	}
	if l.Status == StatusSent && l.SentAt.IsZero() {
		l.SentAt = now.UTC()
	}
	return s.insert(ctx, l, now)
}

func (s *Store) insert(ctx context.Context, l Log, now time.Time) (Log, error) {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	l.CreatedAt, l.UpdatedAt = now.UTC(), now.UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO send_logs(`+logColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.ScheduleID, l.ChannelID, l.AccountID, string(l.Status), l.MessageContent, l.ExternalMessageID,
		l.ErrorMessage, storage.Millis(l.SentAt), l.RetryCount, l.CreatedAt.UnixMilli(), l.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return Log{}, fmt.Errorf("insert send log: %w", err)
	}
	return l, nil
}

// MarkSending moves a pending log to sending.
func (s *Store) MarkSending(ctx context.Context, id string, now time.Time) error {
	return s.transition(ctx, id, StatusPending,
		`UPDATE send_logs SET status=?, updated_at=? WHERE id=? AND status=?`,
		string(StatusSending), now.UTC().UnixMilli(), id, string(StatusPending))
}

// MarkSent records a successful delivery. Only a sending log can be marked.
func (s *Store) MarkSent(ctx context.Context, id, externalID string, now time.Time) error {
	return s.transition(ctx, id, StatusSending,
		`UPDATE send_logs SET status=?, external_message_id=?, error_message='', sent_at=?, updated_at=?
		 WHERE id=? AND status=?`,
		string(StatusSent), externalID, now.UTC().UnixMilli(), now.UTC().UnixMilli(), id, string(StatusSending))
}

// MarkFailed records a failed delivery. Only a sending log can be marked.
func (s *Store) MarkFailed(ctx context.Context, id, errMsg string, now time.Time) error {
	return s.transition(ctx, id, StatusSending,
		`UPDATE send_logs SET status=?, error_message=?, updated_at=? WHERE id=? AND status=?`,
		string(StatusFailed), errMsg, now.UTC().UnixMilli(), id, string(StatusSending))
}

func (s *Store) transition(ctx context.Context, id string, from Status, q string, args ...any) error {
	n, err := storage.Affected(s.db.ExecContext(ctx, q, args...))
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s, expected %s", ErrInvalidTransition, id, cur.Status, from)
}

// BeginRetry starts a retry cycle: a failed log under the ceiling moves to
// sending with retry_count+1. Anything else fails with ErrRetryExhausted and
// the row is untouched.
func (s *Store) BeginRetry(ctx context.Context, id string, now time.Time) (Log, error) {
	n, err := storage.Affected(s.db.ExecContext(ctx,
		`UPDATE send_logs SET status=?, retry_count = retry_count + 1, error_message='', updated_at=?
		 WHERE id=? AND status=? AND retry_count < ?`,
		string(StatusSending), now.UTC().UnixMilli(), id, string(StatusFailed), MaxRetries,
	))
	if err != nil {
		return Log{}, err
	}
	cur, err := s.Get(ctx, id)
	if err != nil {
		return Log{}, err
	}
	if n == 0 {
		return cur, fmt.Errorf("%w: %s (status=%s retry_count=%d)", ErrRetryExhausted, id, cur.Status, cur.RetryCount)
	}
	return cur, nil
}

// RecoverStale fails sending logs not updated since olderThan and returns
// them. It reconciles attempts abandoned by a crash or an operator cancel.
func (s *Store) RecoverStale(ctx context.Context, olderThan, now time.Time) ([]Log, error) {
	var out []Log
	err := s.db.InTx(ctx, func(tx *storage.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+logColumns+` FROM send_logs WHERE status=? AND updated_at < ? ORDER BY updated_at ASC`,
			string(StatusSending), olderThan.UnixMilli(),
		)
		if err != nil {
			return err
		}
		for rows.Next() {
			l, err := scanLog(rows)
			if err != nil {
				_ = rows.Close()
				return err
			}
			out = append(out, l)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		for i := range out {
			out[i].Status = StatusFailed
			out[i].ErrorMessage = "delivery timed out (recovered)"
			out[i].UpdatedAt = now.UTC()
			if _, err := tx.ExecContext(ctx,
				`UPDATE send_logs SET status=?, error_message=?, updated_at=? WHERE id=? AND status=?`,
				string(StatusFailed), out[i].ErrorMessage, now.UTC().UnixMilli(), out[i].ID, string(StatusSending),
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id string) (Log, error) {
	l, err := scanLog(s.db.QueryRowContext(ctx, `SELECT `+logColumns+` FROM send_logs WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Log{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return l, err
}

// ListBySchedule returns the newest logs of a schedule first.
func (s *Store) ListBySchedule(ctx context.Context, scheduleID string, limit int) ([]Log, error) {
	return s.list(ctx, `SELECT `+logColumns+` FROM send_logs WHERE schedule_id=? ORDER BY created_at DESC, id DESC LIMIT ?`,
		scheduleID, listLimit(limit))
}

// ListRecent returns the newest logs across all schedules.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Log, error) {
	return s.list(ctx, `SELECT `+logColumns+` FROM send_logs ORDER BY created_at DESC, id DESC LIMIT ?`, listLimit(limit))
}

func listLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}

func (s *Store) list(ctx context.Context, q string, args ...any) ([]Log, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Log
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLog(r interface{ Scan(...any) error }) (Log, error) {
	var (
		l                Log
		status           string
		sentAt           sql.NullInt64
		created, updated int64
	)
	err := r.Scan(&l.ID, &l.ScheduleID, &l.ChannelID, &l.AccountID, &status, &l.MessageContent, &l.ExternalMessageID,
		&l.ErrorMessage, &sentAt, &l.RetryCount, &created, &updated)
	if err != nil {
		return Log{}, err
	}
	l.Status = Status(status)
	l.SentAt = storage.Time(sentAt)
	l.CreatedAt = time.UnixMilli(created).UTC()
	l.UpdatedAt = time.UnixMilli(updated).UTC()
	return l, nil
}
