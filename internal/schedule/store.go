package schedule

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GezzyDax/Timelith/internal/storage"
	logx "github.com/GezzyDax/Timelith/pkg/logx"
)

const scheduleColumns = `id, name, template_id, account_id, schedule_type, cron_expression, interval_minutes,
	scheduled_at, timezone, active, next_run_at, last_run_at, total_runs, successful_runs, failed_runs,
	locked_by, locked_until, created_at, updated_at`

// Store persists schedules. Every mutation is a single-row update guarded by
// its WHERE clause; no operation spans more than one schedule.
type Store struct {
	db   *storage.DB
	calc *Calculator
	log  logx.Logger
}

func NewStore(db *storage.DB, calc *Calculator, log logx.Logger) *Store {
	if calc == nil {
		calc = NewCalculator()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{db: db, calc: calc, log: log}
}

func (s *Store) Calculator() *Calculator { return s.calc }

// Create validates and inserts a new, inactive schedule.
func (s *Store) Create(ctx context.Context, sc Schedule, now time.Time) (Schedule, error) {
	if strings.TrimSpace(sc.Name) == "" {
		return Schedule{}, fmt.Errorf("%w: name required", ErrInvalidDefinition)
	}
	if err := s.calc.Validate(sc.Def, now); err != nil {
		return Schedule{}, err
	}
	if sc.ID == "" {
		sc.ID = uuid.New().String()
	}
	if sc.Def.Timezone == "" {
		sc.Def.Timezone = "UTC"
	}
	sc.Active = false
	sc.NextRunAt = time.Time{}
	sc.CreatedAt, sc.UpdatedAt = now.UTC(), now.UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(id, name, template_id, account_id, schedule_type, cron_expression, interval_minutes,
			scheduled_at, timezone, active, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		sc.ID, sc.Name, storage.NullString(sc.TemplateID), sc.AccountID, string(sc.Def.Kind),
		storage.NullString(sc.Def.CronExpr), nullInterval(sc.Def.IntervalMinutes), storage.Millis(sc.Def.ScheduledAt),
		sc.Def.Timezone, false, sc.CreatedAt.UnixMilli(), sc.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return Schedule{}, fmt.Errorf("insert schedule: %w", err)
	}
	return sc, nil
}

// Update rewrites name, template and definition. An active schedule gets its
// next run recomputed from the new definition.
func (s *Store) Update(ctx context.Context, sc Schedule, now time.Time) (Schedule, error) {
	if err := s.calc.Validate(sc.Def, now); err != nil {
		return Schedule{}, err
	}
	var out Schedule
	err := s.db.InTx(ctx, func(tx *storage.Tx) error {
		cur, err := get(ctx, tx, sc.ID)
		if err != nil {
			return err
		}
		cur.Name = sc.Name
		cur.TemplateID = sc.TemplateID
		cur.AccountID = sc.AccountID
		cur.Def = sc.Def
		if cur.Def.Timezone == "" {
			cur.Def.Timezone = "UTC"
		}
		if cur.Active {
			next, ok, err := s.calc.Next(cur.Def, cur.LastRunAt, now)
			if err != nil {
				return err
			}
			if !ok {
				cur.Active = false
				next = time.Time{}
			}
			cur.NextRunAt = next
		}
		cur.UpdatedAt = now.UTC()
		_, err = tx.ExecContext(ctx,
			`UPDATE schedules SET name=?, template_id=?, account_id=?, schedule_type=?, cron_expression=?,
				interval_minutes=?, scheduled_at=?, timezone=?, active=?, next_run_at=?, updated_at=?
			 WHERE id=?`,
			cur.Name, storage.NullString(cur.TemplateID), cur.AccountID, string(cur.Def.Kind),
			storage.NullString(cur.Def.CronExpr), nullInterval(cur.Def.IntervalMinutes), storage.Millis(cur.Def.ScheduledAt),
			cur.Def.Timezone, cur.Active, storage.Millis(cur.NextRunAt), cur.UpdatedAt.UnixMilli(), cur.ID,
		)
		out = cur
		return err
	})
	return out, err
}

// Delete removes the schedule; links and send logs cascade.
func (s *Store) Delete(ctx context.Context, id string) error {
	n, err := storage.Affected(s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id=?`, id))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (Schedule, error) {
	return get(ctx, s.db, id)
}

// List returns schedules ordered by name then id.
func (s *Store) List(ctx context.Context, activeOnly bool) ([]Schedule, error) {
	q := `SELECT ` + scheduleColumns + ` FROM schedules`
	var args []any
	if activeOnly {
		q += ` WHERE active = ?`
		args = append(args, true)
	}
	q += ` ORDER BY name ASC, id ASC`
	return s.query(ctx, q, args...)
}

// Activate enables the schedule and persists its first next run. It fails
// with ErrNotActivatable when no channel is attached, the definition is
// invalid, or the schedule will never fire again (a once schedule that
// already ran).
func (s *Store) Activate(ctx context.Context, id string, now time.Time) (Schedule, error) {
	var out Schedule
	err := s.db.InTx(ctx, func(tx *storage.Tx) error {
		cur, err := get(ctx, tx, id)
		if err != nil {
			return err
		}
		var members int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM schedule_channels WHERE schedule_id=?`, id).Scan(&members); err != nil {
			return err
		}
		if members == 0 {
			return fmt.Errorf("%w: no channels attached", ErrNotActivatable)
		}
		next, ok, err := s.calc.Next(cur.Def, cur.LastRunAt, now)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNotActivatable, err)
		}
		if !ok {
			return fmt.Errorf("%w: schedule will not fire again", ErrNotActivatable)
		}
		cur.Active = true
		cur.NextRunAt = next
		cur.UpdatedAt = now.UTC()
		_, err = tx.ExecContext(ctx,
			`UPDATE schedules SET active=?, next_run_at=?, updated_at=? WHERE id=?`,
			true, next.UnixMilli(), cur.UpdatedAt.UnixMilli(), id,
		)
		out = cur
		return err
	})
	if err != nil {
		return Schedule{}, err
	}
	s.log.Debug("schedule activated", logx.String("schedule_id", id), logx.Time("next_run_at", out.NextRunAt))
	return out, nil
}

// Deactivate disables the schedule and clears next_run_at.
func (s *Store) Deactivate(ctx context.Context, id string, now time.Time) error {
	n, err := storage.Affected(s.db.ExecContext(ctx,
		`UPDATE schedules SET active=?, next_run_at=NULL, updated_at=? WHERE id=?`,
		false, now.UTC().UnixMilli(), id,
	))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DueSet returns active schedules with next_run_at <= now, oldest due first
// and id as the tie-break.
func (s *Store) DueSet(ctx context.Context, now time.Time) ([]Schedule, error) {
	return s.query(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE active = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY next_run_at ASC, id ASC`,
		true, now.UnixMilli(),
	)
}

// RecordExecution is the single entry point for run counters. It sets
// last_run_at, bumps total and success or failure, and moves next_run_at
// forward. A once schedule is deactivated instead. The next run is computed
// from the previous last_run_at, not from now, so interval schedules keep
// their cadence when a scan is late.
func (s *Store) RecordExecution(ctx context.Context, id string, out Outcome, now time.Time) (Schedule, error) {
	var res Schedule
	err := s.db.InTx(ctx, func(tx *storage.Tx) error {
		cur, err := get(ctx, tx, id)
		if err != nil {
			return err
		}
		next, ok, err := s.calc.Next(cur.Def, cur.LastRunAt, now)
		if err != nil {
			// Definitions are validated on write; a broken row stops firing.
			s.log.Warn("next run computation failed; deactivating",
				logx.String("schedule_id", id), logx.Err(err))
			ok = false
		}
		if cur.Def.Kind == KindOnce || !ok || !cur.Active {
			cur.Active = false
			next = time.Time{}
		}

		cur.LastRunAt = now.UTC()
		cur.NextRunAt = next
		cur.TotalRuns++
		success, failed := 0, 1
		if out.Success {
			success, failed = 1, 0
			cur.SuccessfulRuns++
		} else {
			cur.FailedRuns++
		}
		cur.UpdatedAt = now.UTC()

		_, err = tx.ExecContext(ctx,
			`UPDATE schedules SET last_run_at=?, next_run_at=?, active=?,
				total_runs = total_runs + 1,
				successful_runs = successful_runs + ?,
				failed_runs = failed_runs + ?,
				updated_at=?
			 WHERE id=?`,
			cur.LastRunAt.UnixMilli(), storage.Millis(cur.NextRunAt), cur.Active,
			success, failed, cur.UpdatedAt.UnixMilli(), id,
		)
		res = cur
		return err
	})
	if err != nil {
		return Schedule{}, err
	}
	return res, nil
}

// AcquireLease marks the schedule in flight for owner until now+ttl. It
// succeeds only when the schedule is still due and no live lease exists, so
// two scanners cannot both fire the same run.
func (s *Store) AcquireLease(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error) {
	n, err := storage.Affected(s.db.ExecContext(ctx,
		`UPDATE schedules SET locked_by=?, locked_until=?
		 WHERE id=? AND active=? AND next_run_at IS NOT NULL AND next_run_at <= ?
		   AND (locked_until IS NULL OR locked_until < ?)`,
		owner, now.Add(ttl).UnixMilli(), id, true, now.UnixMilli(), now.UnixMilli(),
	))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLease clears the lease if owner still holds it.
func (s *Store) ReleaseLease(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET locked_by=NULL, locked_until=NULL WHERE id=? AND locked_by=?`,
		id, owner,
	)
	return err
}

// ReleaseExpiredLeases force-releases leases whose deadline passed and
// returns the affected schedule ids.
func (s *Store) ReleaseExpiredLeases(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.db.InTx(ctx, func(tx *storage.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM schedules WHERE locked_until IS NOT NULL AND locked_until < ? ORDER BY id`,
			now.UnixMilli(),
		)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE schedules SET locked_by=NULL, locked_until=NULL WHERE locked_until IS NOT NULL AND locked_until < ?`,
			now.UnixMilli(),
		)
		return err
	})
	return ids, err
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func get(ctx context.Context, q storage.Querier, id string) (Schedule, error) {
	row := q.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sc, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r rowScanner) (Schedule, error) {
	var (
		sc                          Schedule
		templateID, cronExpr, owner sql.NullString
		interval                    sql.NullInt64
		kind                        string
		scheduledAt, next, last     sql.NullInt64
		lockedUntil                 sql.NullInt64
		created, updated            int64
	)
	err := r.Scan(&sc.ID, &sc.Name, &templateID, &sc.AccountID, &kind, &cronExpr, &interval,
		&scheduledAt, &sc.Def.Timezone, &sc.Active, &next, &last, &sc.TotalRuns, &sc.SuccessfulRuns, &sc.FailedRuns,
		&owner, &lockedUntil, &created, &updated)
	if err != nil {
		return Schedule{}, err
	}
	sc.TemplateID = templateID.String
	sc.Def.Kind = Kind(kind)
	sc.Def.CronExpr = cronExpr.String
	sc.Def.IntervalMinutes = int(interval.Int64)
	sc.Def.ScheduledAt = storage.Time(scheduledAt)
	sc.NextRunAt = storage.Time(next)
	sc.LastRunAt = storage.Time(last)
	sc.LockedBy = owner.String
	sc.LockedUntil = storage.Time(lockedUntil)
	sc.CreatedAt = time.UnixMilli(created).UTC()
	sc.UpdatedAt = time.UnixMilli(updated).UTC()
	return sc, nil
}

func nullInterval(m int) any {
	if m == 0 {
		return nil
	}
	return m
}
