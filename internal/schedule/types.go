package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidDefinition is returned for a missing or malformed mode parameter
	// (cron expression, interval, fire time or timezone).
	ErrInvalidDefinition = errors.New("invalid schedule definition")
	// ErrNotActivatable is returned by Activate when the schedule has no
	// channels or cannot produce a next run.
	ErrNotActivatable = errors.New("schedule not activatable")
	ErrNotFound       = errors.New("schedule not found")
)

// Kind is the scheduling mode.
type Kind string

const (
	KindCron     Kind = "cron"
	KindInterval Kind = "interval"
	KindOnce     Kind = "once"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindCron, KindInterval, KindOnce:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown schedule_type %q", ErrInvalidDefinition, s)
	}
}

// Definition is the mode-specific part of a schedule. Exactly one of
// CronExpr, IntervalMinutes and ScheduledAt is meaningful for a Kind.
type Definition struct {
	Kind            Kind
	CronExpr        string
	IntervalMinutes int
	ScheduledAt     time.Time
	// Timezone is an IANA name; empty means UTC.
	Timezone string
}

// Outcome is the aggregated result of one firing.
type Outcome struct {
	Success bool
	Sent    int
	Failed  int
}

// Schedule is a broadcast job.
type Schedule struct {
	ID         string
	Name       string
	TemplateID string
	AccountID  string
	Def        Definition

	Active    bool
	NextRunAt time.Time // zero when inactive
	LastRunAt time.Time

	TotalRuns      int64
	SuccessfulRuns int64
	FailedRuns     int64

	// Lease columns: the in-flight marker held by a scanner while a firing runs.
	LockedBy    string
	LockedUntil time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// InFlight reports whether a live lease is held at now.
func (s Schedule) InFlight(now time.Time) bool {
	return s.LockedBy != "" && !s.LockedUntil.IsZero() && !s.LockedUntil.Before(now)
}

// Due reports whether s belongs to the due set at now.
func (s Schedule) Due(now time.Time) bool {
	return s.Active && !s.NextRunAt.IsZero() && !s.NextRunAt.After(now)
}
