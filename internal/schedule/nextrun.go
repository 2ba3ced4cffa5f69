package schedule

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger computes fire times for one scheduling mode.
type Trigger interface {
	Kind() Kind
	// Next returns the next fire time, or ok=false when the schedule will not
	// fire again. lastRun is zero when the schedule never fired.
	Next(lastRun, now time.Time) (t time.Time, ok bool)
}

type cronTrigger struct {
	sched cron.Schedule
	loc   *time.Location
}

func (c cronTrigger) Kind() Kind { return KindCron }

// Next is strictly after now and evaluated on the wall clock of loc, so DST
// shifts and month/year rollovers follow the schedule's timezone.
func (c cronTrigger) Next(_, now time.Time) (time.Time, bool) {
	t := c.sched.Next(now.In(c.loc))
	if t.IsZero() {
		return time.Time{}, false
	}
	return t.UTC(), true
}

type intervalTrigger struct {
	every time.Duration
}

func (i intervalTrigger) Kind() Kind { return KindInterval }

// Next anchors on the previous run and skips missed slots, so a delayed scan
// never produces a time in the past or a burst of catch-up firings.
func (i intervalTrigger) Next(lastRun, now time.Time) (time.Time, bool) {
	if lastRun.IsZero() {
		return now.Add(i.every).UTC(), true
	}
	next := lastRun.Add(i.every)
	if !next.After(now) {
		missed := now.Sub(next)/i.every + 1
		next = next.Add(missed * i.every)
	}
	return next.UTC(), true
}

type onceTrigger struct {
	at time.Time
}

func (o onceTrigger) Kind() Kind { return KindOnce }

func (o onceTrigger) Next(lastRun, _ time.Time) (time.Time, bool) {
	if !lastRun.IsZero() {
		return time.Time{}, false
	}
	return o.at.UTC(), true
}

// Calculator turns definitions into triggers. It caches loaded locations and
// is safe for concurrent use.
type Calculator struct {
	parser cron.Parser
	locs   sync.Map // string -> *time.Location
}

func NewCalculator() *Calculator {
	return &Calculator{
		parser: cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
	}
}

// Location loads a timezone by IANA name; an empty name is UTC.
func (c *Calculator) Location(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	if v, ok := c.locs.Load(name); ok {
		return v.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidDefinition, name, err)
	}
	c.locs.Store(name, loc)
	return loc, nil
}

// Trigger validates def and returns the trigger for its mode.
func (c *Calculator) Trigger(def Definition) (Trigger, error) {
	loc, err := c.Location(def.Timezone)
	if err != nil {
		return nil, err
	}
	switch def.Kind {
	case KindCron:
		expr := strings.TrimSpace(def.CronExpr)
		if expr == "" {
			return nil, fmt.Errorf("%w: cron_expression required", ErrInvalidDefinition)
		}
		if def.IntervalMinutes != 0 || !def.ScheduledAt.IsZero() {
			return nil, fmt.Errorf("%w: cron schedule must not set interval or scheduled_at", ErrInvalidDefinition)
		}
		sched, err := c.parser.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidDefinition, expr, err)
		}
		return cronTrigger{sched: sched, loc: loc}, nil
	case KindInterval:
		if def.IntervalMinutes <= 0 {
			return nil, fmt.Errorf("%w: interval_minutes must be > 0", ErrInvalidDefinition)
		}
		if def.CronExpr != "" || !def.ScheduledAt.IsZero() {
			return nil, fmt.Errorf("%w: interval schedule must not set cron_expression or scheduled_at", ErrInvalidDefinition)
		}
		return intervalTrigger{every: time.Duration(def.IntervalMinutes) * time.Minute}, nil
	case KindOnce:
		if def.ScheduledAt.IsZero() {
			return nil, fmt.Errorf("%w: scheduled_at required", ErrInvalidDefinition)
		}
		if def.CronExpr != "" || def.IntervalMinutes != 0 {
			return nil, fmt.Errorf("%w: once schedule must not set cron_expression or interval", ErrInvalidDefinition)
		}
		return onceTrigger{at: def.ScheduledAt}, nil
	default:
		return nil, fmt.Errorf("%w: unknown schedule_type %q", ErrInvalidDefinition, def.Kind)
	}
}

// Next computes the next fire time for def given its last run.
func (c *Calculator) Next(def Definition, lastRun, now time.Time) (time.Time, bool, error) {
	trig, err := c.Trigger(def)
	if err != nil {
		return time.Time{}, false, err
	}
	t, ok := trig.Next(lastRun, now)
	return t, ok, nil
}

// Validate checks def for creation or update. On top of Trigger it rejects a
// once schedule whose fire time is already in the past.
func (c *Calculator) Validate(def Definition, now time.Time) error {
	if _, err := c.Trigger(def); err != nil {
		return err
	}
	if def.Kind == KindOnce && !def.ScheduledAt.After(now) {
		return fmt.Errorf("%w: scheduled_at %s is in the past", ErrInvalidDefinition, def.ScheduledAt.UTC().Format(time.RFC3339))
	}
	return nil
}
