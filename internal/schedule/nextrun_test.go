package schedule

import (
	"errors"
	"testing"
	"time"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	return loc
}

func TestCronNextIsStrictlyAfterNow(t *testing.T) {
	t.Parallel()
	c := NewCalculator()
	def := Definition{Kind: KindCron, CronExpr: "0 9 * * *"}

	now := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	got, ok, err := c.Next(def, time.Time{}, now)
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	want := time.Date(2025, 1, 11, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestCronRollsOverYear(t *testing.T) {
	t.Parallel()
	c := NewCalculator()
	def := Definition{Kind: KindCron, CronExpr: "30 0 1 1 *"}

	now := time.Date(2025, 12, 31, 23, 59, 0, 0, time.UTC)
	got, _, err := c.Next(def, time.Time{}, now)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 1, 1, 0, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestCronHonorsTimezoneWallClock(t *testing.T) {
	t.Parallel()
	ny := mustLoc(t, "America/New_York")
	c := NewCalculator()
	def := Definition{Kind: KindCron, CronExpr: "0 9 * * *", Timezone: "America/New_York"}

	// Across the March DST change 09:00 local moves from 14:00 to 13:00 UTC.
	before := time.Date(2025, 3, 8, 15, 0, 0, 0, time.UTC)
	got, _, err := c.Next(def, time.Time{}, before)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2025, 3, 9, 9, 0, 0, 0, ny); !got.Equal(want) {
		t.Fatalf("got %s want %s", got, want)
	}
	if got.UTC().Hour() != 13 {
		t.Fatalf("expected 13:00 UTC after DST, got %s", got.UTC())
	}
}

func TestCronSecondsAndDescriptors(t *testing.T) {
	t.Parallel()
	c := NewCalculator()
	now := time.Date(2025, 5, 5, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		expr string
		want time.Time
	}{
		{"30 * * * * *", now.Add(30 * time.Second)},
		{"@hourly", now.Add(time.Hour)},
		{"@every 15m", now.Add(15 * time.Minute)},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, _, err := c.Next(Definition{Kind: KindCron, CronExpr: tc.expr}, time.Time{}, now)
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equal(tc.want) {
				t.Fatalf("got %s want %s", got, tc.want)
			}
		})
	}
}

func TestIntervalAnchorsOnLastRun(t *testing.T) {
	t.Parallel()
	c := NewCalculator()
	def := Definition{Kind: KindInterval, IntervalMinutes: 60}
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		lastRun time.Time
		now     time.Time
		want    time.Time
	}{
		{"never ran", time.Time{}, t0, t0.Add(time.Hour)},
		{"on time", t0, t0.Add(10 * time.Minute), t0.Add(time.Hour)},
		{"late scan", t0, t0.Add(65 * time.Minute), t0.Add(120 * time.Minute)},
		{"exactly due", t0, t0.Add(time.Hour), t0.Add(120 * time.Minute)},
		{"after downtime", t0, t0.Add(10*time.Hour + time.Minute), t0.Add(11 * time.Hour)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok, err := c.Next(def, tc.lastRun, tc.now)
			if err != nil || !ok {
				t.Fatalf("ok=%v err=%v", ok, err)
			}
			if !got.Equal(tc.want) {
				t.Fatalf("got %s want %s", got, tc.want)
			}
			if !got.After(tc.now) {
				t.Fatalf("next %s not after now %s", got, tc.now)
			}
		})
	}
}

func TestIntervalIsMonotonic(t *testing.T) {
	t.Parallel()
	c := NewCalculator()
	def := Definition{Kind: KindInterval, IntervalMinutes: 7}
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	var last, prevNext time.Time
	for i := 0; i < 50; i++ {
		next, _, err := c.Next(def, last, now)
		if err != nil {
			t.Fatal(err)
		}
		if !prevNext.IsZero() && next.Before(prevNext) {
			t.Fatalf("firing %d: next %s before previous %s", i, next, prevNext)
		}
		if !last.IsZero() && !next.After(last) {
			t.Fatalf("firing %d: next %s not after last run %s", i, next, last)
		}
		prevNext = next
		// Scanner lag varies between 0 and 12 minutes.
		last = now
		now = next.Add(time.Duration(i%13) * time.Minute)
	}
}

func TestOnceFiresOnlyOnce(t *testing.T) {
	t.Parallel()
	c := NewCalculator()
	at := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	def := Definition{Kind: KindOnce, ScheduledAt: at}

	got, ok, err := c.Next(def, time.Time{}, at.Add(-time.Hour))
	if err != nil || !ok || !got.Equal(at) {
		t.Fatalf("first: got %s ok=%v err=%v", got, ok, err)
	}
	if _, ok, _ := c.Next(def, at, at.Add(time.Minute)); ok {
		t.Fatal("once schedule produced a second run")
	}
}

func TestInvalidDefinitions(t *testing.T) {
	t.Parallel()
	c := NewCalculator()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		def  Definition
	}{
		{"empty cron", Definition{Kind: KindCron}},
		{"bad cron", Definition{Kind: KindCron, CronExpr: "61 * * * *"}},
		{"zero interval", Definition{Kind: KindInterval}},
		{"negative interval", Definition{Kind: KindInterval, IntervalMinutes: -5}},
		{"once without time", Definition{Kind: KindOnce}},
		{"once in the past", Definition{Kind: KindOnce, ScheduledAt: now.Add(-time.Minute)}},
		{"two params", Definition{Kind: KindInterval, IntervalMinutes: 5, CronExpr: "* * * * *"}},
		{"bad timezone", Definition{Kind: KindInterval, IntervalMinutes: 5, Timezone: "Mars/Olympus"}},
		{"unknown kind", Definition{Kind: "weekly"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := c.Validate(tc.def, now)
			if !errors.Is(err, ErrInvalidDefinition) {
				t.Fatalf("want ErrInvalidDefinition, got %v", err)
			}
		})
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()
	if k, err := ParseKind(" Cron "); err != nil || k != KindCron {
		t.Fatalf("got %q %v", k, err)
	}
	if _, err := ParseKind("daily"); !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("want ErrInvalidDefinition, got %v", err)
	}
}
