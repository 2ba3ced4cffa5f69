// Package scanner finds due schedules and hands each one to the task engine
// as a firing, exactly once per due run.
//
// The in-flight marker is a lease stored on the schedule row (locked_by,
// locked_until). A scanner fires a schedule only after winning the lease, and
// the firing releases it after recording the execution. The fan-out runs
// under a deadline that ends before the lease does, counted from the moment
// the lease was won, so time spent queued in the engine is part of the
// budget. A lease left behind by a crashed process expires after the TTL and
// is force-released by the next recovery pass.
package scanner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GezzyDax/Timelith/internal/eventbus"
	rtsup "github.com/GezzyDax/Timelith/internal/runtime/supervisor"
	"github.com/GezzyDax/Timelith/internal/schedule"
	"github.com/GezzyDax/Timelith/internal/sendlog"
	"github.com/GezzyDax/Timelith/internal/stats"
	"github.com/GezzyDax/Timelith/internal/task/engine"
	logx "github.com/GezzyDax/Timelith/pkg/logx"
)

const (
	DefaultInterval   = 30 * time.Second
	DefaultLeaseTTL   = 10 * time.Minute
	DefaultStaleAfter = 2 * time.Minute

	enqueueWarnThrottle = 5 * time.Second
	leaseReleaseTimeout = 5 * time.Second
	maxLeaseMargin      = time.Minute
	staleMargin         = time.Minute
)

// errLeaseSpent is returned by a firing that reached a worker after its
// lease budget ran out. The schedule stays due for the next scan.
var errLeaseSpent = errors.New("lease budget spent before the firing started")

// fireDeadline is when the fan-out of a lease won at wonAt must stop. The
// rest of the TTL is left for recording the execution.
func fireDeadline(wonAt time.Time, ttl time.Duration) time.Time {
	return wonAt.Add(ttl - min(ttl/5, maxLeaseMargin))
}

type Config struct {
	Enabled  bool
	Interval time.Duration
	// LeaseTTL is how long a firing may hold a schedule before the lease
	// counts as stalled. It also bounds the firing task.
	LeaseTTL time.Duration
	// StaleAfter is the age after which a log still in sending is failed.
	// When zero it is derived from DeliveryTimeout so a delivery that can
	// still succeed is never recovered.
	StaleAfter time.Duration
	// DeliveryTimeout is the per-channel delivery bound of the fan-out.
	DeliveryTimeout time.Duration
	Policy          stats.Policy
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = max(DefaultStaleAfter, c.DeliveryTimeout+staleMargin)
	}
	return c
}

// Firer runs the fan-out of one firing.
type Firer interface {
	Fire(ctx context.Context, sc schedule.Schedule) ([]sendlog.Log, error)
}

// Submitter queues a firing. A nil Submitter runs firings inline on the
// scanning goroutine.
type Submitter interface {
	Submit(ctx context.Context, t engine.Task) error
}

type Deps struct {
	Schedules *schedule.Store
	Logs      *sendlog.Store
	Firer     Firer
	Engine    Submitter
	Bus       eventbus.Bus
	Log       logx.Logger
	Now       func() time.Time
}

// TickReport summarizes one scan.
type TickReport struct {
	At             time.Time
	Due            int
	Submitted      int
	Skipped        int
	Failed         int
	ReleasedLeases []string
	RecoveredLogs  int
}

type Service struct {
	deps     Deps
	log      logx.Logger
	instance string

	mu    sync.Mutex
	cfg   Config
	sup   *rtsup.Supervisor
	reset chan struct{}

	enqMu       sync.Mutex
	lastEnqWarn time.Time
}

func New(cfg Config, deps Deps) *Service {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{
		deps:     deps,
		log:      deps.Log,
		instance: uuid.NewString(),
		cfg:      cfg.withDefaults(),
		reset:    make(chan struct{}, 1),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the config. A running loop picks up the new interval at once.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
	select {
	case s.reset <- struct{}{}:
	default:
	}
}

// Start runs the scan loop under a supervisor; it is a no-op when disabled
// or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("scanner.loop", func(c context.Context) error {
		s.loop(c)
		return c.Err()
	}, rtsup.WithPublishFirstError(true))
	s.log.Info("scanner started",
		logx.Duration("interval", s.cfg.Interval),
		logx.Duration("lease_ttl", s.cfg.LeaseTTL),
		logx.String("instance", s.instance),
	)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("scanner stop", logx.Err(err))
	}
	s.log.Info("scanner stopped")
}

func (s *Service) loop(ctx context.Context) {
	// First scan right away so a restart catches up without waiting.
	s.Tick(ctx)
	for {
		t := time.NewTimer(s.config().Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-s.reset:
			t.Stop()
			if !s.Enabled() {
				continue
			}
		case <-t.C:
			if s.Enabled() {
				s.Tick(ctx)
			}
		}
	}
}

// Tick runs one recovery pass and one scan at the current time.
func (s *Service) Tick(ctx context.Context) TickReport {
	cfg := s.config()
	now := s.deps.Now()
	rep := TickReport{At: now}

	s.recover(ctx, cfg, now, &rep)

	due, err := s.deps.Schedules.DueSet(ctx, now)
	if err != nil {
		s.log.Error("due set query failed", logx.Err(err))
		return rep
	}
	rep.Due = len(due)

	for _, sc := range due {
		if ctx.Err() != nil {
			break
		}
		owner := s.instance + "/" + uuid.NewString()
		wonAt := time.Now()
		ok, err := s.deps.Schedules.AcquireLease(ctx, sc.ID, owner, now, cfg.LeaseTTL)
		if err != nil {
			rep.Failed++
			s.log.Warn("lease acquire failed", logx.String("schedule_id", sc.ID), logx.Err(err))
			continue
		}
		if !ok {
			// In flight elsewhere, or already fired by another scanner.
			rep.Skipped++
			continue
		}
		if err := s.submit(ctx, cfg, sc, owner, fireDeadline(wonAt, cfg.LeaseTTL)); err != nil {
			rep.Failed++
			s.release(ctx, sc.ID, owner)
			s.reportEnqueueError(sc, err)
			continue
		}
		rep.Submitted++
	}

	if rep.Due > 0 || len(rep.ReleasedLeases) > 0 || rep.RecoveredLogs > 0 {
		s.log.Debug("scan finished",
			logx.Int("due", rep.Due),
			logx.Int("submitted", rep.Submitted),
			logx.Int("skipped", rep.Skipped),
			logx.Int("failed", rep.Failed),
		)
	}
	return rep
}

func (s *Service) recover(ctx context.Context, cfg Config, now time.Time, rep *TickReport) {
	ids, err := s.deps.Schedules.ReleaseExpiredLeases(ctx, now)
	if err != nil {
		s.log.Error("expired lease release failed", logx.Err(err))
	}
	rep.ReleasedLeases = ids
	for _, id := range ids {
		s.log.Warn("schedule lease expired; released", logx.String("schedule_id", id), logx.Duration("lease_ttl", cfg.LeaseTTL))
		s.publish(eventbus.TypeLeaseStalled, eventbus.LeaseEvent{ScheduleID: id})
	}

	if s.deps.Logs == nil {
		return
	}
	stale, err := s.deps.Logs.RecoverStale(ctx, now.Add(-cfg.StaleAfter), now)
	if err != nil {
		s.log.Error("stale send log recovery failed", logx.Err(err))
		return
	}
	rep.RecoveredLogs = len(stale)
	for _, l := range stale {
		s.log.Warn("stale delivery marked failed",
			logx.String("send_log_id", l.ID),
			logx.String("schedule_id", l.ScheduleID),
			logx.String("channel_id", l.ChannelID),
		)
	}
}

func (s *Service) submit(ctx context.Context, cfg Config, sc schedule.Schedule, owner string, deadline time.Time) error {
	run := func(c context.Context) error { return s.fire(c, cfg, sc, owner, deadline) }
	if s.deps.Engine == nil {
		_ = run(ctx)
		return nil
	}
	return s.deps.Engine.Submit(ctx, engine.Task{
		Name:    "schedule.fire",
		Key:     "schedule:" + sc.ID,
		Timeout: cfg.LeaseTTL,
		Run:     run,
		OnDrop: func(reason error) {
			s.log.Warn("firing dropped before it ran", logx.String("schedule_id", sc.ID), logx.Err(reason))
			s.release(context.Background(), sc.ID, owner)
		},
		// A firing is never re-run: its sends may already have gone out.
		Opt: engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1},
	})
}

// fire runs the fan-out until deadline, records the execution and releases
// the lease. The lease is released on every path.
func (s *Service) fire(ctx context.Context, cfg Config, sc schedule.Schedule, owner string, deadline time.Time) error {
	defer s.release(ctx, sc.ID, owner)

	log := s.log.With(logx.String("schedule_id", sc.ID), logx.String("schedule", sc.Name))
	if !time.Now().Before(deadline) {
		log.Warn("firing skipped: lease budget spent in queue", logx.Time("deadline", deadline))
		return engine.NoRetry(errLeaseSpent)
	}
	s.publish(eventbus.TypeFiringStarted, eventbus.FiringEvent{ScheduleID: sc.ID, Name: sc.Name, FiredAt: s.deps.Now()})

	fctx, cancel := context.WithDeadline(ctx, deadline)
	logs, ferr := s.deps.Firer.Fire(fctx, sc)
	cancel()
	if ferr != nil {
		log.Warn("firing incomplete", logx.Err(ferr))
	}
	out := stats.Aggregate(logs, cfg.Policy)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseReleaseTimeout)
	defer cancel()
	updated, rerr := s.deps.Schedules.RecordExecution(rctx, sc.ID, out, s.deps.Now())

	ev := eventbus.FiringEvent{
		ScheduleID: sc.ID,
		Name:       sc.Name,
		FiredAt:    s.deps.Now(),
		Channels:   len(logs),
		Sent:       out.Sent,
		Failed:     out.Failed,
		Success:    out.Success,
		NextRunAt:  updated.NextRunAt,
	}
	if err := errors.Join(ferr, rerr); err != nil {
		ev.Error = err.Error()
	}
	s.publish(eventbus.TypeFiringFinished, ev)

	if rerr != nil {
		log.Error("record execution failed", logx.Err(rerr))
		return engine.NoRetry(rerr)
	}
	log.Info("schedule fired",
		logx.Bool("success", out.Success),
		logx.Int("sent", out.Sent),
		logx.Int("failed", out.Failed),
		logx.Time("next_run_at", updated.NextRunAt),
	)
	if ferr != nil {
		return engine.NoRetry(ferr)
	}
	return nil
}

func (s *Service) release(ctx context.Context, id, owner string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseReleaseTimeout)
	defer cancel()
	if err := s.deps.Schedules.ReleaseLease(rctx, id, owner); err != nil {
		s.log.Warn("lease release failed", logx.String("schedule_id", id), logx.Err(err))
	}
}

func (s *Service) publish(typ string, data any) {
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

func (s *Service) reportEnqueueError(sc schedule.Schedule, err error) {
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("firing skipped", logx.String("schedule_id", sc.ID), logx.Err(err))
		return
	}
	now := time.Now()
	s.enqMu.Lock()
	if !s.lastEnqWarn.IsZero() && now.Sub(s.lastEnqWarn) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn = now
	s.enqMu.Unlock()
	s.log.Warn("firing not submitted", logx.String("schedule_id", sc.ID), logx.Err(err))
}
