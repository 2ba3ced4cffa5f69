package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/GezzyDax/Timelith/internal/channel"
	"github.com/GezzyDax/Timelith/internal/eventbus"
	"github.com/GezzyDax/Timelith/internal/message"
	"github.com/GezzyDax/Timelith/internal/schedule"
	"github.com/GezzyDax/Timelith/internal/sendlog"
	logx "github.com/GezzyDax/Timelith/pkg/logx"
)

// storeWriteTimeout bounds outcome writes that run after the firing context
// was canceled.
const storeWriteTimeout = 5 * time.Second

type Deps struct {
	Schedules *schedule.Store
	Channels  *channel.Store
	Templates *message.Store
	Logs      *sendlog.Store
	Deliverer Deliverer
	Bus       eventbus.Bus
	Log       logx.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type Fanout struct {
	deps Deps
	log  logx.Logger
	calc *schedule.Calculator

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter
}

func NewFanout(cfg Config, deps Deps) *Fanout {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	f := &Fanout{deps: deps, log: deps.Log, calc: schedule.NewCalculator()}
	if deps.Schedules != nil {
		f.calc = deps.Schedules.Calculator()
	}
	f.Apply(cfg)
	return f
}

// Apply swaps limits; in-progress firings keep the values they started with.
func (f *Fanout) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	f.mu.Lock()
	f.cfg, f.limiter = cfg, lim
	f.mu.Unlock()
}

func (f *Fanout) current() (Config, *rate.Limiter) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cfg, f.limiter
}

// Fire delivers the schedule's template to every member channel and returns
// the resulting send logs in member order. Delivery failures are recorded in
// the logs; the returned error only reports storage failures or a missing
// template.
func (f *Fanout) Fire(ctx context.Context, sc schedule.Schedule) ([]sendlog.Log, error) {
	loc, err := f.calc.Location(sc.Def.Timezone)
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", sc.ID, err)
	}
	if strings.TrimSpace(sc.TemplateID) == "" {
		return nil, fmt.Errorf("schedule %s: %w", sc.ID, ErrNoTemplate)
	}
	tpl, err := f.deps.Templates.Get(ctx, sc.TemplateID)
	if err != nil {
		if errors.Is(err, message.ErrNotFound) {
			return nil, fmt.Errorf("schedule %s: %w", sc.ID, errors.Join(ErrNoTemplate, err))
		}
		return nil, err
	}
	members, err := f.deps.Channels.Members(ctx, sc.ID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	buttons, err := message.ParseButtons(tpl.Buttons)
	if err != nil {
		f.log.Warn("template buttons ignored", logx.String("template_id", tpl.ID), logx.Err(err))
		buttons = nil
	}

	cfg, lim := f.current()
	firedAt := f.deps.Now()

	logs := make([]sendlog.Log, len(members))
	errs := make([]error, len(members))
	sem := make(chan struct{}, cfg.MaxParallel)
	var wg sync.WaitGroup

	for i, target := range members {
		req := Request{
			ScheduleID: sc.ID,
			ChannelID:  target.ID,
			Target:     target,
			Text: message.Render(tpl.Content, message.Vars{
				Schedule: sc.Name,
				Channel:  target.DisplayName(),
				Now:      firedAt,
				Location: loc,
			}),
			ParseMode:      tpl.ParseMode,
			DisablePreview: tpl.DisablePreview,
			MediaType:      tpl.MediaType,
			MediaURL:       tpl.MediaURL,
			Buttons:        buttons,
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			defer func() { <-sem }()
			logs[i], errs[i] = f.deliverOne(ctx, sc, req, cfg, lim)
		}(i, req)
	}
	wg.Wait()

	return logs, errors.Join(errs...)
}

func (f *Fanout) deliverOne(ctx context.Context, sc schedule.Schedule, req Request, cfg Config, lim *rate.Limiter) (sendlog.Log, error) {
	wctx, cancel := writeContext(ctx)
	defer cancel()

	l, err := f.deps.Logs.Create(wctx, sendlog.Log{
		ScheduleID:     sc.ID,
		ChannelID:      req.ChannelID,
		AccountID:      sc.AccountID,
		MessageContent: req.Text,
	}, f.deps.Now())
	if err != nil {
		return sendlog.Log{}, fmt.Errorf("channel %s: %w", req.ChannelID, err)
	}
	if err := f.deps.Logs.MarkSending(wctx, l.ID, f.deps.Now()); err != nil {
		return l, fmt.Errorf("channel %s: %w", req.ChannelID, err)
	}
	l.Status = sendlog.StatusSending
	req.SendLogID = l.ID

	return f.attempt(ctx, l, req, cfg, lim)
}

// attempt runs one delivery for a log that is already in sending and records
// the outcome.
func (f *Fanout) attempt(ctx context.Context, l sendlog.Log, req Request, cfg Config, lim *rate.Limiter) (sendlog.Log, error) {
	res, derr := f.call(ctx, req, cfg, lim)

	wctx, cancel := writeContext(ctx)
	defer cancel()
	now := f.deps.Now()

	if derr == nil {
		if err := f.deps.Logs.MarkSent(wctx, l.ID, res.ExternalMessageID, now); err != nil {
			return l, fmt.Errorf("channel %s: %w", req.ChannelID, err)
		}
		l.Status, l.ExternalMessageID, l.ErrorMessage, l.SentAt, l.UpdatedAt = sendlog.StatusSent, res.ExternalMessageID, "", now.UTC(), now.UTC()
		f.publish(eventbus.TypeDeliverySent, l)
		return l, nil
	}

	msg := derr.Error()
	if err := f.deps.Logs.MarkFailed(wctx, l.ID, msg, now); err != nil {
		return l, fmt.Errorf("channel %s: %w", req.ChannelID, err)
	}
	l.Status, l.ErrorMessage, l.UpdatedAt = sendlog.StatusFailed, msg, now.UTC()
	f.log.Debug("delivery failed",
		logx.String("schedule_id", l.ScheduleID),
		logx.String("channel_id", l.ChannelID),
		logx.Int("retry_count", l.RetryCount),
		logx.Err(derr),
	)
	f.publish(eventbus.TypeDeliveryFailed, l)
	return l, nil
}

func (f *Fanout) call(ctx context.Context, req Request, cfg Config, lim *rate.Limiter) (res Result, err error) {
	if f.deps.Deliverer == nil {
		return Result{}, errors.New("no deliverer configured")
	}
	actx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if err := lim.Wait(actx); err != nil {
		return Result{}, fmt.Errorf("rate limit wait: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deliverer panic: %v", r)
		}
	}()
	res, err = f.deps.Deliverer.Deliver(actx, req)
	if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("delivery timed out after %s: %w", cfg.Timeout, err)
	}
	return res, err
}

func (f *Fanout) publish(typ string, l sendlog.Log) {
	if f.deps.Bus == nil {
		return
	}
	f.deps.Bus.Publish(eventbus.Event{Type: typ, Data: eventbus.DeliveryEvent{
		SendLogID:         l.ID,
		ScheduleID:        l.ScheduleID,
		ChannelID:         l.ChannelID,
		ExternalMessageID: l.ExternalMessageID,
		RetryCount:        l.RetryCount,
		Error:             l.ErrorMessage,
	}})
}

func writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
}

