package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/GezzyDax/Timelith/internal/api"
	"github.com/GezzyDax/Timelith/internal/channel"
	"github.com/GezzyDax/Timelith/internal/config"
	"github.com/GezzyDax/Timelith/internal/delivery"
	"github.com/GezzyDax/Timelith/internal/eventbus"
	"github.com/GezzyDax/Timelith/internal/message"
	"github.com/GezzyDax/Timelith/internal/scanner"
	"github.com/GezzyDax/Timelith/internal/schedule"
	"github.com/GezzyDax/Timelith/internal/sendlog"
	"github.com/GezzyDax/Timelith/internal/storage"
	"github.com/GezzyDax/Timelith/internal/task/engine"
	kit "github.com/GezzyDax/Timelith/internal/transport"
	telegram "github.com/GezzyDax/Timelith/internal/transport/telegram/adapter"
	logx "github.com/GezzyDax/Timelith/pkg/logx"
)

const storageOpenTimeout = 30 * time.Second

var errNoDeliverer = errors.New("telegram token is not configured")

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	db   *storage.DB

	// adapter is nil when no bot token is configured.
	adapter *telegram.Adapter

	schedules *schedule.Store
	channels  *channel.Store
	templates *message.Store
	sendlogs  *sendlog.Store

	engine    *engine.Service
	fanout    *delivery.Fanout
	scanner   *scanner.Service
	api       *api.Service
	forwarder *eventbus.AMQPForwarder
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	tcfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	var (
		ad     *telegram.Adapter
		sender kit.Sender
	)
	if tcfg.Token != "" {
		ad, err = telegram.New(tcfg, bootLog)
		if err != nil {
			return nil, err
		}
		sender = ad
	}

	// Bootstrap with the Telegram sink off so Apply() does not warn about a
	// missing target, then set the target and apply the final config.
	baseLogCfg := mapLoggingConfig(cfg)
	baseLogCfg.Telegram.Enabled = false
	logSvc, log := logx.New(baseLogCfg, sender)
	log = log.With(logx.String("comp", "app"))
	logSvc.SetTelegramTarget(logChatID(cfg), cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(mapLoggingConfig(cfg))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	dcfg, err := mapDeliveryConfig(cfg)
	if err != nil {
		return nil, err
	}
	scfg, err := mapScannerConfig(cfg)
	if err != nil {
		return nil, err
	}
	acfg, err := mapAPIConfig(cfg)
	if err != nil {
		return nil, err
	}

	openCtx, cancel := context.WithTimeout(context.Background(), storageOpenTimeout)
	db, err := storage.Open(openCtx, sc, log.With(logx.String("comp", "storage")))
	cancel()
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	schedules := schedule.NewStore(db, schedule.NewCalculator(), log.With(logx.String("comp", "schedules")))
	channels := channel.NewStore(db)
	templates := message.NewStore(db)
	sendlogs := sendlog.NewStore(db)

	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)

	var deliverer delivery.Deliverer = delivery.DelivererFunc(func(context.Context, delivery.Request) (delivery.Result, error) {
		return delivery.Result{}, errNoDeliverer
	})
	if ad != nil {
		deliverer = ad
	}
	fanout := delivery.NewFanout(dcfg, delivery.Deps{
		Schedules: schedules,
		Channels:  channels,
		Templates: templates,
		Logs:      sendlogs,
		Deliverer: deliverer,
		Bus:       bus,
		Log:       log.With(logx.String("comp", "delivery")),
	})

	scan := scanner.New(scfg, scanner.Deps{
		Schedules: schedules,
		Logs:      sendlogs,
		Firer:     fanout,
		Engine:    engineSvc,
		Bus:       bus,
		Log:       log.With(logx.String("comp", "scanner")),
	})

	apiSvc := api.New(acfg, api.Deps{
		Schedules: schedules,
		Channels:  channels,
		Templates: templates,
		Logs:      sendlogs,
		Retrier:   fanout,
	}, log.With(logx.String("comp", "api")))

	var fwd *eventbus.AMQPForwarder
	if ec, ok := mapEventsConfig(cfg); ok {
		fwd = eventbus.NewAMQPForwarder(ec, bus, log.With(logx.String("comp", "events")))
	}

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		db:        db,
		adapter:   ad,
		schedules: schedules,
		channels:  channels,
		templates: templates,
		sendlogs:  sendlogs,
		engine:    engineSvc,
		fanout:    fanout,
		scanner:   scan,
		api:       apiSvc,
		forwarder: fwd,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		return validate(cfg)
	})

	if a.adapter == nil {
		a.log.Warn("telegram.token is empty; every delivery will fail until it is set and the service restarted")
	}

	run := a.sup.Context()
	a.engine.Start(run)
	a.scanner.Start(run)
	a.api.Start(run)

	if a.forwarder != nil {
		a.sup.GoRestart("events.amqp", a.forwarder.Run,
			WithRestartBackoff(time.Second, time.Minute),
		)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Keep this debug-level; every delivery publishes.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.startSystemd()

	a.log.Info("app started",
		logx.Bool("scanner", a.scanner.Enabled()),
		logx.Bool("api", a.cfgm.Get().API.Enabled),
		logx.Bool("events", a.forwarder != nil),
	)
	return nil
}

// applyConfig pushes a validated config to every component that supports
// live changes.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *Config) {
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	// update log target first (so Apply() doesn't warn when Telegram logging is enabled)
	a.logs.SetTelegramTarget(logChatID(newCfg), newCfg.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLoggingConfig(newCfg))

	if ec, err := mapTaskEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, ec)
	}

	if dc, err := mapDeliveryConfig(newCfg); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.fanout.Apply(dc)
	}

	if sc, err := mapScannerConfig(newCfg); err != nil {
		a.log.Warn("invalid scanner config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.scanner.Enabled()
		a.scanner.Apply(sc)
		switch {
		case wasEnabled && !sc.Enabled:
			a.log.Info("scanner disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.scanner.Stop(stopCtx)
			cancel()
		case !wasEnabled && sc.Enabled:
			a.log.Info("scanner enabled via config")
			a.scanner.Start(ctx)
		}
	}

	if ac, err := mapAPIConfig(newCfg); err != nil {
		a.log.Warn("invalid api config; keeping previous", logx.Err(err))
	} else {
		a.api.Reconfigure(ctx, ac)
	}

	a.log.Info("config reloaded", fields...)
}

// startSystemd reports readiness and runs the watchdog when the process was
// started by systemd with WatchdogSec set. Outside systemd both are no-ops.
func (a *App) startSystemd() {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Scanner before engine: no new firings while queued ones drain.
	a.step(ctx, "scanner", 3*time.Second, func(c context.Context) error { a.scanner.Stop(c); return nil })
	a.step(ctx, "taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "api", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", 1*time.Second, func(context.Context) error { return a.db.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs a shutdown step with an upper bound so one component can't
// stall the whole stop. It never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)))
			}
		}()
	}
}
