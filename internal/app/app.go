// Package app wires the services together: config, logging, storage,
// scheduler, windows, reminders, notifier, ops endpoint and the Telegram
// adapter. Construction is eager (New fails fast on a bad config); Start
// brings the pieces up in dependency order and Stop unwinds them with
// per-step deadlines.
package app

import (
	"context"
	"fmt"
	"time"

	"mealbot/internal/config"
	"mealbot/internal/eventbus"
	"mealbot/internal/ledger"
	"mealbot/internal/notifier"
	"mealbot/internal/observability/metrics"
	"mealbot/internal/observability/opshttp"
	"mealbot/internal/reminder"
	rtsup "mealbot/internal/runtime/supervisor"
	"mealbot/internal/scheduler"
	"mealbot/internal/storage"
	"mealbot/internal/timex"
	"mealbot/internal/transport"
	telegram "mealbot/internal/transport/telegram/adapter"
	"mealbot/internal/window"
	logx "mealbot/pkg/logx"
)

// StopReason tags why the app is shutting down, for the final log line.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	m     *metrics.Metrics

	adapter *telegram.Adapter

	sched *scheduler.Service
	win   *window.Service
	rem   *reminder.Service
	notif *notifier.Service
	ops   *opshttp.Service

	updates chan transport.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File != "",
			Path:    cfg.Logging.File,
		},
	})
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		Roles:       cfg.Telegram.Roles,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	m := metrics.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	clock, err := timex.NewClock(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, err
	}

	sweep, err := config.ParseDurationField("scheduler.sweep_interval", cfg.Scheduler.SweepInterval)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(scheduler.Config{SweepInterval: sweep},
		store, clock, log.With(logx.String("comp", "scheduler")), bus, m)

	led := ledger.New(store, log.With(logx.String("comp", "ledger")), m)

	// Handlers register with the scheduler at construction time, before
	// Start reloads persisted tasks.
	wdefs, err := mapWindowDefs(cfg)
	if err != nil {
		return nil, err
	}
	win, err := window.New(wdefs, store, led, sched, ad, clock,
		log.With(logx.String("comp", "window")), bus, m)
	if err != nil {
		return nil, err
	}

	rdefs, err := mapReminderDefs(cfg)
	if err != nil {
		return nil, err
	}
	rem, err := reminder.New(rdefs, sched, ad, clock, log.With(logx.String("comp", "reminder")))
	if err != nil {
		return nil, err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")))

	ops := opshttp.New(mapOpsConfig(cfg), m.Registry,
		healthFunc(store, sched), log.With(logx.String("comp", "ops")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		m:       m,
		adapter: ad,
		sched:   sched,
		win:     win,
		rem:     rem,
		notif:   notif,
		ops:     ops,
		updates: make(chan transport.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: reject configs whose mapped service
	// configs don't parse, so a bad edit never reaches the services.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, err := mapWindowDefs(cfg); err != nil {
			return err
		}
		if _, err := mapReminderDefs(cfg); err != nil {
			return err
		}
		return nil
	})

	// Tasks scheduled before sched.Start are persisted but not armed, so
	// recovery runs to completion before any timer or sweep can fire and
	// before the adapter delivers updates: nothing consumes a window that
	// is still being finalized or re-armed.
	if err := a.win.ScheduleAll(a.sup.Context()); err != nil {
		return fmt.Errorf("schedule windows: %w", err)
	}
	if err := a.rem.ScheduleAll(a.sup.Context()); err != nil {
		return fmt.Errorf("schedule reminders: %w", err)
	}
	if err := a.win.Recover(a.sup.Context()); err != nil {
		return fmt.Errorf("window recovery: %w", err)
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	cfg := a.cfgm.Get()
	if cfg != nil && cfg.Ops.Enabled {
		if err := a.ops.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("start ops endpoint: %w", err)
		}
	}

	a.sup.Go("updates.dispatch", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return nil
			case u, ok := <-a.updates:
				if !ok {
					return nil
				}
				a.win.HandleUpdate(c, u)
			}
		}
	})

	// Bridge bus events to the operator notifier; everything else is
	// logged at debug.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.bridge", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.handleEvent(c, e)
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
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case next, ok := <-sub:
						if !ok {
							a.applyConfig(c, lastApplied, newCfg)
							return
						}
						newCfg = next
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go0("config.watch", func(c context.Context) {
		a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) handleEvent(ctx context.Context, e eventbus.Event) {
	switch e.Type {
	case eventbus.EventTaskFailed:
		te, ok := e.Data.(scheduler.TaskEvent)
		if !ok {
			return
		}
		a.log.Warn("task failed",
			logx.String("task", te.TaskID), logx.String("kind", te.Kind),
			logx.String("run", te.RunID), logx.String("err", te.Error))
		err := a.notif.Notify(ctx, notifier.Notification{
			Text:     fmt.Sprintf("task %s failed: %s", te.TaskID, te.Error),
			Priority: notifier.PriorityWarn,
		})
		if err != nil && err != notifier.ErrDisabled {
			a.log.Debug("notify skipped", logx.Err(err))
		}
	default:
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

// applyConfig applies the live-reloadable sections of a new config and
// logs which sections need a restart. Windows, reminders, storage and the
// scheduler are wired at construction time and keep their boot config.
func (a *App) applyConfig(ctx context.Context, old, cfg *config.Config) {
	sections := config.ChangedSections(old, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, sec := range sections {
		switch sec {
		case "logging":
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File != "",
					Path:    cfg.Logging.File,
				},
			})
		case "telegram":
			// Token and poll timeout are boot-time; roles swap live.
			a.adapter.ApplyRoles(cfg.Telegram.Roles)
			if old != nil && old.Telegram.Token != cfg.Telegram.Token {
				a.log.Warn("telegram.token changed; restart required")
			}
		case "notifier":
			ncfg, err := mapNotifierConfig(cfg)
			if err != nil {
				a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
				continue
			}
			wasEnabled := a.notif.Enabled()
			a.notif.Apply(ncfg)
			if wasEnabled && !ncfg.Enabled {
				a.log.Info("notifier disabled via config")
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.notif.Stop(stopCtx)
				cancel()
			} else if !wasEnabled && ncfg.Enabled {
				a.log.Info("notifier enabled via config")
				a.notif.Start(a.sup.Context())
			}
		case "storage", "scheduler", "windows", "reminders", "ops":
			a.log.Warn("config section changed; restart required", logx.String("section", sec))
		}
	}

	a.log.Info("config reloaded", logx.Any("changed", sections))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Adapter first so no new updates arrive, then the scheduler so no
	// new fires start, then the rest.
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("ops", 1*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func healthFunc(store storage.Store, sched *scheduler.Service) opshttp.HealthFunc {
	return func(ctx context.Context) opshttp.Health {
		h := opshttp.Health{
			Status: "ok",
			Tasks:  sched.Armed(),
			Checks: map[string]string{"storage": "ok"},
		}
		if _, err := store.ListTasks(ctx); err != nil {
			h.Status = "degraded"
			h.Checks["storage"] = err.Error()
		}
		return h
	}
}
