// Package app wires the engine together: config, logging, storage, the user
// data provider, the wake adapter, the delivery outbox, the scheduler, the
// request watcher and the service loop, all under one supervisor.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"nudgebot/internal/config"
	"nudgebot/internal/delivery"
	"nudgebot/internal/eventbus"
	"nudgebot/internal/loop"
	"nudgebot/internal/observability/pprof"
	"nudgebot/internal/request"
	"nudgebot/internal/runtime/supervisor"
	"nudgebot/internal/schedule"
	"nudgebot/internal/storage"
	"nudgebot/internal/userdata"
	"nudgebot/internal/wake"
	"nudgebot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	users   *userdata.Provider
	wake    wake.Timer
	deliver *delivery.Service
	sched   *schedule.Service
	watcher *request.Watcher
	loop    *loop.Service
	pprof   *pprof.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("component", "app"))

	bus := eventbus.New()

	// Storage (optional).
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("component", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	users := userdata.New(cfg.Paths.Users(), cfg.Paths.Tasks(), log)

	wk := wake.New(mapWakeConfig(cfg), log)

	deliv := delivery.New(cfg.Paths.Outbox(), mapDeliveryConfig(cfg), store, log, bus)

	sched := schedule.New(schedule.Config{
		Enabled: cfg.Scheduler.Enabled,
		Seed:    cfg.Scheduler.Seed,
	}, users, deliv, wk, store, log, bus)

	handler := newRequestHandler(sched, deliv, log.With(logx.String("component", "requests")))

	reqCfg, err := mapRequestsConfig(cfg)
	if err != nil {
		return nil, err
	}
	watcher := request.New(cfg.Paths.Requests(), reqCfg, handler, log, bus)

	loopCfg, err := mapLoopConfig(cfg)
	if err != nil {
		return nil, err
	}
	loopSvc := loop.New(loopCfg, sched, watcher, store, log, bus)

	ppCfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(ppCfg, log.With(logx.String("component", "pprof")))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		users:   users,
		wake:    wk,
		deliver: deliv,
		sched:   sched,
		watcher: watcher,
		loop:    loopSvc,
		pprof:   pprofSvc,
	}
	pprofSvc.SetStatus(a.status)
	return a, nil
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
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("component", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapRequestsConfig(cfg); err != nil {
			return err
		}
		if _, err := mapLoopConfig(cfg); err != nil {
			return err
		}
		if _, err := mapPprofConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.users.EnsureDirs(); err != nil {
		return err
	}
	if err := a.watcher.EnsureDirs(); err != nil {
		return err
	}
	if err := a.deliver.Start(a.sup.Context()); err != nil {
		return err
	}

	// Build the job table before the loop starts ticking so the first fire
	// pass sees real jobs.
	if a.sched.Enabled() {
		users, failures, err := a.sched.EnsureAll(a.sup.Context())
		if err != nil {
			a.log.Warn("initial sync failed; loop resync will retry", logx.Err(err))
		} else {
			a.log.Info("initial sync complete",
				logx.Int("users", users),
				logx.Int("failures", failures),
				logx.Int("jobs", a.sched.Len()))
		}
	}

	if err := a.loop.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	// Debug visibility into component events.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
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

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	cfg := a.cfgm.Get()
	a.log.Info("engine started",
		logx.String("users_dir", cfg.Paths.Users()),
		logx.String("requests_dir", cfg.Paths.Requests()),
		logx.String("outbox_dir", cfg.Paths.Outbox()))
	return nil
}

// applyConfig pushes a validated config to every service. Path and storage
// changes are deliberately excluded: directories and stores picked at boot
// stay until restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		if s == "storage" || s == "paths" {
			a.log.Warn("section needs a restart to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(logx.Config{
		Level:   newCfg.Logging.Level,
		Console: newCfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: newCfg.Logging.File.Enabled,
			Path:    newCfg.Logging.File.Path,
		},
	})

	a.sched.Apply(schedule.Config{
		Enabled: newCfg.Scheduler.Enabled,
		Seed:    newCfg.Scheduler.Seed,
	})
	if newCfg.Scheduler.Enabled {
		if _, _, err := a.sched.EnsureAll(ctx); err != nil {
			a.log.Warn("resync after reload failed", logx.Err(err))
		}
	}

	a.deliver.Apply(mapDeliveryConfig(newCfg))

	if reqCfg, err := mapRequestsConfig(newCfg); err != nil {
		a.log.Warn("invalid requests config; keeping previous", logx.Err(err))
	} else {
		a.watcher.Apply(reqCfg)
	}

	if loopCfg, err := mapLoopConfig(newCfg); err != nil {
		a.log.Warn("invalid loop config; keeping previous", logx.Err(err))
	} else {
		a.loop.Apply(loopCfg)
	}

	a.wake.Apply(mapWakeConfig(newCfg))

	if ppCfg, err := mapPprofConfig(newCfg); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
	} else {
		a.pprof.Reconfigure(ctx, ppCfg)
	}

	a.bus.Publish(eventbus.Event{
		Type: eventbus.TypeConfigReloaded,
		Data: map[string]any{"changed": sections},
	})
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// Respect the caller's deadline; never extend it.
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
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	// The loop stops first so nothing new fires, then the outbox drains.
	step("loop", 2*time.Second, func(c context.Context) error { return a.loop.Stop(c) })
	step("delivery", 3*time.Second, func(c context.Context) error { a.deliver.Stop(c); return nil })
	// Close keeps armed wake timers in place; a pending wake must survive
	// the restart.
	step("wake", time.Second, func(c context.Context) error { return a.wake.Close() })
	step("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// status feeds /statusz.
func (a *App) status() any {
	st := map[string]any{
		"loop":     a.loop.Snapshot(),
		"jobs":     a.sched.Snapshot(),
		"requests": a.watcher.Stats(),
		"delivery": map[string]any{
			"pending": a.deliver.Pending(),
			"history": a.deliver.History(),
		},
	}
	if a.sup != nil {
		st["supervisor"] = a.sup.SnapshotNow()
	}
	return st
}
