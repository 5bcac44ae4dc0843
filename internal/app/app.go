package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"eldercare/internal/api"
	"eldercare/internal/config"
	"eldercare/internal/delivery"
	"eldercare/internal/eventbus"
	"eldercare/internal/notifier"
	"eldercare/internal/runtime/supervisor"
	"eldercare/internal/scheduler"
	"eldercare/internal/storage"
	"eldercare/internal/tasksource"
	logx "eldercare/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	tasks     *tasksource.File
	notif     *notifier.Service
	reminders *delivery.Manager
	sched     *scheduler.Service
	jobs      *maintenance

	trMu sync.Mutex
	tr   notifier.Transport
	ncfg config.Notifier

	engine config.Engine
	apiCfg config.API
	api    *api.Server
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	eng, err := cfg.Engine.Resolve()
	if err != nil {
		return nil, err
	}
	ncfg, err := config.ResolveNotifier(cfg.Notifier)
	if err != nil {
		return nil, err
	}
	apiCfg, err := config.ResolveAPI(cfg.API)
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg, filepath.Dir(cfgPath))
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	if sc.Driver == "memory" {
		log.Warn("memory storage: watermarks and open reminders are lost on restart")
	}

	tasks := tasksource.NewFile(cfg.Tasks.Path, eng.Location, log.With(logx.String("comp", "tasks")),
		tasksource.WithAnchorStore(store),
	)
	if _, err := tasks.Reload(context.Background()); err != nil {
		_ = store.Close()
		return nil, err
	}

	tr, err := notifier.NewTransport(ncfg, log.With(logx.String("comp", "transport")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	notif := notifier.New(mapNotifierConfig(ncfg, eng), tr, tasks.Get, log.With(logx.String("comp", "notifier")), bus)

	reminders := delivery.New(mapDeliveryConfig(eng), notif, store,
		log.With(logx.String("comp", "delivery")), bus,
		delivery.WithTaskLookup(tasks.Get),
	)

	sched := scheduler.New(mapSchedulerConfig(eng), tasks, store, reminders.OnDue,
		log.With(logx.String("comp", "scheduler")), bus)

	a := &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		tasks:     tasks,
		notif:     notif,
		reminders: reminders,
		sched:     sched,
		jobs:      newMaintenance(log.With(logx.String("comp", "maintenance"))),
		tr:        tr,
		ncfg:      ncfg,
		engine:    eng,
		apiCfg:    apiCfg,
	}
	if apiCfg.Enabled {
		a.api = api.NewServer(apiCfg, &api.Handler{
			Reminders:       reminders,
			Schedule:        sched,
			Tasks:           tasks,
			Notifications:   notif,
			DefaultLocation: eng.Location,
			Log:             log.With(logx.String("comp", "api")),
		})
	}
	return a, nil
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Reminders() *delivery.Manager { return a.reminders }
func (a *App) Jobs() []JobInfo { return a.jobs.Snapshot() }

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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	if _, err := a.reminders.Restore(a.sup.Context()); err != nil {
		return err
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	changes, unsub := a.tasks.Subscribe(64)
	a.sup.Go0("tasks.changes", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case id, ok := <-changes:
				if !ok {
					return
				}
				if err := a.sched.OnTaskChanged(c, id); err != nil {
					a.log.Warn("task change not applied", logx.String("task_id", id), logx.Err(err))
				}
			}
		}
	})
	if a.cfgm.Get().Tasks.Watch {
		a.sup.GoRestart("tasks.watch", a.tasks.Watch, supervisor.WithRestartBackoff(time.Second, time.Minute))
	}

	if err := a.jobs.Restart(a.sup.Context(), a.engine.Location, a.maintenanceJobs(a.engine)); err != nil {
		return err
	}

	if a.api != nil {
		a.sup.Go("api", a.api.Serve)
	}

	if a.bus != nil {
		events, unsubEvents := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsubEvents()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

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
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) { watchdog(c, a.log) })

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.String("tasks", a.tasks.Path()),
		logx.Bool("api", a.api != nil),
		logx.String("tz", a.engine.Location.String()),
	)
	return nil
}

// maintenanceJobs are the periodic chores: extending the schedule horizon,
// retrying failed escalations and pruning settled reminders.
func (a *App) maintenanceJobs(e config.Engine) []Job {
	return []Job{
		{
			Name: "horizon.refresh",
			Spec: e.Refresh,
			Run: func(ctx context.Context) {
				if err := a.sched.AdvanceHorizon(ctx); err != nil && !errors.Is(err, context.Canceled) {
					a.log.Warn("horizon refresh failed", logx.Err(err))
				}
			},
		},
		{
			Name: "escalation.retry",
			Spec: e.Retry,
			Run: func(ctx context.Context) {
				a.reminders.RetryPending(ctx)
				a.reminders.Prune()
			},
		},
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		switch s {
		case "storage", "tasks", "api":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(next))

	eng, err := next.Engine.Resolve()
	if err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(mapSchedulerConfig(eng))
		a.reminders.Apply(mapDeliveryConfig(eng))
		if eng.Refresh != a.engine.Refresh || eng.Retry != a.engine.Retry || eng.Location.String() != a.engine.Location.String() {
			if err := a.jobs.Restart(ctx, eng.Location, a.maintenanceJobs(eng)); err != nil {
				a.log.Warn("maintenance jobs not rescheduled", logx.Err(err))
			}
		}
		a.engine = eng
	}

	if ncfg, err := config.ResolveNotifier(next.Notifier); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(mapNotifierConfig(ncfg, a.engine))
		a.swapTransport(ncfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	eventbus.Emit(a.bus, eventbus.ConfigReloaded, sections)
}

func (a *App) swapTransport(ncfg config.Notifier) {
	a.trMu.Lock()
	defer a.trMu.Unlock()
	if ncfg.Transport == a.ncfg.Transport && ncfg.OutboxPath == a.ncfg.OutboxPath {
		a.ncfg = ncfg
		return
	}
	tr, err := notifier.NewTransport(ncfg, a.log.With(logx.String("comp", "transport")))
	if err != nil {
		a.log.Warn("notifier transport not swapped", logx.Err(err))
		return
	}
	old := a.tr
	a.notif.SetTransport(tr)
	a.tr, a.ncfg = tr, ncfg
	closeTransport(a.log, old)
	a.log.Info("notifier transport changed", logx.String("transport", tr.Name()))
}

func closeTransport(log logx.Logger, tr notifier.Transport) {
	if c, ok := tr.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warn("transport close failed", logx.Err(err))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step runs one shutdown step bounded by max, never past ctx's deadline.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Triggers first, then the state they feed, then persistence.
	step("maintenance", 2*time.Second, func(c context.Context) error { a.jobs.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("delivery", 3*time.Second, func(c context.Context) error { a.reminders.Stop(c); return nil })
	step("transport", 1*time.Second, func(c context.Context) error {
		a.trMu.Lock()
		defer a.trMu.Unlock()
		closeTransport(a.log, a.tr)
		return nil
	})
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
