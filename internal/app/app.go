package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"workbot/internal/config"
	"workbot/internal/eventbus"
	"workbot/internal/notifier"
	"workbot/internal/plugin"
	"workbot/internal/router"
	"workbot/internal/runtime/supervisor"
	"workbot/internal/storage"
	"workbot/internal/task/scheduler"
	kit "workbot/internal/transport"
	"workbot/internal/transport/discord"
	logx "workbot/pkg/logx"
	"workbot/plugins/system"
)

// Options overrides collaborators, mostly for tests.
type Options struct {
	// Adapter replaces the discord gateway adapter.
	Adapter kit.Adapter
	Now     func() time.Time
}

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter
	router  *router.Router
	sched   *scheduler.Service
	notif   *notifier.Service
	plugins *plugin.Manager
	debug   *debugServer

	events    chan kit.Event
	schedOnce sync.Once
}

func NewApp(cfgm *config.ConfigManager, opts Options) (*App, error) {
	cfg := cfgm.Get()
	if cfg == nil {
		var err error
		if cfg, err = cfgm.Load(); err != nil {
			return nil, err
		}
	}

	ad := opts.Adapter
	if ad == nil {
		d, err := discord.New(discord.Config{Token: cfg.Discord.Token}, logx.NewConsole("INFO").With(logx.String("comp", "discord")))
		if err != nil {
			return nil, err
		}
		ad = d
	}

	logSvc, root := logx.New(mapLogConfig(cfg), ad)
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// A store that fails to open leaves the bot running without persistence;
	// commands then answer "not connected".
	store, err := OpenStore(cfg, root)
	switch {
	case err != nil:
		log.Error("storage unavailable; continuing without persistence", logx.Err(err))
		store = nil
	case store == nil:
		log.Warn("storage disabled")
	default:
		log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	}

	fail := func(err error) (*App, error) {
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return fail(err)
	}
	notif := notifier.New(ncfg, ad, root.With(logx.String("comp", "notifier")), bus, store)

	r := router.New(ad, root.With(logx.String("comp", "router")), router.Options{Admins: cfg.Discord.AdminUserIDs})

	var sched *scheduler.Service
	if cfg.Scheduler.Enabled {
		scfg, err := mapSchedulerConfig(cfg)
		if err != nil {
			return fail(err)
		}
		sched = scheduler.New(scfg, root.With(logx.String("comp", "scheduler")))
	}

	ps, err := buildPlugins(cfg)
	if err != nil {
		return fail(err)
	}
	probes := system.Probes{RouterDropped: r.Dropped, BusDropped: bus.Dropped, NotifyHistory: notif.History}
	if sched != nil {
		probes.SchedulerTicks = sched.Ticks
	}
	ps = append(ps, system.New(probes))
	pm := plugin.NewManager(root.With(logx.String("comp", "plugins")))
	pm.Add(ps...)

	deps := plugin.Deps{
		Logger:   root,
		Adapter:  ad,
		Notifier: notif,
		Bus:      bus,
		Store:    store,
		GuildID:  cfg.Discord.GuildID,
		Now:      opts.Now,
	}
	if err := pm.Init(context.Background(), deps, r, sched); err != nil {
		return fail(err)
	}

	a := &App{
		cfgm:    cfgm,
		cfg:     cfg,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		router:  r,
		sched:   sched,
		notif:   notif,
		plugins: pm,
		debug:   newDebugServer(root),
		events:  make(chan kit.Event, 256),
	}
	r.OnReady(a.onReady)
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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return config.Validate(cfg) })

	a.debug.Apply(ctx, a.cfg.Pprof)
	a.notif.Start(a.sup.Context())
	if err := a.plugins.StartAll(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("router", func(c context.Context) error {
		return a.router.Run(c, a.events)
	})

	if err := a.adapter.Start(a.sup.Context(), a.events); err != nil {
		return fmt.Errorf("adapter start: %w", err)
	}

	a.sup.Go0("eventbus.log", func(c context.Context) {
		events, unsub := a.bus.Subscribe(128)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.String("user_id", e.UserID), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("plugins", len(a.plugins.Plugins())), logx.Bool("storage", a.store != nil))
	return nil
}

// onReady registers slash commands and starts the scheduler on the first ready.
func (a *App) onReady(ctx context.Context, r *kit.Ready) {
	a.log.Info("ready", logx.String("self", r.SelfName), logx.Int("guilds", r.Guilds))
	a.debug.SetHealthy(true)

	if a.cfg.Discord.RegisterCommands == nil || *a.cfg.Discord.RegisterCommands {
		if guild := a.cfg.Discord.GuildID; guild != "" {
			if err := a.adapter.RegisterCommands(ctx, guild, a.router.Specs()); err != nil {
				a.log.Error("slash command registration failed", logx.Err(err))
			}
		}
	}

	if a.sched == nil {
		return
	}
	a.schedOnce.Do(func() {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			a.log.Error("scheduler start failed", logx.Err(err))
		}
	})
}

// reloadLoop applies logging and pprof changes live. Other sections need a restart.
func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// keep only the latest config of a burst
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
			sections, attrs, restart := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			a.logs.Apply(mapLogConfig(newCfg))
			a.debug.Apply(c, newCfg.Pprof)
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
			if len(restart) > 0 {
				a.log.Warn("config sections changed that only apply after restart", logx.String("sections", strings.Join(restart, ",")))
			}
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.debug.SetHealthy(false)

	// Runs one shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 3*time.Second, func(c context.Context) error {
		if a.sched != nil {
			a.sched.Stop(c)
		}
		return nil
	})
	step("plugins", 4*time.Second, func(c context.Context) error { a.plugins.StopAll(c, 2*time.Second); return nil })
	// Drain queued DMs and reports while the gateway is still open.
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })

	// Cancels the router and the config goroutines.
	a.sup.Cancel()

	step("adapter", 5*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 2*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("pprof", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })

	a.log.Info("stopped", logx.Uint64("router_dropped", a.router.Dropped()), logx.Uint64("bus_dropped", a.bus.Dropped()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// IsRateLimited reports whether err came from a platform rate limit.
func IsRateLimited(err error) bool {
	return errors.Is(err, kit.ErrRateLimited)
}
