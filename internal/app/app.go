package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"timertrigger/internal/config"
	"timertrigger/internal/eventbus"
	"timertrigger/internal/observability/debugsrv"
	"timertrigger/internal/runtime/supervisor"
	"timertrigger/internal/storage"
	"timertrigger/internal/telemetry/influx"
	"timertrigger/internal/trigger"
	logx "timertrigger/pkg/logx"
)

// App owns one scheduler run and everything hanging off its event bus.
type App struct {
	cfg  *config.Config
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	sandbox sandbox
	adapter trigger.Adapter
	sched   *trigger.Scheduler
	influx  *influx.Sink
	debug   *debugsrv.Service

	grace    time.Duration
	notifier Notifier

	sup      *supervisor.Supervisor
	stopOnce sync.Once
	stopErr  error
	quit     chan struct{}
	done     chan struct{}
}

type options struct {
	adapter  trigger.Adapter
	cfgm     *config.Manager
	notifier Notifier
}

type Option func(*options)

// WithAdapter replaces the configured sandbox. Nothing is loaded from
// components[].source when set.
func WithAdapter(a trigger.Adapter) Option { return func(o *options) { o.adapter = a } }

// WithConfigManager enables hot reload of the file m was loaded from.
func WithConfigManager(m *config.Manager) Option { return func(o *options) { o.cfgm = m } }

// WithNotifier replaces the systemd sd_notify client. A nil n disables
// readiness notification.
func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// New validates cfg and builds every component. Nothing runs until Run.
// Invalid configuration is reported as *trigger.ConfigurationError and no
// sandbox is touched.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := options{notifier: systemdNotifier{}}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}

	reg, err := BuildRegistry(cfg)
	if err != nil {
		return nil, err
	}
	set, err := mapSettings(cfg)
	if err != nil {
		return nil, err
	}
	sc, storeEnabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfg:   cfg,
		cfgm:  o.cfgm,
		log:   log,
		logs:  logSvc,
		bus:   eventbus.New(),
		grace:    set.grace,
		notifier: o.notifier,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	cleanup := func() {
		if a.store != nil {
			_ = a.store.Close()
		}
		if a.sandbox != nil {
			_ = a.sandbox.Close(context.Background())
		}
		_ = logSvc.Close()
	}

	a.adapter = o.adapter
	if a.adapter == nil {
		sb, err := newSandbox(ctx, cfg, log.With(logx.String("comp", "sandbox")))
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("sandbox %s: %w", cfg.SandboxDriver(), err)
		}
		a.sandbox = sb
		a.adapter = sb
		log.Info("sandbox ready", logx.String("driver", cfg.SandboxDriver()), logx.Strings("components", sb.Components()))
	}

	if storeEnabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("storage: %w", err)
		}
		a.store = st
		log.Info("tick history enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	schedOpts := []trigger.Option{
		trigger.WithLogger(log),
		trigger.WithBus(a.bus),
		trigger.WithFailurePolicy(set.policy),
	}
	if set.invocation > 0 {
		schedOpts = append(schedOpts, trigger.WithInvocationTimeout(set.invocation))
	}
	sched, err := trigger.NewScheduler(reg, a.adapter, schedOpts...)
	if err != nil {
		cleanup()
		return nil, err
	}
	a.sched = sched

	if ic, ok := mapInfluxConfig(cfg); ok {
		sink, err := influx.New(ic, log)
		if err != nil {
			cleanup()
			return nil, err
		}
		a.influx = sink
	}

	if dc, ok := mapDebugConfig(cfg); ok {
		var dopts []debugsrv.Option
		if a.store != nil {
			dopts = append(dopts, debugsrv.WithHistory(a.store))
		}
		a.debug = debugsrv.New(dc, log, sched, dopts...)
	}

	return a, nil
}

// Snapshot reports the scheduler state.
func (a *App) Snapshot() trigger.Snapshot { return a.sched.Snapshot() }

// GracePeriod is the configured shutdown.grace_period.
func (a *App) GracePeriod() time.Duration { return a.grace }

// Done is closed once Run has finished shutting everything down.
func (a *App) Done() <-chan struct{} { return a.done }

// DebugAddr is the bound debug server address, or "".
func (a *App) DebugAddr() string {
	if a.debug == nil {
		return ""
	}
	return a.debug.Addr()
}

// Run starts every loop and service, blocks until ctx is cancelled or Stop is
// called, then stops everything. It returns nil on a normal shutdown.
func (a *App) Run(ctx context.Context) error {
	defer close(a.done)

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(false))

	if a.debug != nil {
		if err := a.debug.Start(a.sup.Context()); err != nil {
			a.log.Warn("debug server disabled", logx.Err(err))
			a.debug = nil
		}
	}

	if a.store != nil {
		events, unsub := a.bus.Subscribe(256)
		a.sup.Go("history.record", func(c context.Context) error {
			defer unsub()
			recordTicks(c, a.store, events, a.log.With(logx.String("comp", "history")))
			return nil
		})
	}
	if a.influx != nil {
		events, unsub := a.bus.Subscribe(256)
		a.sup.Go("telemetry.influx", func(c context.Context) error {
			defer unsub()
			return a.influx.Run(c, events)
		})
	}

	// Keep event logs at debug level; ticks can be frequent at high speedups.
	if a.log.Enabled(logx.LevelDebug) {
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
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	if a.cfgm != nil {
		a.watchConfig()
	}

	a.sched.Start(a.sup.Context())
	a.log.Info("app started",
		logx.Int("triggers", len(a.cfg.Triggers)),
		logx.Int64("speedup", a.cfg.SpeedupValue()),
		logx.String("sandbox", a.cfg.SandboxDriver()),
	)
	a.notify(daemon.SdNotifyReady)

	select {
	case <-ctx.Done():
	case <-a.quit:
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return a.Stop(stopCtx)
}

func (a *App) watchConfig() {
	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	sub := a.cfgm.Subscribe(4)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfg
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				changed, attrs, restart := config.SummarizeConfigChange(last, next)
				last = next
				if len(changed) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}
				a.logs.Apply(mapLogConfig(next))
				fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
				if restart {
					a.log.Warn("config changed; restart required for changes to take effect", fields...)
					continue
				}
				a.log.Info("config applied", fields...)
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
}

// Stop shuts everything down in dependency order. Each step is bounded so one
// component cannot stall the rest. Safe to call more than once.
func (a *App) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		close(a.quit)
		a.stopErr = a.stop(ctx)
	})
	return a.stopErr
}

func (a *App) stop(ctx context.Context) error {
	a.log.Info("stopping")
	a.notify(daemon.SdNotifyStopping)

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(sctx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("scheduler", 5*time.Second, a.sched.Stop)
	if a.sup != nil {
		step("supervisor", 3*time.Second, a.sup.Stop)
	}
	if a.debug != nil {
		step("debug", time.Second, a.debug.Stop)
	}
	if a.influx != nil {
		a.influx.Close()
	}
	if a.store != nil {
		step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	}
	if a.sandbox != nil {
		step("sandbox", 2*time.Second, a.sandbox.Close)
	}

	a.log.Info("stopped")
	return a.logs.Close()
}
