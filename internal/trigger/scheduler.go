package trigger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"timertrigger/internal/eventbus"
	"timertrigger/internal/runtime/supervisor"
	logx "timertrigger/pkg/logx"
)

// Scheduler runs one independent loop per registry entry. Each loop invokes
// its component, then waits the effective interval, then repeats.
type Scheduler struct {
	reg     *Registry
	adapter Adapter
	opts    options
	log     logx.Logger

	loops []*loopState // index-aligned with reg entries

	startOnce sync.Once
	sup       atomic.Pointer[supervisor.Supervisor]
	done      chan struct{}
}

type options struct {
	log        logx.Logger
	bus        eventbus.Bus
	policy     FailurePolicy
	timeout    time.Duration
	minBackoff time.Duration
	maxBackoff time.Duration
	newTickID  func() string
}

type Option func(*options)

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// WithBus publishes tick lifecycle events. A nil bus disables publishing.
func WithBus(bus eventbus.Bus) Option { return func(o *options) { o.bus = bus } }

func WithFailurePolicy(p FailurePolicy) Option {
	return func(o *options) {
		if p != "" {
			o.policy = p
		}
	}
}

// WithInvocationTimeout bounds each tick (prepare + invoke). Zero means no bound.
func WithInvocationTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithRestartBackoff sets the backoff window used by PolicyRestart.
func WithRestartBackoff(min, max time.Duration) Option {
	return func(o *options) {
		o.minBackoff = min
		o.maxBackoff = max
	}
}

// NewScheduler validates its inputs and prepares loop state. No goroutine is
// started and the adapter is not called until Start.
func NewScheduler(reg *Registry, adapter Adapter, opts ...Option) (*Scheduler, error) {
	if reg == nil || reg.Len() == 0 {
		return nil, configErr("triggers", "registry is empty")
	}
	if adapter == nil {
		return nil, configErr("sandbox", "adapter is nil")
	}
	o := options{
		log:        logx.Nop(),
		policy:     PolicyHalt,
		minBackoff: time.Second,
		maxBackoff: time.Minute,
		newTickID:  uuid.NewString,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if _, err := ParseFailurePolicy(string(o.policy)); err != nil {
		return nil, &ConfigurationError{Field: "failure_policy", Err: err}
	}

	s := &Scheduler{
		reg:     reg,
		adapter: adapter,
		opts:    o,
		log:     o.log.With(logx.String("comp", "trigger")),
		loops:   make([]*loopState, reg.Len()),
		done:    make(chan struct{}),
	}
	for i, e := range reg.entries {
		if e.Interval <= 0 {
			return nil, configErr("triggers", "component %q has non-positive interval", e.Component)
		}
		s.loops[i] = newLoopState()
	}
	return s, nil
}

// Start launches every loop. Calls after the first are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		sup := supervisor.New(ctx, supervisor.WithLogger(s.log))
		s.sup.Store(sup)
		for i, e := range s.reg.entries {
			e, st := e, s.loops[i]
			name := "trigger:" + e.Component
			fn := func(ctx context.Context) error { return s.runLoop(ctx, e, st) }
			if s.opts.policy == PolicyRestart {
				sup.GoRestart(name, fn, supervisor.WithRestartBackoff(s.opts.minBackoff, s.opts.maxBackoff))
			} else {
				sup.Go(name, fn)
			}
			s.log.Info("loop started",
				logx.Component(e.Component),
				logx.Duration("interval", e.Interval),
				logx.Uint64("speedup", s.reg.speedup),
			)
		}
		go func() {
			<-sup.Done()
			close(s.done)
		}()
	})
}

// Run starts the loops and blocks until ctx is cancelled and every loop has
// unwound. In normal operation the process is ended by the shutdown
// coordinator before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	<-s.done
	return nil
}

// Done is closed after Start once every loop has returned.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Wait blocks until every loop has returned or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	}
}

// Stop cancels every loop and waits for them. In-flight invocations see a
// cancelled context.
func (s *Scheduler) Stop(ctx context.Context) error {
	sup := s.sup.Load()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	return s.Wait(ctx)
}

func (s *Scheduler) runLoop(ctx context.Context, e Entry, st *loopState) error {
	st.running.Store(true)
	defer st.running.Store(false)

	for {
		if ctx.Err() != nil {
			return nil
		}
		ev, err := s.tick(ctx, e, st)
		if err != nil && ctx.Err() == nil {
			switch s.opts.policy {
			case PolicyContinue:
			case PolicyRestart:
				return err
			default:
				st.halted.Store(true)
				s.log.Error("loop halted",
					logx.Component(e.Component),
					logx.Uint64("tick", ev.Seq),
					logx.Err(err),
				)
				s.publish(eventbus.TypeLoopHalted, ev)
				return nil
			}
		}

		t := time.NewTimer(e.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (s *Scheduler) publish(typ string, ev TickEvent) {
	if s.opts.bus == nil {
		return
	}
	s.opts.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
