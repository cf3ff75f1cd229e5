package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	logx "timertrigger/pkg/logx"
)

// Coordinator turns the first interrupt signal into process termination.
//
// On the first signal it cancels the run context so no further ticks start,
// optionally waits up to the grace period for the drain channel, and then
// calls exit(0). The listener stays registered until exit, so later signals
// are ignored rather than killing the process.
type Coordinator struct {
	log     logx.Logger
	signals []os.Signal
	notify  func(c chan<- os.Signal, sig ...os.Signal)
	stop    func(c chan<- os.Signal)
	exit    func(code int)
	grace   time.Duration
	cancel  context.CancelFunc
	drain   <-chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	fireOnce  sync.Once
	sigCh     chan os.Signal
	quit      chan struct{}
	fired     chan struct{}
}

type Option func(*Coordinator)

func WithLogger(log logx.Logger) Option { return func(c *Coordinator) { c.log = log } }

// WithSignals replaces the default os.Interrupt and SIGTERM.
func WithSignals(sig ...os.Signal) Option {
	return func(c *Coordinator) {
		if len(sig) > 0 {
			c.signals = sig
		}
	}
}

// WithNotify replaces signal.Notify. Tests use it to inject signals.
func WithNotify(fn func(c chan<- os.Signal, sig ...os.Signal)) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.notify = fn
			c.stop = func(chan<- os.Signal) {}
		}
	}
}

// WithExit replaces os.Exit.
func WithExit(fn func(code int)) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.exit = fn
		}
	}
}

// WithGracePeriod waits up to d for the drain channel before exiting.
// Zero exits immediately and abandons in-flight invocations.
func WithGracePeriod(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.grace = d
		}
	}
}

// WithCancel is called on the first signal, before any waiting.
func WithCancel(cancel context.CancelFunc) Option {
	return func(c *Coordinator) { c.cancel = cancel }
}

// WithDrain is closed when in-flight work has finished.
func WithDrain(done <-chan struct{}) Option {
	return func(c *Coordinator) { c.drain = done }
}

func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		log:     logx.Nop(),
		signals: []os.Signal{os.Interrupt, syscall.SIGTERM},
		notify:  signal.Notify,
		stop:    signal.Stop,
		exit:    os.Exit,
		sigCh:   make(chan os.Signal, 1),
		quit:    make(chan struct{}),
		fired:   make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With(logx.String("comp", "shutdown"))
	return c
}

// Start registers the signal listener. Calls after the first are no-ops.
func (c *Coordinator) Start() {
	c.startOnce.Do(func() {
		c.notify(c.sigCh, c.signals...)
		go c.listen()
	})
}

// Fired is closed once a signal has been received.
func (c *Coordinator) Fired() <-chan struct{} { return c.fired }

// Stop deregisters the listener without exiting.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.stop(c.sigCh)
		close(c.quit)
	})
}

func (c *Coordinator) listen() {
	select {
	case <-c.quit:
		return
	case sig := <-c.sigCh:
		go c.ignoreRepeats()
		c.fire(sig)
	}
}

// ignoreRepeats swallows signals that arrive while shutdown is in progress.
// The listener stays registered so they never reach the default handler.
func (c *Coordinator) ignoreRepeats() {
	for {
		select {
		case <-c.quit:
			return
		case sig := <-c.sigCh:
			c.log.Debug("shutdown already in progress, signal ignored", logx.String("signal", sig.String()))
		}
	}
}

func (c *Coordinator) fire(sig os.Signal) {
	c.fireOnce.Do(func() {
		close(c.fired)
		c.log.Info("signal received, shutting down", logx.String("signal", sig.String()), logx.Duration("grace", c.grace))
		if c.cancel != nil {
			c.cancel()
		}
		if c.grace > 0 && c.drain != nil {
			t := time.NewTimer(c.grace)
			select {
			case <-c.drain:
				c.log.Info("in-flight work drained")
			case <-t.C:
				c.log.Warn("grace period elapsed, abandoning in-flight work")
			}
			t.Stop()
		}
		c.exit(0)
	})
}
