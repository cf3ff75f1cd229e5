package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"timertrigger/internal/eventbus"
)

type fakeInstance struct {
	component string
	closed    atomic.Bool
}

func (i *fakeInstance) Component() string { return i.component }

func (i *fakeInstance) Close(context.Context) error {
	i.closed.Store(true)
	return nil
}

type fakeAdapter struct {
	delay   time.Duration
	prepErr func(component string) error
	handler func(ctx context.Context, component string, n int) (string, error)

	prepares atomic.Int32
	closes   atomic.Int32

	mu          sync.Mutex
	calls       map[string]int
	starts      map[string][]time.Time
	inflight    map[string]int
	maxInflight map[string]int
	instances   []*fakeInstance
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		calls:       map[string]int{},
		starts:      map[string][]time.Time{},
		inflight:    map[string]int{},
		maxInflight: map[string]int{},
	}
}

func (a *fakeAdapter) PrepareInstance(ctx context.Context, component string) (Instance, error) {
	a.prepares.Add(1)
	if a.prepErr != nil {
		if err := a.prepErr(component); err != nil {
			return nil, err
		}
	}
	inst := &fakeInstance{component: component}
	a.mu.Lock()
	a.instances = append(a.instances, inst)
	a.mu.Unlock()
	return inst, nil
}

func (a *fakeAdapter) InvokeTimerHandler(ctx context.Context, inst Instance) (string, error) {
	c := inst.Component()
	a.mu.Lock()
	a.calls[c]++
	n := a.calls[c]
	a.starts[c] = append(a.starts[c], time.Now())
	a.inflight[c]++
	if a.inflight[c] > a.maxInflight[c] {
		a.maxInflight[c] = a.inflight[c]
	}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.inflight[c]--
		a.mu.Unlock()
	}()

	if a.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(a.delay):
		}
	}
	if a.handler != nil {
		return a.handler(ctx, c, n)
	}
	return "HELLO " + strings.ToUpper(c), nil
}

func (a *fakeAdapter) count(component string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[component]
}

func (a *fakeAdapter) total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, v := range a.calls {
		n += v
	}
	return n
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func mustRegistry(t *testing.T, speedup uint64, triggers ...Trigger) *Registry {
	t.Helper()
	reg, err := NewRegistry(triggers, speedup)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func startScheduler(t *testing.T, reg *Registry, a Adapter, opts ...Option) (*Scheduler, context.CancelFunc) {
	t.Helper()
	s, err := NewScheduler(reg, a, opts...)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer wcancel()
		_ = s.Wait(wctx)
	})
	return s, cancel
}

func TestNewSchedulerRejectsBadInput(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter()
	reg := mustRegistry(t, 1, Trigger{Component: "a", IntervalSecs: 1})

	cases := map[string]func() error{
		"nil registry":  func() error { _, err := NewScheduler(nil, a); return err },
		"empty":         func() error { _, err := NewScheduler(&Registry{}, a); return err },
		"nil adapter":   func() error { _, err := NewScheduler(reg, nil); return err },
		"bad policy":    func() error { _, err := NewScheduler(reg, a, WithFailurePolicy("retry")); return err },
		"zero interval": func() error { _, err := NewScheduler(&Registry{speedup: 1, entries: []Entry{{Component: "z"}}}, a); return err },
	}
	for name, fn := range cases {
		var ce *ConfigurationError
		if err := fn(); !errors.As(err, &ce) {
			t.Fatalf("%s: expected ConfigurationError, got %v", name, err)
		}
	}
	if a.prepares.Load() != 0 || a.total() != 0 {
		t.Fatal("adapter must not be called when configuration is rejected")
	}
}

func TestSchedulerRunsOneLoopPerComponent(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter()
	reg := mustRegistry(t, 1000,
		Trigger{Component: "a", IntervalSecs: 1},
		Trigger{Component: "b", IntervalSecs: 2},
		Trigger{Component: "c", IntervalSecs: 3},
	)
	s, _ := startScheduler(t, reg, a)

	waitFor(t, 2*time.Second, func() bool {
		return a.count("a") >= 3 && a.count("b") >= 3 && a.count("c") >= 3
	})

	snap := s.Snapshot()
	if len(snap.Loops) != 3 || len(snap.Supervisor.Routines) != 3 {
		t.Fatalf("expected 3 loops, got %+v", snap)
	}
	for _, l := range snap.Loops {
		if l.Ticks == 0 || l.Failures != 0 || l.Halted {
			t.Fatalf("unexpected loop snapshot %+v", l)
		}
	}
	if got := snap.Loops[0].LastOutput; got != "HELLO A" {
		t.Fatalf("LastOutput = %q", got)
	}
}

func TestSchedulerStartIsIdempotent(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter()
	reg := mustRegistry(t, 1000, Trigger{Component: "a", IntervalSecs: 1})
	s, _ := startScheduler(t, reg, a)
	s.Start(context.Background())

	waitFor(t, time.Second, func() bool { return a.count("a") >= 2 })
	if n := len(s.Snapshot().Supervisor.Routines); n != 1 {
		t.Fatalf("routines = %d, want 1", n)
	}
}

func TestSchedulerWaitsIntervalAfterInvocation(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter()
	a.delay = 10 * time.Millisecond
	// 1s / 20 = 50ms
	reg := mustRegistry(t, 20, Trigger{Component: "slow", IntervalSecs: 1})
	startScheduler(t, reg, a)

	waitFor(t, 2*time.Second, func() bool { return a.count("slow") >= 3 })

	a.mu.Lock()
	starts := append([]time.Time(nil), a.starts["slow"]...)
	a.mu.Unlock()
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(starts[i-1]); gap < 60*time.Millisecond {
			t.Fatalf("gap %v shorter than invocation + interval", gap)
		}
	}
}

func TestSchedulerNeverOverlapsWithinComponent(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter()
	a.delay = 5 * time.Millisecond
	reg := mustRegistry(t, 1000, Trigger{Component: "a", IntervalSecs: 1}, Trigger{Component: "b", IntervalSecs: 1})
	startScheduler(t, reg, a)

	waitFor(t, 2*time.Second, func() bool { return a.count("a") >= 5 && a.count("b") >= 5 })

	a.mu.Lock()
	defer a.mu.Unlock()
	for c, n := range a.maxInflight {
		if n != 1 {
			t.Fatalf("component %s had %d concurrent invocations", c, n)
		}
	}
}

func TestInstancesAreFreshAndClosed(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter()
	reg := mustRegistry(t, 1000, Trigger{Component: "a", IntervalSecs: 1})
	s, cancel := startScheduler(t, reg, a)

	waitFor(t, time.Second, func() bool { return a.count("a") >= 3 })
	cancel()
	if err := s.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	seen := map[*fakeInstance]bool{}
	for _, inst := range a.instances {
		if seen[inst] {
			t.Fatal("instance reused across ticks")
		}
		seen[inst] = true
		if !inst.closed.Load() {
			t.Fatal("instance not closed after tick")
		}
	}
}

func TestHaltPolicyIsolatesFailingComponent(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter()
	a.handler = func(ctx context.Context, c string, n int) (string, error) {
		if c == "bad" {
			return "", errors.New("trap")
		}
		return "ok", nil
	}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(256)
	defer unsub()

	reg := mustRegistry(t, 1000, Trigger{Component: "good", IntervalSecs: 1}, Trigger{Component: "bad", IntervalSecs: 1})
	s, _ := startScheduler(t, reg, a, WithBus(bus))

	waitFor(t, 2*time.Second, func() bool { return a.count("good") >= 5 })

	if got := a.count("bad"); got != 1 {
		t.Fatalf("halted loop invoked %d times, want 1", got)
	}
	snap := s.Snapshot()
	bad := snap.Loops[1]
	if !bad.Halted || bad.Running || bad.Failures != 1 {
		t.Fatalf("bad loop snapshot %+v", bad)
	}
	if !strings.Contains(bad.LastError, "trap") {
		t.Fatalf("LastError = %q", bad.LastError)
	}
	if snap.Loops[0].Halted || !snap.Loops[0].Running {
		t.Fatalf("good loop affected: %+v", snap.Loops[0])
	}

	var halted bool
	for !halted {
		select {
		case e := <-events:
			if e.Type == eventbus.TypeLoopHalted {
				ev := e.Data.(TickEvent)
				if ev.Component != "bad" || ev.OK() {
					t.Fatalf("unexpected halted event %+v", ev)
				}
				halted = true
			}
		case <-time.After(time.Second):
			t.Fatal("loop.halted not published")
		}
	}
}

func TestContinuePolicyKeepsSchedule(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter()
	a.handler = func(ctx context.Context, c string, n int) (string, error) {
		return "", errors.New("always failing")
	}
	reg := mustRegistry(t, 1000, Trigger{Component: "bad", IntervalSecs: 1})
	s, _ := startScheduler(t, reg, a, WithFailurePolicy(PolicyContinue))

	waitFor(t, 2*time.Second, func() bool { return a.count("bad") >= 4 })
	l := s.Snapshot().Loops[0]
	if l.Halted || l.Failures < 4 {
		t.Fatalf("unexpected snapshot %+v", l)
	}
}

func TestRestartPolicyRestartsLoop(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter()
	a.handler = func(ctx context.Context, c string, n int) (string, error) {
		if n%2 == 1 {
			return "", fmt.Errorf("flaky %d", n)
		}
		return "ok", nil
	}
	reg := mustRegistry(t, 1000, Trigger{Component: "flaky", IntervalSecs: 1})
	s, _ := startScheduler(t, reg, a,
		WithFailurePolicy(PolicyRestart),
		WithRestartBackoff(time.Millisecond, 2*time.Millisecond),
	)

	waitFor(t, 2*time.Second, func() bool { return a.count("flaky") >= 5 })
	snap := s.Snapshot()
	if snap.Loops[0].Halted {
		t.Fatal("restart policy must not halt")
	}
	if snap.Supervisor.Routines[0].Restarts == 0 {
		t.Fatalf("expected restarts, got %+v", snap.Supervisor.Routines[0])
	}
}

func TestAdapterPanicBecomesInvocationError(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter()
	a.handler = func(ctx context.Context, c string, n int) (string, error) { panic("guest exploded") }
	reg := mustRegistry(t, 1, Trigger{Component: "a", IntervalSecs: 1})
	s, err := NewScheduler(reg, a)
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.invoke(context.Background(), "a")
	var ie *InvocationError
	if !errors.As(err, &ie) || ie.Component != "a" || !strings.Contains(err.Error(), "guest exploded") {
		t.Fatalf("expected InvocationError from panic, got %v", err)
	}
	if a.instances[0].closed.Load() != true {
		t.Fatal("instance not closed after panic")
	}
}

func TestInvokeWrapsErrors(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter()
	a.prepErr = func(c string) error {
		if c == "missing" {
			return fmt.Errorf("lookup: %w", ErrUnknownComponent)
		}
		return nil
	}
	a.handler = func(ctx context.Context, c string, n int) (string, error) { return "", errors.New("status 7") }
	reg := mustRegistry(t, 1, Trigger{Component: "a", IntervalSecs: 1})
	s, err := NewScheduler(reg, a)
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.invoke(context.Background(), "missing")
	var inst *InstanceError
	if !errors.As(err, &inst) || !errors.Is(err, ErrUnknownComponent) {
		t.Fatalf("expected InstanceError wrapping ErrUnknownComponent, got %v", err)
	}

	_, err = s.invoke(context.Background(), "a")
	var inv *InvocationError
	if !errors.As(err, &inv) || inv.Component != "a" {
		t.Fatalf("expected InvocationError, got %v", err)
	}
}

func TestInvocationTimeout(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter()
	a.handler = func(ctx context.Context, c string, n int) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	reg := mustRegistry(t, 1, Trigger{Component: "a", IntervalSecs: 1})
	s, err := NewScheduler(reg, a, WithInvocationTimeout(5*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.invoke(context.Background(), "a")
	var inv *InvocationError
	if !errors.As(err, &inv) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timed out InvocationError, got %v", err)
	}
}

func TestNoTicksAfterCancel(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter()
	reg := mustRegistry(t, 1000, Trigger{Component: "a", IntervalSecs: 1}, Trigger{Component: "b", IntervalSecs: 1})
	s, cancel := startScheduler(t, reg, a)

	waitFor(t, time.Second, func() bool { return a.total() >= 4 })
	cancel()

	ctx, wcancel := context.WithTimeout(context.Background(), time.Second)
	defer wcancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("loops did not unwind: %v", err)
	}
	before := a.total()
	time.Sleep(30 * time.Millisecond)
	if after := a.total(); after != before {
		t.Fatalf("ticks after cancel: %d -> %d", before, after)
	}
	for _, l := range s.Snapshot().Loops {
		if l.Running {
			t.Fatalf("loop %s still running", l.Component)
		}
	}
}

func TestRunReturnsAfterCancel(t *testing.T) {
	t.Parallel()
	a := newFakeAdapter()
	reg := mustRegistry(t, 1000, Trigger{Component: "a", IntervalSecs: 1})
	s, err := NewScheduler(reg, a)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return a.count("a") >= 1 })
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
