package trigger

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"timertrigger/internal/eventbus"
	logx "timertrigger/pkg/logx"
)

// TickEvent describes one invocation. It is the Data of every event the
// scheduler publishes.
type TickEvent struct {
	ID         string    `json:"id"`
	Component  string    `json:"component"`
	Seq        uint64    `json:"seq"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func (t TickEvent) OK() bool { return t.Error == "" }

func (t TickEvent) Duration() time.Duration {
	if t.FinishedAt.IsZero() {
		return 0
	}
	return t.FinishedAt.Sub(t.StartedAt)
}

func (s *Scheduler) tick(ctx context.Context, e Entry, st *loopState) (TickEvent, error) {
	ev := TickEvent{
		ID:        s.opts.newTickID(),
		Component: e.Component,
		Seq:       st.ticks.Add(1),
		StartedAt: time.Now(),
	}
	st.lastStart.Store(ev.StartedAt.UnixNano())
	s.publish(eventbus.TypeTickStarted, ev)

	out, err := s.invoke(ctx, e.Component)
	ev.FinishedAt = time.Now()
	st.lastFinish.Store(ev.FinishedAt.UnixNano())

	if err != nil {
		// Errors caused by shutdown are not failures of the component.
		if ctx.Err() != nil {
			return ev, err
		}
		ev.Error = err.Error()
		st.failures.Add(1)
		st.setLastErr(ev.Error)
		s.logFailure(e, st, ev, err)
		s.publish(eventbus.TypeTickFailed, ev)
		return ev, err
	}

	ev.Output = out
	st.setLastOutput(out)
	s.log.Info("event handler returned",
		logx.Component(e.Component),
		logx.String("output", out),
		logx.Duration("took", ev.Duration()),
		logx.Uint64("tick", ev.Seq),
	)
	s.publish(eventbus.TypeTickFinished, ev)
	return ev, nil
}

// invoke runs prepare, invoke and close for one tick. Adapter panics become
// InvocationErrors.
func (s *Scheduler) invoke(ctx context.Context, component string) (out string, err error) {
	if s.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("adapter panicked",
				logx.Component(component),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			out, err = "", &InvocationError{Component: component, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	inst, err := s.adapter.PrepareInstance(ctx, component)
	if err != nil {
		return "", asInstanceError(component, err)
	}
	if inst == nil {
		return "", &InstanceError{Component: component, Err: errors.New("adapter returned no instance")}
	}
	defer func() {
		if cerr := inst.Close(context.WithoutCancel(ctx)); cerr != nil {
			s.log.Debug("instance close failed", logx.Component(component), logx.Err(cerr))
		}
	}()

	out, err = s.adapter.InvokeTimerHandler(ctx, inst)
	if err != nil {
		return "", asInvocationError(component, err)
	}
	return out, nil
}

func (s *Scheduler) logFailure(e Entry, st *loopState, ev TickEvent, err error) {
	if !st.limiter.Allow() {
		st.suppressed.Add(1)
		return
	}
	fields := []logx.Field{
		logx.Component(e.Component),
		logx.Uint64("tick", ev.Seq),
		logx.String("policy", string(s.opts.policy)),
		logx.Err(err),
	}
	if n := st.suppressed.Swap(0); n > 0 {
		fields = append(fields, logx.Uint64("suppressed", n))
	}
	s.log.Warn("tick failed", fields...)
}
