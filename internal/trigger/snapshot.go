package trigger

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"timertrigger/internal/runtime/supervisor"
)

// loopState is written by exactly one loop goroutine and read by Snapshot.
type loopState struct {
	running    atomic.Bool
	halted     atomic.Bool
	ticks      atomic.Uint64
	failures   atomic.Uint64
	lastStart  atomic.Int64
	lastFinish atomic.Int64
	lastErr    atomic.Pointer[string]
	lastOutput atomic.Pointer[string]

	limiter    *rate.Limiter
	suppressed atomic.Uint64
}

func newLoopState() *loopState {
	return &loopState{limiter: rate.NewLimiter(rate.Every(30*time.Second), 3)}
}

func (st *loopState) setLastErr(s string)    { st.lastErr.Store(&s) }
func (st *loopState) setLastOutput(s string) { st.lastOutput.Store(&s) }

// LoopSnapshot is a best-effort view of one component loop.
type LoopSnapshot struct {
	Component  string        `json:"component"`
	Interval   time.Duration `json:"interval"`
	Running    bool          `json:"running"`
	Halted     bool          `json:"halted"`
	Ticks      uint64        `json:"ticks"`
	Failures   uint64        `json:"failures"`
	LastStart  time.Time     `json:"last_start,omitempty"`
	LastFinish time.Time     `json:"last_finish,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
	LastOutput string        `json:"last_output,omitempty"`
}

type Snapshot struct {
	Speedup    uint64              `json:"speedup"`
	Policy     FailurePolicy       `json:"policy"`
	Loops      []LoopSnapshot      `json:"loops"`
	Supervisor supervisor.Snapshot `json:"supervisor"`
}

func (s *Scheduler) Snapshot() Snapshot {
	snap := Snapshot{
		Speedup: s.reg.speedup,
		Policy:  s.opts.policy,
		Loops:   make([]LoopSnapshot, len(s.loops)),
	}
	for i, st := range s.loops {
		e := s.reg.entries[i]
		ls := LoopSnapshot{
			Component:  e.Component,
			Interval:   e.Interval,
			Running:    st.running.Load(),
			Halted:     st.halted.Load(),
			Ticks:      st.ticks.Load(),
			Failures:   st.failures.Load(),
			LastStart:  unixTime(st.lastStart.Load()),
			LastFinish: unixTime(st.lastFinish.Load()),
		}
		if p := st.lastErr.Load(); p != nil {
			ls.LastError = *p
		}
		if p := st.lastOutput.Load(); p != nil {
			ls.LastOutput = *p
		}
		snap.Loops[i] = ls
	}
	if sup := s.sup.Load(); sup != nil {
		snap.Supervisor = sup.Snapshot()
	}
	return snap
}

func unixTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
