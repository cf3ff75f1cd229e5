package trigger

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Trigger binds a component to its base interval, as read from configuration.
type Trigger struct {
	Component    string
	IntervalSecs uint64
	// QueueURL is opaque metadata carried by some trigger manifests. Unused here.
	QueueURL string
}

// Entry is one immutable registry slot. Interval is the effective interval.
type Entry struct {
	Index        int
	Component    string
	IntervalSecs uint64
	Interval     time.Duration
	QueueURL     string
}

// Registry is the set of scheduled components, built once before any loop
// starts and read-only afterwards.
type Registry struct {
	speedup uint64
	entries []Entry
	byName  map[string]int
}

// largest interval in ms that still fits a time.Duration
const maxIntervalMS = uint64(math.MaxInt64 / int64(time.Millisecond))

// EffectiveInterval returns secs*1000/speedup milliseconds using integer
// division on the millisecond value.
func EffectiveInterval(secs, speedup uint64) (time.Duration, error) {
	if secs == 0 {
		return 0, fmt.Errorf("interval must be positive")
	}
	if speedup == 0 {
		return 0, fmt.Errorf("speedup must be positive")
	}
	if secs > maxIntervalMS/1000 {
		return 0, fmt.Errorf("interval %ds is too large", secs)
	}
	ms := secs * 1000 / speedup
	if ms == 0 {
		return 0, fmt.Errorf("interval %ds with speedup %d rounds to zero", secs, speedup)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// NewRegistry validates triggers and computes every effective interval.
func NewRegistry(triggers []Trigger, speedup uint64) (*Registry, error) {
	if speedup == 0 {
		return nil, configErr("speedup", "must be a positive integer")
	}
	if len(triggers) == 0 {
		return nil, configErr("triggers", "at least one trigger is required")
	}

	r := &Registry{
		speedup: speedup,
		entries: make([]Entry, 0, len(triggers)),
		byName:  make(map[string]int, len(triggers)),
	}
	for i, t := range triggers {
		field := fmt.Sprintf("triggers[%d]", i)
		id := strings.TrimSpace(t.Component)
		if id == "" {
			return nil, configErr(field+".component", "must not be empty")
		}
		if _, dup := r.byName[id]; dup {
			return nil, configErr(field+".component", "duplicate component %q", id)
		}
		iv, err := EffectiveInterval(t.IntervalSecs, speedup)
		if err != nil {
			return nil, &ConfigurationError{Field: field + ".interval_secs", Err: err}
		}
		r.byName[id] = len(r.entries)
		r.entries = append(r.entries, Entry{
			Index:        len(r.entries),
			Component:    id,
			IntervalSecs: t.IntervalSecs,
			Interval:     iv,
			QueueURL:     t.QueueURL,
		})
	}
	return r, nil
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}

func (r *Registry) Speedup() uint64 { return r.speedup }

// Entry returns the entry at index i. It panics when i is out of range.
func (r *Registry) Entry(i int) Entry { return r.entries[i] }

func (r *Registry) Lookup(component string) (Entry, bool) {
	i, ok := r.byName[component]
	if !ok {
		return Entry{}, false
	}
	return r.entries[i], true
}

// Entries returns a copy of all entries in configuration order.
func (r *Registry) Entries() []Entry {
	if r == nil {
		return nil
	}
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}
