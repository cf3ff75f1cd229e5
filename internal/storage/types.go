package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage. An empty Driver or "none" disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retain bounds the number of kept records. 0 means DefaultRetain.
	Retain int
}

const DefaultRetain = 10000

// TickRecord is one finished tick. Keep it compact and schema-stable.
type TickRecord struct {
	ID         string    `json:"id"`
	Component  string    `json:"component"`
	Seq        uint64    `json:"seq"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	TookMS     int64     `json:"took_ms"`
	OK         bool      `json:"ok"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func (c Config) retain() int {
	if c.Retain <= 0 {
		return DefaultRetain
	}
	return c.Retain
}
