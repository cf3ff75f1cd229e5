// Package influx writes tick telemetry to InfluxDB 2.x.
package influx

import (
	"context"
	"errors"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"timertrigger/internal/eventbus"
	"timertrigger/internal/trigger"
	logx "timertrigger/pkg/logx"
)

const measurement = "timer_ticks"

type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	// FlushInterval bounds how long a point waits in the batch. 0 means 1s.
	FlushInterval time.Duration
	// BatchSize flushes early once this many points are queued. 0 means 100.
	BatchSize int
}

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Sink batches tick events from the bus into InfluxDB points.
type Sink struct {
	cfg    Config
	log    logx.Logger
	client influxdb2.Client
	w      pointWriter
}

func New(cfg Config, log logx.Logger) (*Sink, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx: url, org and bucket are required")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	s := newSink(cfg, client.WriteAPIBlocking(cfg.Org, cfg.Bucket), log)
	s.client = client
	s.log.Info("influx sink configured", logx.String("url", cfg.URL), logx.String("org", cfg.Org), logx.String("bucket", cfg.Bucket))
	return s, nil
}

func newSink(cfg Config, w pointWriter, log logx.Logger) *Sink {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{cfg: cfg, w: w, log: log.With(logx.String("comp", "telemetry.influx"))}
}

// Run consumes events until ctx is done or events is closed, then flushes
// what is left.
func (s *Sink) Run(ctx context.Context, events <-chan eventbus.Event) error {
	t := time.NewTicker(s.cfg.FlushInterval)
	defer t.Stop()

	batch := make([]*write.Point, 0, s.cfg.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := s.w.WritePoint(ctx, batch...); err != nil {
			s.log.Warn("influx write failed", logx.Int("points", len(batch)), logx.Err(err))
		}
		batch = batch[:0]
	}
	final := func() {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		flush(fctx)
	}

	for {
		select {
		case <-ctx.Done():
			final()
			return nil
		case e, ok := <-events:
			if !ok {
				final()
				return nil
			}
			p := eventPoint(e)
			if p == nil {
				continue
			}
			batch = append(batch, p)
			if len(batch) >= s.cfg.BatchSize {
				flush(ctx)
			}
		case <-t.C:
			flush(ctx)
		}
	}
}

// eventPoint converts finished, failed and halted ticks. Other events are skipped.
func eventPoint(e eventbus.Event) *write.Point {
	ev, ok := e.Data.(trigger.TickEvent)
	if !ok {
		return nil
	}
	status := ""
	switch e.Type {
	case eventbus.TypeTickFinished:
		status = "ok"
	case eventbus.TypeTickFailed:
		status = "failed"
	case eventbus.TypeLoopHalted:
		status = "halted"
	default:
		return nil
	}
	fields := map[string]any{
		"seq":         int64(ev.Seq),
		"duration_ms": float64(ev.Duration()) / float64(time.Millisecond),
		"ok":          ev.OK(),
	}
	if ev.Error != "" {
		fields["error"] = ev.Error
	}
	ts := ev.FinishedAt
	if ts.IsZero() {
		ts = e.Time
	}
	return influxdb2.NewPoint(measurement,
		map[string]string{"component": ev.Component, "status": status},
		fields, ts)
}

func (s *Sink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}
