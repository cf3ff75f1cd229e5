package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sethvargo/go-envconfig"
)

const sampleYAML = `
speedup: 2
failure_policy: continue
shutdown:
  grace_period: 3s
sandbox:
  driver: wasm
  wasm:
    handler_export: handle-timer-request
components:
  - id: hello
    source: ./hello.wasm
    env:
      GREETING: hi
triggers:
  - component: hello
    interval_secs: 10
    queue_url: https://example.invalid/q
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./ticks.db
`

func validConfig() *Config {
	return &Config{
		Components: []ComponentConfig{{ID: "hello", Source: "hello.wasm"}},
		Triggers:   []TriggerConfig{{Component: "hello", IntervalSecs: 10}},
	}
}

func ptr[T any](v T) *T { return &v }

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("trigger.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.SpeedupValue() != 2 || cfg.FailurePolicy != "continue" {
		t.Fatalf("scheduler fields: %+v", cfg)
	}
	wantTriggers := []TriggerConfig{{Component: "hello", IntervalSecs: 10, QueueURL: "https://example.invalid/q"}}
	if diff := cmp.Diff(wantTriggers, cfg.Triggers); diff != "" {
		t.Fatalf("triggers (-want +got):\n%s", diff)
	}
	if cfg.Components[0].Env["GREETING"] != "hi" {
		t.Fatalf("components: %+v", cfg.Components)
	}
	if cfg.StorageDriver() != StorageSQLite || !cfg.Sandbox.Docker.NetworkOff() {
		t.Fatalf("defaults: %+v", cfg)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, path, body, field string
	}{
		{name: "unknown field", path: "c.json", body: `{"triggers": [], "cron": "* * * * *"}`, field: "cron"},
		{name: "trailing data", path: "c.json", body: `{"triggers": []}{"triggers": []}`, field: "c.json"},
		{name: "unparseable interval", path: "c.yaml", body: "triggers:\n  - component: a\n    interval_secs: soon\n", field: "triggers.interval_secs"},
		{name: "unparseable speedup", path: "c.json", body: `{"speedup": "fast"}`, field: "speedup"},
		{name: "bad yaml", path: "c.yml", body: "triggers: [\n", field: "c.yml"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.path, []byte(tc.body))
			var fe *FieldError
			if !errors.As(err, &fe) {
				t.Fatalf("expected FieldError, got %v", err)
			}
			if fe.Path != tc.field {
				t.Fatalf("path = %q, want %q (%v)", fe.Path, tc.field, err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		mutate   func(c *Config)
		wantPath string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "zero speedup", mutate: func(c *Config) { c.Speedup = ptr(int64(0)) }, wantPath: "speedup"},
		{name: "bad policy", mutate: func(c *Config) { c.FailurePolicy = "retry" }, wantPath: "failure_policy"},
		{name: "bad timeout", mutate: func(c *Config) { c.InvocationTimeout = "soon" }, wantPath: "invocation_timeout"},
		{name: "negative grace", mutate: func(c *Config) { c.Shutdown.GracePeriod = "-1s" }, wantPath: "shutdown.grace_period"},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantPath: "logging.format"},
		{name: "bad driver", mutate: func(c *Config) { c.Sandbox.Driver = "lxc" }, wantPath: "sandbox.driver"},
		{name: "no triggers", mutate: func(c *Config) { c.Triggers = nil }, wantPath: "triggers"},
		{name: "zero interval", mutate: func(c *Config) { c.Triggers[0].IntervalSecs = 0 }, wantPath: "triggers[0].interval_secs"},
		{name: "negative interval", mutate: func(c *Config) { c.Triggers[0].IntervalSecs = -5 }, wantPath: "triggers[0].interval_secs"},
		{name: "interval rounds to zero", mutate: func(c *Config) { c.Triggers[0].IntervalSecs = 1; c.Speedup = ptr(int64(2000)) }, wantPath: "triggers[0].interval_secs"},
		{name: "undeclared component", mutate: func(c *Config) { c.Triggers[0].Component = "nope" }, wantPath: "triggers[0].component"},
		{name: "duplicate trigger", mutate: func(c *Config) { c.Triggers = append(c.Triggers, c.Triggers[0]) }, wantPath: "triggers[1].component"},
		{name: "duplicate component", mutate: func(c *Config) { c.Components = append(c.Components, c.Components[0]) }, wantPath: "components[1].id"},
		{name: "missing source", mutate: func(c *Config) { c.Components[0].Source = "" }, wantPath: "components[0].source"},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantPath: "logging.level"},
		{name: "storage without path", mutate: func(c *Config) { c.Storage.Driver = "file" }, wantPath: "storage.path"},
		{name: "influx without url", mutate: func(c *Config) { c.Telemetry.Influx = InfluxConfig{Enabled: true, Org: "o", Bucket: "b"} }, wantPath: "telemetry.influx.url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mutate(c)
			err := Validate(c)
			if tc.wantPath == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var fe *FieldError
			if !errors.As(err, &fe) {
				t.Fatalf("expected FieldError, got %v", err)
			}
			if fe.Path != tc.wantPath {
				t.Fatalf("path = %q, want %q (%v)", fe.Path, tc.wantPath, err)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Parallel()
	o, err := LoadEnv(context.Background(), envconfig.MapLookuper(map[string]string{
		"TIMER_SPEEDUP":        "5",
		"TIMER_LOG_LEVEL":      "warn",
		"TIMER_FAILURE_POLICY": "restart",
		"TIMER_INFLUX_TOKEN":   "secret",
	}))
	if err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	cfg := validConfig()
	o.Apply(cfg)
	if cfg.SpeedupValue() != 5 || cfg.Logging.Level != "warn" || cfg.FailurePolicy != "restart" || cfg.Telemetry.Influx.Token != "secret" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}

	empty, err := LoadEnv(context.Background(), envconfig.MapLookuper(nil))
	if err != nil {
		t.Fatal(err)
	}
	cfg = validConfig()
	empty.Apply(cfg)
	if cfg.Speedup != nil || cfg.Logging.Level != "" {
		t.Fatalf("unset env changed config: %+v", cfg)
	}

	_, err = LoadEnv(context.Background(), envconfig.MapLookuper(map[string]string{"TIMER_SPEEDUP": "fast"}))
	var fe *FieldError
	if !errors.As(err, &fe) || fe.Path != "env" {
		t.Fatalf("expected env FieldError for non-numeric speedup, got %v", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := validConfig()
	b := validConfig()
	b.Logging.Level = "debug"
	changed, _, restart := SummarizeConfigChange(a, b)
	if diff := cmp.Diff([]string{"logging"}, changed); diff != "" || restart {
		t.Fatalf("logging-only change: %v restart=%v", changed, restart)
	}

	b.Triggers[0].IntervalSecs = 20
	b.Telemetry.Influx.Token = "t"
	changed, attrs, restart := SummarizeConfigChange(a, b)
	if !restart || len(changed) != 3 {
		t.Fatalf("changed=%v restart=%v", changed, restart)
	}
	if len(attrs) == 0 {
		t.Fatal("expected log attrs")
	}
}

func TestManagerWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trigger.yaml")
	write := func(level string) {
		body := strings.Replace(sampleYAML, "level: debug", "level: "+level, 1)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("debug")

	m := NewManager(path)
	m.debounce = 10 * time.Millisecond
	m.SetTransform(func(c *Config) { c.FailurePolicy = "halt" })
	m.SetValidator(func(ctx context.Context, c *Config) error { return Validate(c) })
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FailurePolicy != "halt" {
		t.Fatal("transform not applied on Load")
	}

	updates := m.Subscribe(1)
	defer m.Unsubscribe(updates)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case got := <-updates:
			if got.Logging.Level != "info" {
				t.Fatalf("reloaded level = %q", got.Logging.Level)
			}
			if m.Get() != got {
				t.Fatal("reload not committed")
			}
			return
		case <-tick.C:
			write("info")
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", time.Second)
	if err != nil || d != time.Second {
		t.Fatalf("default: %v %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "250ms", time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("explicit: %v %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "1 minute", time.Second); err == nil {
		t.Fatal("expected parse error")
	}
}
