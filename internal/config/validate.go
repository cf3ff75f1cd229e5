package config

import (
	"fmt"
	"strings"

	"timertrigger/internal/trigger"
	logx "timertrigger/pkg/logx"
)

// FieldError points at the offending config field.
type FieldError struct {
	Path string
	Msg  string
	Err  error
}

func (e *FieldError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Path, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Msg)
}

func (e *FieldError) Unwrap() error { return e.Err }

func fieldErr(path, format string, args ...any) error {
	return &FieldError{Path: path, Msg: fmt.Sprintf(format, args...)}
}

// Validate checks cfg before anything is started. It returns the first problem
// found as a *FieldError.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fieldErr("config", "is nil")
	}
	speedup := cfg.SpeedupValue()
	if speedup <= 0 {
		return fieldErr("speedup", "must be a positive integer, got %d", speedup)
	}
	if _, err := trigger.ParseFailurePolicy(cfg.FailurePolicy); err != nil {
		return &FieldError{Path: "failure_policy", Msg: "invalid", Err: err}
	}
	if _, err := ParseDurationField("invocation_timeout", cfg.InvocationTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("shutdown.grace_period", cfg.Shutdown.GracePeriod); err != nil {
		return err
	}

	switch cfg.SandboxDriver() {
	case DriverWasm, DriverDocker:
	default:
		return fieldErr("sandbox.driver", "unknown driver %q (want wasm or docker)", cfg.Sandbox.Driver)
	}
	if cfg.Sandbox.Docker.MemoryBytes < 0 {
		return fieldErr("sandbox.docker.memory_bytes", "must be >= 0")
	}

	ids := make(map[string]struct{}, len(cfg.Components))
	for i, c := range cfg.Components {
		path := fmt.Sprintf("components[%d]", i)
		id := strings.TrimSpace(c.ID)
		if id == "" {
			return fieldErr(path+".id", "must not be empty")
		}
		if _, dup := ids[id]; dup {
			return fieldErr(path+".id", "duplicate component %q", id)
		}
		if strings.TrimSpace(c.Source) == "" {
			return fieldErr(path+".source", "must not be empty")
		}
		ids[id] = struct{}{}
	}

	if len(cfg.Triggers) == 0 {
		return fieldErr("triggers", "at least one trigger is required")
	}
	seen := make(map[string]struct{}, len(cfg.Triggers))
	for i, t := range cfg.Triggers {
		path := fmt.Sprintf("triggers[%d]", i)
		id := strings.TrimSpace(t.Component)
		if id == "" {
			return fieldErr(path+".component", "must not be empty")
		}
		if _, dup := seen[id]; dup {
			return fieldErr(path+".component", "component %q already has a trigger", id)
		}
		seen[id] = struct{}{}
		if _, ok := ids[id]; !ok {
			return fieldErr(path+".component", "component %q is not declared in components", id)
		}
		if t.IntervalSecs <= 0 {
			return fieldErr(path+".interval_secs", "must be a positive integer, got %d", t.IntervalSecs)
		}
		if _, err := trigger.EffectiveInterval(uint64(t.IntervalSecs), uint64(speedup)); err != nil {
			return &FieldError{Path: path + ".interval_secs", Msg: "invalid", Err: err}
		}
	}

	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" {
		if _, ok := logx.ParseLevel(lv); !ok {
			return fieldErr("logging.level", "unknown level %q", cfg.Logging.Level)
		}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", logx.FormatConsole, logx.FormatJSON:
	default:
		return fieldErr("logging.format", "unknown format %q (want console or json)", cfg.Logging.Format)
	}

	switch cfg.StorageDriver() {
	case StorageNone:
	case StorageFile, StorageSQLite:
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fieldErr("storage.path", "required for driver %q", cfg.StorageDriver())
		}
	default:
		return fieldErr("storage.driver", "unknown driver %q (want none, file or sqlite)", cfg.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if cfg.Storage.Retain < 0 {
		return fieldErr("storage.retain", "must be >= 0, got %d", cfg.Storage.Retain)
	}

	if in := cfg.Telemetry.Influx; in.Enabled {
		for _, f := range []struct{ path, v string }{
			{"telemetry.influx.url", in.URL},
			{"telemetry.influx.org", in.Org},
			{"telemetry.influx.bucket", in.Bucket},
		} {
			if strings.TrimSpace(f.v) == "" {
				return fieldErr(f.path, "required when influx is enabled")
			}
		}
	}
	return nil
}
