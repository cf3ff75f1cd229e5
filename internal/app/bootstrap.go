package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"timertrigger/internal/config"
	"timertrigger/internal/observability/debugsrv"
	"timertrigger/internal/telemetry/influx"
	"timertrigger/internal/trigger"
	logx "timertrigger/pkg/logx"
)

// settings is the validated, typed view of a config.Config.
type settings struct {
	policy     trigger.FailurePolicy
	invocation time.Duration
	grace      time.Duration
}

// BuildRegistry validates cfg and builds the trigger registry from it.
// Failures are *trigger.ConfigurationError.
func BuildRegistry(cfg *config.Config) (*trigger.Registry, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, ConfigurationError(err)
	}
	ts := make([]trigger.Trigger, 0, len(cfg.Triggers))
	for _, t := range cfg.Triggers {
		ts = append(ts, trigger.Trigger{
			Component:    strings.TrimSpace(t.Component),
			IntervalSecs: uint64(t.IntervalSecs),
			QueueURL:     t.QueueURL,
		})
	}
	reg, err := trigger.NewRegistry(ts, uint64(cfg.SpeedupValue()))
	if err != nil {
		return nil, ConfigurationError(err)
	}
	return reg, nil
}

func mapSettings(cfg *config.Config) (settings, error) {
	policy, err := trigger.ParseFailurePolicy(cfg.FailurePolicy)
	if err != nil {
		return settings{}, &trigger.ConfigurationError{Field: "failure_policy", Err: err}
	}
	inv, err := config.ParseDurationField("invocation_timeout", cfg.InvocationTimeout)
	if err != nil {
		return settings{}, ConfigurationError(err)
	}
	grace, err := config.ParseDurationField("shutdown.grace_period", cfg.Shutdown.GracePeriod)
	if err != nil {
		return settings{}, ConfigurationError(err)
	}
	return settings{policy: policy, invocation: inv, grace: grace}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapInfluxConfig(cfg *config.Config) (influx.Config, bool) {
	in := cfg.Telemetry.Influx
	if !in.Enabled {
		return influx.Config{}, false
	}
	return influx.Config{URL: in.URL, Token: in.Token, Org: in.Org, Bucket: in.Bucket}, true
}

func mapDebugConfig(cfg *config.Config) (debugsrv.Config, bool) {
	if !cfg.Debug.Enabled {
		return debugsrv.Config{}, false
	}
	addr := strings.TrimSpace(cfg.Debug.Addr)
	if addr == "" {
		addr = config.DefaultDebugAddr
	}
	return debugsrv.Config{Addr: addr}, true
}

// ConfigurationError turns config and registry failures into the single
// error type callers check for.
func ConfigurationError(err error) error {
	if err == nil {
		return nil
	}
	var ce *trigger.ConfigurationError
	if errors.As(err, &ce) {
		return err
	}
	var fe *config.FieldError
	if errors.As(err, &fe) {
		inner := errors.New(fe.Msg)
		if fe.Err != nil {
			inner = fmt.Errorf("%s: %w", fe.Msg, fe.Err)
		}
		return &trigger.ConfigurationError{Field: fe.Path, Err: inner}
	}
	return &trigger.ConfigurationError{Err: err}
}
