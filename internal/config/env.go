package config

import (
	"context"

	"github.com/sethvargo/go-envconfig"
)

// EnvOverrides are environment variables that take precedence over the file.
type EnvOverrides struct {
	Speedup       *int64 `env:"TIMER_SPEEDUP, noinit"`
	LogLevel      string `env:"TIMER_LOG_LEVEL"`
	FailurePolicy string `env:"TIMER_FAILURE_POLICY"`
	InfluxToken   string `env:"TIMER_INFLUX_TOKEN"`
}

// LoadEnv reads overrides from l, or from the process environment when l is nil.
func LoadEnv(ctx context.Context, l envconfig.Lookuper) (EnvOverrides, error) {
	var o EnvOverrides
	if l == nil {
		l = envconfig.OsLookuper()
	}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &o, Lookuper: l}); err != nil {
		return EnvOverrides{}, &FieldError{Path: "env", Msg: "invalid override", Err: err}
	}
	return o, nil
}

// Apply copies every set override into cfg.
func (o EnvOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.Speedup != nil {
		v := *o.Speedup
		cfg.Speedup = &v
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if o.FailurePolicy != "" {
		cfg.FailurePolicy = o.FailurePolicy
	}
	if o.InfluxToken != "" {
		cfg.Telemetry.Influx.Token = o.InfluxToken
	}
}
