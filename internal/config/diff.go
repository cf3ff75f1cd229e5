package config

import (
	"reflect"
	"strings"

	logx "timertrigger/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ and safe fields to log
// (never tokens). restart reports whether a changed section can only take
// effect after a restart; only logging is applied live.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.SpeedupValue() != newCfg.SpeedupValue() ||
		!strings.EqualFold(oldCfg.FailurePolicy, newCfg.FailurePolicy) ||
		oldCfg.InvocationTimeout != newCfg.InvocationTimeout {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.Int64("speedup", newCfg.SpeedupValue()), logx.String("failure_policy", newCfg.FailurePolicy))
		restart = true
	}
	if !reflect.DeepEqual(oldCfg.Triggers, newCfg.Triggers) {
		changed = append(changed, "triggers")
		attrs = append(attrs, logx.Int("triggers", len(newCfg.Triggers)))
		restart = true
	}
	if !reflect.DeepEqual(oldCfg.Components, newCfg.Components) {
		changed = append(changed, "components")
		attrs = append(attrs, logx.Int("components", len(newCfg.Components)))
		restart = true
	}
	if !reflect.DeepEqual(oldCfg.Sandbox, newCfg.Sandbox) {
		changed = append(changed, "sandbox")
		attrs = append(attrs, logx.String("sandbox.driver", newCfg.SandboxDriver()))
		restart = true
	}
	if oldCfg.Shutdown != newCfg.Shutdown {
		changed = append(changed, "shutdown")
		restart = true
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.StorageDriver()))
		restart = true
	}
	oi, ni := oldCfg.Telemetry.Influx, newCfg.Telemetry.Influx
	if oi.Enabled != ni.Enabled || oi.URL != ni.URL || oi.Org != ni.Org || oi.Bucket != ni.Bucket || oi.Token != ni.Token {
		changed = append(changed, "telemetry")
		attrs = append(attrs, logx.Bool("influx.enabled", ni.Enabled), logx.Bool("influx.token_set", ni.Token != ""))
		restart = true
	}
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs, logx.Bool("debug.enabled", newCfg.Debug.Enabled))
		restart = true
	}
	return changed, attrs, restart
}
