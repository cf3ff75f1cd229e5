package app

import (
	"context"

	"timertrigger/internal/config"
	"timertrigger/internal/sandbox/docker"
	"timertrigger/internal/sandbox/wasm"
	"timertrigger/internal/trigger"
	logx "timertrigger/pkg/logx"
)

// sandbox is an adapter that owns resources released at shutdown.
type sandbox interface {
	trigger.Adapter
	Components() []string
	Close(ctx context.Context) error
}

// usedComponents returns the declared components some trigger refers to, in
// declaration order. Unreferenced components are not loaded.
func usedComponents(cfg *config.Config) []config.ComponentConfig {
	used := make(map[string]bool, len(cfg.Triggers))
	for _, t := range cfg.Triggers {
		used[t.Component] = true
	}
	out := make([]config.ComponentConfig, 0, len(used))
	for _, c := range cfg.Components {
		if used[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

func newSandbox(ctx context.Context, cfg *config.Config, log logx.Logger) (sandbox, error) {
	comps := usedComponents(cfg)
	switch cfg.SandboxDriver() {
	case config.DriverDocker:
		dc := make([]docker.Component, 0, len(comps))
		for _, c := range comps {
			dc = append(dc, docker.Component{ID: c.ID, Source: c.Source, Env: c.Env})
		}
		d := cfg.Sandbox.Docker
		e, err := docker.New(ctx, docker.Config{
			Host:            d.Host,
			Pull:            d.Pull,
			NetworkDisabled: d.NetworkOff(),
			MemoryBytes:     d.MemoryBytes,
		}, dc, log)
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		wc := make([]wasm.Component, 0, len(comps))
		for _, c := range comps {
			wc = append(wc, wasm.Component{ID: c.ID, Source: c.Source, Env: c.Env})
		}
		w := cfg.Sandbox.Wasm
		e, err := wasm.New(ctx, wasm.Config{
			HandlerExport:    w.HandlerExport,
			MemoryLimitPages: w.MemoryLimitPages,
		}, wc, log)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
}
