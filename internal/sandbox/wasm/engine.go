// Package wasm runs timer components as WebAssembly modules on wazero.
//
// Modules are compiled once at construction. Every tick instantiates a fresh,
// anonymous module with its own memory and stdout buffer, calls the handler
// export and closes the module.
package wasm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"golang.org/x/sync/errgroup"

	"timertrigger/internal/trigger"
	logx "timertrigger/pkg/logx"
)

// DefaultHandlerExport is the timer handler export looked up in each module.
const DefaultHandlerExport = "handle-timer-request"

type Config struct {
	HandlerExport string
	// MemoryLimitPages caps guest memory in 64KiB pages. Zero keeps the wazero default.
	MemoryLimitPages uint32
}

// Component is a module to load. Source is a path to a .wasm file.
type Component struct {
	ID     string
	Source string
	Env    map[string]string
}

type Engine struct {
	cfg     Config
	log     logx.Logger
	rt      wazero.Runtime
	modules map[string]*module
}

type module struct {
	id       string
	compiled wazero.CompiledModule
	env      []string // sorted keys
	envMap   map[string]string
	results  []api.ValueType
}

// New creates the runtime and compiles every component in parallel.
func New(ctx context.Context, cfg Config, comps []Component, log logx.Logger) (*Engine, error) {
	if cfg.HandlerExport == "" {
		cfg.HandlerExport = DefaultHandlerExport
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, rc)
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	e := &Engine{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "sandbox.wasm")),
		rt:      rt,
		modules: make(map[string]*module, len(comps)),
	}

	compiled := make([]*module, len(comps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, c := range comps {
		g.Go(func() error {
			m, err := e.compile(gctx, c)
			if err != nil {
				return fmt.Errorf("component %q: %w", c.ID, err)
			}
			compiled[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	for _, m := range compiled {
		if _, dup := e.modules[m.id]; dup {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("duplicate component %q", m.id)
		}
		e.modules[m.id] = m
	}
	return e, nil
}

func (e *Engine) compile(ctx context.Context, c Component) (*module, error) {
	b, err := os.ReadFile(c.Source)
	if err != nil {
		return nil, fmt.Errorf("read module: %w", err)
	}
	cm, err := e.rt.CompileModule(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}
	def, ok := cm.ExportedFunctions()[e.cfg.HandlerExport]
	if !ok {
		_ = cm.Close(ctx)
		return nil, fmt.Errorf("module does not export %q", e.cfg.HandlerExport)
	}
	if len(def.ParamTypes()) != 0 {
		_ = cm.Close(ctx)
		return nil, fmt.Errorf("export %q must take no parameters", e.cfg.HandlerExport)
	}
	results := def.ResultTypes()
	if !validResults(results) {
		_ = cm.Close(ctx)
		return nil, fmt.Errorf("export %q has unsupported results %v", e.cfg.HandlerExport, results)
	}
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	e.log.Debug("module compiled", logx.Component(c.ID), logx.String("source", c.Source), logx.Int("bytes", len(b)))
	return &module{id: c.ID, compiled: cm, env: keys, envMap: c.Env, results: results}, nil
}

// validResults accepts (), (i32 status) and (i32 ptr, i32 len).
func validResults(r []api.ValueType) bool {
	switch len(r) {
	case 0:
		return true
	case 1:
		return r[0] == api.ValueTypeI32
	case 2:
		return r[0] == api.ValueTypeI32 && r[1] == api.ValueTypeI32
	}
	return false
}

// Components returns the loaded component ids, sorted.
func (e *Engine) Components() []string {
	out := make([]string, 0, len(e.modules))
	for id := range e.modules {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type instance struct {
	component string
	mod       api.Module
	fn        api.Function
	results   []api.ValueType
	out       *bytes.Buffer
}

func (i *instance) Component() string { return i.component }

func (i *instance) Close(ctx context.Context) error { return i.mod.Close(ctx) }

func (e *Engine) PrepareInstance(ctx context.Context, component string) (trigger.Instance, error) {
	m, ok := e.modules[component]
	if !ok {
		return nil, &trigger.InstanceError{Component: component, Err: trigger.ErrUnknownComponent}
	}
	out := &bytes.Buffer{}
	mc := wazero.NewModuleConfig().
		WithName("").
		WithStdout(out).
		WithStderr(out).
		WithStartFunctions("_initialize")
	for _, k := range m.env {
		mc = mc.WithEnv(k, m.envMap[k])
	}
	mod, err := e.rt.InstantiateModule(ctx, m.compiled, mc)
	if err != nil {
		return nil, &trigger.InstanceError{Component: component, Err: err}
	}
	fn := mod.ExportedFunction(e.cfg.HandlerExport)
	if fn == nil {
		_ = mod.Close(ctx)
		return nil, &trigger.InstanceError{Component: component, Err: fmt.Errorf("export %q missing", e.cfg.HandlerExport)}
	}
	return &instance{component: component, mod: mod, fn: fn, results: m.results, out: out}, nil
}

func (e *Engine) InvokeTimerHandler(ctx context.Context, inst trigger.Instance) (string, error) {
	in, ok := inst.(*instance)
	if !ok {
		return "", &trigger.InvocationError{Component: inst.Component(), Err: errors.New("instance was not prepared by this engine")}
	}
	res, err := in.fn.Call(ctx)
	if err != nil {
		return "", &trigger.InvocationError{Component: in.component, Err: err}
	}
	stdout := strings.TrimSpace(in.out.String())

	switch len(in.results) {
	case 1:
		if status := int32(uint32(res[0])); status != 0 {
			return "", &trigger.InvocationError{Component: in.component, Err: fmt.Errorf("handler returned status %d", status)}
		}
		return stdout, nil
	case 2:
		ptr, n := uint32(res[0]), uint32(res[1])
		mem := in.mod.Memory()
		if mem == nil {
			return "", &trigger.InvocationError{Component: in.component, Err: errors.New("handler returned a string but module exports no memory")}
		}
		b, ok := mem.Read(ptr, n)
		if !ok {
			return "", &trigger.InvocationError{Component: in.component, Err: fmt.Errorf("result [%d, %d) out of memory range", ptr, uint64(ptr)+uint64(n))}
		}
		return string(b), nil
	default:
		return stdout, nil
	}
}

// Close releases the runtime and every compiled module.
func (e *Engine) Close(ctx context.Context) error {
	return e.rt.Close(ctx)
}
