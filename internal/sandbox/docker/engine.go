// Package docker runs timer components as short-lived containers. Each tick
// creates, starts, waits for and removes one container.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"timertrigger/internal/trigger"
	logx "timertrigger/pkg/logx"
)

type Config struct {
	// Host overrides DOCKER_HOST when set.
	Host            string
	Pull            bool
	NetworkDisabled bool
	MemoryBytes     int64
}

// Component is an image to run. Source is the image reference.
type Component struct {
	ID     string
	Source string
	Env    map[string]string
}

// api is the subset of the docker client used per tick.
type api interface {
	ImagePull(ctx context.Context, ref string, options types.ImagePullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

type Engine struct {
	cfg   Config
	log   logx.Logger
	cli   api
	comps map[string]Component
}

// New connects to the docker daemon and optionally pulls every image.
func New(ctx context.Context, cfg Config, comps []Component, log logx.Logger) (*Engine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	e, err := newEngine(cfg, comps, cli, log)
	if err != nil {
		_ = cli.Close()
		return nil, err
	}
	if cfg.Pull {
		for _, id := range e.Components() {
			if err := e.pull(ctx, e.comps[id].Source); err != nil {
				_ = cli.Close()
				return nil, fmt.Errorf("component %q: %w", id, err)
			}
		}
	}
	return e, nil
}

func newEngine(cfg Config, comps []Component, cli api, log logx.Logger) (*Engine, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		cfg:   cfg,
		log:   log.With(logx.String("comp", "sandbox.docker")),
		cli:   cli,
		comps: make(map[string]Component, len(comps)),
	}
	for _, c := range comps {
		if strings.TrimSpace(c.Source) == "" {
			return nil, fmt.Errorf("component %q: image is required", c.ID)
		}
		if _, dup := e.comps[c.ID]; dup {
			return nil, fmt.Errorf("duplicate component %q", c.ID)
		}
		e.comps[c.ID] = c
	}
	return e, nil
}

func (e *Engine) pull(ctx context.Context, ref string) error {
	e.log.Info("pulling image", logx.String("image", ref))
	rc, err := e.cli.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (e *Engine) Components() []string {
	out := make([]string, 0, len(e.comps))
	for id := range e.comps {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// containerSpec builds the create request for one tick of c.
func containerSpec(cfg Config, c Component) (*container.Config, *container.HostConfig) {
	env := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	cc := &container.Config{
		Image:           c.Source,
		Env:             env,
		NetworkDisabled: cfg.NetworkDisabled,
		Labels:          map[string]string{"timertrigger.component": c.ID},
	}
	hc := &container.HostConfig{AutoRemove: false}
	if cfg.MemoryBytes > 0 {
		hc.Resources.Memory = cfg.MemoryBytes
	}
	if cfg.NetworkDisabled {
		hc.NetworkMode = "none"
	}
	return cc, hc
}

type instance struct {
	component string
	id        string
	cli       api
}

func (i *instance) Component() string { return i.component }

func (i *instance) Close(ctx context.Context) error {
	return i.cli.ContainerRemove(ctx, i.id, container.RemoveOptions{Force: true})
}

func (e *Engine) PrepareInstance(ctx context.Context, component string) (trigger.Instance, error) {
	c, ok := e.comps[component]
	if !ok {
		return nil, &trigger.InstanceError{Component: component, Err: trigger.ErrUnknownComponent}
	}
	cc, hc := containerSpec(e.cfg, c)
	name := "timertrigger-" + sanitize(component) + "-" + uuid.NewString()[:8]
	resp, err := e.cli.ContainerCreate(ctx, cc, hc, nil, nil, name)
	if err != nil {
		return nil, &trigger.InstanceError{Component: component, Err: err}
	}
	for _, w := range resp.Warnings {
		e.log.Debug("container create warning", logx.Component(component), logx.String("warning", w))
	}
	return &instance{component: component, id: resp.ID, cli: e.cli}, nil
}

func (e *Engine) InvokeTimerHandler(ctx context.Context, inst trigger.Instance) (string, error) {
	in, ok := inst.(*instance)
	if !ok {
		return "", &trigger.InvocationError{Component: inst.Component(), Err: fmt.Errorf("instance was not prepared by this engine")}
	}
	fail := func(err error) (string, error) {
		return "", &trigger.InvocationError{Component: in.component, Err: err}
	}

	waitCh, errCh := e.cli.ContainerWait(ctx, in.id, container.WaitConditionNextExit)
	if err := e.cli.ContainerStart(ctx, in.id, container.StartOptions{}); err != nil {
		return fail(fmt.Errorf("start: %w", err))
	}

	var status container.WaitResponse
	select {
	case <-ctx.Done():
		return fail(ctx.Err())
	case err := <-errCh:
		return fail(fmt.Errorf("wait: %w", err))
	case status = <-waitCh:
	}

	out, err := e.logs(ctx, in.id)
	if err != nil {
		return fail(err)
	}
	if status.Error != nil && status.Error.Message != "" {
		return fail(fmt.Errorf("container error: %s", status.Error.Message))
	}
	if status.StatusCode != 0 {
		return fail(fmt.Errorf("exit code %d: %s", status.StatusCode, out))
	}
	return out, nil
}

func (e *Engine) logs(ctx context.Context, id string) (string, error) {
	rc, err := e.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", fmt.Errorf("logs: %w", err)
	}
	defer rc.Close()
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", fmt.Errorf("demux logs: %w", err)
	}
	if stderr.Len() > 0 {
		e.log.Debug("component stderr", logx.String("container", shortID(id)), logx.String("stderr", strings.TrimSpace(stderr.String())))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (e *Engine) Close(context.Context) error { return e.cli.Close() }

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '-'
	}, s)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
