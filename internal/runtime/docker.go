package runtime

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	dockerevents "github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/OutfinityResearch/ploinky-sub003/internal/common/config"
	"github.com/OutfinityResearch/ploinky-sub003/internal/common/logger"
)

// DockerRuntime implements ContainerRuntime over the Docker Engine API. It is
// also the Podman implementation: Podman's Docker-compatible socket speaks
// the same API. Nothing here or in the Lifecycle Engine's mount composition
// behaves differently under Podman; mounts carry no SELinux relabel option.
type DockerRuntime struct {
	cli    *client.Client
	logger *logger.Logger

	shellCacheMu sync.Mutex
	shellCache   map[string]Shell // keyed by image reference
}

var _ ContainerRuntime = (*DockerRuntime)(nil)

// NewDockerRuntime creates a Docker-backed ContainerRuntime. The adapter
// selects at most one runtime at process start (§4.A); callers choose Docker
// vs. a future Podman-native implementation here, not per-call.
func NewDockerRuntime(cfg config.DockerConfig, log *logger.Logger) (*DockerRuntime, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	log.Info("docker runtime adapter created", zap.String("host", cfg.Host), zap.String("api_version", cfg.APIVersion))

	return &DockerRuntime{
		cli:        cli,
		logger:     log,
		shellCache: make(map[string]Shell),
	}, nil
}

func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

func (d *DockerRuntime) Exists(ctx context.Context, name string) (bool, error) {
	_, err := d.cli.ContainerInspect(ctx, name)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, err
}

func (d *DockerRuntime) Running(ctx context.Context, name string) (bool, error) {
	inspect, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return inspect.State != nil && inspect.State.Running, nil
}

func (d *DockerRuntime) Inspect(ctx context.Context, name string) (*Info, error) {
	inspect, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", name, err)
	}

	info := &Info{
		ID:     inspect.ID,
		Name:   strings.TrimPrefix(inspect.Name, "/"),
		Labels: map[string]string{},
		Ports:  map[string]string{},
	}
	if inspect.Config != nil {
		info.Image = inspect.Config.Image
		info.Env = inspect.Config.Env
		info.WorkingDir = inspect.Config.WorkingDir
		if inspect.Config.Labels != nil {
			info.Labels = inspect.Config.Labels
		}
	}
	if inspect.State != nil {
		info.State = inspect.State.Status
		info.Status = inspect.State.Status
		info.ExitCode = inspect.State.ExitCode
		if inspect.State.StartedAt != "" {
			if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
				info.StartedAt = t
			}
		}
		if inspect.State.FinishedAt != "" {
			if t, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
				info.FinishedAt = t
			}
		}
		if inspect.State.Health != nil {
			info.Health = inspect.State.Health.Status
		}
	}
	for _, m := range inspect.Mounts {
		info.Mounts = append(info.Mounts, Mount{Source: m.Source, Target: m.Destination, ReadOnly: !m.RW})
	}
	if inspect.NetworkSettings != nil {
		for containerPort, bindings := range inspect.NetworkSettings.Ports {
			if len(bindings) > 0 {
				info.Ports[string(containerPort)] = bindings[0].HostIP + ":" + bindings[0].HostPort
			}
		}
	}

	return info, nil
}

func (d *DockerRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
	}

	portBindings := container.PortMap{}
	exposed := map[string]struct{}{}
	for _, p := range spec.Ports {
		key := p.ContainerPort
		if !strings.Contains(key, "/") {
			key += "/tcp"
		}
		portBindings[container.PortRangeProto(key)] = append(portBindings[container.PortRangeProto(key)], container.PortBinding{
			HostIP:   p.HostIP,
			HostPort: p.HostPort,
		})
		exposed[key] = struct{}{}
	}
	exposedSet := container.PortSet{}
	for k := range exposed {
		exposedSet[container.PortRangeProto(k)] = struct{}{}
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		WorkingDir:   spec.WorkingDir,
		Labels:       spec.Labels,
		ExposedPorts: exposedSet,
	}
	if spec.Interactive {
		containerCfg.OpenStdin = true
		containerCfg.AttachStdin = true
		containerCfg.AttachStdout = true
		containerCfg.AttachStderr = true
		containerCfg.Tty = false // no TTY for line-oriented control protocols
	}

	hostCfg := &container.HostConfig{
		Mounts:       mounts,
		PortBindings: portBindings,
		AutoRemove:   false,
		Resources: container.Resources{
			Memory:   spec.MemoryMB * 1024 * 1024,
			CPUQuota: int64(spec.CPUCores * 100000),
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

func (d *DockerRuntime) Start(ctx context.Context, name string) error {
	if err := d.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", name, err)
	}
	return nil
}

func (d *DockerRuntime) Stop(ctx context.Context, name string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := d.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &seconds}); err != nil {
		return fmt.Errorf("stop container %s: %w", name, err)
	}
	return nil
}

func (d *DockerRuntime) Kill(ctx context.Context, name string, signal string) error {
	if err := d.cli.ContainerKill(ctx, name, signal); err != nil {
		return fmt.Errorf("kill container %s: %w", name, err)
	}
	return nil
}

func (d *DockerRuntime) Remove(ctx context.Context, name string, force bool) error {
	if err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: force, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	return nil
}

func (d *DockerRuntime) Exec(ctx context.Context, name string, argv []string, opts ExecOptions) (*ExecResult, error) {
	execCfg := container.ExecOptions{
		Cmd:          argv,
		Env:          opts.Env,
		WorkingDir:   opts.WorkDir,
		Tty:          opts.TTY,
		AttachStdin:  opts.Stdin != nil,
		AttachStdout: opts.Stdout != nil,
		AttachStderr: opts.Stderr != nil,
		Detach:       opts.Detach,
	}

	created, err := d.cli.ContainerExecCreate(ctx, name, execCfg)
	if err != nil {
		return nil, fmt.Errorf("exec create in %s: %w", name, err)
	}

	if opts.Detach {
		if err := d.cli.ContainerExecStart(ctx, created.ID, container.ExecStartOptions{}); err != nil {
			return nil, fmt.Errorf("exec start (detached) in %s: %w", name, err)
		}
		return &ExecResult{}, nil
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: opts.TTY})
	if err != nil {
		return nil, fmt.Errorf("exec attach in %s: %w", name, err)
	}
	defer attach.Close()

	if opts.Stdin != nil {
		go func() {
			_, _ = io.Copy(attach.Conn, opts.Stdin)
			_ = attach.CloseWrite()
		}()
	}

	if opts.Stdout != nil || opts.Stderr != nil {
		out := opts.Stdout
		if out == nil {
			out = io.Discard
		}
		errw := opts.Stderr
		if errw == nil {
			errw = out
		}
		if opts.TTY {
			_, _ = io.Copy(out, attach.Reader)
		} else {
			demultiplex(attach.Reader, out, errw)
		}
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("exec inspect in %s: %w", name, err)
	}
	return &ExecResult{ExitCode: inspect.ExitCode}, nil
}

func (d *DockerRuntime) Events(ctx context.Context, labelFilter map[string]string) (*EventStream, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("type", "container")
	for k, v := range labelFilter {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", k, v))
	}

	msgCh, errCh := d.cli.Events(ctx, dockerevents.ListOptions{Filters: filterArgs})

	out := make(chan Event, 64)
	outErr := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(outErr)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errCh:
				if !ok {
					return
				}
				if err != nil {
					outErr <- err
					return
				}
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				out <- normalizeDockerEvent(msg)
			}
		}
	}()

	return &EventStream{Events: out, Err: outErr}, nil
}

func normalizeDockerEvent(msg dockerevents.Message) Event {
	action := EventOther
	switch msg.Action {
	case "start":
		action = EventStart
	case "die":
		action = EventDie
	case "kill":
		action = EventKill
	case "stop":
		action = EventStop
	}
	if strings.HasPrefix(string(msg.Action), "health_status") {
		action = EventHealth
	}

	name := msg.Actor.Attributes["name"]
	attrs := map[string]string{}
	for k, v := range msg.Actor.Attributes {
		attrs[k] = v
	}
	return Event{
		Action:     action,
		Name:       name,
		Attributes: attrs,
		Timestamp:  time.Unix(0, msg.TimeNano),
	}
}

// ProbeImageShell runs `test -x` in a disposable container for each candidate shell
// in turn, caching the result by image reference so repeated EnsureAgent
// calls for the same image do not re-probe.
func (d *DockerRuntime) ProbeImageShell(ctx context.Context, image string) (Shell, error) {
	d.shellCacheMu.Lock()
	if shell, ok := d.shellCache[image]; ok {
		d.shellCacheMu.Unlock()
		return shell, nil
	}
	d.shellCacheMu.Unlock()

	shell, err := d.probeImageShellUncached(ctx, image)
	if err != nil {
		return NoShell, err
	}

	d.shellCacheMu.Lock()
	d.shellCache[image] = shell
	d.shellCacheMu.Unlock()
	return shell, nil
}

func (d *DockerRuntime) probeImageShellUncached(ctx context.Context, image string) (Shell, error) {
	for _, candidate := range []Shell{ShellBash, ShellSh} {
		ok, err := d.runDisposableShellTest(ctx, image, candidate)
		if err != nil {
			return NoShell, err
		}
		if ok {
			return candidate, nil
		}
	}
	return NoShell, nil
}

func (d *DockerRuntime) runDisposableShellTest(ctx context.Context, image string, shell Shell) (bool, error) {
	containerCfg := &container.Config{
		Image: image,
		Cmd:   []string{"test", "-x", string(shell)},
	}
	hostCfg := &container.HostConfig{AutoRemove: true}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return false, nil // image without the capability to even spawn; treat as no shell
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return false, nil
	}

	statusCh, errCh := d.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return false, err
	case status := <-statusCh:
		return status.StatusCode == 0, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (d *DockerRuntime) Logs(ctx context.Context, name string, follow bool, tail string) (io.ReadCloser, error) {
	reader, err := d.cli.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Tail:       tail,
	})
	if err != nil {
		return nil, fmt.Errorf("container logs %s: %w", name, err)
	}
	return reader, nil
}

func (d *DockerRuntime) Wait(ctx context.Context, name string) (int64, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, name, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return -1, fmt.Errorf("wait container %s: %w", name, err)
		}
		return -1, nil
	case status := <-statusCh:
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (d *DockerRuntime) List(ctx context.Context, labelFilter map[string]string) ([]Info, error) {
	filterArgs := filters.NewArgs()
	for k, v := range labelFilter {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", k, v))
	}

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	infos := make([]Info, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		infos = append(infos, Info{ID: c.ID, Name: name, Image: c.Image, State: c.State, Status: c.Status, Labels: c.Labels})
	}
	return infos, nil
}

func (d *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

func (d *DockerRuntime) AttachInteractive(ctx context.Context, name string) (*AttachResult, error) {
	resp, err := d.cli.ContainerAttach(ctx, name, container.AttachOptions{Stream: true, Stdin: true, Stdout: true, Stderr: true})
	if err != nil {
		return nil, fmt.Errorf("attach container %s: %w", name, err)
	}

	stdoutReader, stdoutWriter := io.Pipe()
	go func() {
		defer stdoutWriter.Close()
		demultiplex(resp.Reader, stdoutWriter, stdoutWriter)
	}()

	return &AttachResult{
		Stdin:  resp.Conn,
		Stdout: stdoutReader,
		Conn:   resp.Conn,
	}, nil
}

// demultiplex reads Docker's multiplexed stream format (8-byte header: type,
// 3 reserved bytes, big-endian uint32 size) and splits stdout/stderr frames
// to their respective writers.
func demultiplex(reader io.Reader, stdout, stderr io.Writer) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			return
		}
		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			return
		}
		switch streamType {
		case 2:
			_, _ = stderr.Write(data)
		default:
			_, _ = stdout.Write(data)
		}
	}
}
