// Package runtime abstracts the container engine behind the capability set
// the rest of the supervisor needs (§4.A). Exactly one ContainerRuntime
// implementation is selected at process start; callers never import the
// concrete Docker/Podman SDK directly.
package runtime

import (
	"context"
	"io"
	"time"
)

// Shell identifies the interactive shell available inside an image, as
// discovered by ProbeImageShell.
type Shell string

const (
	ShellBash Shell = "/bin/bash"
	ShellSh   Shell = "/bin/sh"
	NoShell   Shell = ""
)

// Mount describes a single bind mount.
type Mount struct {
	Source   string // host path
	Target   string // container path
	ReadOnly bool
}

// PortBinding maps one container port to a host ip:port.
type PortBinding struct {
	ContainerPort string
	HostIP        string
	HostPort      string
}

// ContainerSpec is everything needed to materialize one container.
type ContainerSpec struct {
	Name       string
	Image      string
	Cmd        []string
	Env        []string
	WorkingDir string
	Mounts     []Mount
	Ports      []PortBinding
	Labels     map[string]string
	MemoryMB   int64
	CPUCores   float64
	// Interactive requests stdin/stdout/stderr attached without a TTY, used
	// for containers that speak a line-oriented protocol over stdio.
	Interactive bool
}

// Info is the normalized inspect result the rest of the system consumes.
type Info struct {
	ID         string
	Name       string
	Image      string
	State      string // created, running, paused, restarting, removing, exited, dead
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int
	Health     string
	Ports      map[string]string
	Mounts     []Mount
	Env        []string
	WorkingDir string
	Labels     map[string]string
}

// ExecOptions controls a one-shot or streaming exec call.
type ExecOptions struct {
	TTY       bool
	Stdin     io.Reader
	Stdout    io.Writer
	Stderr    io.Writer
	WorkDir   string
	Detach    bool
	Env       []string
}

// ExecResult is the outcome of a non-detached Exec call.
type ExecResult struct {
	ExitCode int
}

// EventAction is the normalized action carried by a runtime event.
type EventAction string

const (
	EventStart  EventAction = "start"
	EventDie    EventAction = "die"
	EventKill   EventAction = "kill"
	EventStop   EventAction = "stop"
	EventHealth EventAction = "health_status"
	EventOther  EventAction = "other"
)

// Event is one normalized runtime event, as consumed by the Container Monitor.
type Event struct {
	Action     EventAction
	Name       string
	Attributes map[string]string // e.g. "exitCode", "health_status"
	Timestamp  time.Time
}

// EventStream is a lazy, restartable sequence of runtime events. Events and
// Err are closed together when the stream ends; the Container Monitor
// restarts the stream with a short fixed delay on EOF/error (§4.E).
type EventStream struct {
	Events <-chan Event
	Err    <-chan error
}

// AttachResult exposes the bidirectional streams for an interactive container.
type AttachResult struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Conn   io.Closer
}

// ContainerRuntime is the capability set exposed to the rest of the system (§4.A).
type ContainerRuntime interface {
	Exists(ctx context.Context, name string) (bool, error)
	Running(ctx context.Context, name string) (bool, error)
	Inspect(ctx context.Context, name string) (*Info, error)

	Create(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string, timeout time.Duration) error
	Kill(ctx context.Context, name string, signal string) error
	Remove(ctx context.Context, name string, force bool) error

	Exec(ctx context.Context, name string, argv []string, opts ExecOptions) (*ExecResult, error)

	// Events returns a lazy, infinite, restartable sequence of runtime
	// events, filtered to containers carrying the given label.
	Events(ctx context.Context, labelFilter map[string]string) (*EventStream, error)

	// ProbeImageShell determines which shell (if any) an image provides.
	// Results are cached by image reference by the implementation.
	ProbeImageShell(ctx context.Context, image string) (Shell, error)

	Logs(ctx context.Context, name string, follow bool, tail string) (io.ReadCloser, error)
	Wait(ctx context.Context, name string) (exitCode int64, err error)
	List(ctx context.Context, labelFilter map[string]string) ([]Info, error)
	Ping(ctx context.Context) error

	AttachInteractive(ctx context.Context, name string) (*AttachResult, error)
}
