// Package runtime speaks the container runtime's HTTP API directly over a
// local UNIX socket (POSIX) or named pipe (non-POSIX). It owns version
// negotiation, typed request/response shapes, and the raw byte streams for
// pull progress, logs, stats, and exec.
package runtime

import (
	"context"
	"io"
	"time"
)

// DefaultAPIVersion is used when the initial /version probe fails, so the
// client remains usable against an older or momentarily unreachable engine.
const DefaultAPIVersion = "1.43"

// ContainerState mirrors the runtime's container lifecycle states.
type ContainerState string

const (
	StateRunning  ContainerState = "running"
	StateStopped  ContainerState = "stopped"
	StateExited   ContainerState = "exited"
	StateCreated  ContainerState = "created"
	StatePaused   ContainerState = "paused"
	StateRemoving ContainerState = "removing"
	StateDead     ContainerState = "dead"
	StateUnknown  ContainerState = "unknown"
)

// ParseContainerState maps the engine's free-form status string onto
// ContainerState.
func ParseContainerState(s string) ContainerState {
	switch s {
	case "running":
		return StateRunning
	case "stopped":
		return StateStopped
	case "exited":
		return StateExited
	case "created":
		return StateCreated
	case "paused":
		return StatePaused
	case "removing":
		return StateRemoving
	case "dead":
		return StateDead
	default:
		return StateUnknown
	}
}

// ContainerSummary is the condensed listing shape returned by ListContainers.
type ContainerSummary struct {
	ID     string
	Names  []string
	State  string
	Status string
	Labels map[string]string
}

// VersionInfo is the response to the version-discovery probe.
type VersionInfo struct {
	Version    string `json:"Version"`
	APIVersion string `json:"ApiVersion"`
	MinVersion string `json:"MinAPIVersion"`
	Os         string `json:"Os"`
	Arch       string `json:"Arch"`
}

// CreateResult is returned by CreateContainer.
type CreateResult struct {
	ID       string
	Warnings []string
}

// InspectResult is the subset of container inspect state the rest of the
// agent cares about; other inspect fields are not decoded.
type InspectResult struct {
	ID         string
	State      ContainerState
	Running    bool
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int
	Error      string
	IPAddress  string
}

// ResourceUpdate carries the fields UpdateConfig can change on a running
// container without recreating it. Zero values are left untouched by the
// engine (matching its own /containers/<id>/update semantics).
type ResourceUpdate struct {
	MemoryMiB int64
	CPUCount  int64
}

// ExecSpec describes a command to run inside an already-running container.
type ExecSpec struct {
	Cmd          []string
	AttachStdin  bool
	AttachStdout bool
	AttachStderr bool
	Tty          bool
}

// LogsOptions controls the Logs call.
type LogsOptions struct {
	Follow     bool
	Stdout     bool
	Stderr     bool
	Tail       string
	Timestamps bool
}

// ProgressRecord is a single line of a pull's newline-delimited JSON stream.
type ProgressRecord struct {
	Status         string `json:"status,omitempty"`
	ID             string `json:"id,omitempty"`
	Progress       string `json:"progress,omitempty"`
	Error          string `json:"error,omitempty"`
	ErrorDetail    *struct {
		Message string `json:"message,omitempty"`
	} `json:"errorDetail,omitempty"`
}

// Client is the set of operations the rest of the agent needs from a
// container runtime. The concrete implementation in this package talks HTTP
// directly to the engine's local socket; tests may swap in a fake.
type Client interface {
	Ping(ctx context.Context) error
	Info(ctx context.Context) (map[string]any, error)
	Version(ctx context.Context) (VersionInfo, error)
	ListContainers(ctx context.Context, all bool) ([]ContainerSummary, error)

	CreateContainer(ctx context.Context, spec CreateContainerSpec) (CreateResult, error)
	Inspect(ctx context.Context, containerID string) (InspectResult, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Restart(ctx context.Context, containerID string, timeout time.Duration) error
	Kill(ctx context.Context, containerID, signal string) error
	Pause(ctx context.Context, containerID string) error
	Unpause(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string, force bool) error
	UpdateConfig(ctx context.Context, containerID string, cfg ResourceUpdate) error

	PullImage(ctx context.Context, ref string) (io.ReadCloser, error)
	Logs(ctx context.Context, containerID string, opts LogsOptions) (io.ReadCloser, error)
	StatsOnce(ctx context.Context, containerID string) (map[string]any, error)
	StatsStream(ctx context.Context, containerID string) (io.ReadCloser, error)

	ExecCreate(ctx context.Context, containerID string, spec ExecSpec) (string, error)
	ExecAttach(ctx context.Context, execID string) (io.ReadWriteCloser, error)
	ExecInspect(ctx context.Context, execID string) (running bool, exitCode int, err error)
}
