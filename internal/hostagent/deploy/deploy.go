// Package deploy implements the host agent's create pipeline: validating a
// CreateRequest, materializing its volume, pulling and creating the
// container, acknowledging the caller early, and finishing provisioning and
// start-up in the background.
package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	dockernetwork "github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/kswings/hostagent/internal/hostagent/apierr"
	"github.com/kswings/hostagent/internal/hostagent/assets"
	"github.com/kswings/hostagent/internal/hostagent/log"
	hostruntime "github.com/kswings/hostagent/internal/hostagent/runtime"
	"github.com/kswings/hostagent/internal/hostagent/state"
)

const (
	// defaultPrimaryPort is used when a CreateRequest carries no port
	// bindings at all.
	defaultPrimaryPort = 8080
	// volumeMountPoint is where each instance's volume is bound inside the
	// container.
	volumeMountPoint = "/app/data"
)

// PortBinding is one host-port-to-container-port mapping.
type PortBinding struct {
	ContainerPort string // e.g. "8080"
	Proto         string // "tcp" or "udp"; defaults to "tcp"
	HostPort      string // e.g. "30080"
}

// InstallScripts mirrors the scripts.install portion of a CreateRequest.
type InstallScripts struct {
	Install []assets.InstallScript
}

// CreateRequest is the deploy pipeline's input, matching spec's CreateRequest
// shape.
type CreateRequest struct {
	Image         string
	InstanceID    string
	Cmd           []string
	Env           []string
	ExposedPorts  []string // "port/proto" entries, e.g. "25565/tcp"
	PortBindings  []PortBinding
	Scripts       InstallScripts
	MemoryMiB     int64
	CPUCount      int64
	DiskLimitMiB  int64
	Variables     json.RawMessage // accepted as either an object or a JSON string, per spec §4.4 step 2
}

// Result is returned to the HTTP layer for the early 202 acknowledgement.
type Result struct {
	Message     string            `json:"message"`
	Env         map[string]string `json:"env"`
	VolumeID    string            `json:"volume_id"`
	ContainerID string            `json:"container_id"`
}

// Pipeline runs the 12-step create flow described in spec §4.4.
type Pipeline struct {
	Runtime   hostruntime.Client
	State     *state.Store
	VolumeDir string // root directory under which volumes/<instance_id> is created
}

// New returns a Pipeline wired to rt and st, rooted at volumeDir.
func New(rt hostruntime.Client, st *state.Store, volumeDir string) *Pipeline {
	return &Pipeline{Runtime: rt, State: st, VolumeDir: volumeDir}
}

// Create runs steps 1-9 synchronously and returns Result for the early 202,
// then continues steps 10-12 in the background. The returned error, if any,
// occurred before the acknowledgement and the caller should respond with the
// error directly rather than a 202. Errors from steps 1-6 leave no FAILED
// record; errors from the pull or the container create (steps 7-8) are
// returned after FAILED has been committed to the state store.
func (p *Pipeline) Create(ctx context.Context, req CreateRequest) (Result, error) {
	logger := log.WithInstance(req.InstanceID)

	// Step 1: validate port bindings.
	for _, b := range req.PortBindings {
		port, err := strconv.Atoi(b.HostPort)
		if err != nil || port < 1 || port > 65535 {
			return Result{}, &apierr.BadRequest{Msg: fmt.Sprintf("invalid host_port %q: must be 1-65535", b.HostPort)}
		}
	}

	// Step 2: parse variables (object or JSON-encoded string; default empty).
	variables, err := parseVariables(req.Variables)
	if err != nil {
		return Result{}, &apierr.BadRequest{Msg: fmt.Sprintf("invalid variables: %v", err)}
	}

	// Step 3: compute primary_port.
	primaryPort := defaultPrimaryPort
	if len(req.PortBindings) > 0 {
		if port, err := strconv.Atoi(req.PortBindings[0].HostPort); err == nil {
			primaryPort = port
		}
	}

	// Step 4: build environment.
	env := buildEnvironment(req.Env, variables, primaryPort)

	// Step 5: materialize volume.
	volumePath := filepath.Join(p.VolumeDir, "volumes", req.InstanceID)
	if err := os.MkdirAll(volumePath, 0o755); err != nil {
		return Result{}, fmt.Errorf("deploy: materialize volume %s: %w", volumePath, err)
	}

	// Step 6: commit INSTALLING state.
	if err := p.State.Update(req.InstanceID, state.Instance{State: state.StateInstalling, DiskLimitMiB: req.DiskLimitMiB}); err != nil {
		return Result{}, fmt.Errorf("deploy: commit installing state: %w", err)
	}

	// Step 7: pull image, draining progress synchronously.
	stream, err := p.Runtime.PullImage(ctx, req.Image)
	if err != nil {
		p.commitFailed(req.InstanceID, "", req.DiskLimitMiB)
		return Result{}, err
	}
	_, err = hostruntime.FollowProgress(stream, func(rec hostruntime.ProgressRecord) {
		logger.Debug().Str("status", rec.Status).Str("progress", rec.Progress).Msg("pull progress")
	})
	stream.Close()
	if err != nil {
		p.commitFailed(req.InstanceID, "", req.DiskLimitMiB)
		return Result{}, err
	}

	// Step 8: create container.
	spec := buildContainerSpec(req, env, primaryPort, volumePath)
	created, err := p.Runtime.CreateContainer(ctx, spec)
	if err != nil {
		p.commitFailed(req.InstanceID, "", req.DiskLimitMiB)
		return Result{}, err
	}

	// container_id is known now; the invariant behind the early 202 is that
	// it is always present at acknowledgement time.
	result := Result{
		Message:     "instance created",
		Env:         envToMap(env),
		VolumeID:    req.InstanceID,
		ContainerID: created.ID,
	}

	// Step 10-12 continue in the background; errors are committed to the
	// state store rather than returned, since the caller already has its
	// response.
	go p.finishProvisioning(context.Background(), req, created.ID, volumePath, primaryPort, variables)

	return result, nil
}

// finishProvisioning runs steps 10-12: install scripts, variable
// substitution, container start, and the final state commit. It never
// panics on failure; it logs and commits FAILED instead, mirroring the
// background-error posture used elsewhere in this codebase for goroutines
// that outlive the request that spawned them.
func (p *Pipeline) finishProvisioning(ctx context.Context, req CreateRequest, containerID, volumePath string, primaryPort int, variables map[string]string) {
	runLogger := log.WithInstance(req.InstanceID)

	if len(req.Scripts.Install) > 0 {
		assets.DownloadInstallScripts(ctx, req.Scripts.Install, volumePath, variables)

		scriptVars := map[string]string{
			"primary_port":   strconv.Itoa(primaryPort),
			"container_name": shortID(containerID),
			"timestamp":      strconv.FormatInt(time.Now().Unix(), 10),
			"random_string":  uuid.NewString(),
		}
		for k, v := range variables {
			scriptVars[k] = v
		}
		if err := assets.ReplaceVariables(volumePath, scriptVars); err != nil {
			runLogger.Error().Err(err).Msg("variable substitution failed")
			p.commitFailed(req.InstanceID, containerID, req.DiskLimitMiB)
			return
		}
	}

	if err := p.Runtime.Start(ctx, containerID); err != nil {
		runLogger.Error().Err(err).Msg("container start failed")
		p.commitFailed(req.InstanceID, containerID, req.DiskLimitMiB)
		return
	}

	if err := p.State.Update(req.InstanceID, state.Instance{
		State:        state.StateReady,
		ContainerID:  containerID,
		DiskLimitMiB: req.DiskLimitMiB,
	}); err != nil {
		runLogger.Error().Err(err).Msg("commit ready state failed")
		return
	}
	runLogger.Info().Str("container_id", containerID).Msg("instance ready")
}

func (p *Pipeline) commitFailed(instanceID, containerID string, diskLimitMiB int64) {
	if err := p.State.Update(instanceID, state.Instance{
		State:        state.StateFailed,
		ContainerID:  containerID,
		DiskLimitMiB: diskLimitMiB,
	}); err != nil {
		logger := log.WithInstance(instanceID)
		logger.Error().Err(err).Msg("commit failed state failed")
	}
}

// parseVariables accepts either a JSON object or a JSON string carrying an
// object, per spec §4.4 step 2.
func parseVariables(raw json.RawMessage) (map[string]string, error) {
	if len(raw) == 0 {
		return map[string]string{}, nil
	}

	var obj map[string]string
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj, nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err != nil {
		return nil, fmt.Errorf("variables is neither an object nor a JSON string")
	}
	if asString == "" {
		return map[string]string{}, nil
	}
	if err := json.Unmarshal([]byte(asString), &obj); err != nil {
		return nil, fmt.Errorf("variables string does not decode to an object: %w", err)
	}
	return obj, nil
}

func buildEnvironment(callerEnv []string, variables map[string]string, primaryPort int) []string {
	env := make([]string, 0, len(callerEnv)+len(variables)+1)
	env = append(env, callerEnv...)
	for k, v := range variables {
		env = append(env, fmt.Sprintf("%s=%s", strings.ToUpper(k), v))
	}
	env = append(env, fmt.Sprintf("PRIMARY_PORT=%d", primaryPort))
	return env
}

func envToMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			m[parts[0]] = parts[1]
		}
	}
	return m
}

func buildContainerSpec(req CreateRequest, env []string, primaryPort int, volumePath string) hostruntime.CreateContainerSpec {
	exposed := nat.PortSet{}
	for _, p := range req.ExposedPorts {
		if port, err := nat.NewPort(portProto(p), portNumber(p)); err == nil {
			exposed[port] = struct{}{}
		}
	}

	bindings := nat.PortMap{}
	for _, b := range req.PortBindings {
		proto := b.Proto
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, b.ContainerPort)
		if err != nil {
			continue
		}
		bindings[port] = append(bindings[port], nat.PortBinding{HostPort: b.HostPort})
		exposed[port] = struct{}{}
	}

	networkMode := dockercontainer.NetworkMode("bridge")
	if runtime.GOOS != "windows" {
		networkMode = dockercontainer.NetworkMode("host")
	}

	return hostruntime.CreateContainerSpec{
		Name: req.InstanceID,
		Config: &dockercontainer.Config{
			Image:        req.Image,
			Cmd:          req.Cmd,
			Env:          env,
			ExposedPorts: exposed,
			Tty:          true,
			OpenStdin:    true,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
		},
		HostConfig: &dockercontainer.HostConfig{
			PortBindings: bindings,
			NetworkMode:  networkMode,
			Binds:        []string{volumePath + ":" + volumeMountPoint},
			Resources: dockercontainer.Resources{
				Memory:   req.MemoryMiB * 1024 * 1024,
				NanoCPUs: req.CPUCount * 1e9,
			},
		},
		NetworkingConfig: &dockernetwork.NetworkingConfig{},
	}
}

func portProto(spec string) string {
	if i := strings.IndexByte(spec, '/'); i >= 0 {
		return spec[i+1:]
	}
	return "tcp"
}

func portNumber(spec string) string {
	if i := strings.IndexByte(spec, '/'); i >= 0 {
		return spec[:i]
	}
	return spec
}

func shortID(containerID string) string {
	if len(containerID) > 12 {
		return containerID[:12]
	}
	return containerID
}
