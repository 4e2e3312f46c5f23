package deploy_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kswings/hostagent/internal/hostagent/apierr"
	"github.com/kswings/hostagent/internal/hostagent/deploy"
	hostruntime "github.com/kswings/hostagent/internal/hostagent/runtime"
	"github.com/kswings/hostagent/internal/hostagent/state"
)

// fakeClient is a minimal hostruntime.Client double. Only the methods the
// create pipeline actually calls do anything interesting; the rest exist to
// satisfy the interface.
type fakeClient struct {
	mu sync.Mutex

	pullErr      error
	pullBody     string
	createID     string
	createErr    error
	startErr     error
	startCalls   int
	createdSpecs []hostruntime.CreateContainerSpec
}

func (f *fakeClient) Ping(ctx context.Context) error                       { return nil }
func (f *fakeClient) Info(ctx context.Context) (map[string]any, error)     { return nil, nil }
func (f *fakeClient) Version(ctx context.Context) (hostruntime.VersionInfo, error) {
	return hostruntime.VersionInfo{}, nil
}
func (f *fakeClient) ListContainers(ctx context.Context, all bool) ([]hostruntime.ContainerSummary, error) {
	return nil, nil
}

func (f *fakeClient) CreateContainer(ctx context.Context, spec hostruntime.CreateContainerSpec) (hostruntime.CreateResult, error) {
	f.mu.Lock()
	f.createdSpecs = append(f.createdSpecs, spec)
	f.mu.Unlock()
	if f.createErr != nil {
		return hostruntime.CreateResult{}, f.createErr
	}
	return hostruntime.CreateResult{ID: f.createID}, nil
}

func (f *fakeClient) Inspect(ctx context.Context, containerID string) (hostruntime.InspectResult, error) {
	return hostruntime.InspectResult{}, nil
}

func (f *fakeClient) Start(ctx context.Context, containerID string) error {
	f.mu.Lock()
	f.startCalls++
	f.mu.Unlock()
	return f.startErr
}

func (f *fakeClient) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	return nil
}
func (f *fakeClient) Restart(ctx context.Context, containerID string, timeout time.Duration) error {
	return nil
}
func (f *fakeClient) Kill(ctx context.Context, containerID, signal string) error { return nil }
func (f *fakeClient) Pause(ctx context.Context, containerID string) error       { return nil }
func (f *fakeClient) Unpause(ctx context.Context, containerID string) error     { return nil }
func (f *fakeClient) Remove(ctx context.Context, containerID string, force bool) error {
	return nil
}
func (f *fakeClient) UpdateConfig(ctx context.Context, containerID string, cfg hostruntime.ResourceUpdate) error {
	return nil
}

func (f *fakeClient) PullImage(ctx context.Context, ref string) (io.ReadCloser, error) {
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return io.NopCloser(strings.NewReader(f.pullBody)), nil
}

func (f *fakeClient) Logs(ctx context.Context, containerID string, opts hostruntime.LogsOptions) (io.ReadCloser, error) {
	return nil, nil
}
func (f *fakeClient) StatsOnce(ctx context.Context, containerID string) (map[string]any, error) {
	return nil, nil
}
func (f *fakeClient) StatsStream(ctx context.Context, containerID string) (io.ReadCloser, error) {
	return nil, nil
}
func (f *fakeClient) ExecCreate(ctx context.Context, containerID string, spec hostruntime.ExecSpec) (string, error) {
	return "", nil
}
func (f *fakeClient) ExecAttach(ctx context.Context, execID string) (io.ReadWriteCloser, error) {
	return nil, nil
}
func (f *fakeClient) ExecInspect(ctx context.Context, execID string) (bool, int, error) {
	return false, 0, nil
}

func newTestPipeline(t *testing.T, client *fakeClient) (*deploy.Pipeline, *state.Store) {
	t.Helper()
	dir := t.TempDir()
	st := state.New(dir + "/states.json")
	return deploy.New(client, st, dir), st
}

func TestCreate_InvalidHostPortFailsBeforeAnySideEffect(t *testing.T) {
	client := &fakeClient{createID: "c1", pullBody: `{"status":"done"}` + "\n"}
	p, st := newTestPipeline(t, client)

	req := deploy.CreateRequest{
		Image:      "redis:7",
		InstanceID: "inst-1",
		PortBindings: []deploy.PortBinding{
			{ContainerPort: "6379", HostPort: "not-a-port"},
		},
	}
	_, err := p.Create(context.Background(), req)
	var badRequest *apierr.BadRequest
	if !errors.As(err, &badRequest) {
		t.Fatalf("expected BadRequest, got %T: %v", err, err)
	}

	if _, ok, _ := st.Get("inst-1"); ok {
		t.Error("expected no state record to be committed for a request that failed validation")
	}
	if len(client.createdSpecs) != 0 {
		t.Error("expected CreateContainer not to be called after validation failure")
	}
}

func TestCreate_OutOfRangeHostPortRejected(t *testing.T) {
	client := &fakeClient{createID: "c1"}
	p, _ := newTestPipeline(t, client)

	req := deploy.CreateRequest{
		Image:      "redis:7",
		InstanceID: "inst-1",
		PortBindings: []deploy.PortBinding{
			{ContainerPort: "6379", HostPort: "70000"},
		},
	}
	_, err := p.Create(context.Background(), req)
	var badRequest *apierr.BadRequest
	if !errors.As(err, &badRequest) {
		t.Fatalf("expected BadRequest for out-of-range port, got %T: %v", err, err)
	}
}

func TestCreate_SuccessReturnsEarlyAckWithContainerID(t *testing.T) {
	client := &fakeClient{createID: "c1abcdef0123", pullBody: `{"status":"done"}` + "\n"}
	p, st := newTestPipeline(t, client)

	req := deploy.CreateRequest{
		Image:      "redis:7",
		InstanceID: "inst-1",
		PortBindings: []deploy.PortBinding{
			{ContainerPort: "6379", HostPort: "30000"},
		},
		MemoryMiB: 256,
		CPUCount:  1,
	}
	result, err := p.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if result.ContainerID != "c1abcdef0123" {
		t.Errorf("ContainerID = %q, want c1abcdef0123", result.ContainerID)
	}
	if result.Env["PRIMARY_PORT"] != "30000" {
		t.Errorf("PRIMARY_PORT = %q, want 30000", result.Env["PRIMARY_PORT"])
	}

	rec, ok, err := st.Get("inst-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected a state record to exist at ack time")
	}
	if rec.State != state.StateInstalling && rec.State != state.StateReady {
		t.Errorf("State = %q, want INSTALLING or READY (background provisioning is async)", rec.State)
	}

	// Background provisioning (start + commit READY) runs in a goroutine;
	// give it a moment, then check the terminal state.
	waitForState(t, st, "inst-1", state.StateReady)
	if client.startCalls != 1 {
		t.Errorf("Start calls = %d, want 1", client.startCalls)
	}
}

func TestCreate_PullFailureCommitsFailed(t *testing.T) {
	client := &fakeClient{pullErr: &apierr.PullFailed{Err: errors.New("no such image")}}
	p, st := newTestPipeline(t, client)

	req := deploy.CreateRequest{
		Image:      "doesnotexist:latest",
		InstanceID: "inst-2",
	}
	_, err := p.Create(context.Background(), req)
	if err == nil {
		t.Fatal("expected error")
	}

	rec, ok, err := st.Get("inst-2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || rec.State != state.StateFailed {
		t.Errorf("expected FAILED state record, got ok=%v rec=%+v", ok, rec)
	}
}

func TestCreate_CreateContainerFailureCommitsFailed(t *testing.T) {
	client := &fakeClient{createErr: &apierr.CreateFailed{Err: errors.New("rejected")}, pullBody: "{}\n"}
	p, st := newTestPipeline(t, client)

	req := deploy.CreateRequest{Image: "redis:7", InstanceID: "inst-3"}
	_, err := p.Create(context.Background(), req)
	if err == nil {
		t.Fatal("expected error")
	}

	rec, ok, err := st.Get("inst-3")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || rec.State != state.StateFailed {
		t.Errorf("expected FAILED state record, got ok=%v rec=%+v", ok, rec)
	}
}

func TestCreate_VariablesAcceptsJSONStringForm(t *testing.T) {
	client := &fakeClient{createID: "c1", pullBody: "{}\n"}
	p, _ := newTestPipeline(t, client)

	req := deploy.CreateRequest{
		Image:      "redis:7",
		InstanceID: "inst-4",
		Variables:  []byte(`"{\"difficulty\":\"hard\"}"`),
	}
	result, err := p.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if result.Env["DIFFICULTY"] != "hard" {
		t.Errorf("Env[DIFFICULTY] = %q, want hard", result.Env["DIFFICULTY"])
	}
}

func waitForState(t *testing.T, st *state.Store, instanceID, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, ok, err := st.Get(instanceID)
		if err == nil && ok && rec.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state for %s did not reach %s within deadline", instanceID, want)
}
