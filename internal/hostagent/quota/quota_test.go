package quota_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	hostruntime "github.com/kswings/hostagent/internal/hostagent/runtime"
	"github.com/kswings/hostagent/internal/hostagent/quota"
)

type fakeRuntime struct {
	statsErr    error
	running     bool
	stopCalls   int
	inspectErr  error
}

func (f *fakeRuntime) Ping(ctx context.Context) error                   { return nil }
func (f *fakeRuntime) Info(ctx context.Context) (map[string]any, error) { return nil, nil }
func (f *fakeRuntime) Version(ctx context.Context) (hostruntime.VersionInfo, error) {
	return hostruntime.VersionInfo{}, nil
}
func (f *fakeRuntime) ListContainers(ctx context.Context, all bool) ([]hostruntime.ContainerSummary, error) {
	return nil, nil
}
func (f *fakeRuntime) CreateContainer(ctx context.Context, spec hostruntime.CreateContainerSpec) (hostruntime.CreateResult, error) {
	return hostruntime.CreateResult{}, nil
}
func (f *fakeRuntime) Inspect(ctx context.Context, containerID string) (hostruntime.InspectResult, error) {
	return hostruntime.InspectResult{Running: f.running}, f.inspectErr
}
func (f *fakeRuntime) Start(ctx context.Context, containerID string) error { return nil }
func (f *fakeRuntime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	f.stopCalls++
	f.running = false
	return nil
}
func (f *fakeRuntime) Restart(ctx context.Context, containerID string, timeout time.Duration) error {
	return nil
}
func (f *fakeRuntime) Kill(ctx context.Context, containerID, signal string) error { return nil }
func (f *fakeRuntime) Pause(ctx context.Context, containerID string) error       { return nil }
func (f *fakeRuntime) Unpause(ctx context.Context, containerID string) error     { return nil }
func (f *fakeRuntime) Remove(ctx context.Context, containerID string, force bool) error {
	return nil
}
func (f *fakeRuntime) UpdateConfig(ctx context.Context, containerID string, cfg hostruntime.ResourceUpdate) error {
	return nil
}
func (f *fakeRuntime) PullImage(ctx context.Context, ref string) (io.ReadCloser, error) {
	return nil, nil
}
func (f *fakeRuntime) Logs(ctx context.Context, containerID string, opts hostruntime.LogsOptions) (io.ReadCloser, error) {
	return nil, nil
}
func (f *fakeRuntime) StatsOnce(ctx context.Context, containerID string) (map[string]any, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	return map[string]any{"cpu_percent": 1.5}, nil
}
func (f *fakeRuntime) StatsStream(ctx context.Context, containerID string) (io.ReadCloser, error) {
	return nil, nil
}
func (f *fakeRuntime) ExecCreate(ctx context.Context, containerID string, spec hostruntime.ExecSpec) (string, error) {
	return "", nil
}
func (f *fakeRuntime) ExecAttach(ctx context.Context, execID string) (io.ReadWriteCloser, error) {
	return nil, nil
}
func (f *fakeRuntime) ExecInspect(ctx context.Context, execID string) (bool, int, error) {
	return false, 0, nil
}

func writeVolumeBytes(t *testing.T, dir string, n int) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "data.bin"), make([]byte, n), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestRun_EmitsSampleEachTick(t *testing.T) {
	dir := t.TempDir()
	rt := &fakeRuntime{}
	l := quota.New(rt, "c1", dir, 0)
	l.Interval = 10 * time.Millisecond

	var samples []map[string]any
	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()
	l.Run(ctx, func(s map[string]any) { samples = append(samples, s) }, func(string) {})

	if len(samples) < 2 {
		t.Fatalf("expected multiple samples, got %d", len(samples))
	}
	if samples[0]["storage_exceeded"] != false {
		t.Errorf("storage_exceeded = %v, want false for zero disk limit", samples[0]["storage_exceeded"])
	}
}

func TestRun_AutoStopsExactlyOnceOnBreach(t *testing.T) {
	dir := t.TempDir()
	writeVolumeBytes(t, dir, 2*1024*1024) // 2 MiB

	rt := &fakeRuntime{running: true}
	l := quota.New(rt, "c1", dir, 1) // 1 MiB limit
	l.Interval = 10 * time.Millisecond

	var gotExceeded bool
	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()
	l.Run(ctx, func(s map[string]any) {
		if s["storage_exceeded"] == true {
			gotExceeded = true
		}
	}, func(string) {})

	if !gotExceeded {
		t.Fatal("expected at least one sample with storage_exceeded=true")
	}
	if rt.stopCalls != 1 {
		t.Errorf("stopCalls = %d, want exactly 1 (latched auto-stop)", rt.stopCalls)
	}
}

func TestRun_SampleFailureKeepsTimerAlive(t *testing.T) {
	dir := t.TempDir()
	rt := &fakeRuntime{statsErr: io.ErrUnexpectedEOF}
	l := quota.New(rt, "c1", dir, 0)
	l.Interval = 10 * time.Millisecond

	var errCount int
	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()
	l.Run(ctx, func(map[string]any) {}, func(msg string) {
		errCount++
		if msg != "Failed to fetch stats" {
			t.Errorf("error message = %q", msg)
		}
	})

	if errCount < 2 {
		t.Fatalf("expected repeated error callbacks (timer stays alive), got %d", errCount)
	}
}

func TestRun_ZeroDiskLimitDisablesEnforcement(t *testing.T) {
	dir := t.TempDir()
	writeVolumeBytes(t, dir, 5*1024*1024)

	rt := &fakeRuntime{running: true}
	l := quota.New(rt, "c1", dir, 0)
	l.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()
	l.Run(ctx, func(map[string]any) {}, func(string) {})

	if rt.stopCalls != 0 {
		t.Errorf("stopCalls = %d, want 0 when disk limit is 0", rt.stopCalls)
	}
}
