package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockernetwork "github.com/docker/docker/api/types/network"

	"github.com/kswings/hostagent/internal/hostagent/apierr"
	"github.com/kswings/hostagent/internal/hostagent/log"
)

// CreateContainerSpec is the body of a container-create request, using the
// runtime's own wire types so request construction stays schema-faithful.
type CreateContainerSpec struct {
	Name             string
	Config           *dockercontainer.Config
	HostConfig       *dockercontainer.HostConfig
	NetworkingConfig *dockernetwork.NetworkingConfig
}

// createWireBody is the actual JSON shape the engine's /containers/create
// expects: the container config fields at top level, plus HostConfig and
// NetworkingConfig nested alongside them.
type createWireBody struct {
	*dockercontainer.Config
	HostConfig       *dockercontainer.HostConfig     `json:"HostConfig,omitempty"`
	NetworkingConfig *dockernetwork.NetworkingConfig `json:"NetworkingConfig,omitempty"`
}

// HTTPClient is the concrete Client implementation: it owns an http.Client
// whose transport is pinned to the runtime's local socket, and negotiates
// the API version lazily on first use.
type HTTPClient struct {
	httpClient *http.Client
	addr       string
	apiVersion string
	negotiated bool
}

// New creates an HTTPClient bound to addr (a socket path on POSIX, a named
// pipe path on Windows). An empty addr uses the platform default.
func New(addr string) *HTTPClient {
	if addr == "" {
		addr = defaultEngineAddr
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialEngine(ctx, addr)
		},
	}
	return &HTTPClient{
		httpClient: &http.Client{Transport: transport},
		addr:       addr,
		apiVersion: DefaultAPIVersion,
	}
}

// Ping issues GET /_ping. Failure to connect surfaces as RuntimeUnavailable.
func (c *HTTPClient) Ping(ctx context.Context) error {
	resp, err := c.rawDo(ctx, http.MethodGet, "/_ping", nil, nil)
	if err != nil {
		return &apierr.RuntimeUnavailable{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(resp.Body)
		return &apierr.RuntimeError{Status: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// negotiateVersion probes /version once and pins the API prefix used by all
// subsequent calls. A failed probe is not fatal: the hard-coded
// DefaultAPIVersion fallback keeps the client usable against older engines.
func (c *HTTPClient) negotiateVersion(ctx context.Context) {
	if c.negotiated {
		return
	}
	c.negotiated = true

	v, err := c.Version(ctx)
	if err != nil || v.APIVersion == "" {
		logger := log.WithComponent("runtime")
		logger.Warn().Err(err).
			Str("fallback", DefaultAPIVersion).
			Msg("version probe failed, using fallback API version")
		return
	}
	c.apiVersion = v.APIVersion
}

// Version issues the version-less GET /version probe used for negotiation.
func (c *HTTPClient) Version(ctx context.Context) (VersionInfo, error) {
	resp, err := c.rawDo(ctx, http.MethodGet, "/version", nil, nil)
	if err != nil {
		return VersionInfo{}, &apierr.RuntimeUnavailable{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(resp.Body)
		return VersionInfo{}, &apierr.RuntimeError{Status: resp.StatusCode, Body: string(body)}
	}
	var v VersionInfo
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return VersionInfo{}, &apierr.ProtocolError{Err: err}
	}
	return v, nil
}

// Info issues GET /v<api>/info. The response is treated as an opaque
// descriptive record per spec, so it is decoded generically rather than into
// a version-pinned struct.
func (c *HTTPClient) Info(ctx context.Context) (map[string]any, error) {
	return c.doJSONMap(ctx, http.MethodGet, "/info", nil)
}

// ListContainers issues GET /v<api>/containers/json, optionally including
// stopped containers.
func (c *HTTPClient) ListContainers(ctx context.Context, all bool) ([]ContainerSummary, error) {
	q := url.Values{}
	if all {
		q.Set("all", "1")
	}
	var raw []struct {
		ID     string            `json:"Id"`
		Names  []string          `json:"Names"`
		State  string            `json:"State"`
		Status string            `json:"Status"`
		Labels map[string]string `json:"Labels"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/containers/json?"+q.Encode(), nil, &raw); err != nil {
		return nil, err
	}
	out := make([]ContainerSummary, 0, len(raw))
	for _, r := range raw {
		out = append(out, ContainerSummary{ID: r.ID, Names: r.Names, State: r.State, Status: r.Status, Labels: r.Labels})
	}
	return out, nil
}

// ListByLabel is a convenience over ListContainers that filters server-side
// using the engine's filters query parameter, returning only containers that
// carry label.
func (c *HTTPClient) ListByLabel(ctx context.Context, all bool, label string) ([]ContainerSummary, error) {
	args := filters.NewArgs(filters.Arg("label", label))
	encoded, err := filters.ToJSON(args)
	if err != nil {
		return nil, &apierr.ProtocolError{Err: err}
	}
	q := url.Values{"filters": {encoded}}
	if all {
		q.Set("all", "1")
	}
	var raw []struct {
		ID     string            `json:"Id"`
		Names  []string          `json:"Names"`
		State  string            `json:"State"`
		Status string            `json:"Status"`
		Labels map[string]string `json:"Labels"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/containers/json?"+q.Encode(), nil, &raw); err != nil {
		return nil, err
	}
	out := make([]ContainerSummary, 0, len(raw))
	for _, r := range raw {
		out = append(out, ContainerSummary{ID: r.ID, Names: r.Names, State: r.State, Status: r.Status, Labels: r.Labels})
	}
	return out, nil
}

// CreateContainer issues POST /v<api>/containers/create. A non-2xx response
// or a response lacking an Id is surfaced as CreateFailed.
func (c *HTTPClient) CreateContainer(ctx context.Context, spec CreateContainerSpec) (CreateResult, error) {
	body := createWireBody{Config: spec.Config, HostConfig: spec.HostConfig, NetworkingConfig: spec.NetworkingConfig}
	path := "/containers/create"
	if spec.Name != "" {
		path += "?" + url.Values{"name": {spec.Name}}.Encode()
	}

	var result struct {
		ID       string   `json:"Id"`
		Warnings []string `json:"Warnings"`
	}
	if err := c.doJSON(ctx, http.MethodPost, path, body, &result); err != nil {
		return CreateResult{}, &apierr.CreateFailed{Err: err}
	}
	if result.ID == "" {
		return CreateResult{}, &apierr.CreateFailed{Err: fmt.Errorf("create response carried no container id")}
	}
	return CreateResult{ID: result.ID, Warnings: result.Warnings}, nil
}

// Inspect issues GET /v<api>/containers/<id>/json.
func (c *HTTPClient) Inspect(ctx context.Context, containerID string) (InspectResult, error) {
	var raw struct {
		ID    string `json:"Id"`
		State struct {
			Status     string `json:"Status"`
			Running    bool   `json:"Running"`
			StartedAt  string `json:"StartedAt"`
			FinishedAt string `json:"FinishedAt"`
			ExitCode   int    `json:"ExitCode"`
			Error      string `json:"Error"`
		} `json:"State"`
		NetworkSettings struct {
			IPAddress string                                      `json:"IPAddress"`
			Networks  map[string]struct{ IPAddress string }       `json:"Networks"`
		} `json:"NetworkSettings"`
	}

	resp, err := c.doVersioned(ctx, http.MethodGet, "/containers/"+containerID+"/json", nil)
	if err != nil {
		return InspectResult{}, &apierr.RuntimeUnavailable{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return InspectResult{}, &apierr.NotFound{ContainerID: containerID}
	}
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(resp.Body)
		return InspectResult{}, &apierr.RuntimeError{Status: resp.StatusCode, Body: string(b)}
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return InspectResult{}, &apierr.ProtocolError{Err: err}
	}

	startedAt, _ := time.Parse(time.RFC3339Nano, raw.State.StartedAt)
	finishedAt, _ := time.Parse(time.RFC3339Nano, raw.State.FinishedAt)

	ip := raw.NetworkSettings.IPAddress
	if ip == "" {
		for _, n := range raw.NetworkSettings.Networks {
			if n.IPAddress != "" {
				ip = n.IPAddress
				break
			}
		}
	}

	return InspectResult{
		ID:         raw.ID,
		State:      ParseContainerState(raw.State.Status),
		Running:    raw.State.Running,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		ExitCode:   raw.State.ExitCode,
		Error:      raw.State.Error,
		IPAddress:  ip,
	}, nil
}

// Start issues POST /v<api>/containers/<id>/start.
func (c *HTTPClient) Start(ctx context.Context, containerID string) error {
	return c.doAction(ctx, "/containers/"+containerID+"/start", nil)
}

// Stop issues POST /v<api>/containers/<id>/stop?t=<seconds>.
func (c *HTTPClient) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	q := url.Values{"t": {strconv.Itoa(int(timeout.Seconds()))}}
	return c.doAction(ctx, "/containers/"+containerID+"/stop?"+q.Encode(), nil)
}

// Restart issues POST /v<api>/containers/<id>/restart?t=<seconds>.
func (c *HTTPClient) Restart(ctx context.Context, containerID string, timeout time.Duration) error {
	q := url.Values{"t": {strconv.Itoa(int(timeout.Seconds()))}}
	return c.doAction(ctx, "/containers/"+containerID+"/restart?"+q.Encode(), nil)
}

// Kill issues POST /v<api>/containers/<id>/kill?signal=<signal>.
func (c *HTTPClient) Kill(ctx context.Context, containerID, signal string) error {
	q := url.Values{}
	if signal != "" {
		q.Set("signal", signal)
	}
	path := "/containers/" + containerID + "/kill"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return c.doAction(ctx, path, nil)
}

// Pause issues POST /v<api>/containers/<id>/pause.
func (c *HTTPClient) Pause(ctx context.Context, containerID string) error {
	return c.doAction(ctx, "/containers/"+containerID+"/pause", nil)
}

// Unpause issues POST /v<api>/containers/<id>/unpause.
func (c *HTTPClient) Unpause(ctx context.Context, containerID string) error {
	return c.doAction(ctx, "/containers/"+containerID+"/unpause", nil)
}

// Remove issues DELETE /v<api>/containers/<id>?force=<bool>.
func (c *HTTPClient) Remove(ctx context.Context, containerID string, force bool) error {
	q := url.Values{}
	if force {
		q.Set("force", "1")
	}
	path := "/containers/" + containerID
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	resp, err := c.doVersioned(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return &apierr.RuntimeUnavailable{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(resp.Body)
		return &apierr.RuntimeError{Status: resp.StatusCode, Body: string(b)}
	}
	return nil
}

// UpdateConfig issues POST /v<api>/containers/<id>/update with the resource
// limits that can be changed on a running container without recreating it.
// A zero field is sent as 0, which the engine treats as "leave unchanged"
// for Memory and NanoCPUs.
func (c *HTTPClient) UpdateConfig(ctx context.Context, containerID string, cfg ResourceUpdate) error {
	body := dockercontainer.UpdateConfig{
		Resources: dockercontainer.Resources{
			Memory:   cfg.MemoryMiB * 1024 * 1024,
			NanoCPUs: cfg.CPUCount * 1e9,
		},
	}
	var result struct {
		Warnings []string `json:"Warnings"`
	}
	return c.doJSON(ctx, http.MethodPost, "/containers/"+containerID+"/update", body, &result)
}

// PullImage issues POST /v<api>/images/create?fromImage=<ref> and returns
// the raw newline-delimited-JSON progress stream for the caller to drain
// with FollowProgress. A non-2xx status fails eagerly with PullFailed; once
// the stream is handed back, per-line errors are the caller's concern.
func (c *HTTPClient) PullImage(ctx context.Context, ref string) (io.ReadCloser, error) {
	q := url.Values{"fromImage": {ref}}
	resp, err := c.doVersioned(ctx, http.MethodPost, "/images/create?"+q.Encode(), nil)
	if err != nil {
		return nil, &apierr.PullFailed{Err: err}
	}
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &apierr.PullFailed{Err: &apierr.RuntimeError{Status: resp.StatusCode, Body: string(b)}}
	}
	return resp.Body, nil
}

// Logs issues GET /v<api>/containers/<id>/logs with the given options and
// returns the raw stream. When the container was created without a TTY, the
// stream is framed in the engine's multiplex format and should be passed to
// DemuxLogs; TTY containers return raw bytes.
func (c *HTTPClient) Logs(ctx context.Context, containerID string, opts LogsOptions) (io.ReadCloser, error) {
	q := url.Values{}
	if opts.Follow {
		q.Set("follow", "1")
	}
	if opts.Stdout {
		q.Set("stdout", "1")
	}
	if opts.Stderr {
		q.Set("stderr", "1")
	}
	if opts.Tail != "" {
		q.Set("tail", opts.Tail)
	}
	if opts.Timestamps {
		q.Set("timestamps", "1")
	}
	resp, err := c.doVersioned(ctx, http.MethodGet, "/containers/"+containerID+"/logs?"+q.Encode(), nil)
	if err != nil {
		return nil, &apierr.RuntimeUnavailable{Err: err}
	}
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &apierr.RuntimeError{Status: resp.StatusCode, Body: string(b)}
	}
	return resp.Body, nil
}

// StatsOnce issues GET /v<api>/containers/<id>/stats?stream=0 and decodes a
// single snapshot, treated as opaque per spec.
func (c *HTTPClient) StatsOnce(ctx context.Context, containerID string) (map[string]any, error) {
	return c.doJSONMap(ctx, http.MethodGet, "/containers/"+containerID+"/stats?stream=0", nil)
}

// StatsStream issues GET /v<api>/containers/<id>/stats?stream=1 and returns
// the raw newline-delimited-JSON stream of snapshots.
func (c *HTTPClient) StatsStream(ctx context.Context, containerID string) (io.ReadCloser, error) {
	resp, err := c.doVersioned(ctx, http.MethodGet, "/containers/"+containerID+"/stats?stream=1", nil)
	if err != nil {
		return nil, &apierr.RuntimeUnavailable{Err: err}
	}
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &apierr.RuntimeError{Status: resp.StatusCode, Body: string(b)}
	}
	return resp.Body, nil
}

// --- internal HTTP plumbing -------------------------------------------------

// rawDo issues an HTTP request against the engine socket and returns the raw
// response for the caller to read/close. path must already include its
// leading slash and is sent without a version prefix; only the "/version"
// and "/_ping" probes call it directly.
func (c *HTTPClient) rawDo(ctx context.Context, method, path string, body io.Reader, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, "http://engine"+path, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return c.httpClient.Do(req)
}

// doVersioned is like rawDo but prefixes path with the negotiated API
// version, triggering negotiation on first use.
func (c *HTTPClient) doVersioned(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	c.negotiateVersion(ctx)
	return c.rawDo(ctx, method, "/v"+c.apiVersion+path, body, http.Header{"Content-Type": {"application/json"}})
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, reqBody any, out any) error {
	var r io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return &apierr.ProtocolError{Err: err}
		}
		r = bytes.NewReader(b)
	}
	resp, err := c.doVersioned(ctx, method, path, r)
	if err != nil {
		return &apierr.RuntimeUnavailable{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return &apierr.NotFound{}
	}
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(resp.Body)
		return &apierr.RuntimeError{Status: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &apierr.ProtocolError{Err: err}
	}
	return nil
}

func (c *HTTPClient) doJSONMap(ctx context.Context, method, path string, reqBody any) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, method, path, reqBody, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// doAction issues a versioned request expecting an empty 2xx/204 body
// (start/stop/restart/kill/pause/unpause).
func (c *HTTPClient) doAction(ctx context.Context, path string, body io.Reader) error {
	resp, err := c.doVersioned(ctx, http.MethodPost, path, body)
	if err != nil {
		return &apierr.RuntimeUnavailable{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return &apierr.NotFound{}
	}
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(resp.Body)
		return &apierr.RuntimeError{Status: resp.StatusCode, Body: string(b)}
	}
	return nil
}
