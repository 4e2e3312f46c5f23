package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kswings/hostagent/internal/hostagent/apierr"
	"github.com/kswings/hostagent/internal/hostagent/assets"
	"github.com/kswings/hostagent/internal/hostagent/deploy"
	"github.com/kswings/hostagent/internal/hostagent/log"
	hostruntime "github.com/kswings/hostagent/internal/hostagent/runtime"
)

// createRequestSchema mirrors the wire shape of a CreateRequest body
// (image/Id/Memory/Cpu named the way the panel's existing payloads name
// them, per spec §8's seed scenario), validated before any decoding so a
// malformed body never reaches the pipeline.
var createRequestSchema = compileSchema("create-request.json", `{
	"type": "object",
	"required": ["image", "Id", "Memory", "Cpu"],
	"properties": {
		"image": {"type": "string", "minLength": 1},
		"Id": {"type": "string", "minLength": 1},
		"Memory": {"type": "integer", "minimum": 0},
		"Cpu": {"type": "integer", "minimum": 0},
		"Disk": {"type": "integer", "minimum": 0}
	}
}`)

func compileSchema(name, schemaJSON string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("api: invalid embedded schema %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("api: schema compile %s: %v", name, err))
	}
	return schema
}

type portBindingBody struct {
	HostPort string `json:"HostPort"`
}

type scriptEntryBody struct {
	URI  string `json:"uri"`
	Path string `json:"path"`
}

type scriptsBody struct {
	Install []scriptEntryBody `json:"install"`
}

type createRequestBody struct {
	Image        string                       `json:"image"`
	ID           string                       `json:"Id"`
	Cmd          []string                     `json:"Cmd,omitempty"`
	Env          []string                     `json:"Env,omitempty"`
	ExposedPorts []string                     `json:"ExposedPorts,omitempty"`
	PortBindings map[string][]portBindingBody `json:"PortBindings,omitempty"`
	Scripts      *scriptsBody                 `json:"scripts,omitempty"`
	Memory       int64                        `json:"Memory"`
	Cpu          int64                        `json:"Cpu"`
	Disk         int64                        `json:"Disk"`
	Variables    json.RawMessage              `json:"variables,omitempty"`
}

type editRequestBody struct {
	Memory int64    `json:"Memory,omitempty"`
	Cpu    int64    `json:"Cpu,omitempty"`
	Disk   int64    `json:"Disk,omitempty"`
	Env    []string `json:"Env,omitempty"`
}

// handleCreate implements POST /instances/create (spec §4.4, §4.5).
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	raw, err := decodeAndValidate(r, createRequestSchema)
	if err != nil {
		writeError(w, http.StatusBadRequest, &apierr.BadRequest{Msg: err.Error()})
		return
	}

	var body createRequestBody
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, http.StatusBadRequest, &apierr.BadRequest{Msg: err.Error()})
		return
	}

	req := deploy.CreateRequest{
		Image:        body.Image,
		InstanceID:   body.ID,
		Cmd:          body.Cmd,
		Env:          body.Env,
		ExposedPorts: body.ExposedPorts,
		MemoryMiB:    body.Memory,
		CPUCount:     body.Cpu,
		DiskLimitMiB: body.Disk,
		Variables:    body.Variables,
	}
	for spec, bindings := range body.PortBindings {
		containerPort, proto := splitPortSpec(spec)
		for _, b := range bindings {
			req.PortBindings = append(req.PortBindings, deploy.PortBinding{
				ContainerPort: containerPort,
				Proto:         proto,
				HostPort:      b.HostPort,
			})
		}
	}
	if body.Scripts != nil {
		for _, entry := range body.Scripts.Install {
			req.Scripts.Install = append(req.Scripts.Install, installScriptFrom(entry))
		}
	}

	result, err := s.deploy.Create(r.Context(), req)
	if err != nil {
		logger := log.WithInstance(body.ID)
		logger.Error().Err(err).Msg("create failed")
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// handleDelete implements DELETE /instances/{id} per spec §9's recommended
// contract: stop if running, remove the container, remove the state record,
// remove the volume.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	logger := log.WithInstance(id)

	rec, ok, err := s.state.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, &apierr.NotFound{ContainerID: id})
		return
	}

	if rec.ContainerID != "" {
		if inspected, err := s.runtime.Inspect(r.Context(), rec.ContainerID); err == nil && inspected.Running {
			if err := s.runtime.Stop(r.Context(), rec.ContainerID, 10*time.Second); err != nil {
				logger.Warn().Err(err).Msg("stop before delete failed, continuing")
			}
		}
		if err := s.runtime.Remove(r.Context(), rec.ContainerID, true); err != nil {
			logger.Warn().Err(err).Msg("remove container failed, continuing")
		}
		s.dropSession(rec.ContainerID)
	}

	if err := removeVolume(s.volumePath(id)); err != nil {
		logger.Warn().Err(err).Msg("remove volume failed, continuing")
	}

	if err := s.state.Delete(id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "instance deleted"})
}

// handleRedeploy implements POST /instances/redeploy/{id}/{containerId}:
// replace the workload, keeping the existing volume (spec §9).
func (s *Server) handleRedeploy(w http.ResponseWriter, r *http.Request) {
	s.replaceContainer(w, r, false)
}

// handleReinstall implements POST /instances/reinstall/{id}/{containerId}:
// replace the workload and re-run the install-scripts pass (spec §9).
func (s *Server) handleReinstall(w http.ResponseWriter, r *http.Request) {
	s.replaceContainer(w, r, true)
}

func (s *Server) replaceContainer(w http.ResponseWriter, r *http.Request, rerunScripts bool) {
	id := r.PathValue("id")
	containerID := r.PathValue("containerId")
	logger := log.WithInstance(id)

	rec, ok, err := s.state.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, &apierr.NotFound{ContainerID: id})
		return
	}

	raw, err := decodeAndValidate(r, createRequestSchema)
	if err != nil {
		writeError(w, http.StatusBadRequest, &apierr.BadRequest{Msg: err.Error()})
		return
	}
	var body createRequestBody
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, http.StatusBadRequest, &apierr.BadRequest{Msg: err.Error()})
		return
	}

	if containerID != "" {
		if err := s.runtime.Stop(r.Context(), containerID, 10*time.Second); err != nil {
			logger.Warn().Err(err).Msg("stop before redeploy failed, continuing")
		}
		if err := s.runtime.Remove(r.Context(), containerID, true); err != nil {
			logger.Warn().Err(err).Msg("remove before redeploy failed, continuing")
		}
		s.dropSession(containerID)
	}

	env := body.Env
	if len(env) == 0 && len(rec.PendingEnv) > 0 {
		env = rec.PendingEnv
	}

	req := deploy.CreateRequest{
		Image:        body.Image,
		InstanceID:   id,
		Cmd:          body.Cmd,
		Env:          env,
		ExposedPorts: body.ExposedPorts,
		MemoryMiB:    body.Memory,
		CPUCount:     body.Cpu,
		DiskLimitMiB: rec.DiskLimitMiB,
		Variables:    body.Variables,
	}
	if rerunScripts && body.Scripts != nil {
		for _, entry := range body.Scripts.Install {
			req.Scripts.Install = append(req.Scripts.Install, installScriptFrom(entry))
		}
	}

	result, err := s.deploy.Create(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// handleEdit implements PUT /instances/edit/{id}: mutate resource limits or
// env on an existing instance without replacing the container (spec §9).
// CPU and memory changes are applied live via the runtime's UpdateConfig;
// env changes can't be hot-applied, so they're stashed as PendingEnv for the
// next redeploy.
func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	rec, ok, err := s.state.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, &apierr.NotFound{ContainerID: id})
		return
	}

	var body editRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, &apierr.BadRequest{Msg: err.Error()})
		return
	}

	if (body.Memory != 0 || body.Cpu != 0) && rec.ContainerID != "" {
		if err := s.runtime.UpdateConfig(r.Context(), rec.ContainerID, hostruntime.ResourceUpdate{
			MemoryMiB: body.Memory,
			CPUCount:  body.Cpu,
		}); err != nil {
			logger := log.WithInstance(id)
			logger.Error().Err(err).Msg("update config failed")
			writeError(w, statusFor(err), err)
			return
		}
	}

	newRec := rec
	if body.Disk != 0 {
		newRec.DiskLimitMiB = body.Disk
	}
	if len(body.Env) > 0 {
		newRec.PendingEnv = body.Env
	}
	if err := s.state.Update(id, newRec); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "instance updated"})
}

// handleState implements GET /state/{volume_id}.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("volume_id")
	rec, ok, err := s.state.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, &apierr.NotFound{ContainerID: id})
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{
		State:       rec.State,
		ContainerID: rec.ContainerID,
	})
}

type stateResponse struct {
	State       string `json:"state"`
	ContainerID string `json:"containerId"`
}

// handleStats implements GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	hostStats, err := s.runtime.Info(r.Context())
	if err != nil {
		logger := log.WithComponent("api")
		logger.Warn().Err(err).Msg("host stats unavailable")
		hostStats = map[string]any{}
	}

	containers, err := s.runtime.ListContainers(r.Context(), true)
	online := 0
	if err == nil {
		for _, c := range containers {
			if hostruntime.ParseContainerState(c.State) == hostruntime.StateRunning {
				online++
			}
		}
	}

	writeJSON(w, http.StatusOK, statsResponse{
		TotalHostStats:        hostStats,
		OnlineContainersCount: online,
		Uptime:                formatUptime(time.Since(s.startedAt)),
	})
}

type statsResponse struct {
	TotalHostStats        map[string]any `json:"total_host_stats"`
	OnlineContainersCount int            `json:"online_containers_count"`
	Uptime                string         `json:"uptime"`
}

// formatUptime renders d as "Nd Nh Nm", omitting zero leading components
// and defaulting to "0m" when the whole duration is under a minute.
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if len(parts) > 0 || hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	parts = append(parts, fmt.Sprintf("%dm", minutes))
	return strings.Join(parts, " ")
}

// decodeAndValidate reads r's body, validates it against schema, and returns
// the raw bytes for the caller to unmarshal into a typed struct.
func decodeAndValidate(r *http.Request, schema *jsonschema.Schema) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return nil, fmt.Errorf("request validation failed: %w", err)
	}
	return raw, nil
}

func splitPortSpec(spec string) (port, proto string) {
	if i := strings.IndexByte(spec, '/'); i >= 0 {
		return spec[:i], spec[i+1:]
	}
	return spec, "tcp"
}

func installScriptFrom(entry scriptEntryBody) assets.InstallScript {
	return assets.InstallScript{URI: entry.URI, Path: entry.Path}
}
