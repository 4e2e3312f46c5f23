// Package session implements the host agent's full-duplex channel server:
// an unauthenticated websocket connection per exec or stats attach, with an
// in-band auth handshake, a small event protocol, and the log-buffering and
// quota-enforcement behavior that ride on top of it.
package session

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/morikuni/aec"

	"github.com/kswings/hostagent/internal/hostagent/log"
	"github.com/kswings/hostagent/internal/hostagent/quota"
	hostruntime "github.com/kswings/hostagent/internal/hostagent/runtime"
	"github.com/kswings/hostagent/internal/hostagent/state"
)

const (
	kindExec  = "exec"
	kindStats = "stats"

	bannerText = "[kswings] connected!"
)

// Config controls New.
type Config struct {
	Secret    string
	Runtime   hostruntime.Client
	State     *state.Store
	VolumeDir string
}

// Server upgrades HTTP requests on the exec/stats paths into duplex
// sessions. It is registered onto the same ServeMux the control API uses so
// both share one listener, per spec §4.6.
type Server struct {
	secret    string
	runtime   hostruntime.Client
	state     *state.Store
	volumeDir string
	logs      *logRegistry
	upgrader  websocket.Upgrader
}

// New builds a Server.
func New(cfg Config) *Server {
	return &Server{
		secret:    cfg.Secret,
		runtime:   cfg.Runtime,
		state:     cfg.State,
		volumeDir: cfg.VolumeDir,
		logs:      newLogRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Register adds the session routes to mux. The URL shape is
// /<kind>/<container_id>/<volume_id?>, matched generically so an unknown
// kind still reaches handleConnect and can be closed with code 1002 rather
// than bouncing off the mux as a plain 404. A bare /<kind>/ with no
// container id also reaches handleConnect, which closes it with code 1008.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{kind}/{container_id}/{volume_id}", s.handleConnect)
	mux.HandleFunc("GET /{kind}/{container_id}", s.handleConnect)
	mux.HandleFunc("GET /{kind}/{$}", s.handleConnect)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	containerID := r.PathValue("container_id")
	volumeID := r.PathValue("volume_id")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger := log.WithComponent("session")
		logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &connection{
		ws:          ws,
		kind:        kind,
		containerID: containerID,
		volumeID:    volumeID,
		secret:      s.secret,
		runtime:     s.runtime,
		state:       s.state,
		volumeDir:   s.volumeDir,
		logs:        s.logs,
	}
	c.run()
}

// Drop removes containerID's log buffer and stops its follow stream. Call
// this when a container is replaced or removed.
func (s *Server) Drop(containerID string) {
	s.logs.Drop(containerID)
}

// frame is the inbound message shape: {event, args?, command?}.
type frame struct {
	Event   string   `json:"event"`
	Args    []string `json:"args,omitempty"`
	Command string   `json:"command,omitempty"`
}

// connection is one websocket attach. It owns the auth state machine, the
// write serialization, and (once authenticated) the exec or stats session
// loop for its kind.
type connection struct {
	ws          *websocket.Conn
	kind        string
	containerID string
	volumeID    string
	secret      string
	runtime     hostruntime.Client
	state       *state.Store
	volumeDir   string
	logs        *logRegistry

	authenticated bool

	writeMu sync.Mutex
	logBusy atomic.Bool
}

func (c *connection) run() {
	defer c.ws.Close()

	if c.containerID == "" {
		c.closeWith(websocket.ClosePolicyViolation, "Container ID not specified")
		return
	}
	if c.kind != kindExec && c.kind != kindStats {
		c.closeWith(websocket.CloseProtocolError, "")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.writeText("Invalid JSON")
			continue
		}

		if !c.authenticated {
			c.handleHandshake(ctx, f)
			continue
		}
		c.handleEvent(ctx, f)
	}
}

func (c *connection) handleHandshake(ctx context.Context, f frame) {
	if f.Event != "auth" || len(f.Args) != 1 || f.Args[0] != c.secret || c.secret == "" {
		c.writeText("Authentication failed")
		c.closeWith(websocket.ClosePolicyViolation, "")
		return
	}

	c.authenticated = true
	c.writeText(aec.BlueF.Apply(bannerText))

	switch c.kind {
	case kindExec:
		go c.runExec(ctx)
	case kindStats:
		go c.runStats(ctx)
	}
}

func (c *connection) handleEvent(ctx context.Context, f frame) {
	switch {
	case f.Event == "cmd":
		c.injectCommand(ctx, f.Command)
	case f.Event == "power:start":
		c.power(ctx, "start")
	case f.Event == "power:stop":
		c.power(ctx, "stop")
	case f.Event == "power:restart":
		c.power(ctx, "restart")
	default:
		c.writeText("Unsupported event")
	}
}

func (c *connection) power(ctx context.Context, op string) {
	var err error
	switch op {
	case "start":
		err = c.runtime.Start(ctx, c.containerID)
	case "stop":
		err = c.runtime.Stop(ctx, c.containerID, 10*time.Second)
	case "restart":
		err = c.runtime.Restart(ctx, c.containerID, 10*time.Second)
	}
	if err != nil {
		logger := log.WithContainer(c.containerID)
		logger.Warn().Err(err).Str("op", op).Msg("power operation failed")
		c.writeText("power:" + op + " failed: " + err.Error())
	}
}

// injectCommand writes command into the container's primary TTY via an
// exec handle, per spec §4.6's cmd event.
func (c *connection) injectCommand(ctx context.Context, command string) {
	if command == "" {
		return
	}
	logger := log.WithContainer(c.containerID)

	execID, err := c.runtime.ExecCreate(ctx, c.containerID, hostruntime.ExecSpec{
		Cmd:          []string{"/bin/sh", "-c", command},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("exec create for cmd event failed")
		c.writeText("command failed: " + err.Error())
		return
	}

	attached, err := c.runtime.ExecAttach(ctx, execID)
	if err != nil {
		logger.Warn().Err(err).Msg("exec attach for cmd event failed")
		c.writeText("command failed: " + err.Error())
		return
	}
	defer attached.Close()

	if _, err := attached.Write([]byte(command + "\n")); err != nil {
		logger.Warn().Err(err).Msg("write to exec tty failed")
	}
}

// runExec flushes the buffered log lines for this container, then streams
// new lines as they arrive, per spec §4.6's exec session behavior.
func (c *connection) runExec(ctx context.Context) {
	buf, buffered, subID, lines := c.logs.attach(c.containerID, c.runtime)
	defer buf.detach(subID)

	for _, line := range buffered {
		c.writeLogLine(line)
	}

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			c.writeLogLine(line)
		case <-ctx.Done():
			return
		}
	}
}

// runStats runs the per-session stats-and-quota loop described in spec
// §4.7, sending a sample every tick until the channel closes.
func (c *connection) runStats(ctx context.Context) {
	diskLimitMiB := int64(0)
	if c.volumeID != "" {
		if rec, ok, err := c.state.Get(c.volumeID); err == nil && ok {
			diskLimitMiB = rec.DiskLimitMiB
		}
	}
	volumePath := filepath.Join(c.volumeDir, "volumes", c.volumeID)

	loop := quota.New(c.runtime, c.containerID, volumePath, diskLimitMiB)
	loop.Run(ctx,
		func(sample map[string]any) { c.writeJSON(sample) },
		func(msg string) { c.writeJSON(map[string]string{"error": msg}) },
	)
}

// writeLogLine formats line with the [docker] prefix and sends it. It skips
// the line if another log-line write on this connection is still in
// progress (the line stays in the ring buffer for the next attach); other
// frames are not checked here and are serialized by writeMu instead.
func (c *connection) writeLogLine(line string) {
	if !c.logBusy.CompareAndSwap(false, true) {
		return
	}
	defer c.logBusy.Store(false)

	formatted := "\r\n" + aec.BlueF.Apply("[docker] ") + line + "\r\n"
	c.writeRaw([]byte(formatted))
}

func (c *connection) writeText(s string) {
	c.writeRaw([]byte(s))
}

func (c *connection) writeJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.writeRaw(data)
}

func (c *connection) writeRaw(data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		logger := log.WithContainer(c.containerID)
		logger.Debug().Err(err).Msg("session write failed")
	}
}

func (c *connection) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
}
