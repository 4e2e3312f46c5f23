package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/kswings/hostagent/internal/hostagent/apierr"
)

// ExecCreate issues POST /v<api>/containers/<id>/exec and returns the
// resulting exec instance id.
func (c *HTTPClient) ExecCreate(ctx context.Context, containerID string, spec ExecSpec) (string, error) {
	body := struct {
		Cmd          []string `json:"Cmd"`
		AttachStdin  bool     `json:"AttachStdin"`
		AttachStdout bool     `json:"AttachStdout"`
		AttachStderr bool     `json:"AttachStderr"`
		Tty          bool     `json:"Tty"`
	}{
		Cmd:          spec.Cmd,
		AttachStdin:  spec.AttachStdin,
		AttachStdout: spec.AttachStdout,
		AttachStderr: spec.AttachStderr,
		Tty:          spec.Tty,
	}

	var result struct {
		ID string `json:"Id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/containers/"+containerID+"/exec", body, &result); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", &apierr.ProtocolError{Err: fmt.Errorf("exec create response carried no id")}
	}
	return result.ID, nil
}

// ExecAttach issues POST /v<api>/exec/<id>/start with Detach=false and
// hijacks the resulting connection for bidirectional use, the same pattern
// the engine's own CLI uses for interactive exec. The caller owns the
// returned ReadWriteCloser and must Close it when done.
func (c *HTTPClient) ExecAttach(ctx context.Context, execID string) (io.ReadWriteCloser, error) {
	c.negotiateVersion(ctx)

	conn, err := dialEngine(ctx, c.addr)
	if err != nil {
		return nil, &apierr.RuntimeUnavailable{Err: err}
	}

	payload, err := json.Marshal(struct {
		Detach bool `json:"Detach"`
		Tty    bool `json:"Tty"`
	}{Detach: false, Tty: true})
	if err != nil {
		conn.Close()
		return nil, &apierr.ProtocolError{Err: err}
	}

	path := "/v" + c.apiVersion + "/exec/" + execID + "/start"
	req, err := http.NewRequest(http.MethodPost, "http://engine"+path, nil)
	if err != nil {
		conn.Close()
		return nil, &apierr.ProtocolError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "tcp")
	req.ContentLength = int64(len(payload))

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, &apierr.RuntimeUnavailable{Err: err}
	}
	if _, err := conn.Write(payload); err != nil {
		conn.Close()
		return nil, &apierr.RuntimeUnavailable{Err: err}
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, &apierr.ProtocolError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		body, _ := io.ReadAll(resp.Body)
		conn.Close()
		return nil, &apierr.RuntimeError{Status: resp.StatusCode, Body: string(body)}
	}

	return &hijackedConn{Conn: conn, buffered: br}, nil
}

// ExecInspect issues GET /v<api>/exec/<id>/json.
func (c *HTTPClient) ExecInspect(ctx context.Context, execID string) (running bool, exitCode int, err error) {
	var result struct {
		Running  bool `json:"Running"`
		ExitCode int  `json:"ExitCode"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/exec/"+execID+"/json", nil, &result); err != nil {
		return false, 0, err
	}
	return result.Running, result.ExitCode, nil
}

// hijackedConn adapts a raw net.Conn plus whatever the response parser left
// buffered into a single io.ReadWriteCloser, so bytes read past the HTTP
// response headers aren't lost.
type hijackedConn struct {
	net.Conn
	buffered *bufio.Reader
}

func (h *hijackedConn) Read(p []byte) (int, error) {
	return h.buffered.Read(p)
}
