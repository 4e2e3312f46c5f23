//go:build windows

package runtime

import (
	"context"
	"net"

	"github.com/Microsoft/go-winio"
)

// dialEngine connects to the runtime's named pipe.
func dialEngine(ctx context.Context, addr string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, addr)
}

// defaultEngineAddr is the default named pipe path on Windows hosts.
const defaultEngineAddr = `\\.\pipe\docker_engine`
