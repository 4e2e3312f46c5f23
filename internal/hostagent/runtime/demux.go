package runtime

import (
	"io"

	"github.com/docker/docker/pkg/stdcopy"

	"github.com/kswings/hostagent/internal/hostagent/apierr"
)

// DemuxLogs splits a non-TTY log or exec-attach stream into its stdout and
// stderr components using the engine's native 8-byte stream-type-and-size
// framing. Containers created with a TTY do not use this framing; their log
// streams are raw bytes and should be copied directly instead.
func DemuxLogs(src io.Reader, stdout, stderr io.Writer) error {
	if _, err := stdcopy.StdCopy(stdout, stderr, src); err != nil {
		return &apierr.ProtocolError{Err: err}
	}
	return nil
}
