package session

import (
	"bufio"
	"context"
	"sync"

	"github.com/kswings/hostagent/internal/hostagent/log"
	hostruntime "github.com/kswings/hostagent/internal/hostagent/runtime"
)

// logBufferCapacity bounds the ring buffer per container; the source this
// agent is modeled on buffers unboundedly, which is the kind of thing that
// quietly eats memory on a long-lived host agent.
const logBufferCapacity = 500

// subscriberChanSize is the per-subscriber channel depth. A slow subscriber
// drops new lines rather than blocking the fan-out goroutine.
const subscriberChanSize = 64

// logBuffer holds the most recent lines produced by one container and fans
// them out to every attached exec session. It is shared across sessions
// attached to the same container_id (spec §5's shared-resources note) and
// is written only by its own follow goroutine.
type logBuffer struct {
	mu      sync.Mutex
	lines   []string
	subs    map[int]chan string
	nextID  int
	cancel  context.CancelFunc
}

// logRegistry owns one logBuffer per container_id, created lazily on first
// attach and kept alive for the life of the process (or until Drop is
// called) so lines produced while no session is attached are still
// captured for replay on the next attach.
type logRegistry struct {
	mu      sync.Mutex
	buffers map[string]*logBuffer
}

func newLogRegistry() *logRegistry {
	return &logRegistry{buffers: make(map[string]*logBuffer)}
}

// attach returns the shared buffer for containerID (starting its follow
// stream on first use), a snapshot of currently buffered lines, and a fresh
// subscriber channel for lines produced from now on.
func (r *logRegistry) attach(containerID string, rt hostruntime.Client) (*logBuffer, []string, int, <-chan string) {
	r.mu.Lock()
	buf, ok := r.buffers[containerID]
	if !ok {
		buf = newLogBuffer(containerID, rt)
		r.buffers[containerID] = buf
	}
	r.mu.Unlock()

	buf.mu.Lock()
	defer buf.mu.Unlock()
	snapshot := make([]string, len(buf.lines))
	copy(snapshot, buf.lines)

	id := buf.nextID
	buf.nextID++
	ch := make(chan string, subscriberChanSize)
	buf.subs[id] = ch

	return buf, snapshot, id, ch
}

// detach removes one session's subscription. The buffer and its follow
// stream keep running so lines produced while unattended are still
// captured (spec §8 scenario 6).
func (buf *logBuffer) detach(id int) {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if ch, ok := buf.subs[id]; ok {
		delete(buf.subs, id)
		close(ch)
	}
}

// Drop tears down containerID's follow stream and discards its buffer,
// called when the container is removed (delete/redeploy).
func (r *logRegistry) Drop(containerID string) {
	r.mu.Lock()
	buf, ok := r.buffers[containerID]
	if ok {
		delete(r.buffers, containerID)
	}
	r.mu.Unlock()
	if ok && buf.cancel != nil {
		buf.cancel()
	}
}

func newLogBuffer(containerID string, rt hostruntime.Client) *logBuffer {
	ctx, cancel := context.WithCancel(context.Background())
	buf := &logBuffer{
		subs:   make(map[int]chan string),
		cancel: cancel,
	}
	go buf.follow(ctx, containerID, rt)
	return buf
}

// follow reads the container's raw (TTY) log stream line by line, appending
// each to the ring buffer and fanning it out to current subscribers.
// Containers in this agent are always created with a TTY, so the stream is
// plain text, not docker's stdout/stderr multiplex framing.
func (buf *logBuffer) follow(ctx context.Context, containerID string, rt hostruntime.Client) {
	logger := log.WithContainer(containerID)
	stream, err := rt.Logs(ctx, containerID, hostruntime.LogsOptions{Follow: true, Stdout: true, Stderr: true, Tail: "all"})
	if err != nil {
		logger.Warn().Err(err).Msg("log follow stream unavailable")
		return
	}
	defer stream.Close()

	go func() {
		<-ctx.Done()
		stream.Close()
	}()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		buf.append(line)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		logger.Debug().Err(err).Msg("log follow stream ended")
	}
}

func (buf *logBuffer) append(line string) {
	buf.mu.Lock()
	buf.lines = append(buf.lines, line)
	if len(buf.lines) > logBufferCapacity {
		excess := len(buf.lines) - logBufferCapacity
		buf.lines = buf.lines[excess:]
	}
	for _, ch := range buf.subs {
		select {
		case ch <- line:
		default:
			// subscriber's channel is full; this line is still in the ring
			// buffer for replay, so dropping it from the live fan-out here
			// doesn't lose it permanently.
		}
	}
	buf.mu.Unlock()
}
