package switchboard

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/agentgate/internal/observability"
	"github.com/harun/agentgate/pkg/protocol"
	"github.com/harun/agentgate/pkg/session"
)

const (
	writeWait     = 10 * time.Second
	maxFrameBytes = 4 << 20
)

// connection is one websocket client. The pump goroutine owns reads; the writer
// goroutine owns writes once the handshake is done.
type connection struct {
	id          string
	ws          *websocket.Conn
	remoteAddr  string
	connectedAt time.Time
	limiter     *RunLimiter

	out    chan protocol.Frame
	ctx    context.Context
	cancel context.CancelFunc

	// wrote is closed when the writer has flushed and closed the socket.
	wrote chan struct{}

	mu   sync.Mutex
	sess *session.Session
	seq  int64
	// ran is set once sess has had a run request; the next one gets a fresh session.
	ran bool
	// release frees the limiter slot of the run on runSession.
	release    func()
	runSession string

	teardownOnce sync.Once
}

func newConnection(id string, ws *websocket.Conn, remoteAddr string, limiter *RunLimiter, buffer int) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		id:          id,
		ws:          ws,
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
		limiter:     limiter,
		out:         make(chan protocol.Frame, buffer),
		ctx:         ctx,
		cancel:      cancel,
		wrote:       make(chan struct{}),
	}
}

func (c *connection) session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// bind makes sess the connection's current session and returns the previous one.
func (c *connection) bind(sess *session.Session) *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.sess
	c.sess = sess
	c.seq = 0
	c.ran = false
	return prev
}

// claim returns the current session and marks it as run, unless it already had a run.
func (c *connection) claim() (*session.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.ran {
		return c.sess, false
	}
	c.ran = true
	return c.sess, true
}

// startRun takes a limiter slot for the run on sessionID.
func (c *connection) startRun(sessionID string) {
	c.limiter.RecordRequestStart()
	c.mu.Lock()
	c.release = c.limiter.RecordRequestEnd
	c.runSession = sessionID
	c.mu.Unlock()
}

// endRun frees the slot of the run on sessionID. Later calls are no-ops.
func (c *connection) endRun(sessionID string) {
	c.mu.Lock()
	release := c.release
	if c.runSession != sessionID {
		release = nil
	}
	if release != nil {
		c.release = nil
	}
	c.mu.Unlock()

	if release != nil {
		release()
	}
}

// enqueue stamps frame with the next sequence number of sessionID and queues it.
// Sequence numbers follow enqueue order because both happen under c.mu.
func (c *connection) enqueue(sessionID string, frame protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		return context.Canceled
	}
	if c.sess == nil || c.sess.ID != sessionID {
		return ErrSessionNotConnected
	}

	c.seq++
	protocol.Stamp(frame, sessionID, c.seq, time.Now().UnixMilli())
	select {
	case c.out <- frame:
		return nil
	default:
		c.seq--
		return ErrOutboundOverflow
	}
}

// writeDirect writes a frame synchronously. Only the handshake uses it, before
// the writer goroutine starts.
func (c *connection) writeDirect(frame protocol.Frame) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// writeLoop drains the outbound queue. When the connection is cancelled it
// flushes what is already queued, sends a close frame and closes the socket.
func (c *connection) writeLoop(onError func(error)) {
	defer close(c.wrote)
	defer c.ws.Close()

	for {
		select {
		case frame := <-c.out:
			if err := c.write(frame); err != nil {
				onError(err)
				return
			}
		case <-c.ctx.Done():
			for {
				select {
				case frame := <-c.out:
					if err := c.write(frame); err != nil {
						return
					}
				default:
					_ = c.ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(time.Second))
					return
				}
			}
		}
	}
}

func (c *connection) write(frame protocol.Frame) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		observability.RecordOutboundFrame(string(frame.FrameKind()), false)
		return nil
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		observability.RecordOutboundFrame(string(frame.FrameKind()), false)
		return err
	}
	observability.RecordOutboundFrame(string(frame.FrameKind()), true)
	return nil
}
