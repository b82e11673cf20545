package stream

import (
	"net"
	"sync"

	"github.com/gobwas/ws/wsutil"

	"github.com/pipevine/pipevine/id"
	"github.com/pipevine/pipevine/progress"
)

// connection is one upgraded WebSocket client. Frames from the broker's
// subscriptions are forwarded to it by per-subscription goroutines, so
// writes are serialized through writeMu.
type connection struct {
	id   string
	conn net.Conn

	// codec is the negotiated wire format. It starts as JSON and may be
	// switched once by the connection's first subscribe frame.
	codec      Codec
	negotiated bool

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[id.ExecutionID]*progress.Subscription
	wg   sync.WaitGroup
}

func newConnection(connID string, conn net.Conn) *connection {
	return &connection{
		id:    connID,
		conn:  conn,
		codec: &JSONCodec{},
		subs:  make(map[id.ExecutionID]*progress.Subscription),
	}
}

// writeFrame encodes and sends a frame. JSON frames travel as text
// messages, binary codecs as binary messages.
func (c *connection) writeFrame(frame *Frame) error {
	data, err := c.codec.Encode(frame)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.codec.Name() == CodecNameJSON {
		return wsutil.WriteServerText(c.conn, data)
	}
	return wsutil.WriteServerBinary(c.conn, data)
}

// hasSubscription reports whether the execution is already subscribed.
func (c *connection) hasSubscription(execID id.ExecutionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, exists := c.subs[execID]
	return exists
}

// addSubscription records a broker subscription.
func (c *connection) addSubscription(execID id.ExecutionID, sub *progress.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[execID] = sub
}

// removeSubscription drops a recorded subscription. Returns false if
// the execution was not subscribed.
func (c *connection) removeSubscription(execID id.ExecutionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.subs[execID]; !exists {
		return false
	}
	delete(c.subs, execID)
	return true
}

// subscriptions returns a snapshot of subscribed execution ids.
func (c *connection) subscriptions() []id.ExecutionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]id.ExecutionID, 0, len(c.subs))
	for execID := range c.subs {
		out = append(out, execID)
	}
	return out
}

// readFrame reads the next data message and decodes it with the
// connection's current codec.
func (c *connection) readFrame() (*Frame, error) {
	data, _, err := wsutil.ReadClientData(c.conn)
	if err != nil {
		return nil, err
	}
	return c.codec.Decode(data)
}
