package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"

	"github.com/pipevine/pipevine/id"
	"github.com/pipevine/pipevine/progress"
)

// Compile-time interface check.
var _ http.Handler = (*Server)(nil)

// Server upgrades HTTP requests to WebSocket connections and fans
// execution progress out to them. Each subscribe frame attaches the
// connection to one execution's topic on the progress broker: buffered
// events are replayed first, then live events follow.
type Server struct {
	broker *progress.Broker
	logger *slog.Logger

	connSeq atomic.Int64
	conns   sync.Map // connID → *connection
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a progress stream server backed by a broker.
func NewServer(broker *progress.Broker, opts ...ServerOption) *Server {
	s := &Server{
		broker: broker,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int {
	count := 0
	s.conns.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// ServeHTTP upgrades the request and serves the connection until the
// client disconnects or the server shuts down.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newConnection(fmt.Sprintf("ws-%d", s.connSeq.Add(1)), conn)
	s.conns.Store(c.id, c)

	s.logger.Debug("stream connection opened", slog.String("conn_id", c.id))

	s.wg.Add(1)
	go s.serveConn(c)
}

// Shutdown closes all connections and waits for their goroutines, up to
// the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}

	s.conns.Range(func(_, value any) bool {
		c := value.(*connection) //nolint:errcheck // conns map always stores *connection
		_ = c.conn.Close()       //nolint:errcheck // connection teardown
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("stream server stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// serveConn runs the read loop for one connection.
func (s *Server) serveConn(c *connection) {
	defer s.wg.Done()
	defer s.teardown(c)

	for {
		frame, err := c.readFrame()
		if err != nil {
			if !s.closed.Load() {
				s.logger.Debug("stream connection closed",
					slog.String("conn_id", c.id),
					slog.String("reason", err.Error()),
				)
			}
			return
		}

		switch frame.Type {
		case FrameSubscribe:
			s.handleSubscribe(c, frame)
		case FrameUnsubscribe:
			s.handleUnsubscribe(c, frame)
		case FramePing:
			s.writeOrDrop(c, &Frame{
				ID:        generateFrameID(),
				Type:      FramePong,
				CorrelID:  frame.ID,
				Timestamp: time.Now().UTC(),
			})
		default:
			s.writeOrDrop(c, NewErrorFrame(frame.ID, ErrCodeUnsupported,
				fmt.Sprintf("unsupported frame type %q", frame.Type)))
		}
	}
}

// handleSubscribe attaches the connection to an execution topic and
// starts forwarding its events. The first subscribe frame also settles
// the wire format for the rest of the connection.
func (s *Server) handleSubscribe(c *connection, frame *Frame) {
	var req SubscribeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		s.writeOrDrop(c, NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid subscribe: "+err.Error()))
		return
	}

	if !c.negotiated {
		c.codec = GetCodec(req.Format)
		c.negotiated = true
	}

	execID, err := id.ParseExecutionID(req.ExecutionID)
	if err != nil {
		s.writeOrDrop(c, NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid execution id: "+err.Error()))
		return
	}

	// Subscribes are handled serially by the read loop, so checking
	// before subscribing is race-free. A duplicate is just re-acked.
	if c.hasSubscription(execID) {
		s.ackSubscribe(c, frame.ID, req.ExecutionID)
		return
	}

	sub := s.broker.Subscribe(execID, c.id)
	c.addSubscription(execID, sub)

	// Ack before the forwarder starts so replayed events never
	// overtake the ack on the wire.
	s.ackSubscribe(c, frame.ID, req.ExecutionID)

	c.wg.Add(1)
	go s.forwardEvents(c, sub)

	s.logger.Debug("stream subscribed",
		slog.String("conn_id", c.id),
		slog.String("execution_id", req.ExecutionID),
		slog.String("format", c.codec.Name()),
	)
}

func (s *Server) ackSubscribe(c *connection, correlID, executionID string) {
	ack, err := NewAckFrame(correlID, SubscribeResponse{
		ExecutionID: executionID,
		Format:      c.codec.Name(),
	})
	if err != nil {
		s.writeOrDrop(c, NewErrorFrame(correlID, ErrCodeInternal, "marshal ack: "+err.Error()))
		return
	}
	s.writeOrDrop(c, ack)
}

// handleUnsubscribe detaches the connection from an execution topic.
// Closing the broker subscription ends its forwarding goroutine.
func (s *Server) handleUnsubscribe(c *connection, frame *Frame) {
	var req UnsubscribeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		s.writeOrDrop(c, NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid unsubscribe: "+err.Error()))
		return
	}

	execID, err := id.ParseExecutionID(req.ExecutionID)
	if err != nil {
		s.writeOrDrop(c, NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid execution id: "+err.Error()))
		return
	}

	if !c.removeSubscription(execID) {
		s.writeOrDrop(c, NewErrorFrame(frame.ID, ErrCodeBadRequest, "not subscribed"))
		return
	}
	s.broker.Unsubscribe(execID, c.id)

	ack, ackErr := NewAckFrame(frame.ID, map[string]string{"execution_id": req.ExecutionID})
	if ackErr != nil {
		return
	}
	s.writeOrDrop(c, ack)
}

// forwardEvents pumps one broker subscription into the connection. It
// exits when the subscription channel closes (unsubscribe, broker
// shutdown) or a write fails.
func (s *Server) forwardEvents(c *connection, sub *progress.Subscription) {
	defer c.wg.Done()

	for evt := range sub.C() {
		data, err := json.Marshal(evt)
		if err != nil {
			s.logger.Warn("marshal progress event failed", slog.String("error", err.Error()))
			continue
		}

		frame := &Frame{
			ID:          generateFrameID(),
			Type:        FrameEvent,
			ExecutionID: evt.ExecutionID.String(),
			Data:        data,
			Timestamp:   time.Now().UTC(),
		}
		if writeErr := c.writeFrame(frame); writeErr != nil {
			return
		}
	}
}

// teardown releases everything the connection holds: broker
// subscriptions first (closing them stops the forwarders), then the
// socket.
func (s *Server) teardown(c *connection) {
	for _, execID := range c.subscriptions() {
		s.broker.Unsubscribe(execID, c.id)
	}
	c.wg.Wait()

	s.conns.Delete(c.id)
	_ = c.conn.Close() //nolint:errcheck // connection teardown

	s.logger.Debug("stream connection torn down", slog.String("conn_id", c.id))
}

func (s *Server) writeOrDrop(c *connection, frame *Frame) {
	if err := c.writeFrame(frame); err != nil {
		s.logger.Debug("stream write failed",
			slog.String("conn_id", c.id),
			slog.String("error", err.Error()),
		)
	}
}
