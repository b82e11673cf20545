// Package stream serves execution progress over WebSocket. A client
// connects, subscribes to one or more executions, and receives the
// events the progress broker publishes for them. Subscribing replays
// the events already buffered for the execution before live delivery
// starts, so a late subscriber still sees the full timeline.
//
// Messages are exchanged as Frames. The first frame a client sends is
// always JSON; it may name a wire format ("json" or "msgpack") that
// both sides use from then on.
package stream

import (
	"encoding/json"
	"time"
)

// FrameType identifies the frame category.
type FrameType string

const (
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameAck         FrameType = "ack"
	FrameEvent       FrameType = "event"
	FrameErr         FrameType = "error"
	FramePing        FrameType = "ping"
	FramePong        FrameType = "pong"
)

// Frame is the message envelope. Every message exchanged over the
// stream protocol is a Frame.
type Frame struct {
	// ID uniquely identifies this frame.
	ID string `json:"id" msgpack:"id"`

	// Type categorizes the frame.
	Type FrameType `json:"type" msgpack:"type"`

	// CorrelID links an ack or error to its originating frame.
	CorrelID string `json:"correl_id,omitempty" msgpack:"correl_id,omitempty"`

	// ExecutionID identifies the execution for event frames.
	ExecutionID string `json:"execution_id,omitempty" msgpack:"execution_id,omitempty"`

	// Data carries the frame-specific payload. Event payloads are
	// always JSON regardless of the envelope format.
	Data json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`

	// Error carries error details for error frames.
	Error *ErrorDetail `json:"error,omitempty" msgpack:"error,omitempty"`

	// Timestamp records when this frame was created.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// ErrorDetail describes an error in an error frame.
type ErrorDetail struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// ── Well-known error codes ──────────────────────────

const (
	ErrCodeBadRequest  = 400
	ErrCodeUnsupported = 405
	ErrCodeInternal    = 500
)

// ── Frame payloads ──────────────────────────────────

// SubscribeRequest attaches the connection to an execution's progress
// topic. Format is honored only on the connection's first frame.
type SubscribeRequest struct {
	ExecutionID string `json:"execution_id"`
	Format      string `json:"format,omitempty"` // "json" (default) or "msgpack"
}

// SubscribeResponse confirms a subscription and the negotiated format.
type SubscribeResponse struct {
	ExecutionID string `json:"execution_id"`
	Format      string `json:"format"`
}

// UnsubscribeRequest detaches the connection from an execution's topic.
type UnsubscribeRequest struct {
	ExecutionID string `json:"execution_id"`
}

// NewSubscribeFrame creates a subscribe frame for an execution.
func NewSubscribeFrame(executionID, format string) (*Frame, error) {
	raw, err := json.Marshal(SubscribeRequest{ExecutionID: executionID, Format: format})
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        generateFrameID(),
		Type:      FrameSubscribe,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewAckFrame creates an ack in response to a frame.
func NewAckFrame(correlID string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        generateFrameID(),
		Type:      FrameAck,
		CorrelID:  correlID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewErrorFrame creates an error response to a frame.
func NewErrorFrame(correlID string, code int, message string) *Frame {
	return &Frame{
		ID:       generateFrameID(),
		Type:     FrameErr,
		CorrelID: correlID,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	}
}

// generateFrameID returns a new unique frame ID.
// Uses a timestamp approach for performance.
func generateFrameID() string {
	return time.Now().UTC().Format("20060102150405.000000000")
}
