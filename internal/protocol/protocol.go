// Package protocol defines the websocket wire contract between inkroom
// servers and clients: event names, payload shapes and inbound validation.
//
// Every frame is a JSON object {"type": <event>, "payload": {...}}. Event
// names and payload field names are part of the contract and must not change.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/louisbranch/inkroom/internal/drawing"
)

// Client to server events.
const (
	TypeBeginStroke     = "begin_stroke"
	TypeStrokePoint     = "stroke_point"
	TypeEndStroke       = "end_stroke"
	TypeCursor          = "cursor"
	TypeUndo            = "undo"
	TypeRedo            = "redo"
	TypeClear           = "clear"
	TypeRequestSnapshot = "request_snapshot"
)

// Server to client events. begin_stroke, stroke_point, end_stroke and cursor
// are also relayed server to client with the sender's identity added.
const (
	TypeInit       = "init"
	TypeUserJoined = "user_joined"
	TypeUserLeft   = "user_left"
	TypeOpRemoved  = "op_removed"
	TypeOpAdded    = "op_added"
	TypeCleared    = "cleared"
	TypeSnapshot   = "snapshot"
	TypeError      = "error"
)

// Frame is the envelope of every websocket message.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// BeginStroke opens a stroke.
type BeginStroke struct {
	OpID     string  `json:"opId" validate:"required,max=128"`
	Color    string  `json:"color" validate:"max=64"`
	Width    float64 `json:"width" validate:"gte=0,lte=1024"`
	IsEraser bool    `json:"isEraser"`
}

// StrokePoint appends a point to a stroke. Ts is an optional client
// timestamp relayed untouched.
type StrokePoint struct {
	OpID string   `json:"opId" validate:"required,max=128"`
	X    float64  `json:"x"`
	Y    float64  `json:"y"`
	Ts   *float64 `json:"ts,omitempty"`
}

// EndStroke finishes a stroke.
type EndStroke struct {
	OpID string `json:"opId" validate:"required,max=128"`
}

// Cursor is an ephemeral pointer position.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// BeginStrokeBroadcast relays BeginStroke to peers.
type BeginStrokeBroadcast struct {
	BeginStroke
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// StrokePointBroadcast relays StrokePoint to peers.
type StrokePointBroadcast struct {
	StrokePoint
	UserID string `json:"userId"`
}

// EndStrokeBroadcast carries the authoritative finished stroke to everyone,
// the originator included.
type EndStrokeBroadcast struct {
	Op     drawing.Operation `json:"op"`
	UserID string            `json:"userId"`
}

// CursorBroadcast relays Cursor to peers.
type CursorBroadcast struct {
	UserID string  `json:"userId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// Init is sent to a connection once it joined its room.
type Init struct {
	ID    string              `json:"id"`
	Name  string              `json:"name"`
	Users []drawing.User      `json:"users"`
	Ops   []drawing.Operation `json:"ops"`
}

// UserJoined announces a new room member to peers.
type UserJoined struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// UserLeft announces a departed room member.
type UserLeft struct {
	ID string `json:"id"`
}

// OpRemoved hides a committed stroke (undo) or drops an orphaned one.
type OpRemoved struct {
	OpID string `json:"opId"`
}

// OpAdded restores a stroke at the tip of history (redo).
type OpAdded struct {
	Op drawing.Operation `json:"op"`
}

// Snapshot is the committed history of a room.
type Snapshot struct {
	Ops []drawing.Operation `json:"ops"`
}

// ErrorBody describes a rejected frame.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ErrorPayload is sent to the originating connection only.
type ErrorPayload struct {
	Error ErrorBody `json:"error"`
}

// NewFrame encodes payload into a frame of the given type. A nil payload
// produces an empty object so every frame carries one.
func NewFrame(frameType string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Type: frameType, Payload: json.RawMessage(`{}`)}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", frameType, err)
	}
	return Frame{Type: frameType, Payload: b}, nil
}

// DecodePayload unmarshals a frame payload into T without validating it.
func DecodePayload[T any](frame Frame) (T, error) {
	var v T
	if len(frame.Payload) == 0 {
		return v, fmt.Errorf("%s payload is required", frame.Type)
	}
	if err := json.Unmarshal(frame.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", frame.Type, err)
	}
	return v, nil
}
