package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType discriminates wire frames.
type MessageType string

const (
	// TypeConnection is the server → client identity handshake.
	TypeConnection MessageType = "connection"

	// TypePaired acknowledges an inbound event and marks stream boundaries.
	TypePaired MessageType = "paired"

	// TypeComponentUpdate carries one serialized component node.
	TypeComponentUpdate MessageType = "component_update"

	// TypeEvents carries a batch of UI control values from the browser.
	TypeEvents MessageType = "events"

	// TypeChunkedMessage carries one fragment of an oversized payload.
	TypeChunkedMessage MessageType = "chunked_message"

	// TypeChunkAck acknowledges receipt of a single chunk.
	TypeChunkAck MessageType = "chunk_ack"

	// TypeChunkComplete signals that all chunks of a transfer arrived.
	TypeChunkComplete MessageType = "chunked_message_complete"

	// TypeTransferFailed notifies a sender that its chunked transfer was
	// abandoned and reaped before completing.
	TypeTransferFailed MessageType = "transfer_failed"
)

// StreamStart and StreamEnd are the paired-frame boundary markers.
const (
	StreamStart = "stream_start"
	StreamEnd   = "stream_end"
)

// Frame is the JSON envelope for every message on the wire.
//
// Payload is kept raw so routing code can forward frames without decoding
// the body. Chunk metadata fields are only set on chunk frames; for those,
// Payload holds a JSON string containing the fragment text.
type Frame struct {
	Type     MessageType     `json:"type"`
	SenderID string          `json:"sender_id,omitempty"`
	ClientID string          `json:"client_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`

	// Chunked transfer metadata.
	// A missing chunkIndex decodes as 0, the first fragment.
	MessageID   string `json:"messageId,omitempty"`
	ChunkIndex  int    `json:"chunkIndex,omitempty"`
	TotalChunks int    `json:"totalChunks,omitempty"`

	// TransferFailed detail.
	Reason string `json:"reason,omitempty"`
}

// ErrUnknownType is returned when a frame carries an unrecognized type.
type ErrUnknownType struct {
	Type string
}

func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("protocol: unknown frame type %q", e.Type)
}

var knownTypes = map[MessageType]struct{}{
	TypeConnection:      {},
	TypePaired:          {},
	TypeComponentUpdate: {},
	TypeEvents:          {},
	TypeChunkedMessage:  {},
	TypeChunkAck:        {},
	TypeChunkComplete:   {},
	TypeTransferFailed:  {},
}

// Encode serializes a frame for transmission.
func Encode(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses a frame and validates its type.
// A malformed body or unknown type is reported as an error; callers drop
// the frame and keep the connection open.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("protocol: malformed frame: %w", err)
	}
	if _, ok := knownTypes[f.Type]; !ok {
		return nil, &ErrUnknownType{Type: string(f.Type)}
	}
	return &f, nil
}

// PairedPayload is the body of a "paired" frame.
type PairedPayload struct {
	Message   string `json:"message"`
	ClientID  string `json:"client_id"`
	SessionID string `json:"session_id"`
	TimeStamp string `json:"time_stamp"`
}

// ComponentUpdatePayload is the body of a "component_update" frame.
// Timestamp is seconds since the epoch, attached at transmission time.
type ComponentUpdatePayload struct {
	Component map[string]any `json:"component"`
	Timestamp float64        `json:"timestamp"`
}

// ConnectionPayload decodes the identity handshake. The client_id field
// lives on the envelope itself, so this exists only for symmetry with
// senders that nest it.
type ConnectionPayload struct {
	ClientID string `json:"client_id"`
}

// FormEvent is one keyed control value inside an events payload.
type FormEvent struct {
	Value any    `json:"value"`
	Type  string `json:"type,omitempty"`
}

// FileEvent is the non-scalar payload of a file-upload event.
// Data is base64-encoded file content.
type FileEvent struct {
	Name string `json:"name"`
	Mime string `json:"mime,omitempty"`
	Size int64  `json:"size"`
	Data string `json:"data"`
}

// EventsPayload is the body of an "events" frame. File uploads are keyed
// by the explicit Key field since their value is non-scalar.
type EventsPayload struct {
	FormEvents map[string]FormEvent `json:"formEvents,omitempty"`
	FileEvent  *FileEvent           `json:"fileEvent,omitempty"`
	Key        string               `json:"key,omitempty"`
}

// TimeStamp formats t the way paired frames carry it: wall clock with
// millisecond precision.
func TimeStamp(t time.Time) string {
	return t.Format("15:04:05.000")
}

// NewConnection builds the identity handshake frame.
func NewConnection(clientID string) *Frame {
	return &Frame{Type: TypeConnection, ClientID: clientID}
}

// NewPaired builds a paired acknowledgement frame addressed to clientID.
func NewPaired(message, clientID, sessionID string, at time.Time) (*Frame, error) {
	p := PairedPayload{
		Message:   message,
		ClientID:  clientID,
		SessionID: sessionID,
		TimeStamp: TimeStamp(at),
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: TypePaired, ClientID: clientID, Payload: body}, nil
}

// NewComponentUpdate builds a component_update frame. The timestamp is
// attached here, at the point of transmission, so node serialization
// itself stays idempotent.
func NewComponentUpdate(component map[string]any, at time.Time) (*Frame, error) {
	p := ComponentUpdatePayload{
		Component: component,
		Timestamp: float64(at.UnixNano()) / float64(time.Second),
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: TypeComponentUpdate, Payload: body}, nil
}

// NewTransferFailed builds the explicit abandonment notification for a
// reaped chunked transfer.
func NewTransferFailed(messageID, reason string) *Frame {
	return &Frame{Type: TypeTransferFailed, MessageID: messageID, Reason: reason}
}

// Events decodes the payload of an events frame.
func (f *Frame) Events() (*EventsPayload, error) {
	if f.Type != TypeEvents {
		return nil, fmt.Errorf("protocol: frame type %q is not events", f.Type)
	}
	var p EventsPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return nil, fmt.Errorf("protocol: malformed events payload: %w", err)
	}
	return &p, nil
}
