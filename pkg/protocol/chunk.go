package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Split fragments an oversized serialized frame into ordered chunk frames
// sharing messageID. chunkSize is the maximum fragment length in bytes.
// The fragments concatenated in index order reproduce payload exactly.
// Fragments are base64-encoded: a chunk boundary can fall inside a
// multibyte rune, so the raw slice is not necessarily valid UTF-8 and
// cannot ride in a JSON string as-is.
func Split(messageID string, payload []byte, chunkSize int) ([]*Frame, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("protocol: chunk size must be positive, got %d", chunkSize)
	}
	total := (len(payload) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}

	frames := make([]*Frame, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		slice, err := json.Marshal(base64.StdEncoding.EncodeToString(payload[start:end]))
		if err != nil {
			return nil, err
		}
		frames = append(frames, &Frame{
			Type:        TypeChunkedMessage,
			MessageID:   messageID,
			ChunkIndex:  i,
			TotalChunks: total,
			Payload:     slice,
		})
	}
	return frames, nil
}

// ChunkData extracts the fragment bytes from a chunk frame.
func (f *Frame) ChunkData() ([]byte, error) {
	if f.Type != TypeChunkedMessage {
		return nil, fmt.Errorf("protocol: frame type %q is not a chunk", f.Type)
	}
	var s string
	if err := json.Unmarshal(f.Payload, &s); err != nil {
		return nil, fmt.Errorf("protocol: malformed chunk payload: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("protocol: malformed chunk payload: %w", err)
	}
	return data, nil
}

// NewChunkAck acknowledges one received chunk.
func NewChunkAck(messageID string, index int) *Frame {
	return &Frame{Type: TypeChunkAck, MessageID: messageID, ChunkIndex: index}
}

// NewChunkComplete signals full receipt of a chunked transfer.
func NewChunkComplete(messageID string) *Frame {
	return &Frame{Type: TypeChunkComplete, MessageID: messageID}
}
