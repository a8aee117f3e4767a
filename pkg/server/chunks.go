package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/aiflow80/aiflow/pkg/protocol"
)

// chunkEntry accumulates the fragments of one chunked message. Fragments
// may arrive in any order; the transfer is complete when every index from
// 0 to totalChunks-1 has been seen.
type chunkEntry struct {
	senderID string
	total    int
	parts    map[int][]byte
	lastSeen time.Time
}

// ChunkTracker reassembles chunked messages keyed by message id.
type ChunkTracker struct {
	mu      sync.Mutex
	entries map[string]*chunkEntry
}

// NewChunkTracker returns an empty tracker.
func NewChunkTracker() *ChunkTracker {
	return &ChunkTracker{entries: make(map[string]*chunkEntry)}
}

// Add records one fragment and reports whether the transfer is now
// complete. Duplicate fragments overwrite and do not double-count.
func (t *ChunkTracker) Add(senderID string, f *protocol.Frame) (bool, error) {
	data, err := f.ChunkData()
	if err != nil {
		return false, err
	}
	if f.TotalChunks <= 0 || f.ChunkIndex < 0 || f.ChunkIndex >= f.TotalChunks {
		return false, fmt.Errorf("server: chunk %d/%d out of range for message %q",
			f.ChunkIndex, f.TotalChunks, f.MessageID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[f.MessageID]
	if !ok {
		e = &chunkEntry{
			senderID: senderID,
			total:    f.TotalChunks,
			parts:    make(map[int][]byte),
		}
		t.entries[f.MessageID] = e
	}
	e.parts[f.ChunkIndex] = data
	e.lastSeen = time.Now()
	return len(e.parts) == e.total, nil
}

// Assemble concatenates the fragments in index order and forgets the
// transfer. It must only be called once Add reported completion.
func (t *ChunkTracker) Assemble(messageID string) ([]byte, error) {
	t.mu.Lock()
	e, ok := t.entries[messageID]
	if ok {
		delete(t.entries, messageID)
	}
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("server: unknown chunked message %q", messageID)
	}
	if len(e.parts) != e.total {
		return nil, fmt.Errorf("server: chunked message %q incomplete: %d/%d",
			messageID, len(e.parts), e.total)
	}

	var out []byte
	for i := 0; i < e.total; i++ {
		out = append(out, e.parts[i]...)
	}
	return out, nil
}

// staleTransfer identifies a discarded incomplete transfer.
type staleTransfer struct {
	MessageID string
	SenderID  string
}

// Sweep discards transfers that have seen no fragment for maxIdle and
// returns them so the caller can notify the senders.
func (t *ChunkTracker) Sweep(maxIdle time.Duration) []staleTransfer {
	cutoff := time.Now().Add(-maxIdle)

	t.mu.Lock()
	defer t.mu.Unlock()
	var stale []staleTransfer
	for id, e := range t.entries {
		if e.lastSeen.Before(cutoff) {
			stale = append(stale, staleTransfer{MessageID: id, SenderID: e.senderID})
			delete(t.entries, id)
		}
	}
	return stale
}

// Pending returns the number of in-flight transfers.
func (t *ChunkTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
