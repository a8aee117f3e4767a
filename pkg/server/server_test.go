package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aiflow80/aiflow/pkg/protocol"
)

func newTestServer(t *testing.T, cfg *Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Registry = prometheus.NewRegistry()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// dialPeer connects and consumes the identity handshake.
func dialPeer(t *testing.T, ts *httptest.Server) (*websocket.Conn, string) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	f := readFrame(t, conn)
	if f.Type != protocol.TypeConnection || f.ClientID == "" {
		t.Fatalf("handshake frame = %+v", f)
	}
	return conn, f.ClientID
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f, err := protocol.Decode(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, f *protocol.Frame) {
	t.Helper()
	data, err := protocol.Encode(f)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestHandshakeAssignsIdentity(t *testing.T) {
	_, ts := newTestServer(t, nil)

	_, idA := dialPeer(t, ts)
	_, idB := dialPeer(t, ts)
	if idA == idB {
		t.Fatalf("both peers got identity %q", idA)
	}
	if len(idA) != 32 || strings.Contains(idA, "-") {
		t.Fatalf("identity %q is not a 32-char hex id", idA)
	}
}

func TestBroadcastRouting(t *testing.T) {
	_, ts := newTestServer(t, nil)

	connA, idA := dialPeer(t, ts)
	connB, _ := dialPeer(t, ts)

	update, err := protocol.NewComponentUpdate(map[string]any{"type": "Button", "id": 1}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	writeFrame(t, connA, update)

	got := readFrame(t, connB)
	if got.Type != protocol.TypeComponentUpdate {
		t.Fatalf("peer B got %q", got.Type)
	}
	if got.SenderID != idA {
		t.Fatalf("senderId = %q, want %q", got.SenderID, idA)
	}
}

func TestDirectedRouting(t *testing.T) {
	_, ts := newTestServer(t, nil)

	connA, _ := dialPeer(t, ts)
	connB, idB := dialPeer(t, ts)
	connC, _ := dialPeer(t, ts)

	update, err := protocol.NewComponentUpdate(map[string]any{"type": "Chip", "id": 2}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	update.ClientID = idB
	writeFrame(t, connA, update)

	got := readFrame(t, connB)
	if got.Type != protocol.TypeComponentUpdate || got.ClientID != idB {
		t.Fatalf("peer B got %+v", got)
	}

	connC.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, _, err := connC.ReadMessage(); err == nil {
		t.Fatal("peer C received a frame addressed to B")
	}
}

func TestCapacityRejection(t *testing.T) {
	s, ts := newTestServer(t, &Config{MaxConnections: 1})

	dialPeer(t, ts)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Fatalf("read = %v, want close %d", err, websocket.CloseTryAgainLater)
	}
	if got := s.Connections(); got != 1 {
		t.Fatalf("Connections = %d, want 1", got)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	s, ts := newTestServer(t, nil)
	dialPeer(t, ts)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Shutdown(context.Background()); err != nil {
				t.Errorf("Shutdown: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t, &Config{MaxConnections: 7})
	dialPeer(t, ts)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Status         string `json:"status"`
		Connections    int    `json:"connections"`
		MaxConnections int    `json:"max_connections"`
		UptimeSeconds  int64  `json:"uptime_seconds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Connections != 1 || body.MaxConnections != 7 {
		t.Fatalf("health = %+v", body)
	}
}

func TestChunkedTransferEndToEnd(t *testing.T) {
	_, ts := newTestServer(t, nil)

	connA, idA := dialPeer(t, ts)
	connB, _ := dialPeer(t, ts)

	update, err := protocol.NewComponentUpdate(map[string]any{
		"type": "Text", "id": 1, "content": strings.Repeat("z", 400),
	}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	whole, err := protocol.Encode(update)
	if err != nil {
		t.Fatal(err)
	}
	chunks, err := protocol.Split("transfer-1", whole, 150)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) < 2 {
		t.Fatalf("payload produced %d chunks, want several", len(chunks))
	}

	for _, chunk := range chunks {
		writeFrame(t, connA, chunk)
	}

	// The sender sees one ack per chunk, then the completion frame.
	for i := range chunks {
		ack := readFrame(t, connA)
		if ack.Type != protocol.TypeChunkAck || ack.MessageID != "transfer-1" {
			t.Fatalf("ack %d = %+v", i, ack)
		}
	}
	done := readFrame(t, connA)
	if done.Type != protocol.TypeChunkComplete || done.MessageID != "transfer-1" {
		t.Fatalf("completion = %+v", done)
	}

	// The peer sees the reassembled frame, stamped with the sender identity.
	got := readFrame(t, connB)
	if got.Type != protocol.TypeComponentUpdate {
		t.Fatalf("peer B got %q", got.Type)
	}
	if got.SenderID != idA {
		t.Fatalf("senderId = %q, want %q", got.SenderID, idA)
	}
}

func TestInvalidReassembledPayload(t *testing.T) {
	_, ts := newTestServer(t, nil)

	connA, _ := dialPeer(t, ts)

	frag, err := json.Marshal(base64.StdEncoding.EncodeToString([]byte("this is not a frame")))
	if err != nil {
		t.Fatal(err)
	}
	writeFrame(t, connA, &protocol.Frame{
		Type:        protocol.TypeChunkedMessage,
		MessageID:   "bad-1",
		ChunkIndex:  0,
		TotalChunks: 1,
		Payload:     frag,
	})

	ack := readFrame(t, connA)
	if ack.Type != protocol.TypeChunkAck {
		t.Fatalf("first frame = %+v", ack)
	}
	failed := readFrame(t, connA)
	if failed.Type != protocol.TypeTransferFailed || failed.MessageID != "bad-1" {
		t.Fatalf("second frame = %+v", failed)
	}
	if failed.Reason == "" {
		t.Fatal("transfer_failed carries no reason")
	}
}
