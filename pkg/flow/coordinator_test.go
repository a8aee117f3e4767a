package flow

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aiflow80/aiflow/pkg/component"
	"github.com/aiflow80/aiflow/pkg/protocol"
)

// mockSender records sent frames and can be switched to fail.
type mockSender struct {
	mu     sync.Mutex
	frames []*protocol.Frame
	fail   bool
}

func (m *mockSender) Send(_ context.Context, f *protocol.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("peer gone")
	}
	m.frames = append(m.frames, f)
	return nil
}

func (m *mockSender) ClientID() string { return "script-1" }

func (m *mockSender) sent() []*protocol.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*protocol.Frame, len(m.frames))
	copy(out, m.frames)
	return out
}

func (m *mockSender) setFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

func noopScript(ctx context.Context, rt *Runtime) error { return nil }

func eventsFrame(t *testing.T, senderID string, values map[string]any) *protocol.Frame {
	t.Helper()
	form := make(map[string]protocol.FormEvent, len(values))
	for k, v := range values {
		form[k] = protocol.FormEvent{Value: v}
	}
	body, err := json.Marshal(protocol.EventsPayload{FormEvents: form})
	if err != nil {
		t.Fatalf("marshal events: %v", err)
	}
	return &protocol.Frame{
		Type:     protocol.TypeEvents,
		SenderID: senderID,
		ClientID: "browser-session",
		Payload:  body,
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFirstEventPairs(t *testing.T) {
	sender := &mockSender{}
	c := NewCoordinator(sender, noopScript)
	defer c.Close()

	c.HandleFrame(context.Background(), eventsFrame(t, "peer-a", nil))

	if !c.Paired() {
		t.Error("coordinator should be paired after the first event")
	}
	if c.PeerID() != "peer-a" {
		t.Errorf("PeerID = %q, want peer-a", c.PeerID())
	}

	frames := sender.sent()
	if len(frames) != 1 || frames[0].Type != protocol.TypePaired {
		t.Fatalf("sent = %v, want one paired ack", frames)
	}
	var p protocol.PairedPayload
	if err := json.Unmarshal(frames[0].Payload, &p); err != nil {
		t.Fatalf("ack payload: %v", err)
	}
	if p.Message != protocol.StreamStart {
		t.Errorf("ack message = %q, want %q", p.Message, protocol.StreamStart)
	}
}

func TestPairingResetOnPeerChange(t *testing.T) {
	sender := &mockSender{}
	ran := make(chan struct{}, 8)
	script := func(ctx context.Context, rt *Runtime) error {
		ran <- struct{}{}
		return nil
	}
	c := NewCoordinator(sender, script)
	defer c.Close()
	ctx := context.Background()

	// First A pairs without a rerun.
	c.HandleFrame(ctx, eventsFrame(t, "peer-a", map[string]any{"field_1": "x"}))
	if got := c.EventValues(); len(got) != 0 {
		t.Errorf("events merged before pairing completed: %v", got)
	}

	// Second A merges and reruns.
	c.Store().Set(ctx, "page", 3)
	c.HandleFrame(ctx, eventsFrame(t, "peer-a", map[string]any{"field_1": "y"}))
	waitFor(t, func() bool { return len(ran) > 0 }, "rerun")
	if got := c.EventValues()["field_1"]; got != "y" {
		t.Errorf("field_1 = %v, want y", got)
	}
	if n, _ := c.Store().Len(ctx); n != 1 {
		t.Errorf("store len = %d, want 1 before peer change", n)
	}

	// B resets state and events before any other mutation, and is
	// answered as freshly paired: no merge, no rerun.
	c.HandleFrame(ctx, eventsFrame(t, "peer-b", map[string]any{"field_9": "z"}))
	if got := c.EventValues(); len(got) != 0 {
		t.Errorf("events after reset = %v, want empty", got)
	}
	if n, _ := c.Store().Len(ctx); n != 0 {
		t.Errorf("store len after reset = %d, want 0", n)
	}
	if c.PeerID() != "peer-b" {
		t.Errorf("PeerID = %q, want peer-b", c.PeerID())
	}
	if !c.Paired() {
		t.Error("coordinator should be repaired under the new identity")
	}
}

func TestRerunSingleFlightCoalesces(t *testing.T) {
	sender := &mockSender{}
	entered := make(chan struct{}, 16)
	release := make(chan struct{})
	script := func(ctx context.Context, rt *Runtime) error {
		entered <- struct{}{}
		<-release
		return nil
	}
	c := NewCoordinator(sender, script)
	defer c.Close()
	ctx := context.Background()

	c.HandleFrame(ctx, eventsFrame(t, "peer-a", nil)) // pair
	c.HandleFrame(ctx, eventsFrame(t, "peer-a", nil)) // starts run 1
	<-entered

	// Three requests while run 1 is in flight coalesce to one.
	c.HandleFrame(ctx, eventsFrame(t, "peer-a", nil))
	c.HandleFrame(ctx, eventsFrame(t, "peer-a", nil))
	c.HandleFrame(ctx, eventsFrame(t, "peer-a", nil))

	release <- struct{}{} // finish run 1
	<-entered             // coalesced run 2 starts
	release <- struct{}{}

	select {
	case <-entered:
		t.Fatal("more than one coalesced run started")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendFailureQueuesForRedelivery(t *testing.T) {
	sender := &mockSender{}
	c := NewCoordinator(sender, noopScript)
	defer c.Close()
	ctx := context.Background()

	sender.setFail(true)
	c.HandleFrame(ctx, eventsFrame(t, "peer-a", nil))
	if c.QueuedFrames() != 1 {
		t.Fatalf("queued = %d, want 1", c.QueuedFrames())
	}

	// Recovery flushes the queue ahead of new frames.
	sender.setFail(false)
	f, _ := protocol.NewPaired(protocol.StreamEnd, "peer-a", "s", time.Now())
	if err := c.Send(ctx, f); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if c.QueuedFrames() != 0 {
		t.Errorf("queued = %d, want 0 after flush", c.QueuedFrames())
	}
	if got := sender.sent(); len(got) != 2 {
		t.Errorf("sent = %d frames, want 2 (flushed + new)", len(got))
	}
}

func TestFileEventKeyedByExplicitKey(t *testing.T) {
	sender := &mockSender{}
	c := NewCoordinator(sender, noopScript)
	defer c.Close()
	ctx := context.Background()

	c.HandleFrame(ctx, eventsFrame(t, "peer-a", nil)) // pair

	body, _ := json.Marshal(protocol.EventsPayload{
		Key:       "upload_7",
		FileEvent: &protocol.FileEvent{Name: "report.csv", Size: 5, Data: "aGVsbG8="},
	})
	c.HandleFrame(ctx, &protocol.Frame{
		Type:     protocol.TypeEvents,
		SenderID: "peer-a",
		ClientID: "browser-session",
		Payload:  body,
	})

	waitFor(t, func() bool {
		_, ok := c.EventValues()["upload_7"]
		return ok
	}, "file event merge")

	fe, _ := c.EventValues()["upload_7"].(*protocol.FileEvent)
	if fe == nil || fe.Name != "report.csv" {
		t.Errorf("upload_7 = %v, want the file event", c.EventValues()["upload_7"])
	}
}

func TestSendAsyncPreservesOrder(t *testing.T) {
	sender := &mockSender{}
	c := NewCoordinator(sender, noopScript)
	defer c.Close()

	const n = 50
	for i := 0; i < n; i++ {
		c.SendAsync(protocol.NewTransferFailed(strconv.Itoa(i), "x"))
	}

	waitFor(t, func() bool { return len(sender.sent()) == n }, "async delivery")
	for i, f := range sender.sent() {
		if f.MessageID != strconv.Itoa(i) {
			t.Fatalf("frame %d has messageId %q, delivery out of order", i, f.MessageID)
		}
	}
}

func TestRunResultClassification(t *testing.T) {
	sender := &mockSender{}
	results := make(chan RunResult, 4)

	c := NewCoordinator(sender,
		func(ctx context.Context, rt *Runtime) error { return ErrInterrupted },
		WithRunObserver(func(r RunResult) { results <- r }),
	)
	defer c.Close()

	if res := c.RunFirstPass(context.Background()); res.Kind != RunInterrupted {
		t.Errorf("Kind = %v, want RunInterrupted", res.Kind)
	}
	<-results

	failing := NewCoordinator(sender,
		func(ctx context.Context, rt *Runtime) error { return errors.New("boom") },
		WithRunObserver(func(r RunResult) { results <- r }),
	)
	defer failing.Close()
	if res := failing.RunFirstPass(context.Background()); res.Kind != RunFailed {
		t.Errorf("Kind = %v, want RunFailed", res.Kind)
	}
}

func TestScriptPanicIsFailure(t *testing.T) {
	sender := &mockSender{}
	c := NewCoordinator(sender, func(ctx context.Context, rt *Runtime) error {
		panic("kaboom")
	})
	defer c.Close()

	res := c.RunFirstPass(context.Background())
	if res.Kind != RunFailed {
		t.Errorf("Kind = %v, want RunFailed", res.Kind)
	}
}

func TestWaitUntilReady(t *testing.T) {
	sender := &mockSender{}
	c := NewCoordinator(sender, noopScript)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.WaitUntilReady(ctx); err == nil {
		t.Fatal("WaitUntilReady should time out before the first event")
	}

	c.HandleFrame(context.Background(), eventsFrame(t, "peer-a", nil))
	if err := c.WaitUntilReady(context.Background()); err != nil {
		t.Fatalf("WaitUntilReady after first event: %v", err)
	}
}

func TestBuilderEmissionFlowsThroughCoordinator(t *testing.T) {
	sender := &mockSender{}
	c := NewCoordinator(sender, func(ctx context.Context, rt *Runtime) error {
		b := rt.Builder()
		card := b.Create("Card")
		b.In(card, func() {
			b.Create("Typography", component.Text("hello"))
		})
		return nil
	})
	defer c.Close()

	if res := c.RunFirstPass(context.Background()); res.Kind != RunCompleted {
		t.Fatalf("run = %v", res)
	}

	var updates []*protocol.Frame
	for _, f := range sender.sent() {
		if f.Type == protocol.TypeComponentUpdate {
			updates = append(updates, f)
		}
	}
	if len(updates) != 2 {
		t.Fatalf("component updates = %d, want 2", len(updates))
	}
	var p protocol.ComponentUpdatePayload
	if err := json.Unmarshal(updates[1].Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Component["parentId"] != "Card_1" {
		t.Errorf("parentId = %v, want Card_1", p.Component["parentId"])
	}
	if p.Timestamp == 0 {
		t.Error("transmission timestamp missing")
	}
}
