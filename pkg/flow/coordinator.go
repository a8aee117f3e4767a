package flow

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aiflow80/aiflow/pkg/component"
	"github.com/aiflow80/aiflow/pkg/protocol"
	"github.com/aiflow80/aiflow/pkg/upload"
)

// Sender is the outbound half of the transport client, as the coordinator
// sees it.
type Sender interface {
	// Send transmits one frame. It must be safe to call from multiple
	// goroutines without interleaving partial writes.
	Send(ctx context.Context, f *protocol.Frame) error

	// ClientID returns the transport's server-assigned identity, or ""
	// before the handshake completes.
	ClientID() string
}

// Handler processes one inbound frame.
type Handler func(ctx context.Context, f *protocol.Frame) error

// Middleware wraps frame handling; used for tracing and metrics hooks.
type Middleware func(next Handler) Handler

// Coordinator pairs the running script with one remote peer and owns all
// shared session state.
type Coordinator struct {
	sender  Sender
	script  Script
	store   Store
	uploads upload.Store
	logger  *slog.Logger

	sendTimeout time.Duration

	// Pairing state. All fields below mu are mutated only with mu held.
	mu        sync.Mutex
	events    map[string]any
	senderID  string
	sessionID string
	paired    bool

	// Rerun single-flight.
	runMu   sync.Mutex
	running bool
	pending bool

	// Delivery queue for frames that could not be sent. sendMu also
	// serializes the flush-then-send order.
	sendMu sync.Mutex
	queue  []*protocol.Frame

	// Asynchronous sends are drained by one dispatcher goroutine so
	// outbound order is preserved.
	async chan *protocol.Frame

	handler   Handler
	onRunDone func(RunResult)

	ready     chan struct{}
	readyOnce sync.Once

	closed chan struct{}
	once   sync.Once
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithStore sets the state store backend. Default: in-memory.
func WithStore(s Store) CoordinatorOption {
	return func(c *Coordinator) { c.store = s }
}

// WithUploadStore persists reassembled file-upload payloads.
func WithUploadStore(s upload.Store) CoordinatorOption {
	return func(c *Coordinator) { c.uploads = s }
}

// WithLogger sets the coordinator logger.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

// WithMiddleware wraps inbound frame handling, outermost first.
func WithMiddleware(mw ...Middleware) CoordinatorOption {
	return func(c *Coordinator) {
		for i := len(mw) - 1; i >= 0; i-- {
			c.handler = mw[i](c.handler)
		}
	}
}

// WithRunObserver reports each script run outcome to the host.
func WithRunObserver(fn func(RunResult)) CoordinatorOption {
	return func(c *Coordinator) { c.onRunDone = fn }
}

// WithSendTimeout bounds a single outbound write. Default 10s.
func WithSendTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.sendTimeout = d }
}

// NewCoordinator creates a coordinator bound to one script.
func NewCoordinator(sender Sender, script Script, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		sender:      sender,
		script:      script,
		store:       NewMemoryStore(),
		logger:      slog.Default().With("component", "coordinator"),
		sendTimeout: 10 * time.Second,
		events:      make(map[string]any),
		async:       make(chan *protocol.Frame, 64),
		ready:       make(chan struct{}),
		closed:      make(chan struct{}),
	}
	c.handler = c.handleFrame
	for _, opt := range opts {
		opt(c)
	}
	go c.dispatchLoop()
	return c
}

// HandleFrame is the transport client's entry point for inbound frames.
// Protocol errors are logged and the frame dropped; the connection is
// unaffected.
func (c *Coordinator) HandleFrame(ctx context.Context, f *protocol.Frame) {
	if err := c.handler(ctx, f); err != nil {
		c.logger.Error("frame handling failed", "type", f.Type, "error", err)
	}
}

func (c *Coordinator) handleFrame(ctx context.Context, f *protocol.Frame) error {
	c.mu.Lock()
	prev := c.senderID
	if f.SenderID != "" {
		c.senderID = f.SenderID
	}
	if f.ClientID != "" {
		c.sessionID = f.ClientID
	}

	// A different peer identity resets everything before any other
	// mutation. The next message is answered as if freshly paired.
	if prev != "" && f.SenderID != "" && prev != f.SenderID {
		c.events = make(map[string]any)
		c.paired = false
		if err := c.store.Clear(ctx); err != nil {
			c.logger.Error("state store clear failed", "error", err)
		}
		c.logger.Info("peer changed, session state reset",
			"previous", prev, "current", f.SenderID)
	}

	if f.SenderID == "" {
		c.mu.Unlock()
		return nil
	}

	wasPaired := c.paired
	c.paired = true
	senderID, sessionID := c.senderID, c.sessionID
	c.mu.Unlock()

	ack, err := protocol.NewPaired(protocol.StreamStart, senderID, sessionID, time.Now())
	if err != nil {
		return err
	}
	c.sendOrQueue(ctx, ack)

	if wasPaired {
		if f.Type == protocol.TypeEvents {
			if err := c.mergeEvents(ctx, f); err != nil {
				return err
			}
		}
		c.triggerRerun()
	}

	c.readyOnce.Do(func() { close(c.ready) })
	return nil
}

// mergeEvents folds an events payload into the event-value map. Form
// controls are keyed by their control id; file uploads by the payload's
// explicit key field, since their value is non-scalar.
func (c *Coordinator) mergeEvents(ctx context.Context, f *protocol.Frame) error {
	p, err := f.Events()
	if err != nil {
		return err
	}

	c.mu.Lock()
	for id, ev := range p.FormEvents {
		c.events[id] = ev.Value
	}
	if p.FileEvent != nil && p.Key != "" {
		c.events[p.Key] = p.FileEvent
	}
	c.mu.Unlock()

	if p.FileEvent != nil && c.uploads != nil {
		c.persistUpload(ctx, p.Key, p.FileEvent)
	}
	return nil
}

func (c *Coordinator) persistUpload(ctx context.Context, key string, fe *protocol.FileEvent) {
	data, err := base64.StdEncoding.DecodeString(fe.Data)
	if err != nil {
		c.logger.Error("file event decode failed", "key", key, "error", err)
		return
	}
	loc, err := c.uploads.Save(ctx, fe.Name, bytes.NewReader(data))
	if err != nil {
		c.logger.Error("file event store failed", "key", key, "error", err)
		return
	}
	c.logger.Info("file upload stored", "key", key, "name", fe.Name, "location", loc)
}

// triggerRerun starts a script run, or coalesces the request if one is in
// flight. Reruns never interleave; a burst collapses to the latest.
func (c *Coordinator) triggerRerun() {
	c.runMu.Lock()
	if c.running {
		c.pending = true
		c.runMu.Unlock()
		return
	}
	c.running = true
	c.runMu.Unlock()

	go c.runLoop()
}

func (c *Coordinator) runLoop() {
	for {
		c.runOnce()

		c.runMu.Lock()
		if c.pending {
			c.pending = false
			c.runMu.Unlock()
			continue
		}
		c.running = false
		c.runMu.Unlock()
		return
	}
}

func (c *Coordinator) runOnce() {
	ctx := context.Background()
	res := classifyRun(c.runScript(ctx))

	switch res.Kind {
	case RunFailed:
		c.logger.Error("script run failed", "error", res.Err)
	case RunInterrupted:
		c.logger.Debug("script run interrupted")
	}
	if c.onRunDone != nil {
		c.onRunDone(res)
	}

	c.mu.Lock()
	senderID, sessionID := c.senderID, c.sessionID
	c.mu.Unlock()
	if end, err := protocol.NewPaired(protocol.StreamEnd, senderID, sessionID, time.Now()); err == nil {
		c.sendOrQueue(ctx, end)
	}
}

func (c *Coordinator) runScript(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	rt := &Runtime{coord: c}
	rt.builder = component.NewBuilder(rt)
	return c.script(ctx, rt)
}

// RunFirstPass executes the initial script pass synchronously. Later
// passes are triggered by inbound events.
func (c *Coordinator) RunFirstPass(ctx context.Context) RunResult {
	res := classifyRun(c.runScript(ctx))
	if c.onRunDone != nil {
		c.onRunDone(res)
	}
	return res
}

// EmitComponentUpdate implements component.Emitter for the run's builder.
// The transmission timestamp is attached here. Send failures degrade to
// queuing: the builder never observes an error.
func (rt *Runtime) EmitComponentUpdate(comp map[string]any) {
	c := rt.coord
	f, err := protocol.NewComponentUpdate(comp, time.Now())
	if err != nil {
		c.logger.Error("component update encode failed", "error", err)
		return
	}
	c.sendOrQueue(context.Background(), f)
}

// Send is the synchronous outbound entry point, usable from the script's
// execution context.
func (c *Coordinator) Send(ctx context.Context, f *protocol.Frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.flushLocked(ctx); err != nil {
		c.queue = append(c.queue, f)
		return nil
	}
	if err := c.sendLocked(ctx, f); err != nil {
		c.queue = append(c.queue, f)
	}
	return nil
}

// SendAsync is the entry point for the transport's own loop; it hands the
// frame to the dispatcher goroutine, which delivers in submission order.
func (c *Coordinator) SendAsync(f *protocol.Frame) {
	select {
	case c.async <- f:
	case <-c.closed:
	}
}

// dispatchLoop drains async sends one at a time, preserving the per-
// connection outbound order. On Close it drains whatever is buffered.
func (c *Coordinator) dispatchLoop() {
	for {
		select {
		case f := <-c.async:
			c.sendOrQueue(context.Background(), f)
		case <-c.closed:
			for {
				select {
				case f := <-c.async:
					c.sendOrQueue(context.Background(), f)
				default:
					return
				}
			}
		}
	}
}

func (c *Coordinator) sendOrQueue(ctx context.Context, f *protocol.Frame) {
	if err := c.Send(ctx, f); err != nil {
		c.logger.Error("send failed", "type", f.Type, "error", err)
	}
}

func (c *Coordinator) flushLocked(ctx context.Context) error {
	for len(c.queue) > 0 {
		if err := c.sendLocked(ctx, c.queue[0]); err != nil {
			return err
		}
		c.queue = c.queue[1:]
	}
	return nil
}

func (c *Coordinator) sendLocked(ctx context.Context, f *protocol.Frame) error {
	sctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()
	return c.sender.Send(sctx, f)
}

// QueuedFrames reports how many frames await redelivery.
func (c *Coordinator) QueuedFrames() int {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return len(c.queue)
}

// Paired reports whether a peer is currently bound.
func (c *Coordinator) Paired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paired
}

// PeerID returns the currently paired sender identity.
func (c *Coordinator) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.senderID
}

// EventValues returns a copy of the event-value map.
func (c *Coordinator) EventValues() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.events))
	for k, v := range c.events {
		out[k] = v
	}
	return out
}

// Store returns the pairing-scoped state store.
func (c *Coordinator) Store() Store { return c.store }

// WaitUntilReady blocks until the first inbound event has been processed.
func (c *Coordinator) WaitUntilReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.closed:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the coordinator. Safe to call more than once.
func (c *Coordinator) Close() error {
	c.once.Do(func() { close(c.closed) })
	return c.store.Close()
}

type panicError struct{ value any }

func (e *panicError) Error() string { return fmt.Sprintf("flow: script panic: %v", e.value) }
