// Package client implements the reconnecting websocket transport for the
// flow runtime. A Client dials the relay, performs the identity handshake,
// and forwards inbound frames to a handler. Connection loss mid-session is
// recovered in the background; only the initial connect is allowed to fail
// terminally.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aiflow80/aiflow/pkg/protocol"
)

// ErrClosed is returned from operations on a closed client.
var ErrClosed = errors.New("client: closed")

// ErrNotConnected is returned from Send while the connection is down.
var ErrNotConnected = errors.New("client: not connected")

// ConnectionError is the terminal error produced when a connect cycle
// exhausts its attempts.
type ConnectionError struct {
	Attempts uint64
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("client: connection failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// FrameHandler receives inbound application frames. It is called from the
// client's read loop; blocking here stalls the connection.
type FrameHandler func(ctx context.Context, f *protocol.Frame)

// Client maintains a websocket connection to the relay. Safe for
// concurrent use.
type Client struct {
	cfg     *Config
	handler FrameHandler
	logger  *slog.Logger

	// connectMu makes the dial/handshake sequence a critical section so at
	// most one connect cycle runs at a time.
	connectMu sync.Mutex
	// writeMu serializes frame writes to the socket.
	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	clientID string
	readyCh  chan struct{}
	isReady  bool

	running   atomic.Bool
	lifeCtx   context.Context
	lifeStop  context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects to the relay and starts the read loop. It blocks until the
// identity handshake completes or the connect cycle fails terminally.
func Dial(ctx context.Context, cfg *Config, handler FrameHandler) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.fillDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		handler = func(context.Context, *protocol.Frame) {}
	}

	lifeCtx, lifeStop := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		handler:  handler,
		logger:   cfg.Logger.With("component", "client"),
		readyCh:  make(chan struct{}),
		lifeCtx:  lifeCtx,
		lifeStop: lifeStop,
	}
	c.running.Store(true)

	if err := c.connect(ctx); err != nil {
		lifeStop()
		return nil, err
	}

	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

// ClientID returns the identity assigned by the relay during the handshake.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// WaitReady blocks until the client holds a live, identified connection.
func (c *Client) WaitReady(ctx context.Context) error {
	for {
		c.mu.Lock()
		ch := c.readyCh
		ready := c.isReady
		c.mu.Unlock()
		if ready {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.lifeCtx.Done():
			return ErrClosed
		}
	}
}

// Send serializes the frame and writes it to the relay. Frames larger than
// the chunk threshold are fragmented and written in index order.
func (c *Client) Send(ctx context.Context, f *protocol.Frame) error {
	if !c.running.Load() {
		return ErrClosed
	}
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if len(data) <= c.cfg.ChunkThreshold {
		return c.write(data)
	}

	chunks, err := protocol.Split(newMessageID(), data, c.cfg.ChunkSize)
	if err != nil {
		return err
	}
	c.logger.Debug("sending chunked message",
		"messageId", chunks[0].MessageID,
		"chunks", len(chunks),
		"bytes", len(data))
	for _, chunk := range chunks {
		raw, err := protocol.Encode(chunk)
		if err != nil {
			return err
		}
		if err := c.write(raw); err != nil {
			return err
		}
	}
	return nil
}

// Close shuts the client down. Idempotent; unblocks any in-progress
// reconnect wait.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.running.Store(false)
		c.lifeStop()
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
	c.wg.Wait()
	return nil
}

func (c *Client) write(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	ready := c.isReady
	c.mu.Unlock()
	if conn == nil || !ready {
		return ErrNotConnected
	}
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// connect runs one bounded connect cycle: up to RetryMaxAttempts dials with
// exponential backoff between them.
func (c *Client) connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	ready := c.isReady
	c.mu.Unlock()
	if ready {
		return nil
	}

	var attempts uint64
	op := func() error {
		if !c.running.Load() {
			return backoff.Permanent(ErrClosed)
		}
		attempts++
		if err := c.dialOnce(ctx); err != nil {
			c.logger.Warn("connection attempt failed",
				"attempt", attempts,
				"url", c.cfg.URL,
				"error", err)
			return err
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(newBackOff(c.cfg), c.cfg.RetryMaxAttempts-1), ctx))
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return ErrClosed
		}
		return &ConnectionError{Attempts: attempts, Err: err}
	}
	return nil
}

// dialOnce performs a single dial plus the identity handshake: the relay's
// first frame is a connection frame carrying the assigned client id.
func (c *Client) dialOnce(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dctx, c.cfg.URL, nil)
	if err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.ConnectTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("handshake read: %w", err)
	}
	f, err := protocol.Decode(msg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("handshake decode: %w", err)
	}
	if f.Type != protocol.TypeConnection || f.ClientID == "" {
		conn.Close()
		return fmt.Errorf("handshake: unexpected frame %q", f.Type)
	}
	conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	c.conn = conn
	c.clientID = f.ClientID
	if !c.isReady {
		c.isReady = true
		close(c.readyCh)
	}
	c.mu.Unlock()

	c.logger.Info("connected", "clientId", f.ClientID, "url", c.cfg.URL)
	return nil
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for c.running.Load() {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			if !c.reconnect() {
				return
			}
			continue
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !c.running.Load() {
				return
			}
			c.logger.Warn("connection lost", "error", err)
			c.dropConn(conn)
			continue
		}

		f, err := protocol.Decode(msg)
		if err != nil {
			c.logger.Warn("discarding malformed frame", "error", err)
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f *protocol.Frame) {
	switch f.Type {
	case protocol.TypeChunkAck:
		c.logger.Debug("chunk acknowledged",
			"messageId", f.MessageID, "chunkIndex", f.ChunkIndex)
	case protocol.TypeChunkComplete:
		c.logger.Debug("chunked message delivered", "messageId", f.MessageID)
	case protocol.TypeTransferFailed:
		c.logger.Warn("chunked transfer failed",
			"messageId", f.MessageID, "reason", f.Reason)
	default:
		c.handler(c.lifeCtx, f)
	}
}

func (c *Client) dropConn(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	if c.isReady {
		c.isReady = false
		c.readyCh = make(chan struct{})
	}
	c.mu.Unlock()
}

// reconnect runs connect cycles until one succeeds or the client closes.
// Mid-session loss is recoverable, so exhausting a cycle only pauses before
// the next one.
func (c *Client) reconnect() bool {
	for c.running.Load() {
		err := c.connect(c.lifeCtx)
		if err == nil {
			return true
		}
		if errors.Is(err, ErrClosed) {
			return false
		}
		c.logger.Error("reconnect cycle exhausted; retrying", "error", err)
		select {
		case <-time.After(c.cfg.RetryMaxDelay):
		case <-c.lifeCtx.Done():
			return false
		}
	}
	return false
}

// newBackOff builds the retry schedule: the delay doubles from
// RetryBaseDelay and is capped at RetryMaxDelay.
func newBackOff(cfg *Config) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RetryBaseDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = cfg.RetryMaxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func newMessageID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
