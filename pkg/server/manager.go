package server

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrMaxConnectionsReached is returned when the relay is at capacity.
var ErrMaxConnectionsReached = errors.New("server: max connections reached")

// ErrUnknownClient is returned when sending to an identity the relay does
// not hold a connection for.
var ErrUnknownClient = errors.New("server: unknown client")

// connection is one registered websocket peer. Writes are serialized by
// writeMu; reads happen only on the connection's own read loop.
type connection struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
}

func (c *connection) write(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Manager tracks live connections by identity and routes raw frames
// between them.
type Manager struct {
	max          int
	writeTimeout time.Duration
	logger       *slog.Logger

	mu    sync.RWMutex
	conns map[string]*connection
}

// NewManager returns a Manager holding at most max connections.
func NewManager(max int, writeTimeout time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		max:          max,
		writeTimeout: writeTimeout,
		logger:       logger,
		conns:        make(map[string]*connection),
	}
}

// Register assigns a fresh identity to the connection and tracks it.
func (m *Manager) Register(ws *websocket.Conn) (*connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conns) >= m.max {
		return nil, ErrMaxConnectionsReached
	}
	c := &connection{id: newClientID(), conn: ws}
	m.conns[c.id] = c
	return c, nil
}

// Unregister drops the connection from the routing table.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	delete(m.conns, id)
	m.mu.Unlock()
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// SendTo writes raw frame data to one identity.
func (m *Manager) SendTo(id string, data []byte) error {
	m.mu.RLock()
	c, ok := m.conns[id]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownClient
	}
	return c.write(data, m.writeTimeout)
}

// Broadcast writes raw frame data to every connection except the sender.
// Write failures are logged per peer; delivery to the rest continues.
func (m *Manager) Broadcast(senderID string, data []byte) {
	m.mu.RLock()
	targets := make([]*connection, 0, len(m.conns))
	for id, c := range m.conns {
		if id == senderID {
			continue
		}
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	for _, c := range targets {
		if err := c.write(data, m.writeTimeout); err != nil {
			m.logger.Warn("broadcast write failed", "clientId", c.id, "error", err)
		}
	}
}

// Route delivers raw frame data according to the addressing rule: a frame
// carrying a target identity goes to that peer only, otherwise it fans out
// to everyone but the sender.
func (m *Manager) Route(senderID, targetID string, data []byte) error {
	if targetID != "" && targetID != senderID {
		return m.SendTo(targetID, data)
	}
	m.Broadcast(senderID, data)
	return nil
}

// CloseAll closes every connection. Used during shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*connection)
	m.mu.Unlock()

	for _, c := range conns {
		c.conn.Close()
	}
}

func newClientID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
