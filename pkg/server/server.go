package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aiflow80/aiflow/pkg/protocol"
)

// Server is the websocket relay plus its HTTP surface (health, metrics,
// optional static files).
type Server struct {
	config  *Config
	logger  *slog.Logger
	manager *Manager
	tracker *ChunkTracker
	metrics *Metrics

	upgrader   websocket.Upgrader
	httpServer *http.Server
	startedAt  time.Time

	sweepDone chan struct{}
	sweepOnce sync.Once
}

// New creates a Server with the given configuration. Nil or zero fields
// fall back to DefaultConfig.
func New(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	config.fillDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}

	logger := config.Logger.With("component", "server")
	s := &Server{
		config:  config,
		logger:  logger,
		manager: NewManager(config.MaxConnections, config.WriteTimeout, logger),
		tracker: NewChunkTracker(),
		metrics: NewMetrics(config.Registry),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.checkOrigin(),
		},
		startedAt: time.Now(),
		sweepDone: make(chan struct{}),
	}
	return s, nil
}

// Handler returns the relay's HTTP handler for mounting in external
// routers or tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/ws", s.handleWebSocket)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		r.Handle("/*", fs)
	}
	return r
}

// Run starts the listener and blocks until a shutdown signal or a fatal
// listener error.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:              s.config.Address(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.sweepLoop()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if s.config.SSLCertPath != "" {
			s.logger.Info("server starting", "address", s.config.Address(), "tls", true)
			errCh <- s.httpServer.ListenAndServeTLS(s.config.SSLCertPath, s.config.SSLKeyPath)
			return
		}
		s.logger.Info("server starting", "address", s.config.Address())
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-shutdown:
		s.logger.Info("shutting down")
		return s.Shutdown(context.Background())
	}
}

// Shutdown stops the sweeper, closes every connection, and drains the
// HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	s.sweepOnce.Do(func() { close(s.sweepDone) })
	s.manager.CloseAll()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}
	s.logger.Info("server shutdown complete")
	return nil
}

// Connections returns the number of live peers.
func (s *Server) Connections() int { return s.manager.Count() }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":          "ok",
		"connections":     s.manager.Count(),
		"max_connections": s.config.MaxConnections,
		"uptime_seconds":  int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c, err := s.manager.Register(ws)
	if err != nil {
		s.metrics.ConnectionsRejected.Inc()
		s.logger.Warn("connection refused", "error", err, "remote", r.RemoteAddr)
		ws.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server at capacity"))
		ws.Close()
		return
	}
	s.metrics.ConnectionsTotal.Inc()
	s.metrics.ConnectionsActive.Inc()
	s.logger.Info("client connected", "clientId", c.id, "remote", r.RemoteAddr)

	// Identity handshake: first frame carries the assigned id.
	hello, err := protocol.Encode(protocol.NewConnection(c.id))
	if err == nil {
		err = c.write(hello, s.config.WriteTimeout)
	}
	if err != nil {
		s.dropConnection(c, err)
		return
	}

	pingDone := make(chan struct{})
	go s.pingLoop(c, pingDone)

	defer func() {
		close(pingDone)
		s.dropConnection(c, nil)
	}()

	ws.SetReadDeadline(time.Now().Add(2 * s.config.KeepaliveInterval))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(2 * s.config.KeepaliveInterval))
		return nil
	})

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		ws.SetReadDeadline(time.Now().Add(2 * s.config.KeepaliveInterval))

		f, err := protocol.Decode(msg)
		if err != nil {
			s.logger.Warn("discarding malformed frame", "clientId", c.id, "error", err)
			continue
		}
		s.metrics.FramesReceived.WithLabelValues(string(f.Type)).Inc()

		if f.Type == protocol.TypeChunkedMessage {
			s.handleChunk(c, f)
			continue
		}
		s.route(c.id, f, msg)
	}
}

// route delivers a frame: a target identity means direct delivery, no
// target means fan-out to every other peer. The sender identity is stamped
// on before forwarding.
func (s *Server) route(senderID string, f *protocol.Frame, raw []byte) {
	data := raw
	if f.SenderID != senderID {
		f.SenderID = senderID
		stamped, err := protocol.Encode(f)
		if err != nil {
			s.logger.Error("frame re-encode failed", "error", err)
			return
		}
		data = stamped
	}

	if err := s.manager.Route(senderID, f.ClientID, data); err != nil {
		s.logger.Warn("frame delivery failed",
			"clientId", f.ClientID, "type", f.Type, "error", err)
		return
	}
	s.metrics.FramesRouted.Inc()
}

// handleChunk acknowledges one fragment and, on completion, forwards the
// reassembled frame as if it had arrived whole.
func (s *Server) handleChunk(c *connection, f *protocol.Frame) {
	complete, err := s.tracker.Add(c.id, f)
	if err != nil {
		s.logger.Warn("discarding bad chunk", "clientId", c.id, "error", err)
		return
	}

	if ack, err := protocol.Encode(protocol.NewChunkAck(f.MessageID, f.ChunkIndex)); err == nil {
		if err := c.write(ack, s.config.WriteTimeout); err != nil {
			s.logger.Warn("chunk ack write failed", "clientId", c.id, "error", err)
		}
	}
	if !complete {
		return
	}

	payload, err := s.tracker.Assemble(f.MessageID)
	if err != nil {
		s.logger.Error("chunk reassembly failed", "messageId", f.MessageID, "error", err)
		return
	}
	inner, err := protocol.Decode(payload)
	if err != nil {
		s.logger.Error("reassembled frame invalid", "messageId", f.MessageID, "error", err)
		s.notifyTransferFailed(c.id, f.MessageID, "reassembled payload is not a valid frame")
		return
	}
	s.metrics.ChunksReassembled.Inc()
	s.logger.Debug("chunked message reassembled",
		"messageId", f.MessageID, "bytes", len(payload), "type", inner.Type)

	// Large transfers are almost always file uploads; surface them as such.
	if inner.Type == protocol.TypeEvents {
		if p, err := inner.Events(); err == nil && p.FileEvent != nil {
			s.logger.Info("file upload relayed",
				"messageId", f.MessageID,
				"name", p.FileEvent.Name,
				"size", p.FileEvent.Size,
				"clientId", c.id)
		}
	}

	if done, err := protocol.Encode(protocol.NewChunkComplete(f.MessageID)); err == nil {
		if err := c.write(done, s.config.WriteTimeout); err != nil {
			s.logger.Warn("chunk completion write failed", "clientId", c.id, "error", err)
		}
	}
	s.route(c.id, inner, payload)
}

func (s *Server) notifyTransferFailed(clientID, messageID, reason string) {
	s.metrics.TransfersFailed.Inc()
	data, err := protocol.Encode(protocol.NewTransferFailed(messageID, reason))
	if err != nil {
		return
	}
	if err := s.manager.SendTo(clientID, data); err != nil {
		s.logger.Debug("transfer failure notification undeliverable",
			"clientId", clientID, "error", err)
	}
}

func (s *Server) pingLoop(c *connection, done chan struct{}) {
	ticker := time.NewTicker(s.config.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// sweepLoop periodically discards stale chunked transfers and tells the
// senders their transfer failed.
func (s *Server) sweepLoop() {
	interval := s.config.ChunkIdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, stale := range s.tracker.Sweep(s.config.ChunkIdleTimeout) {
				s.logger.Warn("discarding stale chunked transfer",
					"messageId", stale.MessageID, "clientId", stale.SenderID)
				s.notifyTransferFailed(stale.SenderID, stale.MessageID,
					"transfer timed out before all chunks arrived")
			}
		case <-s.sweepDone:
			return
		}
	}
}

func (s *Server) dropConnection(c *connection, cause error) {
	s.manager.Unregister(c.id)
	c.conn.Close()
	s.metrics.ConnectionsActive.Dec()
	if cause != nil {
		s.logger.Warn("client dropped", "clientId", c.id, "error", cause)
		return
	}
	s.logger.Info("client disconnected", "clientId", c.id)
}
