// Package aiflow is the application entry point. It wires the transport
// client and the flow coordinator into a single App that connects to the
// relay, runs the script, and reruns it on viewer events.
//
// A minimal app:
//
//	app, err := aiflow.New(aiflow.Config{URL: "ws://localhost:8888/ws"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = app.Run(ctx, func(ctx context.Context, rt *flow.Runtime) error {
//	    b := rt.Builder()
//	    card := b.Create("Card")
//	    b.In(card, func() {
//	        b.Create("Typography", component.Text("hello"))
//	    })
//	    return nil
//	})
package aiflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aiflow80/aiflow/internal/config"
	"github.com/aiflow80/aiflow/pkg/client"
	"github.com/aiflow80/aiflow/pkg/flow"
	"github.com/aiflow80/aiflow/pkg/protocol"
	"github.com/aiflow80/aiflow/pkg/upload"
)

// Config configures an App.
type Config struct {
	// ConfigPath is the aiflow.yaml location. Default: "aiflow.yaml".
	// A missing file yields the built-in defaults.
	ConfigPath string

	// URL overrides the websocket endpoint derived from the config file.
	URL string

	// Store holds script state between reruns. Default: in-memory.
	Store flow.Store

	// Uploads persists files sent by the viewer. Default: none; file
	// events are delivered in memory only.
	Uploads upload.Store

	// Middleware wraps inbound frame handling.
	Middleware []flow.Middleware

	// StartupTimeout bounds the initial connect plus handshake.
	// Default: 30s.
	StartupTimeout time.Duration

	// Logger is the app logger. Default: slog.Default().
	Logger *slog.Logger
}

// App connects a script to the relay.
type App struct {
	fileCfg *config.Config
	cfg     Config
	logger  *slog.Logger
}

// New loads the configuration and prepares an App. The connection is not
// opened until Run.
func New(cfg Config) (*App, error) {
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = "aiflow.yaml"
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	fileCfg, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		cfg.URL = fileCfg.URL()
	}

	return &App{
		fileCfg: fileCfg,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "app"),
	}, nil
}

// Run connects to the relay, executes the script's first pass, and serves
// reruns until the context is canceled. A failed first pass aborts the
// app; rerun failures are reported to the viewer and logged.
func (a *App) Run(ctx context.Context, script flow.Script) error {
	// The client and the coordinator reference each other: the client
	// needs a frame handler, the coordinator needs a sender. The barrier
	// holds frames that arrive between Dial and NewCoordinator.
	var coord *flow.Coordinator
	coordReady := make(chan struct{})
	handler := func(ctx context.Context, f *protocol.Frame) {
		<-coordReady
		coord.HandleFrame(ctx, f)
	}

	ws := a.fileCfg.WebSocket
	cl, err := client.Dial(ctx, &client.Config{
		URL:              a.cfg.URL,
		RetryMaxAttempts: ws.RetryMaxAttempts,
		RetryBaseDelay:   ws.RetryBaseDelay,
		RetryMaxDelay:    ws.RetryMaxDelay,
		ConnectTimeout:   ws.ConnectionTimeout,
		Logger:           a.cfg.Logger,
	}, handler)
	if err != nil {
		return err
	}
	defer cl.Close()

	opts := []flow.CoordinatorOption{flow.WithLogger(a.cfg.Logger)}
	if a.cfg.Store != nil {
		opts = append(opts, flow.WithStore(a.cfg.Store))
	}
	if a.cfg.Uploads != nil {
		opts = append(opts, flow.WithUploadStore(a.cfg.Uploads))
	}
	if len(a.cfg.Middleware) > 0 {
		opts = append(opts, flow.WithMiddleware(a.cfg.Middleware...))
	}
	coord = flow.NewCoordinator(cl, script, opts...)
	close(coordReady)
	defer coord.Close()

	startCtx, cancel := context.WithTimeout(ctx, a.cfg.StartupTimeout)
	defer cancel()
	if err := cl.WaitReady(startCtx); err != nil {
		return fmt.Errorf("aiflow: transport not ready: %w", err)
	}
	a.logger.Info("connected to relay", "clientId", cl.ClientID())

	if result := coord.RunFirstPass(ctx); result.Kind == flow.RunFailed {
		return fmt.Errorf("aiflow: first pass failed: %w", result.Err)
	}

	<-ctx.Done()
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}
