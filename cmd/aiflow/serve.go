package main

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/aiflow80/aiflow/internal/config"
	"github.com/aiflow80/aiflow/internal/logging"
	"github.com/aiflow80/aiflow/pkg/server"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		host       string
		port       int
		staticDir  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the websocket relay",
		Long: `Start the relay that scripts and viewers connect to.

Configuration is read from aiflow.yaml (or --config), with AIFLOW_*
environment variables overriding the file. A .env file in the working
directory is loaded first if present.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Missing .env is the normal case.
			_ = godotenv.Load()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if host != "" {
				cfg.WebSocket.Host = host
			}
			if port != 0 {
				cfg.WebSocket.Port = port
			}

			logger, err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}

			srv, err := server.New(&server.Config{
				Host:              cfg.WebSocket.Host,
				Port:              cfg.WebSocket.Port,
				MaxConnections:    cfg.WebSocket.MaxConnections,
				KeepaliveInterval: cfg.WebSocket.KeepaliveInterval,
				WriteTimeout:      cfg.WebSocket.ConnectionTimeout,
				AllowedOrigins:    cfg.Security.AllowedOrigins,
				SSLCertPath:       cfg.Security.SSLCertPath,
				SSLKeyPath:        cfg.Security.SSLKeyPath,
				StaticDir:         staticDir,
				Logger:            logger,
			})
			if err != nil {
				return err
			}
			return srv.Run()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "aiflow.yaml", "Path to the config file")
	cmd.Flags().StringVar(&host, "host", "", "Listen address (overrides config)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port (overrides config)")
	cmd.Flags().StringVar(&staticDir, "static", "", "Directory of static files to serve")

	return cmd
}
