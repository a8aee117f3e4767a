package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "aiflow",
		Short: "Live UI relay for aiflow scripts",
		Long: `aiflow relays component updates and viewer events between running
scripts and their viewers over websocket.

The serve command starts the relay that scripts and viewers connect
to. Scripts use the aiflow package to build component trees; the
relay forwards updates to viewers and events back to scripts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
