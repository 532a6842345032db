package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/failsink/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the failsink daemon in foreground",
	Long: `Run the failsink daemon in foreground.

The daemon will:
  1. Load configuration from the config file
  2. Initialize logging
  3. Build one reporter per configured subsystem on a shared event bus
  4. Serve /metrics and the /failures snapshot (if enabled)
  5. Handle SIGTERM/SIGINT for graceful shutdown and SIGHUP for reload`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var pidFile string

func init() {
	serveCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file path (disabled when empty)")
}

func runServe() error {
	d, err := daemon.New(configFile, pidFile)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		d.Stop()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	return d.Run()
}
