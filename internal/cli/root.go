// Package cli is the runnerd command tree: run one agent, inspect a
// running fleet ("doctor"), or serve the fleet over HTTP/websocket.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleetrunner/runnerd/internal/buildinfo"
	"github.com/fleetrunner/runnerd/internal/config"
	"github.com/fleetrunner/runnerd/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "runnerd",
	Short: "Fleet runner for interactive CLI coding agents",
	Long: fmt.Sprintf(`runnerd v%s

Spawns and supervises a fleet of long-running CLI coding-agent processes,
normalizes their streaming JSON event protocol, and periodically asks a
supervisor agent instance to analyze recent activity across the fleet.`,
		buildinfo.Current().Version),
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		dir, err := config.DataDir()
		if err != nil {
			return fmt.Errorf("resolve data directory: %w", err)
		}
		if _, err := telemetry.Init(dir); err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	defer telemetry.Close()
	return rootCmd.Execute()
}
