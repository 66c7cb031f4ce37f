package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleetrunner/runnerd/internal/cliproto"
	"github.com/fleetrunner/runnerd/internal/config"
	"github.com/fleetrunner/runnerd/internal/fleet"
	"github.com/fleetrunner/runnerd/internal/runner"
)

var recoverCmdFlags struct {
	dryRun  bool
	backend string
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Reattach to or resume agents from the last persisted snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, err := config.DataDir()
		if err != nil {
			return err
		}

		if recoverCmdFlags.dryRun {
			agents, err := runner.PeekRecoverySnapshot(dataDir)
			if err != nil {
				return err
			}
			fmt.Printf("%d agent(s) in snapshot\n", len(agents))
			for _, a := range agents {
				action := "would resume (pid gone)"
				if a.Alive {
					action = "would reattach (pid alive)"
				}
				fmt.Printf("  %-24s pid=%-8d session=%-10s %s\n", a.AgentID, a.PID, a.SessionID, action)
			}
			return nil
		}

		backend, ok := cliproto.Get(recoverCmdFlags.backend)
		if !ok {
			return fmt.Errorf("unknown backend %q", recoverCmdFlags.backend)
		}
		// Constructing the Fleet performs recovery as a side effect of
		// runner.New: it reattaches live pids and resumes crashed ones.
		f := fleet.New(backend, dataDir, 0, "", fleet.Callbacks{})
		fmt.Printf("recovered %d agent(s)\n", f.Runner.GetActiveProcessCount())
		f.Runner.StopAll(false)
		f.Shutdown()
		return nil
	},
}

func init() {
	recoverCmd.Flags().BoolVar(&recoverCmdFlags.dryRun, "dry-run", false, "print what would happen without reattaching or resuming")
	recoverCmd.Flags().StringVar(&recoverCmdFlags.backend, "backend", "claude", "CLI backend name")
	rootCmd.AddCommand(recoverCmd)
}
