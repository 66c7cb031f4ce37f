package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleetrunner/runnerd/internal/cliproto"
	"github.com/fleetrunner/runnerd/internal/config"
	"github.com/fleetrunner/runnerd/internal/fleet"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Print diagnostics for the recovered/running fleet",
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, ok := cliproto.Get("claude")
		if !ok {
			return fmt.Errorf("default backend not registered")
		}
		dataDir, err := config.DataDir()
		if err != nil {
			return err
		}

		f := fleet.New(backend, dataDir, 0, "", fleet.Callbacks{})
		defer f.Shutdown()

		heading := fmt.Sprintf
		if stdoutIsTerminal() {
			heading = func(format string, a ...any) string { return "\033[1m" + fmt.Sprintf(format, a...) + "\033[0m" }
		}

		states := f.Runner.GetActiveProcessesState()
		fmt.Println(heading("active agents: %d", len(states)))
		for _, s := range states {
			fmt.Printf("  %-24s pid=%-8d session=%-10s uptime=%-10s restarts=%d\n",
				s.AgentID, s.PID, s.SessionID, timeSinceHuman(s.StartTime), s.RestartCount)
		}

		deaths := f.Runner.GetDeathHistory()
		fmt.Println(heading("recent deaths: %d", len(deaths)))
		for _, d := range deaths {
			fmt.Printf("  %-24s pid=%-8d runtime=%-10s tracked=%v\n", d.AgentID, d.PID, d.Runtime, d.WasTracked)
		}

		f.Runner.LogProcessDiagnostics()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
