package cli

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fleetrunner/runnerd/internal/cliproto"
	"github.com/fleetrunner/runnerd/internal/config"
	"github.com/fleetrunner/runnerd/internal/fleet"
)

var runCmdFlags struct {
	agentID        string
	workingDir     string
	prompt         string
	model          string
	permissionMode string
	backend        string
	systemPrompt   string
	useChrome      bool
	forceNew       bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single agent turn and print its output",
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, ok := cliproto.Get(runCmdFlags.backend)
		if !ok {
			return fmt.Errorf("unknown backend %q", runCmdFlags.backend)
		}

		dataDir, err := config.DataDir()
		if err != nil {
			return err
		}

		agentID := runCmdFlags.agentID
		if agentID == "" {
			agentID = uuid.NewString()
		}

		done := make(chan bool, 1)

		f := fleet.New(backend, dataDir, 0, "", fleet.Callbacks{
			OnOutput: func(agentID, text string, isStreaming bool, subagentName, uuid string) {
				fmt.Println(text)
			},
			OnSessionID: func(agentID, sessionID string) {
				fmt.Fprintf(os.Stderr, "[session] %s\n", sessionID)
			},
			OnError: func(agentID, msg string) {
				fmt.Fprintf(os.Stderr, "[error] %s\n", msg)
			},
			OnComplete: func(agentID string, success bool) {
				done <- success
			},
		})
		defer f.Shutdown()

		mode := cliproto.PermissionMode(runCmdFlags.permissionMode)
		req := cliproto.RunRequest{
			AgentID:         agentID,
			Prompt:          runCmdFlags.prompt,
			WorkingDir:      runCmdFlags.workingDir,
			Model:           runCmdFlags.model,
			PermissionMode:  mode,
			UseChrome:       runCmdFlags.useChrome,
			SystemPrompt:    runCmdFlags.systemPrompt,
			ForceNewSession: runCmdFlags.forceNew,
		}
		if err := f.Runner.Run(req); err != nil {
			return err
		}

		success := <-done
		if !success {
			return fmt.Errorf("agent %s did not complete successfully", agentID)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runCmdFlags.agentID, "agent-id", "", "stable id for this agent (default: random)")
	runCmd.Flags().StringVar(&runCmdFlags.workingDir, "workdir", ".", "working directory for the child process")
	runCmd.Flags().StringVar(&runCmdFlags.prompt, "prompt", "", "initial prompt to send")
	runCmd.Flags().StringVar(&runCmdFlags.model, "model", "", "model override")
	runCmd.Flags().StringVar(&runCmdFlags.permissionMode, "permission-mode", string(cliproto.PermissionInteractive), "bypass|interactive")
	runCmd.Flags().StringVar(&runCmdFlags.backend, "backend", "claude", "CLI backend name")
	runCmd.Flags().StringVar(&runCmdFlags.systemPrompt, "system-prompt", "", "system prompt override")
	runCmd.Flags().BoolVar(&runCmdFlags.useChrome, "chrome", false, "enable the chrome tool")
	runCmd.Flags().BoolVar(&runCmdFlags.forceNew, "force-new-session", false, "ignore any resumable session id")
	_ = runCmd.MarkFlagRequired("prompt")

	rootCmd.AddCommand(runCmd)
}
