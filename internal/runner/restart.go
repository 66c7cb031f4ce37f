package runner

import (
	"time"

	"github.com/fleetrunner/runnerd/internal/telemetry"
)

// Restart policy constants.
const (
	maxRestartAttempts    = 3
	restartCooldown       = 60 * time.Second
	minRuntimeForRestart  = 5 * time.Second
	restartDelay          = 1 * time.Second
)

// restartDecision is the outcome of maybeAutoRestart: relaunch, a
// terminal error to surface via onError, or neither (silent no-op).
type restartDecision struct {
	shouldRestart bool
	effectiveCount int
	terminalErr    string
}

// cleanSignals are the signals that indicate an explicit/graceful stop
// rather than a crash; no restart follows them.
var cleanSignals = map[string]bool{
	"interrupt":  true, // syscall.SIGINT.String()
	"terminated": true, // syscall.SIGTERM.String()
}

// decideRestart implements the auto-restart policy, minus the actual
// relaunch side effect (performed by the caller so this stays pure and
// testable).
func decideRestart(autoRestartEnabled bool, hasLastRequest bool, runtime time.Duration, exitCode int, signal string, restartCount int, lastRestartTime time.Time, now time.Time) restartDecision {
	if !autoRestartEnabled || !hasLastRequest {
		return restartDecision{}
	}
	if runtime < minRuntimeForRestart {
		return restartDecision{terminalErr: "agent exited before minimum runtime; treating as configuration error"}
	}
	if exitCode == 0 || cleanSignals[signal] {
		return restartDecision{}
	}

	effective := restartCount
	if lastRestartTime.IsZero() || now.Sub(lastRestartTime) > restartCooldown {
		effective = 0
	}

	if effective >= maxRestartAttempts {
		return restartDecision{terminalErr: "auto-restart disabled after 3 attempts"}
	}

	return restartDecision{shouldRestart: true, effectiveCount: effective}
}

// scheduleRestart waits restartDelay then invokes relaunch. relaunch is
// responsible for calling Runner.run(lastRequest) and stamping the new
// entry's restartCount/lastRestartTime on success.
func scheduleRestart(component, agentID string, relaunch func() error) {
	time.AfterFunc(restartDelay, func() {
		if err := relaunch(); err != nil {
			telemetry.LogKV(component, "auto-restart relaunch failed", "agent_id", agentID, "error", err)
			return
		}
		telemetry.LogKV(component, "process was automatically restarted after crash", "agent_id", agentID)
	})
}
