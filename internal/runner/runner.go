// Package runner implements the agent runner subsystem: process
// lifecycle, stdio pipelines, the internal event bus, the watchdog and
// restart policy, the recovery store, and resource sampling. Runner is
// its public façade, combining all of these into the API external
// callers use.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fleetrunner/runnerd/internal/bus"
	"github.com/fleetrunner/runnerd/internal/cliproto"
	"github.com/fleetrunner/runnerd/internal/telemetry"
)

// Runner owns the active-process map, stderr ring, activity-callback
// registry, and the auto-restart flag.
type Runner struct {
	backend   cliproto.Backend
	callbacks RunnerCallbacks
	dataDir   string
	component string

	// bus carries watchdog_missing_process signals for the whole Runner.
	// Per-child pipeline/session/process events use their own scoped bus
	// instance (installed in Run), since each such event already implies
	// its agentID by which bus it arrived on — one shared bus would need
	// an AgentID discriminant on every Payload for no added benefit here.
	bus *bus.Bus

	mu            sync.Mutex
	entries       map[string]*entry
	autoRestart   bool
	onNextActivity map[string][]func()

	watchdog *Watchdog
	recovery *recoveryStore

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Runner and loads any persisted recovery snapshot from
// dataDir, reattaching live processes and resuming crashed ones.
func New(backend cliproto.Backend, callbacks RunnerCallbacks, dataDir string) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		backend:        backend,
		callbacks:      callbacks,
		dataDir:        dataDir,
		component:      "runner",
		bus:            bus.New(),
		entries:        make(map[string]*entry),
		autoRestart:    true,
		onNextActivity: make(map[string][]func()),
		recovery:       newRecoveryStore(dataDir),
		ctx:            ctx,
		cancel:         cancel,
	}
	r.watchdog = NewWatchdog(r.bus, r.component, r.liveTrackedEntries, r.onWatchdogDead)

	r.wg.Add(1)
	go func() { defer r.wg.Done(); r.watchdog.Start(ctx) }()
	r.wg.Add(1)
	go func() { defer r.wg.Done(); r.recoveryPersistLoop(ctx) }()

	r.recoverFromSnapshot()

	return r
}

// liveTrackedEntries snapshots the currently tracked agents for the
// watchdog.
func (r *Runner) liveTrackedEntries() []trackedEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]trackedEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, trackedEntry{AgentID: e.agentID, PID: e.pid, StartTime: e.startTime})
	}
	return out
}

func (r *Runner) onWatchdogDead(agentID string) {
	r.mu.Lock()
	e, ok := r.entries[agentID]
	if ok {
		delete(r.entries, agentID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.callbacks.fireComplete(agentID, false)
	r.maybeAutoRestart(e, -1, "", time.Since(e.startTime))
}

// Run stops any prior instance for req.AgentID, then spawns a fresh child.
func (r *Runner) Run(req cliproto.RunRequest) error {
	r.Stop(req.AgentID)

	agentBus := bus.New()

	e, err := spawnChild(context.Background(), r.backend, req, agentBus, r.component)
	if err != nil {
		r.callbacks.fireError(req.AgentID, err.Error())
		return err
	}

	r.mu.Lock()
	r.entries[req.AgentID] = e
	r.mu.Unlock()

	r.installScopedHandlers(req.AgentID, agentBus, e)
	return nil
}

// installScopedHandlers forwards one agent's bus events to RunnerCallbacks
// and to activity/session-id bookkeeping, scoped so one child's events
// never leak into another's onNextActivity queue.
func (r *Runner) installScopedHandlers(agentID string, agentBus *bus.Bus, e *entry) {
	agentBus.On(bus.KindSessionID, func(p bus.Payload) {
		r.mu.Lock()
		if live, ok := r.entries[agentID]; ok {
			live.sessionID = p.SessionID
			live.lastRequest.SessionID = p.SessionID
		}
		r.mu.Unlock()
		r.callbacks.fireSessionID(agentID, p.SessionID)
	})

	agentBus.On(bus.KindActivity, func(bus.Payload) {
		r.mu.Lock()
		if live, ok := r.entries[agentID]; ok {
			live.lastActivityTime = time.Now()
		}
		callbacks := r.onNextActivity[agentID]
		delete(r.onNextActivity, agentID)
		r.mu.Unlock()
		for _, cb := range callbacks {
			cb()
		}
	})

	agentBus.On(bus.KindEvent, func(p bus.Payload) {
		if p.RawLine != "" {
			r.emitOutput(agentID, p.RawLine, false, "")
			return
		}
		ev, ok := p.Event.(cliproto.Event)
		if !ok {
			return
		}
		r.callbacks.fireEvent(agentID, ev)
		r.translateEvent(agentID, ev)
	})

	agentBus.On(bus.KindProcessSpawnError, func(p bus.Payload) {
		r.mu.Lock()
		delete(r.entries, agentID)
		r.mu.Unlock()
		msg := ""
		if p.SpawnErr != nil {
			msg = p.SpawnErr.Error()
		}
		r.callbacks.fireError(agentID, msg)
	})

	agentBus.On(bus.KindProcessClosed, func(p bus.Payload) {
		r.handleProcessClosed(agentID, p)
	})
}

// translateEvent is C3's output-stream translation table (spec §4.3): it
// turns one normalized event into the zero or more lines external
// observers see via RunnerCallbacks.OnOutput, plus the active-subagent
// and turn-local-text bookkeeping those translations depend on.
func (r *Runner) translateEvent(agentID string, ev cliproto.Event) {
	switch ev.Kind {
	case cliproto.KindInit:
		r.emitOutput(agentID, fmt.Sprintf("Session started: %s (%s)", ev.SessionID, ev.Model), false, "")

	case cliproto.KindText:
		r.markTextEmitted(agentID)
		r.emitOutput(agentID, ev.Text, ev.IsStreaming, ev.UUID)

	case cliproto.KindThinking:
		r.emitOutput(agentID, ev.Text, ev.IsStreaming, ev.UUID)

	case cliproto.KindToolStart:
		r.setLastToolName(agentID, ev.ToolName)
		if ev.ToolName == "Task" && ev.SubagentName != "" {
			r.setActiveSubagent(agentID, ev.SubagentName)
		}
		r.emitOutput(agentID, fmt.Sprintf("Using tool: %s", ev.ToolName), false, "")
		if len(ev.ToolInput) > 0 {
			r.emitOutput(agentID, fmt.Sprintf("Tool input: %s", ev.ToolInput), false, "")
		}

	case cliproto.KindToolResult:
		switch r.lastToolName(agentID) {
		case "Bash":
			if ev.ToolOutput != "" {
				r.emitOutput(agentID, fmt.Sprintf("Bash output: %s", ev.ToolOutput), false, "")
			}
		case "Task":
			r.setActiveSubagent(agentID, "")
		}

	case cliproto.KindStepComplete:
		// Clear unconditionally; a resultText fallback is only emitted if
		// no text was emitted since the flag was last cleared.
		textAlreadyEmitted := r.consumeTextEmitted(agentID)
		if ev.ResultText != "" && !textAlreadyEmitted {
			r.emitOutput(agentID, ev.ResultText, false, "")
		}
		if ev.Tokens != nil {
			r.emitOutput(agentID, fmt.Sprintf("Tokens: %d in, %d out", ev.Tokens.Input, ev.Tokens.Output), false, "")
		}
		if ev.CostUSD != 0 {
			r.emitOutput(agentID, fmt.Sprintf("Cost: $%.4f", ev.CostUSD), false, "")
		}

	case cliproto.KindError:
		r.callbacks.fireError(agentID, ev.ErrorMessage)

	case cliproto.KindContextStats:
		r.emitOutput(agentID, string(ev.ContextStatsRaw), false, "")
	}
}

// emitOutput forwards one output line, tagging it with whatever subagent
// is currently active for agentID so observers can route it.
func (r *Runner) emitOutput(agentID, text string, isStreaming bool, uuid string) {
	r.mu.Lock()
	subagent := ""
	if e, ok := r.entries[agentID]; ok {
		subagent = e.activeSubagent
	}
	r.mu.Unlock()
	r.callbacks.fireOutput(agentID, text, isStreaming, subagent, uuid)
}

func (r *Runner) setActiveSubagent(agentID, name string) {
	r.mu.Lock()
	if e, ok := r.entries[agentID]; ok {
		e.activeSubagent = name
	}
	r.mu.Unlock()
}

func (r *Runner) setLastToolName(agentID, name string) {
	r.mu.Lock()
	if e, ok := r.entries[agentID]; ok {
		e.lastToolName = name
	}
	r.mu.Unlock()
}

func (r *Runner) lastToolName(agentID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[agentID]; ok {
		return e.lastToolName
	}
	return ""
}

func (r *Runner) markTextEmitted(agentID string) {
	r.mu.Lock()
	if e, ok := r.entries[agentID]; ok {
		e.textEmittedInTurn = true
	}
	r.mu.Unlock()
}

// consumeTextEmitted reads textEmittedInTurn and clears it unconditionally,
// per spec §9's resolution of the double step_complete open question.
func (r *Runner) consumeTextEmitted(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[agentID]
	if !ok {
		return false
	}
	was := e.textEmittedInTurn
	e.textEmittedInTurn = false
	return was
}

func (r *Runner) handleProcessClosed(agentID string, p bus.Payload) {
	r.mu.Lock()
	e, ok := r.entries[agentID]
	if ok {
		delete(r.entries, agentID)
	}
	r.mu.Unlock()
	if !ok {
		// Already removed by an explicit stop(); lifecycle already fired
		// onComplete, so suppress the duplicate.
		return
	}

	// Reaching here means the entry was still live in the map, i.e. this
	// close was not preceded by an explicit Stop() (which removes the
	// entry and fires onComplete itself before this handler ever runs).
	runtime := time.Since(e.startTime)
	signal, _ := p.Event.(string)
	clean := p.ExitCode == 0 || cleanSignals[signal]

	death := DeathRecord{
		AgentID:    agentID,
		PID:        p.PID,
		Runtime:    runtime,
		WasTracked: true,
		Timestamp:  time.Now(),
	}
	if signal == "" {
		code := p.ExitCode
		death.ExitCode = &code
	} else {
		death.Signal = &signal
	}
	if !clean {
		r.watchdog.RecordExternalDeath(death)
	}
	r.callbacks.fireComplete(agentID, p.ExitCode == 0)

	r.maybeAutoRestart(e, p.ExitCode, signal, runtime)
}

func (r *Runner) maybeAutoRestart(e *entry, exitCode int, signal string, runtime time.Duration) {
	r.mu.Lock()
	enabled := r.autoRestart
	r.mu.Unlock()

	decision := decideRestart(enabled, e.lastRequest.AgentID != "", runtime, exitCode, signal, e.restartCount, e.lastRestartTime, time.Now())
	if decision.terminalErr != "" {
		telemetry.LogKV(r.component, "restart policy terminal error", "agent_id", e.agentID, "reason", decision.terminalErr)
		r.callbacks.fireError(e.agentID, decision.terminalErr)
		return
	}
	if !decision.shouldRestart {
		return
	}

	req := e.lastRequest
	scheduleRestart(r.component, e.agentID, func() error {
		if err := r.Run(req); err != nil {
			return err
		}
		r.mu.Lock()
		if live, ok := r.entries[e.agentID]; ok {
			live.restartCount = decision.effectiveCount + 1
			live.lastRestartTime = time.Now()
		}
		r.mu.Unlock()
		return nil
	})
}

// Stop removes the entry (suppressing any post-stop completion from the
// pipeline), fires onComplete(false), then escalates signals.
func (r *Runner) Stop(agentID string) {
	r.mu.Lock()
	e, ok := r.entries[agentID]
	if ok {
		delete(r.entries, agentID)
	}
	delete(r.onNextActivity, agentID)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.callbacks.fireComplete(agentID, false)
	stopEntry(e)
}

// StopAll disables auto-restart. If killProcesses, stops every tracked
// agent and clears the recovery snapshot; otherwise persists live entries
// and clears the in-memory table, leaving child processes running (used
// for hot reloads).
func (r *Runner) StopAll(killProcesses bool) {
	r.mu.Lock()
	r.autoRestart = false
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	if killProcesses {
		for _, id := range ids {
			r.Stop(id)
		}
		r.recovery.Clear()
		return
	}

	r.persistSnapshot()
	r.mu.Lock()
	r.entries = make(map[string]*entry)
	r.mu.Unlock()
}

// Interrupt sends SIGINT to the child and reports whether it was
// delivered.
func (r *Runner) Interrupt(agentID string) bool {
	r.mu.Lock()
	e, ok := r.entries[agentID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return interruptEntry(e)
}

// SendMessage writes a new stdin frame for the sanitized message.
func (r *Runner) SendMessage(agentID, msg string) bool {
	r.mu.Lock()
	e, ok := r.entries[agentID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if err := writeStdinFrame(e, r.backend, msg); err != nil {
		telemetry.LogKV(r.component, "sendMessage stdin write failed", "agent_id", agentID, "error", err)
		return false
	}
	return true
}

// IsRunning reports whether agentID has a tracked entry.
func (r *Runner) IsRunning(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[agentID]
	return ok
}

// GetSessionID returns the observed session id, if any.
func (r *Runner) GetSessionID(agentID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[agentID]; ok {
		return e.sessionID
	}
	return ""
}

// HasRecentActivity reports whether agentID had activity within window.
func (r *Runner) HasRecentActivity(agentID string, window time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[agentID]
	if !ok {
		return false
	}
	return time.Since(e.lastActivityTime) <= window
}

// OnNextActivity registers a one-shot callback fired the next time
// agentID reports activity.
func (r *Runner) OnNextActivity(agentID string, cb func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onNextActivity[agentID] = append(r.onNextActivity[agentID], cb)
}

// ClearActivityCallbacks drops any pending one-shot callbacks for agentID.
func (r *Runner) ClearActivityCallbacks(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.onNextActivity, agentID)
}

// GetActiveProcessCount returns the number of tracked agents.
func (r *Runner) GetActiveProcessCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// GetDeathHistory returns the watchdog's recorded death ring.
func (r *Runner) GetDeathHistory() []DeathRecord {
	return r.watchdog.DeathHistory()
}

// GetActiveProcessesState snapshots all tracked agents for diagnostics.
func (r *Runner) GetActiveProcessesState() []ProcessState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ProcessState, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, ProcessState{
			AgentID:          e.agentID,
			PID:              e.pid,
			SessionID:        e.sessionID,
			StartTime:        e.startTime,
			LastActivityTime: e.lastActivityTime,
			RestartCount:     e.restartCount,
		})
	}
	return out
}

// LogProcessDiagnostics writes a structured log line summarizing all
// tracked agents; used by the "doctor" CLI subcommand.
func (r *Runner) LogProcessDiagnostics() {
	for _, s := range r.GetActiveProcessesState() {
		telemetry.LogKV(r.component, "process diagnostic",
			"agent_id", s.AgentID, "pid", s.PID, "session_id", s.SessionID,
			"uptime", time.Since(s.StartTime), "restart_count", s.RestartCount)
	}
}

// SetAutoRestart toggles the restart policy.
func (r *Runner) SetAutoRestart(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.autoRestart = enabled
}

// SupportsStdin reports whether the configured backend requires stdin
// framing (true for every backend today).
func (r *Runner) SupportsStdin() bool {
	return r.backend.RequiresStdinInput()
}

// GetProcessMemoryMB samples RSS for one tracked agent.
func (r *Runner) GetProcessMemoryMB(agentID string) (float64, error) {
	r.mu.Lock()
	e, ok := r.entries[agentID]
	r.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("runner: agent %s is not running", agentID)
	}
	return ProcessMemoryMB(e.pid)
}

// GetAllProcessMemory samples RSS for every tracked agent, skipping any
// that fail to sample (process exited mid-scan, permissions, etc).
func (r *Runner) GetAllProcessMemory() map[string]float64 {
	r.mu.Lock()
	pids := make(map[string]int, len(r.entries))
	for id, e := range r.entries {
		pids[id] = e.pid
	}
	r.mu.Unlock()

	out := make(map[string]float64, len(pids))
	for id, pid := range pids {
		if mb, err := ProcessMemoryMB(pid); err == nil {
			out[id] = mb
		}
	}
	return out
}

// Shutdown stops the watchdog/recovery background loops. It does not
// touch child processes; call StopAll first if that is desired.
func (r *Runner) Shutdown() {
	r.cancel()
	r.watchdog.Stop()
	r.wg.Wait()
}

func (r *Runner) recoveryPersistLoop(ctx context.Context) {
	ticker := time.NewTicker(recoveryPersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.persistSnapshot()
		}
	}
}

func (r *Runner) persistSnapshot() {
	r.mu.Lock()
	entries := make([]recoveredEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, recoveredEntry{
			AgentID:     e.agentID,
			PID:         e.pid,
			SessionID:   e.sessionID,
			LastRequest: e.lastRequest,
			StartTime:   e.startTime,
		})
	}
	r.mu.Unlock()

	if err := r.recovery.Save(entries); err != nil {
		telemetry.LogKV(r.component, "recovery snapshot save failed", "error", err)
	}
}

func (r *Runner) recoverFromSnapshot() {
	snapshot, err := r.recovery.Load()
	if err != nil {
		telemetry.LogKV(r.component, "recovery snapshot load failed", "error", err)
		return
	}
	reconcile(snapshot, r.component,
		func(re recoveredEntry) {
			r.mu.Lock()
			r.entries[re.AgentID] = &entry{
				agentID:          re.AgentID,
				sessionID:        re.SessionID,
				lastRequest:      re.LastRequest,
				pid:              re.PID,
				startTime:        re.StartTime,
				lastActivityTime: time.Now(),
				stderrTail:       newRingBuffer(stderrTailBytes),
			}
			r.mu.Unlock()
		},
		func(re recoveredEntry) {
			if err := r.Run(re.LastRequest); err != nil {
				telemetry.LogKV(r.component, "resume-on-boot failed", "agent_id", re.AgentID, "error", err)
			}
		},
	)
}
