// Package fleet composes the runner façade, the narrative extractor, and
// the supervisor engine into the single object cmd/runnerd wires up. It
// plays the composition-root role over the whole agent process table,
// kept minimal since routing and presentation live in fleetserver.
package fleet

import (
	"sync"
	"time"

	"github.com/fleetrunner/runnerd/internal/cliproto"
	"github.com/fleetrunner/runnerd/internal/narrative"
	"github.com/fleetrunner/runnerd/internal/runner"
	"github.com/fleetrunner/runnerd/internal/supervisor"
)

// Callbacks is the outward-facing fan-out surface, e.g. a websocket
// broadcaster or a CLI printer. Every field is optional.
type Callbacks struct {
	OnEvent     func(agentID string, ev cliproto.Event)
	OnOutput    func(agentID, text string, isStreaming bool, subagentName, uuid string)
	OnSessionID func(agentID, sessionID string)
	OnComplete  func(agentID string, success bool)
	OnError     func(agentID, msg string)
	OnNarrative func(narrative.Entry)
	OnReport    func(supervisor.Report)
}

// status is the small per-agent scalar state the supervisor's
// AgentStatusSummary needs beyond what Runner tracks: active-subagent
// tracking generalized to a full status label.
type status struct {
	class        string
	label        string
	task         string
	activeSub    string
	inputTokens  int
	outputTokens int
	contextPct   float64
}

// Fleet is the composition root: one Runner, one narrative Store, one
// supervisor Engine, wired together and fanned out to Callbacks.
type Fleet struct {
	Runner     *runner.Runner
	Narratives *narrative.Store
	Supervisor *supervisor.Engine

	// SessionLoader backs FleetView.LoadSessionTail and is best-effort.
	// Left nil by default, in which case LoadSessionTail always returns
	// nil, nil.
	SessionLoader func(agentID string, max int) ([]narrative.Entry, error)

	mu       sync.Mutex
	statuses map[string]*status

	cb Callbacks
}

// New builds a Fleet: a Runner bound to backend/dataDir, a narrative
// Store capped at narrativeCap (narrative.DefaultCap if <= 0), and a
// Supervisor Engine using promptTemplate ("" for the built-in default),
// persisting history under dataDir.
func New(backend cliproto.Backend, dataDir string, narrativeCap int, promptTemplate string, cb Callbacks) *Fleet {
	f := &Fleet{
		Narratives: narrative.NewStore(narrativeCap),
		statuses:   make(map[string]*status),
		cb:         cb,
	}

	f.Runner = runner.New(backend, runner.RunnerCallbacks{
		OnEvent:     f.handleEvent,
		OnOutput:    f.handleOutput,
		OnSessionID: f.handleSessionID,
		OnComplete:  f.handleComplete,
		OnError:     f.handleError,
	}, dataDir)

	f.Supervisor = supervisor.New(backend, f, promptTemplate, dataDir, f.handleReport)
	return f
}

func (f *Fleet) statusFor(agentID string) *status {
	st, ok := f.statuses[agentID]
	if !ok {
		st = &status{class: "agent", label: "idle"}
		f.statuses[agentID] = st
	}
	return st
}

func (f *Fleet) handleEvent(agentID string, ev cliproto.Event) {
	f.mu.Lock()
	st := f.statusFor(agentID)
	switch ev.Kind {
	case cliproto.KindInit:
		st.label = "running"
	case cliproto.KindToolStart:
		st.label = "running"
		if ev.ToolName == "Task" {
			st.activeSub = ev.SubagentName
		}
		st.task = ev.ToolName
	case cliproto.KindToolResult:
		if ev.ToolName == "Task" {
			st.activeSub = ""
		}
	case cliproto.KindStepComplete:
		st.label = "idle"
		if ev.Tokens != nil {
			st.inputTokens += ev.Tokens.Input
			st.outputTokens += ev.Tokens.Output
		}
	case cliproto.KindError:
		st.label = "error"
	case cliproto.KindContextStats:
		// ContextStatsRaw is backend-specific JSON; percentage extraction
		// is left to the external presentation layer (out of core scope).
	}
	f.mu.Unlock()

	if entry, ok := narrative.Extract(agentID, ev, time.Now().UnixNano()); ok {
		f.Narratives.Append(agentID, entry)
		if f.cb.OnNarrative != nil {
			f.cb.OnNarrative(entry)
		}
	}

	f.Supervisor.ObserveEvent(ev)

	if f.cb.OnEvent != nil {
		f.cb.OnEvent(agentID, ev)
	}
}

func (f *Fleet) handleOutput(agentID, text string, isStreaming bool, subagentName, uuid string) {
	if f.cb.OnOutput != nil {
		f.cb.OnOutput(agentID, text, isStreaming, subagentName, uuid)
	}
}

func (f *Fleet) handleSessionID(agentID, sessionID string) {
	if f.cb.OnSessionID != nil {
		f.cb.OnSessionID(agentID, sessionID)
	}
}

func (f *Fleet) handleComplete(agentID string, success bool) {
	f.mu.Lock()
	st := f.statusFor(agentID)
	if success {
		st.label = "completed"
	} else {
		st.label = "stopped"
	}
	f.mu.Unlock()

	if f.cb.OnComplete != nil {
		f.cb.OnComplete(agentID, success)
	}
}

func (f *Fleet) handleError(agentID, msg string) {
	f.mu.Lock()
	f.statusFor(agentID).label = "error"
	f.mu.Unlock()

	if f.cb.OnError != nil {
		f.cb.OnError(agentID, msg)
	}
}

func (f *Fleet) handleReport(report supervisor.Report) {
	if f.cb.OnReport != nil {
		f.cb.OnReport(report)
	}
}

// AgentIDs implements supervisor.FleetView.
func (f *Fleet) AgentIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.statuses))
	for id := range f.statuses {
		ids = append(ids, id)
	}
	return ids
}

// Summarize implements supervisor.FleetView.
func (f *Fleet) Summarize(agentID string) supervisor.AgentStatusSummary {
	f.mu.Lock()
	st := f.statusFor(agentID)
	summary := supervisor.AgentStatusSummary{
		AgentID:      agentID,
		Class:        st.class,
		Status:       st.label,
		Task:         st.task,
		InputTokens:  st.inputTokens,
		OutputTokens: st.outputTokens,
		ContextUsedPct: st.contextPct,
	}
	f.mu.Unlock()

	for _, ps := range f.Runner.GetActiveProcessesState() {
		if ps.AgentID == agentID {
			summary.TimeSinceActive = time.Since(ps.LastActivityTime)
			break
		}
	}
	summary.Narratives = f.Narratives.Recent(agentID, 10)
	return summary
}

// LoadSessionTail implements supervisor.FleetView. It defers to
// SessionLoader when set, else reports no data (best-effort).
func (f *Fleet) LoadSessionTail(agentID string, max int) ([]narrative.Entry, error) {
	if f.SessionLoader == nil {
		return nil, nil
	}
	return f.SessionLoader(agentID, max)
}

// Shutdown stops background loops (watchdog, recovery persistence)
// without touching live child processes.
func (f *Fleet) Shutdown() {
	f.Runner.Shutdown()
}
