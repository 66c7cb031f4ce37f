// Package supervisor implements a debounced, event-triggered report
// generator that periodically asks a distinguished agent instance to
// analyze recent fleet activity and synthesizes a fallback summary when
// that analysis fails or can't be parsed.
package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fleetrunner/runnerd/internal/atomicfile"
	"github.com/fleetrunner/runnerd/internal/bus"
	"github.com/fleetrunner/runnerd/internal/cliproto"
	"github.com/fleetrunner/runnerd/internal/narrative"
	"github.com/fleetrunner/runnerd/internal/telemetry"
)

// state is the Idle -> Scheduled -> Running -> Idle machine driving
// debounced report generation.
type state int

const (
	stateIdle state = iota
	stateScheduled
	stateRunning
)

const (
	debounceWindow  = 3 * time.Second
	oneShotTimeout  = 120 * time.Second
	historyCapacity = 50
	maxNarratives   = 10
	maxSessionMsgs  = 20
)

const defaultPromptTemplate = `You are the fleet supervisor. Analyze the following agent activity and
respond with a single JSON object of shape:
{"agentAnalyses": [{"agentId": "...", "agentName": "...", "statusDescription": "...",
"progress": "on_track|stalled|blocked|completed|idle", "recentWorkSummary": "...", "concerns": ["..."]}],
"overallStatus": "healthy|attention_needed|critical", "insights": ["..."], "recommendations": ["..."]}

Agent data:
{{AGENT_DATA}}
`

// AgentAnalysis is one agent's slice of a SupervisorReport.
type AgentAnalysis struct {
	AgentID           string   `json:"agentId"`
	AgentName         string   `json:"agentName"`
	StatusDescription string   `json:"statusDescription"`
	Progress          string   `json:"progress"`
	RecentWorkSummary string   `json:"recentWorkSummary"`
	Concerns          []string `json:"concerns"`
}

// Report is the supervisor's periodic fleet analysis.
type Report struct {
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	AgentSummaries []AgentAnalysis `json:"agentSummaries"`
	OverallStatus string          `json:"overallStatus"`
	Insights      []string        `json:"insights"`
	Recommendations []string      `json:"recommendations"`
	RawResponse   string          `json:"rawResponse,omitempty"`
}

// HistoryEntry is one persisted per-agent analysis record.
type HistoryEntry struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	ReportID  string        `json:"reportId"`
	Analysis  AgentAnalysis `json:"analysis"`
}

// AgentStatusSummary is the input the report builder assembles per agent.
type AgentStatusSummary struct {
	AgentID          string
	Class            string
	Status           string
	Task             string
	InputTokens      int
	OutputTokens     int
	ContextUsedPct   float64
	TimeSinceActive  time.Duration
	Narratives       []narrative.Entry
}

// FleetView is the read-only surface the supervisor needs from the
// running fleet; implemented by an adapter over runner.Runner plus
// whatever per-agent status tracking the caller keeps.
type FleetView interface {
	AgentIDs() []string
	Summarize(agentID string) AgentStatusSummary
	// LoadSessionTail loads up to maxSessionMsgs recent persisted session
	// messages for narrative synthesis when the in-memory list is empty.
	LoadSessionTail(agentID string, max int) ([]narrative.Entry, error)
}

// Engine drives the debounce state machine and report generation.
type Engine struct {
	backend   cliproto.Backend
	view      FleetView
	template  string
	historyDir string

	mu              sync.Mutex
	st              state
	timer           *time.Timer
	generating      bool
	latest          *Report
	onReport        func(Report)

	historyMu sync.Mutex

	component string
}

// SetTemplate swaps the live prompt template. Safe to call concurrently
// with report generation; the new template applies to the next run. Used
// by the fsnotify-driven hot-reload watcher of the serve command
// (internal/cli) so operators
// can edit the analysis prompt without restarting the fleet.
func (e *Engine) SetTemplate(template string) {
	if strings.TrimSpace(template) == "" {
		template = defaultPromptTemplate
	}
	e.mu.Lock()
	e.template = template
	e.mu.Unlock()
}

// New constructs an Engine. template is the prompt template containing
// {{AGENT_DATA}}; pass "" to use the default.
func New(backend cliproto.Backend, view FleetView, template, historyDir string, onReport func(Report)) *Engine {
	if strings.TrimSpace(template) == "" {
		template = defaultPromptTemplate
	}
	return &Engine{
		backend:    backend,
		view:       view,
		template:   template,
		historyDir: historyDir,
		onReport:   onReport,
		component:  "supervisor",
	}
}

// OnBusEvent should be wired to bus.KindEvent; it arms/re-arms the
// debounce timer when ev is "init" or "step_complete".
func (e *Engine) OnBusEvent(p bus.Payload) {
	ev, ok := p.Event.(cliproto.Event)
	if !ok {
		return
	}
	e.ObserveEvent(ev)
}

// ObserveEvent is the fleet-level equivalent of OnBusEvent for callers
// that only see RunnerCallbacks.onEvent (the runner's per-agent bus
// instances are package-private) rather than a raw bus.Payload. It arms
// or re-arms the debounce timer when ev is "init" or "step_complete".
func (e *Engine) ObserveEvent(ev cliproto.Event) {
	if ev.Kind != cliproto.KindInit && ev.Kind != cliproto.KindStepComplete {
		return
	}
	e.trigger()
}

func (e *Engine) trigger() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.timer != nil {
		e.timer.Stop()
	}
	e.st = stateScheduled
	e.timer = time.AfterFunc(debounceWindow, e.onDebounceElapsed)
}

func (e *Engine) onDebounceElapsed() {
	e.mu.Lock()
	if e.st != stateScheduled {
		e.mu.Unlock()
		return
	}
	if e.generating {
		e.mu.Unlock()
		return
	}
	ids := e.view.AgentIDs()
	if len(ids) == 0 {
		e.st = stateIdle
		e.mu.Unlock()
		return
	}
	e.st = stateRunning
	e.generating = true
	e.mu.Unlock()

	report := e.generateReport(context.Background(), ids)

	e.mu.Lock()
	e.latest = &report
	e.generating = false
	e.st = stateIdle
	e.mu.Unlock()

	if e.onReport != nil {
		e.onReport(report)
	}
}

// LatestReport returns the cached report, or a placeholder if a
// generation run is in progress with no prior report.
func (e *Engine) LatestReport() Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.latest != nil {
		return *e.latest
	}
	if e.generating {
		return Report{OverallStatus: "attention_needed", Insights: []string{"report generation in progress"}}
	}
	return Report{OverallStatus: "healthy"}
}

// generateReport collects fleet status, asks the backend to analyze it,
// and falls back to a synthesized summary if the analysis fails or its
// response can't be parsed.
func (e *Engine) generateReport(ctx context.Context, agentIDs []string) Report {
	summaries := e.collectSummaries(ctx, agentIDs)

	e.mu.Lock()
	template := e.template
	e.mu.Unlock()
	prompt := strings.Replace(template, "{{AGENT_DATA}}", agentDataJSON(summaries), 1)

	text, err := e.runOneShot(ctx, prompt)
	if err != nil {
		telemetry.LogKV(e.component, "one-shot analysis failed, falling back", "error", err)
		return e.fallbackReport(summaries)
	}

	report, err := parseReportJSON(text)
	if err != nil {
		telemetry.LogKV(e.component, "report JSON parse failed, falling back", "error", err)
		return e.fallbackReport(summaries)
	}
	report.ID = uuid.NewString()
	report.Timestamp = time.Now()
	report.RawResponse = text

	backfillAgentIDs(report.AgentSummaries, summaries)
	e.persistHistory(report)
	return report
}

// collectSummaries assembles one AgentStatusSummary per agent
// concurrently; session-tail loading is the only part that blocks on
// I/O, so errgroup bounds the fan-out cleanly.
func (e *Engine) collectSummaries(ctx context.Context, agentIDs []string) []AgentStatusSummary {
	out := make([]AgentStatusSummary, len(agentIDs))
	g, _ := errgroup.WithContext(ctx)
	for i, id := range agentIDs {
		i, id := i, id
		g.Go(func() error {
			summary := e.view.Summarize(id)
			if len(summary.Narratives) == 0 {
				if tail, err := e.view.LoadSessionTail(id, maxSessionMsgs); err == nil {
					summary.Narratives = tail
				}
			}
			if len(summary.Narratives) > maxNarratives {
				summary.Narratives = summary.Narratives[len(summary.Narratives)-maxNarratives:]
			}
			out[i] = summary
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func agentDataJSON(summaries []AgentStatusSummary) string {
	type agentData struct {
		ID             string   `json:"id"`
		Class          string   `json:"class"`
		Status         string   `json:"status"`
		Task           string   `json:"task"`
		InputTokens    int      `json:"inputTokens"`
		OutputTokens   int      `json:"outputTokens"`
		ContextUsedPct float64  `json:"contextUsedPct"`
		SecondsIdle    float64  `json:"secondsIdle"`
		RecentActivity []string `json:"recentActivity"`
	}
	data := make([]agentData, 0, len(summaries))
	for _, s := range summaries {
		lines := make([]string, 0, len(s.Narratives))
		for _, n := range s.Narratives {
			lines = append(lines, n.Text)
		}
		data = append(data, agentData{
			ID: s.AgentID, Class: s.Class, Status: s.Status, Task: s.Task,
			InputTokens: s.InputTokens, OutputTokens: s.OutputTokens,
			ContextUsedPct: s.ContextUsedPct, SecondsIdle: s.TimeSinceActive.Seconds(),
			RecentActivity: lines,
		})
	}
	buf, _ := json.Marshal(data)
	return string(buf)
}

// runOneShot spawns a single backend invocation with --no-session-persistence,
// writes one user frame, closes stdin, and accumulates text events
// (thinking is not collected). Bounded to oneShotTimeout.
func (e *Engine) runOneShot(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, oneShotTimeout)
	defer cancel()

	req := cliproto.RunRequest{
		AgentID:              "supervisor",
		Prompt:               prompt,
		ToolsDisabled:        true,
		NoSessionPersistence: true,
	}
	return runOneShotBackend(ctx, e.backend, req)
}

func (e *Engine) fallbackReport(summaries []AgentStatusSummary) Report {
	analyses := make([]AgentAnalysis, 0, len(summaries))
	overall := "healthy"
	for _, s := range summaries {
		progress := "on_track"
		switch s.Status {
		case "stalled", "blocked", "error":
			progress = s.Status
			overall = "attention_needed"
		case "completed":
			progress = "completed"
		case "idle":
			progress = "idle"
		}
		analyses = append(analyses, AgentAnalysis{
			AgentID: s.AgentID, AgentName: s.AgentID,
			StatusDescription: fmt.Sprintf("%s (%s)", s.Status, s.Class),
			Progress:          progress,
			RecentWorkSummary: s.Task,
		})
	}
	report := Report{
		ID: uuid.NewString(), Timestamp: time.Now(),
		AgentSummaries: analyses, OverallStatus: overall,
		Insights: []string{"analysis model unavailable; synthesized from agent status"},
	}
	e.persistHistory(report)
	return report
}

func backfillAgentIDs(analyses []AgentAnalysis, summaries []AgentStatusSummary) {
	byName := make(map[string]string, len(summaries))
	for _, s := range summaries {
		byName[s.AgentID] = s.AgentID
	}
	for i := range analyses {
		if analyses[i].AgentID != "" {
			continue
		}
		if id, ok := byName[analyses[i].AgentName]; ok {
			analyses[i].AgentID = id
		}
	}
}

// parseReportJSON tolerates a leading/trailing Markdown code fence around
// the JSON object, since backends commonly wrap structured responses in one.
func parseReportJSON(text string) (Report, error) {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var raw struct {
		AgentAnalyses   []AgentAnalysis `json:"agentAnalyses"`
		OverallStatus   string          `json:"overallStatus"`
		Insights        []string        `json:"insights"`
		Recommendations []string        `json:"recommendations"`
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
	if err := dec.Decode(&raw); err != nil {
		return Report{}, fmt.Errorf("supervisor: parse report JSON: %w", err)
	}
	return Report{
		AgentSummaries:  raw.AgentAnalyses,
		OverallStatus:   raw.OverallStatus,
		Insights:        raw.Insights,
		Recommendations: raw.Recommendations,
	}, nil
}

// historyFile is the on-disk shape of supervisor-history.json: a
// per-agent history map plus a save timestamp and a version tag so a
// future incompatible schema change can be detected.
type historyFile struct {
	Histories map[string][]HistoryEntry `json:"histories"`
	SavedAt   time.Time                 `json:"savedAt"`
	Version   int                       `json:"version"`
}

const historyFileVersion = 1

func (e *Engine) persistHistory(report Report) {
	if len(report.AgentSummaries) == 0 {
		return
	}
	e.historyMu.Lock()
	defer e.historyMu.Unlock()

	path := historyPath(e.historyDir)
	var file historyFile
	if err := atomicfile.ReadJSON(path, &file); err != nil && !isNotExistErr(err) {
		telemetry.LogKV(e.component, "history load failed", "error", err)
	}
	if file.Histories == nil {
		file.Histories = make(map[string][]HistoryEntry)
	}

	for _, a := range report.AgentSummaries {
		entry := HistoryEntry{ID: uuid.NewString(), Timestamp: report.Timestamp, ReportID: report.ID, Analysis: a}
		list := append(file.Histories[a.AgentID], entry)
		if len(list) > historyCapacity {
			list = list[len(list)-historyCapacity:]
		}
		file.Histories[a.AgentID] = list
	}

	file.SavedAt = time.Now()
	file.Version = historyFileVersion
	if err := atomicfile.WriteJSON(path, file); err != nil {
		telemetry.LogKV(e.component, "history persist failed", "error", err)
	}
}
