package runner

import (
	"testing"
	"time"

	"github.com/fleetrunner/runnerd/internal/bus"
	"github.com/fleetrunner/runnerd/internal/cliproto"
)

func newTestRunner(t *testing.T, cb RunnerCallbacks) *Runner {
	t.Helper()
	backend, _ := cliproto.Get("claude")
	r := New(backend, cb, t.TempDir())
	t.Cleanup(r.Shutdown)
	return r
}

func TestRunner_StopSuppressesDuplicateCompletion(t *testing.T) {
	var completions []bool
	r := newTestRunner(t, RunnerCallbacks{
		OnComplete: func(agentID string, success bool) { completions = append(completions, success) },
	})

	e := &entry{agentID: "a1", lastRequest: cliproto.RunRequest{AgentID: "a1"}, startTime: time.Now()}
	r.mu.Lock()
	r.entries["a1"] = e
	r.mu.Unlock()

	r.Stop("a1")

	// handleProcessClosed must see the entry already gone and no-op.
	r.handleProcessClosed("a1", bus.Payload{Kind: bus.KindProcessClosed, ExitCode: 0})

	if len(completions) != 1 {
		t.Fatalf("expected exactly one onComplete call, got %d: %v", len(completions), completions)
	}
	if completions[0] != false {
		t.Fatalf("expected stop's onComplete to report failure, got %v", completions[0])
	}
}

func TestRunner_IsRunningAndGetSessionID(t *testing.T) {
	r := newTestRunner(t, RunnerCallbacks{})

	if r.IsRunning("a1") {
		t.Fatal("expected a1 not running before any entry exists")
	}

	r.mu.Lock()
	r.entries["a1"] = &entry{agentID: "a1", sessionID: "sess-9"}
	r.mu.Unlock()

	if !r.IsRunning("a1") {
		t.Fatal("expected a1 running once entry exists")
	}
	if r.GetSessionID("a1") != "sess-9" {
		t.Fatalf("expected sess-9, got %q", r.GetSessionID("a1"))
	}
}

func TestRunner_OnNextActivityFiresOnce(t *testing.T) {
	r := newTestRunner(t, RunnerCallbacks{})
	r.mu.Lock()
	r.entries["a1"] = &entry{agentID: "a1"}
	r.mu.Unlock()

	calls := 0
	r.OnNextActivity("a1", func() { calls++ })

	agentBus := bus.New()
	r.installScopedHandlers("a1", agentBus, r.entries["a1"])
	agentBus.Emit(bus.Payload{Kind: bus.KindActivity})
	agentBus.Emit(bus.Payload{Kind: bus.KindActivity})

	if calls != 1 {
		t.Fatalf("expected OnNextActivity callback exactly once, got %d", calls)
	}
}

func TestRunner_HandleProcessClosed_CleanExitNoDeathRecord(t *testing.T) {
	var completions []bool
	r := newTestRunner(t, RunnerCallbacks{
		OnComplete: func(_ string, success bool) { completions = append(completions, success) },
	})
	r.mu.Lock()
	r.entries["a1"] = &entry{agentID: "a1", lastRequest: cliproto.RunRequest{AgentID: "a1"}, startTime: time.Now().Add(-10 * time.Second)}
	r.mu.Unlock()

	r.handleProcessClosed("a1", bus.Payload{Kind: bus.KindProcessClosed, ExitCode: 0})

	if len(completions) != 1 || completions[0] != true {
		t.Fatalf("expected a single successful completion, got %v", completions)
	}
	if len(r.GetDeathHistory()) != 0 {
		t.Fatalf("expected no death record for a clean exit, got %v", r.GetDeathHistory())
	}
}

func TestRunner_HandleProcessClosed_CrashRecordsDeath(t *testing.T) {
	r := newTestRunner(t, RunnerCallbacks{})
	r.SetAutoRestart(false)
	r.mu.Lock()
	r.entries["a1"] = &entry{agentID: "a1", lastRequest: cliproto.RunRequest{AgentID: "a1"}, startTime: time.Now().Add(-10 * time.Second)}
	r.mu.Unlock()

	r.handleProcessClosed("a1", bus.Payload{Kind: bus.KindProcessClosed, ExitCode: 1, PID: 999})

	if len(r.GetDeathHistory()) != 1 {
		t.Fatalf("expected one death record for a crash, got %v", r.GetDeathHistory())
	}
}

func TestRunner_TranslateEvent_HappyTurn(t *testing.T) {
	var outputs []string
	var completions []bool
	r := newTestRunner(t, RunnerCallbacks{
		OnOutput:   func(_ string, text string, _ bool, _, _ string) { outputs = append(outputs, text) },
		OnComplete: func(_ string, success bool) { completions = append(completions, success) },
	})
	r.mu.Lock()
	r.entries["a1"] = &entry{agentID: "a1", lastRequest: cliproto.RunRequest{AgentID: "a1"}, startTime: time.Now()}
	r.mu.Unlock()

	r.translateEvent("a1", cliproto.Event{Kind: cliproto.KindInit, SessionID: "s1", Model: "m"})
	r.translateEvent("a1", cliproto.Event{Kind: cliproto.KindText, Text: "hello"})
	r.translateEvent("a1", cliproto.Event{
		Kind:    cliproto.KindStepComplete,
		CostUSD: 0.01,
		Tokens:  &cliproto.TokenUsage{Input: 10, Output: 2},
	})
	r.handleProcessClosed("a1", bus.Payload{Kind: bus.KindProcessClosed, ExitCode: 0})

	want := []string{
		"Session started: s1 (m)",
		"hello",
		"Tokens: 10 in, 2 out",
		"Cost: $0.0100",
	}
	if len(outputs) != len(want) {
		t.Fatalf("expected outputs %v, got %v", want, outputs)
	}
	for i := range want {
		if outputs[i] != want[i] {
			t.Fatalf("output[%d]: expected %q, got %q", i, want[i], outputs[i])
		}
	}
	if len(completions) != 1 || completions[0] != true {
		t.Fatalf("expected a single successful completion, got %v", completions)
	}
}

func TestRunner_TranslateEvent_ResultTextFallbackSuppressedAfterText(t *testing.T) {
	var outputs []string
	r := newTestRunner(t, RunnerCallbacks{
		OnOutput: func(_ string, text string, _ bool, _, _ string) { outputs = append(outputs, text) },
	})
	r.mu.Lock()
	r.entries["a1"] = &entry{agentID: "a1"}
	r.mu.Unlock()

	r.translateEvent("a1", cliproto.Event{Kind: cliproto.KindText, Text: "the answer"})
	r.translateEvent("a1", cliproto.Event{Kind: cliproto.KindStepComplete, ResultText: "the answer (fallback)"})

	for _, o := range outputs {
		if o == "the answer (fallback)" {
			t.Fatalf("resultText fallback should be suppressed once text was emitted this turn, got %v", outputs)
		}
	}
}

func TestRunner_TranslateEvent_ResultTextFallbackEmittedWithoutText(t *testing.T) {
	var outputs []string
	r := newTestRunner(t, RunnerCallbacks{
		OnOutput: func(_ string, text string, _ bool, _, _ string) { outputs = append(outputs, text) },
	})
	r.mu.Lock()
	r.entries["a1"] = &entry{agentID: "a1"}
	r.mu.Unlock()

	r.translateEvent("a1", cliproto.Event{Kind: cliproto.KindStepComplete, ResultText: "fallback answer"})

	if len(outputs) != 1 || outputs[0] != "fallback answer" {
		t.Fatalf("expected resultText fallback to be emitted, got %v", outputs)
	}
}

func TestRunner_TranslateEvent_DoubleStepCompleteEachEmitsOwnResultText(t *testing.T) {
	var outputs []string
	r := newTestRunner(t, RunnerCallbacks{
		OnOutput: func(_ string, text string, _ bool, _, _ string) { outputs = append(outputs, text) },
	})
	r.mu.Lock()
	r.entries["a1"] = &entry{agentID: "a1"}
	r.mu.Unlock()

	r.translateEvent("a1", cliproto.Event{Kind: cliproto.KindStepComplete, ResultText: "first"})
	r.translateEvent("a1", cliproto.Event{Kind: cliproto.KindStepComplete, ResultText: "second"})

	if len(outputs) != 2 || outputs[0] != "first" || outputs[1] != "second" {
		t.Fatalf("expected both step_complete events to emit their own resultText, got %v", outputs)
	}
}

func TestRunner_TranslateEvent_ToolStartAndBashResult(t *testing.T) {
	var outputs []string
	r := newTestRunner(t, RunnerCallbacks{
		OnOutput: func(_ string, text string, _ bool, _, _ string) { outputs = append(outputs, text) },
	})
	r.mu.Lock()
	r.entries["a1"] = &entry{agentID: "a1"}
	r.mu.Unlock()

	r.translateEvent("a1", cliproto.Event{Kind: cliproto.KindToolStart, ToolName: "Bash", ToolInput: []byte(`{"command":"ls"}`)})
	r.translateEvent("a1", cliproto.Event{Kind: cliproto.KindToolResult, ToolName: "Bash", ToolOutput: "file.txt"})

	want := []string{"Using tool: Bash", `Tool input: {"command":"ls"}`, "Bash output: file.txt"}
	if len(outputs) != len(want) {
		t.Fatalf("expected %v, got %v", want, outputs)
	}
	for i := range want {
		if outputs[i] != want[i] {
			t.Fatalf("output[%d]: expected %q, got %q", i, want[i], outputs[i])
		}
	}
}

func TestRunner_TranslateEvent_TaskSubagentTrackedAndCleared(t *testing.T) {
	var subagents []string
	r := newTestRunner(t, RunnerCallbacks{
		OnOutput: func(_ string, text string, _ bool, subagentName, _ string) { subagents = append(subagents, subagentName) },
	})
	r.mu.Lock()
	r.entries["a1"] = &entry{agentID: "a1"}
	r.mu.Unlock()

	r.translateEvent("a1", cliproto.Event{Kind: cliproto.KindToolStart, ToolName: "Task", SubagentName: "reviewer"})
	r.translateEvent("a1", cliproto.Event{Kind: cliproto.KindThinking, Text: "working"})
	r.translateEvent("a1", cliproto.Event{Kind: cliproto.KindToolResult, ToolName: "Task"})
	r.translateEvent("a1", cliproto.Event{Kind: cliproto.KindThinking, Text: "done"})

	if subagents[1] != "reviewer" {
		t.Fatalf("expected output emitted while the subagent is active to be tagged, got %v", subagents)
	}
	if subagents[len(subagents)-1] != "" {
		t.Fatalf("expected active subagent cleared after its tool_result, got %v", subagents)
	}
}

func TestRunner_TranslateEvent_ErrorEscalatesThroughErrorCallback(t *testing.T) {
	var errs []string
	var outputs []string
	r := newTestRunner(t, RunnerCallbacks{
		OnError:  func(_ string, msg string) { errs = append(errs, msg) },
		OnOutput: func(_ string, text string, _ bool, _, _ string) { outputs = append(outputs, text) },
	})
	r.mu.Lock()
	r.entries["a1"] = &entry{agentID: "a1"}
	r.mu.Unlock()

	r.translateEvent("a1", cliproto.Event{Kind: cliproto.KindError, ErrorMessage: "boom"})

	if len(errs) != 1 || errs[0] != "boom" {
		t.Fatalf("expected error escalated via OnError, got %v", errs)
	}
	if len(outputs) != 0 {
		t.Fatalf("expected no output line for an error event, got %v", outputs)
	}
}

func TestRunner_TranslateEvent_ContextStatsPassesThroughRawContent(t *testing.T) {
	var outputs []string
	r := newTestRunner(t, RunnerCallbacks{
		OnOutput: func(_ string, text string, _ bool, _, _ string) { outputs = append(outputs, text) },
	})
	r.mu.Lock()
	r.entries["a1"] = &entry{agentID: "a1"}
	r.mu.Unlock()

	r.translateEvent("a1", cliproto.Event{Kind: cliproto.KindContextStats, ContextStatsRaw: []byte(`{"used":100}`)})

	if len(outputs) != 1 || outputs[0] != `{"used":100}` {
		t.Fatalf("expected raw context stats passed through, got %v", outputs)
	}
}

func TestRunner_StopAll_PreserveWithoutKillClearsTableButKeepsAutoRestartOff(t *testing.T) {
	r := newTestRunner(t, RunnerCallbacks{})
	r.mu.Lock()
	r.entries["a1"] = &entry{agentID: "a1"}
	r.mu.Unlock()

	r.StopAll(false)

	if r.GetActiveProcessCount() != 0 {
		t.Fatalf("expected in-memory table cleared, got %d entries", r.GetActiveProcessCount())
	}
	r.mu.Lock()
	autoRestart := r.autoRestart
	r.mu.Unlock()
	if autoRestart {
		t.Fatal("expected StopAll to leave auto-restart off")
	}
}
