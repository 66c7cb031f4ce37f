package fleet

import (
	"testing"

	"github.com/fleetrunner/runnerd/internal/cliproto"
	"github.com/fleetrunner/runnerd/internal/narrative"
)

func TestFleet_HandleEventTracksStatusAndFansOutNarrative(t *testing.T) {
	narrativeCount := 0
	f := New(nil, t.TempDir(), 0, "", Callbacks{
		OnNarrative: func(_ narrative.Entry) { narrativeCount++ },
	})
	defer f.Shutdown()

	f.handleEvent("a1", cliproto.Event{Kind: cliproto.KindInit})
	summary := f.Summarize("a1")
	if summary.Status != "running" {
		t.Fatalf("expected status running after init, got %q", summary.Status)
	}

	f.handleEvent("a1", cliproto.Event{Kind: cliproto.KindToolStart, ToolName: "Task", SubagentName: "reviewer"})
	summary = f.Summarize("a1")
	if summary.Task != "Task" {
		t.Fatalf("expected task Task, got %q", summary.Task)
	}

	f.handleEvent("a1", cliproto.Event{Kind: cliproto.KindStepComplete, Tokens: &cliproto.TokenUsage{Input: 10, Output: 5}})
	summary = f.Summarize("a1")
	if summary.Status != "idle" {
		t.Fatalf("expected status idle after step_complete, got %q", summary.Status)
	}
	if summary.InputTokens != 10 || summary.OutputTokens != 5 {
		t.Fatalf("expected accumulated tokens 10/5, got %d/%d", summary.InputTokens, summary.OutputTokens)
	}
	if narrativeCount == 0 {
		t.Fatal("expected at least one narrative entry to be emitted")
	}
}

func TestFleet_AgentIDsReflectsTrackedAgents(t *testing.T) {
	f := New(nil, t.TempDir(), 0, "", Callbacks{})
	defer f.Shutdown()

	f.handleEvent("a1", cliproto.Event{Kind: cliproto.KindInit})
	f.handleEvent("a2", cliproto.Event{Kind: cliproto.KindInit})

	ids := f.AgentIDs()
	if len(ids) != 2 {
		t.Fatalf("expected 2 tracked agents, got %d", len(ids))
	}
}

func TestFleet_HandleErrorMarksStatus(t *testing.T) {
	var gotAgent, gotMsg string
	f := New(nil, t.TempDir(), 0, "", Callbacks{
		OnError: func(agentID, msg string) { gotAgent, gotMsg = agentID, msg },
	})
	defer f.Shutdown()

	f.handleError("a1", "backend crashed")
	if gotAgent != "a1" || gotMsg != "backend crashed" {
		t.Fatalf("OnError callback not invoked with expected args, got %q/%q", gotAgent, gotMsg)
	}
	if f.Summarize("a1").Status != "error" {
		t.Fatalf("expected status error after handleError")
	}
}

func TestFleet_LoadSessionTailDefaultsToNilWithoutLoader(t *testing.T) {
	f := New(nil, t.TempDir(), 0, "", Callbacks{})
	defer f.Shutdown()

	entries, err := f.LoadSessionTail("a1", 10)
	if err != nil || entries != nil {
		t.Fatalf("expected nil, nil with no SessionLoader set, got %v, %v", entries, err)
	}
}
