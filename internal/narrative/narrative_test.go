package narrative

import (
	"strings"
	"testing"

	"github.com/fleetrunner/runnerd/internal/cliproto"
)

func TestExtract_ToolStartRead(t *testing.T) {
	ev := cliproto.Event{Kind: cliproto.KindToolStart, ToolName: "Read", ToolInput: []byte(`{"file_path":"/a/b/main.go"}`)}
	e, ok := Extract("a1", ev, 1)
	if !ok {
		t.Fatal("expected a narrative for Read tool_start")
	}
	if !strings.Contains(e.Text, `"main.go"`) {
		t.Fatalf("expected basename in narrative, got %q", e.Text)
	}
}

func TestExtract_ToolStartSubagent(t *testing.T) {
	ev := cliproto.Event{Kind: cliproto.KindToolStart, ToolName: "Task", SubagentName: "reviewer"}
	e, ok := Extract("a1", ev, 1)
	if !ok || !strings.Contains(e.Text, "reviewer") {
		t.Fatalf("expected sub-task narrative mentioning reviewer, got %+v ok=%v", e, ok)
	}
}

func TestExtract_ShortTextSkipped(t *testing.T) {
	ev := cliproto.Event{Kind: cliproto.KindText, Text: "ok"}
	if _, ok := Extract("a1", ev, 1); ok {
		t.Fatal("expected short text to produce no narrative")
	}
}

func TestExtract_LongTextProducesNarrative(t *testing.T) {
	ev := cliproto.Event{Kind: cliproto.KindText, Text: "this is a sufficiently long response to narrate"}
	e, ok := Extract("a1", ev, 1)
	if !ok || e.Kind != KindOutput {
		t.Fatalf("expected an output narrative, got %+v ok=%v", e, ok)
	}
}

func TestExtract_StepCompleteIncludesTokenCounts(t *testing.T) {
	ev := cliproto.Event{Kind: cliproto.KindStepComplete, Tokens: &cliproto.TokenUsage{Input: 10, Output: 20}}
	e, ok := Extract("a1", ev, 1)
	if !ok || !strings.Contains(e.Text, "10") || !strings.Contains(e.Text, "20") {
		t.Fatalf("expected token counts in narrative, got %+v", e)
	}
}

func TestStore_AppendRespectsCapFIFO(t *testing.T) {
	s := NewStore(2)
	s.Append("a1", Entry{ID: "1", Text: "first"})
	s.Append("a1", Entry{ID: "2", Text: "second"})
	s.Append("a1", Entry{ID: "3", Text: "third"})

	recent := s.Recent("a1", 10)
	if len(recent) != 2 {
		t.Fatalf("expected cap of 2, got %d", len(recent))
	}
	if recent[0].ID != "2" || recent[1].ID != "3" {
		t.Fatalf("expected oldest entry evicted, got %+v", recent)
	}
}

func TestStore_IsEmpty(t *testing.T) {
	s := NewStore(DefaultCap)
	if !s.IsEmpty("a1") {
		t.Fatal("expected empty store for a fresh agent")
	}
	s.Append("a1", Entry{ID: "1"})
	if s.IsEmpty("a1") {
		t.Fatal("expected non-empty store after append")
	}
}
