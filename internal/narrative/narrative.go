// Package narrative converts normalized runner events into short,
// human-readable activity lines for the fleet status view, using a
// switch over the event kind.
package narrative

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/fleetrunner/runnerd/internal/cliproto"
)

// DefaultCap is the default per-agent FIFO cap on stored narratives.
const DefaultCap = 20

// Kind classifies one narrative entry.
type Kind string

const (
	KindToolUse      Kind = "tool_use"
	KindTaskStart    Kind = "task_start"
	KindTaskComplete Kind = "task_complete"
	KindError        Kind = "error"
	KindThinking     Kind = "thinking"
	KindOutput       Kind = "output"
)

// Entry is one activity narrative line.
type Entry struct {
	ID        string
	AgentID   string
	Timestamp int64 // unix nanos
	Kind      Kind
	Text      string
	ToolName  string
}

// Store is a per-agent FIFO of narratives bounded at cap entries.
type Store struct {
	mu      sync.Mutex
	cap     int
	byAgent map[string][]Entry
}

// NewStore creates a Store with the given per-agent cap (DefaultCap if
// cap <= 0).
func NewStore(cap int) *Store {
	if cap <= 0 {
		cap = DefaultCap
	}
	return &Store{cap: cap, byAgent: make(map[string][]Entry)}
}

// Extract produces at most one Entry for ev, or ok=false if ev carries no
// narratable content (e.g. an empty streaming delta).
func Extract(agentID string, ev cliproto.Event, now int64) (Entry, bool) {
	switch ev.Kind {
	case cliproto.KindToolStart:
		return Entry{ID: uuid.NewString(), AgentID: agentID, Timestamp: now, Kind: KindToolUse, Text: toolStartNarrative(ev), ToolName: ev.ToolName}, true

	case cliproto.KindText:
		if len(ev.Text) <= 10 {
			return Entry{}, false
		}
		return Entry{ID: uuid.NewString(), AgentID: agentID, Timestamp: now, Kind: KindOutput, Text: fmt.Sprintf("Responding: %q", truncate(ev.Text, 100))}, true

	case cliproto.KindThinking:
		if ev.Text == "" {
			return Entry{}, false
		}
		return Entry{ID: uuid.NewString(), AgentID: agentID, Timestamp: now, Kind: KindThinking, Text: fmt.Sprintf("Thinking: %q", truncate(ev.Text, 80))}, true

	case cliproto.KindError:
		return Entry{ID: uuid.NewString(), AgentID: agentID, Timestamp: now, Kind: KindError, Text: "Error occurred: " + ev.ErrorMessage}, true

	case cliproto.KindStepComplete:
		input, output := 0, 0
		if ev.Tokens != nil {
			input, output = ev.Tokens.Input, ev.Tokens.Output
		}
		return Entry{ID: uuid.NewString(), AgentID: agentID, Timestamp: now, Kind: KindTaskComplete, Text: fmt.Sprintf("Completed processing step (%d, %d tokens)", input, output)}, true

	default:
		return Entry{}, false
	}
}

// toolStartNarrative builds a tool-specific narrative line.
func toolStartNarrative(ev cliproto.Event) string {
	if ev.ToolName == "Task" {
		return fmt.Sprintf("Starting sub-task: %q", truncate(ev.SubagentName, 60))
	}

	var input map[string]any
	_ = json.Unmarshal(ev.ToolInput, &input)

	switch ev.ToolName {
	case "Read":
		return fmt.Sprintf("Reading file %q", basenameOf(input, "file_path"))
	case "Write":
		return fmt.Sprintf("Writing new content to %q", basenameOf(input, "file_path"))
	case "Edit":
		return fmt.Sprintf("Editing file %q", basenameOf(input, "file_path"))
	case "Bash":
		cmd, _ := input["command"].(string)
		return "Running command: " + truncate(cmd, 80)
	case "Grep":
		pattern, _ := input["pattern"].(string)
		return fmt.Sprintf("Searching for pattern %q", truncate(pattern, 60))
	case "Glob":
		pattern, _ := input["pattern"].(string)
		return fmt.Sprintf("Finding files matching %q", truncate(pattern, 60))
	case "TodoWrite":
		count := 0
		if todos, ok := input["todos"].([]any); ok {
			count = len(todos)
		}
		return fmt.Sprintf("Updating task list with %d items", count)
	case "AskUserQuestion":
		return "Asking user a question"
	default:
		return fmt.Sprintf("Using tool %q", ev.ToolName)
	}
}

func basenameOf(input map[string]any, key string) string {
	if path, ok := input[key].(string); ok && path != "" {
		return filepath.Base(path)
	}
	return "?"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// Append adds entry to agentID's FIFO, evicting the oldest entry if the
// cap is exceeded.
func (s *Store) Append(agentID string, entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.byAgent[agentID], entry)
	if len(list) > s.cap {
		list = list[len(list)-s.cap:]
	}
	s.byAgent[agentID] = list
}

// Recent returns up to n most recent narratives for agentID, oldest
// first.
func (s *Store) Recent(agentID string, n int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byAgent[agentID]
	if n <= 0 || n >= len(list) {
		out := make([]Entry, len(list))
		copy(out, list)
		return out
	}
	out := make([]Entry, n)
	copy(out, list[len(list)-n:])
	return out
}

// IsEmpty reports whether agentID has no stored narratives.
func (s *Store) IsEmpty(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byAgent[agentID]) == 0
}
