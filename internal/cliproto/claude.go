package cliproto

import (
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/fleetrunner/runnerd/internal/sanitize"
)

// ClaudeBackend drives Anthropic's claude CLI in streaming stdin/stdout
// JSON mode.
type ClaudeBackend struct{}

// NewClaudeBackend creates a ClaudeBackend.
func NewClaudeBackend() *ClaudeBackend { return &ClaudeBackend{} }

func (c *ClaudeBackend) Name() string { return "claude" }

// BuildArgs yields argv for streaming JSON I/O plus the resume/permission/
// model/chrome/system-prompt/tools flags.
func (c *ClaudeBackend) BuildArgs(req RunRequest) []string {
	args := []string{
		"--print", "--verbose",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
	}

	if req.SessionID != "" && !req.ForceNewSession {
		args = append(args, "--resume", req.SessionID)
	}

	switch req.PermissionMode {
	case PermissionBypass:
		args = append(args, "--dangerously-skip-permissions")
	case PermissionInteractive:
		args = append(args, "--permission-mode", "acceptEdits")
	}

	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.UseChrome {
		args = append(args, "--chrome")
	}

	if req.SystemPrompt != "" {
		if req.SessionID != "" && !req.ForceNewSession {
			args = append(args, "--append-system-prompt", req.SystemPrompt)
		} else {
			args = append(args, "--system-prompt", req.SystemPrompt)
		}
	}

	if req.ToolsDisabled {
		args = append(args, "--tools", "")
	}

	if req.NoSessionPersistence {
		args = append(args, "--no-session-persistence")
	}

	return args
}

// FormatStdinInput returns the single-line JSON user frame the child reads
// on stdin: {"type":"user","message":{"role":"user","content":"<sanitized>"}}.
func (c *ClaudeBackend) FormatStdinInput(prompt string) []byte {
	frame := struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	}{Type: "user"}
	frame.Message.Role = "user"
	frame.Message.Content = sanitize.Sanitize(prompt)

	data, err := json.Marshal(frame)
	if err != nil {
		// Sanitize already guarantees valid UTF-8; Marshal of this fixed
		// shape cannot fail in practice.
		return []byte(`{"type":"user","message":{"role":"user","content":""}}`)
	}
	return append(data, '\n')
}

// ParseEvent maps one raw NDJSON line into the normalized Event sum type.
// Returns ok=false for event types this backend intentionally ignores
// (e.g. unrecognized system subtypes), and a non-nil err only on malformed
// JSON.
func (c *ClaudeBackend) ParseEvent(raw []byte) (Event, bool, error) {
	var rev rawEvent
	if err := json.Unmarshal(raw, &rev); err != nil {
		return Event{}, false, err
	}

	switch rev.Type {
	case "system":
		switch rev.Subtype {
		case "init":
			return Event{Kind: KindInit, SessionID: rev.SessionID, Model: rev.Model, Tools: rev.Tools}, true, nil
		case "error":
			msg := rev.Error
			if msg == "" {
				msg = "system error"
			}
			return Event{Kind: KindError, ErrorMessage: msg}, true, nil
		}
		return Event{}, false, nil

	case "assistant":
		return parseAssistantEvent(rev)

	case "tool_use":
		return parseToolUseEvent(rev)

	case "result":
		ev := Event{
			Kind:       KindStepComplete,
			DurationMS: rev.DurationMS,
			CostUSD:    rev.TotalCostUSD,
			ResultText: rev.ResultText,
		}
		if rev.Usage != nil {
			ev.Tokens = &TokenUsage{
				Input:         rev.Usage.InputTokens,
				Output:        rev.Usage.OutputTokens,
				CacheCreation: rev.Usage.CacheCreationInputTokens,
				CacheRead:     rev.Usage.CacheReadInputTokens,
			}
		}
		for _, d := range rev.PermissionDenials {
			ev.PermissionDenials = append(ev.PermissionDenials, PermissionDenial{ToolName: d.ToolName, Reason: d.Reason})
		}
		return ev, true, nil

	case "stream_event":
		return parseStreamEvent(rev)

	default:
		return Event{}, false, nil
	}
}

// parseAssistantEvent inspects content blocks in order and emits the first
// that is non-empty thinking, non-empty text, or a tool_use block.
func parseAssistantEvent(rev rawEvent) (Event, bool, error) {
	if rev.Message == nil {
		return Event{}, false, nil
	}
	for _, block := range rev.Message.Content {
		switch block.Type {
		case "thinking":
			if block.Text != "" {
				return Event{Kind: KindThinking, Text: block.Text}, true, nil
			}
		case "text":
			if block.Text != "" {
				return Event{Kind: KindText, Text: block.Text}, true, nil
			}
		case "tool_use":
			ev := Event{Kind: KindToolStart, ToolName: block.Name, ToolInput: []byte(block.Input)}
			if block.Name == "Task" {
				ev.SubagentName = block.SubagentType
			}
			return ev, true, nil
		}
	}
	return Event{}, false, nil
}

func parseToolUseEvent(rev rawEvent) (Event, bool, error) {
	switch rev.Subtype {
	case "input":
		return Event{Kind: KindToolStart}, true, nil
	case "result":
		text := toolResultText(rev)
		return Event{Kind: KindToolResult, ToolOutput: text}, true, nil
	}
	return Event{}, false, nil
}

func toolResultText(rev rawEvent) string {
	if rev.Message == nil {
		return ""
	}
	for _, block := range rev.Message.Content {
		if block.Type == "tool_result" {
			return block.toolResultText()
		}
	}
	return ""
}

// parseStreamEvent maps content_block_delta/start/stop of text|thinking
// into streaming text/thinking or block_start/block_end events; only
// present with --include-partial-messages.
func parseStreamEvent(rev rawEvent) (Event, bool, error) {
	if rev.Event == nil {
		return Event{}, false, nil
	}
	inner := rev.Event
	switch inner.Type {
	case "content_block_delta":
		if inner.Delta == nil {
			return Event{}, false, nil
		}
		switch inner.Delta.Type {
		case "text_delta":
			return Event{Kind: KindText, Text: inner.Delta.Text, IsStreaming: true}, true, nil
		case "thinking_delta":
			return Event{Kind: KindThinking, Text: inner.Delta.Text, IsStreaming: true}, true, nil
		}
		return Event{}, false, nil
	case "content_block_start":
		if inner.ContentBlock == nil {
			return Event{}, false, nil
		}
		if inner.ContentBlock.Type == "text" || inner.ContentBlock.Type == "thinking" {
			return Event{Kind: KindBlockStart, BlockType: inner.ContentBlock.Type}, true, nil
		}
		return Event{}, false, nil
	case "content_block_stop":
		return Event{Kind: KindBlockEnd}, true, nil
	}
	return Event{}, false, nil
}

// ExtractSessionID returns the session id only from a system/init record.
func (c *ClaudeBackend) ExtractSessionID(raw []byte) string {
	var rev rawEvent
	if err := json.Unmarshal(raw, &rev); err != nil {
		return ""
	}
	if rev.Type == "system" && rev.Subtype == "init" {
		return rev.SessionID
	}
	return ""
}

// RequiresStdinInput reports that prompts are always delivered via a
// stdin frame rather than an argv positional.
func (c *ClaudeBackend) RequiresStdinInput() bool { return true }

// candidateNames are platform-specific install locations to probe before
// falling back to "claude" on PATH.
func candidateNames() []string {
	home, _ := os.UserHomeDir()
	names := []string{"claude"}
	if runtime.GOOS != "windows" {
		if home != "" {
			names = append(names,
				filepath.Join(home, ".claude", "local", "claude"),
				filepath.Join(home, ".local", "bin", "claude"),
				filepath.Join(home, ".bun", "bin", "claude"),
				filepath.Join(home, ".npm-global", "bin", "claude"),
			)
		}
		names = append(names, "/usr/local/bin/claude", "/opt/homebrew/bin/claude")
	}
	return names
}

// GetExecutablePath probes the platform-specific search list and falls
// back to "claude" resolved via PATH.
func (c *ClaudeBackend) GetExecutablePath() (string, error) {
	for _, candidate := range candidateNames() {
		if filepath.IsAbs(candidate) {
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
			continue
		}
		if path, err := exec.LookPath(candidate); err == nil {
			return path, nil
		}
	}
	if path, err := exec.LookPath("claude"); err == nil {
		return path, nil
	}
	return "", errors.New("cliproto: claude executable not found on PATH or known install locations")
}
