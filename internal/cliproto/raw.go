package cliproto

import "encoding/json"

// rawEvent is the top-level wire structure for a stream-json event emitted
// by the CLI. The CLI emits these top-level types on stdout:
//
//   - "system" (subtypes: "init", "error", ...)
//   - "assistant" — a message with content blocks (text/thinking/tool_use)
//   - "tool_use" (subtypes: "input", "result") — tool invocations and results
//   - "result" — end of turn, usage/cost/resultText
//   - "stream_event" — wraps Anthropic API-level content_block_delta/start/stop,
//     only present with --include-partial-messages
type rawEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	SessionID string `json:"session_id,omitempty"`

	// system/init
	Model string   `json:"model,omitempty"`
	Tools []string `json:"tools,omitempty"`

	// system/error, result (error path)
	Error string `json:"error,omitempty"`

	// assistant / tool_use
	Message *rawMessage `json:"message,omitempty"`

	// result
	TotalCostUSD      float64            `json:"total_cost_usd,omitempty"`
	DurationMS        float64            `json:"duration_ms,omitempty"`
	Usage             *rawUsage          `json:"usage,omitempty"`
	ResultText        string             `json:"result,omitempty"`
	PermissionDenials []rawPermissionDenial `json:"permission_denials,omitempty"`

	// stream_event
	Event *rawStreamEvent `json:"event,omitempty"`
}

type rawMessage struct {
	Role    string          `json:"role,omitempty"`
	Content []rawContentBlock `json:"content,omitempty"`
}

type rawContentBlock struct {
	Type string          `json:"type"`
	Text string          `json:"text,omitempty"`
	Name string          `json:"name,omitempty"`

	// tool_use
	Input json.RawMessage `json:"input,omitempty"`

	// tool_use (sub-agent tracking via Task tool)
	SubagentType string `json:"subagent_type,omitempty"`

	// tool_result (appears in "tool_use"/"result" events)
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// toolResultText extracts a display string from a tool_result content
// block. Content can be a plain JSON string or an array of {type,text}
// blocks.
func (b rawContentBlock) toolResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		var out string
		for _, blk := range blocks {
			out += blk.Text
		}
		return out
	}
	return string(b.Content)
}

type rawUsage struct {
	InputTokens              int `json:"input_tokens,omitempty"`
	OutputTokens             int `json:"output_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

type rawPermissionDenial struct {
	ToolName string `json:"tool_name,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// rawStreamEvent mirrors the Anthropic API-level event nested inside a
// "stream_event" wrapper.
type rawStreamEvent struct {
	Type         string          `json:"type"`
	ContentBlock *rawContentBlock `json:"content_block,omitempty"`
	Delta        *rawDelta       `json:"delta,omitempty"`
}

type rawDelta struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
}
