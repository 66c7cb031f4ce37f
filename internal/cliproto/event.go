package cliproto

// Kind identifies the variant of a normalized Event.
type Kind string

const (
	KindInit         Kind = "init"
	KindText         Kind = "text"
	KindThinking     Kind = "thinking"
	KindToolStart    Kind = "tool_start"
	KindToolResult   Kind = "tool_result"
	KindStepComplete Kind = "step_complete"
	KindBlockStart   Kind = "block_start"
	KindBlockEnd     Kind = "block_end"
	KindContextStats Kind = "context_stats"
	KindError        Kind = "error"
)

// TokenUsage mirrors the usage block of a step_complete event.
type TokenUsage struct {
	Input          int
	Output         int
	CacheCreation  int
	CacheRead      int
}

// PermissionDenial records one tool-use permission denial surfaced in a
// step_complete event.
type PermissionDenial struct {
	ToolName string
	Reason   string
}

// Event is the normalized event sum type emitted by every backend.
// Exactly one group of fields is populated, gated by Kind — the
// idiomatic Go rendering of a tagged union (one struct, fields gated
// by Kind).
type Event struct {
	Kind Kind

	// init
	SessionID string
	Model     string
	Tools     []string

	// text / thinking
	Text         string
	IsStreaming  bool
	UUID         string

	// tool_start
	ToolName      string
	ToolInput     []byte
	SubagentName  string

	// tool_result
	ToolOutput string

	// step_complete
	DurationMS        float64
	CostUSD           float64
	Tokens            *TokenUsage
	ResultText        string
	PermissionDenials []PermissionDenial

	// block_start
	BlockType string

	// context_stats
	ContextStatsRaw []byte

	// error
	ErrorMessage string
}
