package cliproto

import "sync"

// PermissionMode selects how the child CLI handles tool-use approval.
type PermissionMode string

const (
	PermissionBypass      PermissionMode = "bypass"
	PermissionInteractive PermissionMode = "interactive"
)

// RunRequest carries everything a Backend needs to build argv and the
// initial stdin frame for one agent invocation.
type RunRequest struct {
	AgentID               string
	Prompt                string
	WorkingDir            string
	SessionID             string
	Model                 string
	PermissionMode        PermissionMode
	UseChrome             bool
	SystemPrompt          string
	ForceNewSession       bool
	CustomAgent           string
	BackendSpecificConfig map[string]string
	// ToolsDisabled requests --tools "" for direct-reply queries that
	// should never invoke tools (used by the supervisor's one-shot calls).
	ToolsDisabled bool
	// NoSessionPersistence appends --no-session-persistence (supervisor only).
	NoSessionPersistence bool
}

// Backend is the small capability set every CLI family implements: argv
// construction, stdin framing, event normalization, session id extraction,
// and executable discovery. Modeled as an interface with one implementation
// today (ClaudeBackend); the supervisor reuses the same Backend for its
// one-shot analysis calls.
type Backend interface {
	Name() string
	BuildArgs(req RunRequest) []string
	FormatStdinInput(prompt string) []byte
	ParseEvent(raw []byte) (Event, bool, error)
	ExtractSessionID(raw []byte) string
	GetExecutablePath() (string, error)
	RequiresStdinInput() bool
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Backend{}
)

// Register adds or replaces a backend in the global registry.
func Register(b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[b.Name()] = b
}

// Get looks up a backend by name.
func Get(name string) (Backend, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	b, ok := registry[name]
	return b, ok
}

func init() {
	Register(NewClaudeBackend())
}
