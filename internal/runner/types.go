package runner

import (
	"io"
	"os/exec"
	"time"

	"github.com/fleetrunner/runnerd/internal/cliproto"
)

// entry is the in-memory runtime record for one tracked agent, keyed by
// agentID. Mirrors the "Agent runtime entry" of the data model: at most
// one entry exists per agent id, and it is removed before any completion
// callback fires.
type entry struct {
	agentID string

	sessionID   string
	lastRequest cliproto.RunRequest

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	pid    int

	startTime        time.Time
	lastActivityTime time.Time

	restartCount   int
	lastRestartTime time.Time

	lastError error

	stderrTail *ringBuffer

	// textEmittedInTurn is set when a text event is forwarded to the
	// output stream and cleared unconditionally at the next step_complete;
	// it gates the resultText fallback (§4.3: only emitted if no text was
	// emitted this turn).
	textEmittedInTurn bool

	// activeSubagent is the name of the currently running Task subagent,
	// set on tool_start{toolName:"Task"} and cleared on the matching
	// tool_result. It colors every output line emitted while it's set.
	activeSubagent string

	// lastToolName remembers the tool named by the most recent tool_start
	// so the matching tool_result can be classified (e.g. Bash output,
	// Task completion) without the backend re-stating the tool name.
	lastToolName string

	cancel func() // cancels this child's context: stops the pipeline and kills its process group
}

// DeathRecord is one entry in the watchdog's ring of recent deaths.
type DeathRecord struct {
	AgentID    string
	PID        int
	ExitCode   *int
	Signal     *string
	Runtime    time.Duration
	WasTracked bool
	Timestamp  time.Time
	StderrTail string
}

// ProcessState is a snapshot of one live agent for diagnostics/status
// reporting.
type ProcessState struct {
	AgentID          string
	PID              int
	SessionID        string
	StartTime        time.Time
	LastActivityTime time.Time
	RestartCount     int
}

// RunnerCallbacks is the sole outbound surface of the runner, fanned out
// to external collaborators (websocket handlers, the supervisor, etc).
type RunnerCallbacks struct {
	OnEvent     func(agentID string, ev cliproto.Event)
	OnOutput    func(agentID, text string, isStreaming bool, subagentName, uuid string)
	OnSessionID func(agentID, sessionID string)
	OnComplete  func(agentID string, success bool)
	OnError     func(agentID, msg string)
}

func (c RunnerCallbacks) fireEvent(agentID string, ev cliproto.Event) {
	if c.OnEvent != nil {
		c.OnEvent(agentID, ev)
	}
}

func (c RunnerCallbacks) fireOutput(agentID, text string, isStreaming bool, subagentName, uuid string) {
	if c.OnOutput != nil {
		c.OnOutput(agentID, text, isStreaming, subagentName, uuid)
	}
}

func (c RunnerCallbacks) fireSessionID(agentID, sessionID string) {
	if c.OnSessionID != nil {
		c.OnSessionID(agentID, sessionID)
	}
}

func (c RunnerCallbacks) fireComplete(agentID string, success bool) {
	if c.OnComplete != nil {
		c.OnComplete(agentID, success)
	}
}

func (c RunnerCallbacks) fireError(agentID, msg string) {
	if c.OnError != nil {
		c.OnError(agentID, msg)
	}
}

// ringBuffer keeps the last maxBytes of appended data; used for the
// per-agent stderr tail (bounded at 2048 bytes).
type ringBuffer struct {
	buf      []byte
	maxBytes int
}

func newRingBuffer(maxBytes int) *ringBuffer {
	return &ringBuffer{maxBytes: maxBytes}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.buf = append(r.buf, p...)
	if len(r.buf) > r.maxBytes {
		r.buf = r.buf[len(r.buf)-r.maxBytes:]
	}
	return len(p), nil
}

func (r *ringBuffer) String() string {
	return string(r.buf)
}
