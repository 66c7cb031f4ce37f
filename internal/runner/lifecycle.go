package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/fleetrunner/runnerd/internal/bus"
	"github.com/fleetrunner/runnerd/internal/cliproto"
	"github.com/fleetrunner/runnerd/internal/config"
	"github.com/fleetrunner/runnerd/internal/sanitize"
	"github.com/fleetrunner/runnerd/internal/telemetry"
)

const stderrTailBytes = 2048

// Kill escalation delays: SIGINT immediately, SIGTERM after 500ms,
// SIGKILL after 1500ms. Both later signals tolerate an already-dead
// process.
const (
	escalateToTermDelay = 500 * time.Millisecond
	escalateToKillDelay = 1500 * time.Millisecond
)

// spawnChild starts the backend's child process for req and wires its
// stdout into the bus via runStdoutPipeline. It installs a process-group
// kill on context cancellation (Setpgid + cmd.Cancel), generalized
// across backends.
//
// When req.PermissionMode is PermissionBypass and req.UseChrome is unset,
// some backends behave more reliably attached to a pty (their own TTY
// detection otherwise falls back to a restricted mode); spawnChild honors
// BackendSpecificConfig["pty"]="1" to opt into that via creack/pty.
func spawnChild(ctx context.Context, backend cliproto.Backend, req cliproto.RunRequest, b *bus.Bus, component string) (*entry, error) {
	execPath, err := backend.GetExecutablePath()
	if err != nil {
		return nil, fmt.Errorf("runner: resolve executable: %w", err)
	}
	args := backend.BuildArgs(req)

	childCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(childCtx, execPath, args...)
	cmd.Dir = req.WorkingDir
	cmd.Env = append(os.Environ(), "LANG=en_US.UTF-8", "LC_ALL=en_US.UTF-8")
	if serverURL := config.ServerURL(); serverURL != "" {
		cmd.Env = append(cmd.Env, "TIDE_SERVER="+serverURL)
	}

	if runtime.GOOS != "windows" {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		if runtime.GOOS == "windows" {
			return cmd.Process.Kill()
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	tail := newRingBuffer(stderrTailBytes)

	usePTY := req.BackendSpecificConfig["pty"] == "1"

	var stdin io.WriteCloser
	var stdoutR io.Reader
	var ptyFile *os.File

	if usePTY {
		f, err := pty.Start(cmd)
		if err != nil {
			cancel()
			b.Emit(bus.Payload{Kind: bus.KindProcessSpawnError, SpawnErr: err})
			return nil, fmt.Errorf("runner: pty start: %w", err)
		}
		ptyFile = f
		stdin = f
		stdoutR = f
		cmd.Stderr = tail
	} else {
		stdinPipe, err := cmd.StdinPipe()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("runner: stdin pipe: %w", err)
		}
		stdoutPipe, err := cmd.StdoutPipe()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("runner: stdout pipe: %w", err)
		}
		cmd.Stderr = tail
		stdin = stdinPipe
		stdoutR = stdoutPipe

		if err := cmd.Start(); err != nil {
			cancel()
			b.Emit(bus.Payload{Kind: bus.KindProcessSpawnError, SpawnErr: err})
			return nil, fmt.Errorf("runner: start: %w", err)
		}
	}

	pid := 0
	if cmd.Process != nil {
		pid = cmd.Process.Pid
	}
	telemetry.LogKV(component, "process started", "agent_id", req.AgentID, "pid", pid, "pty", usePTY)
	b.Emit(bus.Payload{Kind: bus.KindProcessSpawned, PID: pid})

	e := &entry{
		agentID:          req.AgentID,
		lastRequest:      req,
		cmd:              cmd,
		stdin:            stdin,
		pid:              pid,
		startTime:        time.Now(),
		lastActivityTime: time.Now(),
		stderrTail:       tail,
		cancel:           cancel,
	}

	go runStdoutPipeline(childCtx, stdoutR, backend, b, component)

	go func() {
		waitErr := cmd.Wait()
		if ptyFile != nil {
			ptyFile.Close()
		}
		exitCode, signal := classifyExit(waitErr)
		b.Emit(bus.Payload{Kind: bus.KindProcessClosed, PID: pid, ExitCode: exitCode, ExitErr: waitErr, Event: signal})
	}()

	// Write the initial prompt frame; a failure here is recorded on the
	// entry rather than failing the spawn.
	if req.Prompt != "" {
		if werr := writeStdinFrame(e, backend, req.Prompt); werr != nil {
			e.lastError = werr
			telemetry.LogKV(component, "initial stdin write failed", "agent_id", req.AgentID, "error", werr)
		}
	}

	return e, nil
}

// classifyExit extracts an exit code and signal name (POSIX) from the
// error returned by cmd.Wait().
func classifyExit(waitErr error) (int, string) {
	if waitErr == nil {
		return 0, ""
	}
	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		return -1, ""
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		if status.Signaled() {
			return -1, status.Signal().String()
		}
		return status.ExitStatus(), ""
	}
	return exitErr.ExitCode(), ""
}

// writeStdinFrame sanitizes and frames msg via the backend, then writes
// it to the child's stdin with a trailing newline delimiter.
func writeStdinFrame(e *entry, backend cliproto.Backend, msg string) error {
	if e.stdin == nil {
		return fmt.Errorf("runner: agent %s has no writable stdin", e.agentID)
	}
	frame := backend.FormatStdinInput(sanitize.Sanitize(msg))
	if !strings.HasSuffix(string(frame), "\n") {
		frame = append(frame, '\n')
	}
	_, err := e.stdin.Write(frame)
	return err
}

// interruptEntry sends SIGINT to the child; returns whether the signal
// was delivered.
func interruptEntry(e *entry) bool {
	if e.cmd == nil || e.cmd.Process == nil {
		return false
	}
	return e.cmd.Process.Signal(syscall.SIGINT) == nil
}

// stopEntry escalates SIGINT -> SIGTERM (after escalateToTermDelay) ->
// SIGKILL (after escalateToKillDelay), tolerating an already-dead
// process at every step. Bounded at 1.5s total.
func stopEntry(e *entry) {
	if e.cmd == nil || e.cmd.Process == nil {
		return
	}
	pid := e.cmd.Process.Pid

	signalGroup(pid, syscall.SIGINT)

	go func() {
		time.Sleep(escalateToTermDelay)
		signalGroup(pid, syscall.SIGTERM)

		time.Sleep(escalateToKillDelay - escalateToTermDelay)
		signalGroup(pid, syscall.SIGKILL)
	}()
}

// signalGroup signals the process group (POSIX) or the process directly
// (Windows), swallowing errors from an already-dead target.
func signalGroup(pid int, sig syscall.Signal) {
	if pid <= 0 {
		return
	}
	if runtime.GOOS == "windows" {
		if proc, err := os.FindProcess(pid); err == nil {
			_ = proc.Kill()
		}
		return
	}
	_ = syscall.Kill(-pid, sig)
	_ = syscall.Kill(pid, sig)
}
