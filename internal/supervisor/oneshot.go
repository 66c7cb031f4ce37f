package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fleetrunner/runnerd/internal/cliproto"
)

// runOneShotBackend spawns a single non-interactive invocation of
// backend: write one user frame to stdin, close stdin, accumulate text
// content until the process exits or ctx's deadline fires. Shaped after
// the runner package's child-spawn logic, trimmed to the one-shot case
// (no stderr tail, no restart policy, no bus).
func runOneShotBackend(ctx context.Context, backend cliproto.Backend, req cliproto.RunRequest) (string, error) {
	execPath, err := backend.GetExecutablePath()
	if err != nil {
		return "", fmt.Errorf("supervisor: resolve executable: %w", err)
	}

	cmd := exec.CommandContext(ctx, execPath, backend.BuildArgs(req)...)
	cmd.Env = append(os.Environ(), "LANG=en_US.UTF-8", "LC_ALL=en_US.UTF-8")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("supervisor: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("supervisor: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("supervisor: spawn one-shot: %w", err)
	}

	if _, err := stdin.Write(backend.FormatStdinInput(req.Prompt)); err != nil {
		stdin.Close()
		_ = cmd.Process.Kill()
		return "", fmt.Errorf("supervisor: write stdin frame: %w", err)
	}
	stdin.Close()

	var text strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, ok, err := backend.ParseEvent(line)
		if err != nil || !ok {
			continue
		}
		if ev.Kind == cliproto.KindText {
			text.WriteString(ev.Text)
		}
	}

	waitErr := cmd.Wait()
	accumulated := text.String()
	if waitErr != nil && strings.TrimSpace(accumulated) == "" {
		return "", fmt.Errorf("supervisor: one-shot exited without text: %w", waitErr)
	}
	return accumulated, nil
}

// historyPath returns the single supervisor-history.json path under dir.
func historyPath(dir string) string {
	return filepath.Join(dir, "supervisor-history.json")
}

// isNotExistErr reports whether err is (or wraps) a file-not-found error.
func isNotExistErr(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
