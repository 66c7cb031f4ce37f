package runner

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetrunner/runnerd/internal/cliproto"
)

func TestRecoveryStore_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := newRecoveryStore(dir)

	want := []recoveredEntry{
		{AgentID: "a1", PID: 123, SessionID: "sess-1", LastRequest: cliproto.RunRequest{AgentID: "a1", Prompt: "hi"}, StartTime: time.Now()},
	}
	if err := s.Save(want); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(got) != 1 || got[0].AgentID != "a1" || got[0].SessionID != "sess-1" {
		t.Fatalf("unexpected loaded entries: %+v", got)
	}
}

func TestRecoveryStore_LoadMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	s := newRecoveryStore(dir)

	got, err := s.Load()
	if err != nil {
		t.Fatalf("expected no error for missing snapshot, got %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty slice, got %v", got)
	}
}

func TestRecoveryStore_ClearWritesEmptyListNotDeleted(t *testing.T) {
	dir := t.TempDir()
	s := newRecoveryStore(dir)
	if err := s.Save([]recoveredEntry{{AgentID: "a1"}}); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, recoverySnapshotFile)); err != nil {
		t.Fatalf("expected snapshot file to still exist after Clear: %v", err)
	}
	got, err := s.Load()
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty snapshot after Clear, got %v err=%v", got, err)
	}
}

func TestReconcile_LiveAndDeadEntriesRoutedCorrectly(t *testing.T) {
	livePID := os.Getpid()
	deadCmd := exec.Command("/bin/sh", "-c", "exit 0")
	deadCmd.Run()
	deadPID := deadCmd.Process.Pid

	entries := []recoveredEntry{
		{AgentID: "alive", PID: livePID},
		{AgentID: "dead", PID: deadPID},
	}

	var reattached, resumed []string
	reconcile(entries, "test",
		func(e recoveredEntry) { reattached = append(reattached, e.AgentID) },
		func(e recoveredEntry) { resumed = append(resumed, e.AgentID) },
	)

	if len(reattached) != 1 || reattached[0] != "alive" {
		t.Fatalf("expected 'alive' to be reattached, got %v", reattached)
	}
	if len(resumed) != 1 || resumed[0] != "dead" {
		t.Fatalf("expected 'dead' to be resumed, got %v", resumed)
	}
}
