package runner

import (
	"testing"
	"time"
)

func TestDecideRestart_DisabledOrNoLastRequest(t *testing.T) {
	d := decideRestart(false, true, 10*time.Second, 1, "", 0, time.Time{}, time.Now())
	if d.shouldRestart || d.terminalErr != "" {
		t.Fatalf("expected no-op when auto-restart disabled, got %+v", d)
	}
	d = decideRestart(true, false, 10*time.Second, 1, "", 0, time.Time{}, time.Now())
	if d.shouldRestart || d.terminalErr != "" {
		t.Fatalf("expected no-op with no last request, got %+v", d)
	}
}

func TestDecideRestart_BelowMinRuntimeIsTerminal(t *testing.T) {
	d := decideRestart(true, true, 2*time.Second, 1, "", 0, time.Time{}, time.Now())
	if d.shouldRestart || d.terminalErr == "" {
		t.Fatalf("expected terminal config-error for short runtime, got %+v", d)
	}
}

func TestDecideRestart_CleanExitNoRestart(t *testing.T) {
	d := decideRestart(true, true, 10*time.Second, 0, "", 0, time.Time{}, time.Now())
	if d.shouldRestart {
		t.Fatalf("expected no restart on clean exit, got %+v", d)
	}
}

func TestDecideRestart_ExplicitStopSignalNoRestart(t *testing.T) {
	d := decideRestart(true, true, 10*time.Second, -1, "interrupt", 0, time.Time{}, time.Now())
	if d.shouldRestart {
		t.Fatalf("expected no restart after SIGINT, got %+v", d)
	}
	d = decideRestart(true, true, 10*time.Second, -1, "terminated", 0, time.Time{}, time.Now())
	if d.shouldRestart {
		t.Fatalf("expected no restart after SIGTERM, got %+v", d)
	}
}

func TestDecideRestart_CrashWithinCooldownKeepsCount(t *testing.T) {
	now := time.Now()
	d := decideRestart(true, true, 10*time.Second, 1, "", 2, now.Add(-10*time.Second), now)
	if !d.shouldRestart || d.effectiveCount != 2 {
		t.Fatalf("expected restart with effective count 2, got %+v", d)
	}
}

func TestDecideRestart_CooldownExpiredResetsCount(t *testing.T) {
	now := time.Now()
	d := decideRestart(true, true, 10*time.Second, 1, "", 3, now.Add(-2*time.Minute), now)
	if !d.shouldRestart || d.effectiveCount != 0 {
		t.Fatalf("expected reset effective count after cooldown, got %+v", d)
	}
}

func TestDecideRestart_MaxAttemptsExceededIsTerminal(t *testing.T) {
	now := time.Now()
	d := decideRestart(true, true, 10*time.Second, 1, "", 3, now.Add(-1*time.Second), now)
	if d.shouldRestart || d.terminalErr == "" {
		t.Fatalf("expected terminal error at max attempts, got %+v", d)
	}
}
