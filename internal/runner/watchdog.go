package runner

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fleetrunner/runnerd/internal/bus"
	"github.com/fleetrunner/runnerd/internal/telemetry"
)

// Watchdog periodicity and crash-pattern analysis window. A ticker-loop
// watchdog with Start/Stop/stopCh, using signal(0) liveness probing
// instead of heartbeat timestamps.
const (
	watchdogInterval    = 5 * time.Second
	deathRingSize       = 50
	crashWindow         = 60 * time.Second
	crashCountThreshold = 3
	shortRuntimeThreshold = 5 * time.Second
	shortRuntimeCountThreshold = 2
)

// trackedEntry is the minimal view Watchdog needs of a live agent; the
// Runner façade supplies this without exposing its internal entry type.
type trackedEntry struct {
	AgentID   string
	PID       int
	StartTime time.Time
}

// Watchdog verifies tracked children are still alive via a liveness
// signal probe and records+analyzes deaths it detects directly (i.e. not
// reported through a normal process_closed event).
type Watchdog struct {
	bus       *bus.Bus
	component string

	listLive func() []trackedEntry
	onDead   func(agentID string)

	mu     sync.Mutex
	deaths []DeathRecord

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatchdog creates a Watchdog. listLive returns the currently tracked
// agents; onDead is invoked (outside the watchdog's own lock) once per
// detected death, after the death record is appended and the entry is
// expected to have been removed by the caller.
func NewWatchdog(b *bus.Bus, component string, listLive func() []trackedEntry, onDead func(agentID string)) *Watchdog {
	return &Watchdog{
		bus:       b,
		component: component,
		listLive:  listLive,
		onDead:    onDead,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the check loop until ctx is cancelled or Stop is called.
func (w *Watchdog) Start(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// Stop halts the watchdog loop and waits for it to exit.
func (w *Watchdog) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	<-w.doneCh
}

// CheckOnce runs a single watchdog cycle synchronously; used by tests.
func (w *Watchdog) CheckOnce() {
	w.check()
}

func (w *Watchdog) check() {
	for _, te := range w.listLive() {
		if isPIDAlive(te.PID) {
			continue
		}
		w.recordDeath(DeathRecord{
			AgentID:    te.AgentID,
			PID:        te.PID,
			WasTracked: true,
			Runtime:    time.Since(te.StartTime),
			Timestamp:  time.Now(),
		})
		telemetry.LogKV(w.component, "watchdog detected missing process", "agent_id", te.AgentID, "pid", te.PID)
		w.bus.Emit(bus.Payload{Kind: bus.KindWatchdogMissingProcess, LastSeenPID: te.PID})
		if w.onDead != nil {
			w.onDead(te.AgentID)
		}
	}
}

// isPIDAlive probes liveness with signal 0, which delivers no signal but
// still reports ESRCH for a dead process.
func isPIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

// recordDeath appends to the ring of the most recent deathRingSize deaths
// and runs crash-pattern analysis over the last crashWindow.
func (w *Watchdog) recordDeath(d DeathRecord) {
	w.mu.Lock()
	w.deaths = append(w.deaths, d)
	if len(w.deaths) > deathRingSize {
		w.deaths = w.deaths[len(w.deaths)-deathRingSize:]
	}
	recent := make([]DeathRecord, len(w.deaths))
	copy(recent, w.deaths)
	w.mu.Unlock()

	telemetry.LogKV(w.component, "death recorded", "agent_id", d.AgentID, "pid", d.PID, "runtime", d.Runtime)

	for _, flag := range analyzeCrashPattern(recent, d.Timestamp) {
		telemetry.LogKV(w.component, "crash pattern detected", "flag", flag)
	}
}

// DeathHistory returns a snapshot of the recorded deaths, newest last.
func (w *Watchdog) DeathHistory() []DeathRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]DeathRecord, len(w.deaths))
	copy(out, w.deaths)
	return out
}

// RecordExternalDeath lets the Runner façade feed in deaths observed via
// a normal process_closed event (i.e. not detected by the liveness
// probe), so crash-pattern analysis covers both sources.
func (w *Watchdog) RecordExternalDeath(d DeathRecord) {
	w.recordDeath(d)
}

// analyzeCrashPattern flags recurring crash patterns over deaths within
// crashWindow of asOf.
func analyzeCrashPattern(deaths []DeathRecord, asOf time.Time) []string {
	var window []DeathRecord
	for _, d := range deaths {
		if asOf.Sub(d.Timestamp) <= crashWindow {
			window = append(window, d)
		}
	}
	if len(window) < crashCountThreshold {
		return nil
	}

	var flags []string
	flags = append(flags, "repeated deaths in short window")

	allSignalsAgree := true
	firstSignal := window[0].Signal
	for _, d := range window {
		if (d.Signal == nil) != (firstSignal == nil) || (d.Signal != nil && firstSignal != nil && *d.Signal != *firstSignal) {
			allSignalsAgree = false
			break
		}
	}
	if allSignalsAgree && firstSignal != nil {
		flags = append(flags, "possible external kill or resource exhaustion")
	}

	allCodesAgree := true
	var firstCode *int
	if len(window) > 0 {
		firstCode = window[0].ExitCode
	}
	for _, d := range window {
		if (d.ExitCode == nil) != (firstCode == nil) || (d.ExitCode != nil && firstCode != nil && *d.ExitCode != *firstCode) {
			allCodesAgree = false
			break
		}
	}
	if allCodesAgree && firstCode != nil {
		flags = append(flags, decodeExitCode(*firstCode))
	}

	shortRuntimeCount := 0
	for _, d := range window {
		if d.Runtime < shortRuntimeThreshold {
			shortRuntimeCount++
		}
	}
	if shortRuntimeCount >= shortRuntimeCountThreshold {
		flags = append(flags, "likely startup/config error")
	}

	return flags
}

func decodeExitCode(code int) string {
	switch code {
	case 137:
		return "exit code 137: likely OOM kill"
	case 139:
		return "exit code 139: segmentation fault"
	case 1:
		return "exit code 1: generic failure"
	default:
		return "exit codes agree across recent deaths"
	}
}
