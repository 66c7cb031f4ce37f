package runner

import (
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fleetrunner/runnerd/internal/atomicfile"
	"github.com/fleetrunner/runnerd/internal/cliproto"
	"github.com/fleetrunner/runnerd/internal/telemetry"
)

const recoverySnapshotFile = "recovery.json"
const recoveryPersistInterval = 10 * time.Second

// recoveredEntry is one persisted live agent in the recovery snapshot.
type recoveredEntry struct {
	AgentID     string              `json:"agent_id"`
	PID         int                 `json:"pid"`
	SessionID   string              `json:"session_id,omitempty"`
	LastRequest cliproto.RunRequest `json:"last_request"`
	StartTime   time.Time           `json:"start_time"`
}

// recoveryStore persists the set of live agents to a single JSON file so
// the Runner can reattach or resume them across server restarts.
type recoveryStore struct {
	path string
}

func newRecoveryStore(dataDir string) *recoveryStore {
	return &recoveryStore{path: filepath.Join(dataDir, recoverySnapshotFile)}
}

// Save atomically writes the given live entries.
func (s *recoveryStore) Save(entries []recoveredEntry) error {
	return atomicfile.WriteJSON(s.path, entries)
}

// Clear removes the snapshot content (writes an empty list) rather than
// deleting the file, so a concurrent Load never observes ENOENT.
func (s *recoveryStore) Clear() error {
	return s.Save([]recoveredEntry{})
}

// Load reads the snapshot; a missing file is treated as "no prior
// session" and returns an empty slice, not an error.
func (s *recoveryStore) Load() ([]recoveredEntry, error) {
	var entries []recoveredEntry
	if err := atomicfile.ReadJSON(s.path, &entries); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return entries, nil
}

// RecoveredAgent is the read-only view of one persisted recovery-snapshot
// entry, exposed for "recover --dry-run" diagnostics without constructing
// a live Runner.
type RecoveredAgent struct {
	AgentID   string
	PID       int
	SessionID string
	StartTime time.Time
	Alive     bool
}

// PeekRecoverySnapshot loads the recovery snapshot under dataDir and
// reports, for each entry, whether its pid is still alive — without
// reattaching or resuming anything. Used by "runnerd recover --dry-run".
func PeekRecoverySnapshot(dataDir string) ([]RecoveredAgent, error) {
	store := newRecoveryStore(dataDir)
	entries, err := store.Load()
	if err != nil {
		return nil, err
	}
	out := make([]RecoveredAgent, 0, len(entries))
	for _, e := range entries {
		out = append(out, RecoveredAgent{
			AgentID:   e.AgentID,
			PID:       e.PID,
			SessionID: e.SessionID,
			StartTime: e.StartTime,
			Alive:     e.PID > 0 && unix.Kill(e.PID, 0) == nil,
		})
	}
	return out, nil
}

// reconcile classifies each persisted entry as alive (still running,
// reattach without spawning) or dead (invoke resume via relaunch).
// component is used purely for log attribution.
func reconcile(entries []recoveredEntry, component string, reattach func(recoveredEntry), resume func(recoveredEntry)) {
	for _, e := range entries {
		if e.PID > 0 && unix.Kill(e.PID, 0) == nil {
			telemetry.LogKV(component, "reattaching to live process on boot", "agent_id", e.AgentID, "pid", e.PID)
			reattach(e)
			continue
		}
		telemetry.LogKV(component, "resuming crashed process on boot", "agent_id", e.AgentID, "pid", e.PID)
		resume(e)
	}
}
