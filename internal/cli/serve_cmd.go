package cli

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/fleetrunner/runnerd/internal/cliproto"
	"github.com/fleetrunner/runnerd/internal/config"
	"github.com/fleetrunner/runnerd/internal/fleet"
	"github.com/fleetrunner/runnerd/internal/fleetserver"
	"github.com/fleetrunner/runnerd/internal/narrative"
	"github.com/fleetrunner/runnerd/internal/supervisor"
	"github.com/fleetrunner/runnerd/internal/telemetry"
)

var serveCmdFlags struct {
	addr       string
	backend    string
	natsURL    string
	natsSubj   string
	narrCap    int
	killOnExit bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the fleet over HTTP/websocket and run the supervisor loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, ok := cliproto.Get(serveCmdFlags.backend)
		if !ok {
			return fmt.Errorf("unknown backend %q", serveCmdFlags.backend)
		}

		dataDir, err := config.DataDir()
		if err != nil {
			return err
		}
		overridePath, err := config.DefaultOverridePath()
		if err != nil {
			return err
		}
		cfg, err := config.Load(overridePath)
		if err != nil {
			return err
		}

		fs := fleetserver.New(serveCmdFlags.natsURL, serveCmdFlags.natsSubj)
		defer fs.Close()

		narrCap := serveCmdFlags.narrCap
		if narrCap <= 0 {
			narrCap = cfg.NarrativeCap
		}

		f := fleet.New(backend, dataDir, narrCap, cfg.SupervisorPromptTemplate, fleet.Callbacks{
			OnEvent: func(agentID string, ev cliproto.Event) {
				fs.Broadcast(fleetserver.Envelope{Type: "event", AgentID: agentID, Data: ev})
			},
			OnOutput: func(agentID, text string, isStreaming bool, subagentName, uuid string) {
				fs.Broadcast(fleetserver.Envelope{Type: "output", AgentID: agentID, Data: text})
			},
			OnSessionID: func(agentID, sessionID string) {
				fs.Broadcast(fleetserver.Envelope{Type: "session_id", AgentID: agentID, Data: sessionID})
			},
			OnComplete: func(agentID string, success bool) {
				fs.Broadcast(fleetserver.Envelope{Type: "complete", AgentID: agentID, Data: success})
			},
			OnError: func(agentID, msg string) {
				fs.Broadcast(fleetserver.Envelope{Type: "error", AgentID: agentID, Data: msg})
			},
			OnNarrative: func(n narrative.Entry) {
				fs.Broadcast(fleetserver.Envelope{Type: "narrative", AgentID: n.AgentID, Data: n})
			},
			OnReport: func(r supervisor.Report) {
				fs.Broadcast(fleetserver.Envelope{Type: "report", Data: r})
			},
		})
		defer f.Shutdown()

		stopWatch := watchConfigReload(overridePath, f)
		defer stopWatch()

		mux := http.NewServeMux()
		mux.HandleFunc("/ws", fs.HandleWebSocket)
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		srv := &http.Server{Addr: serveCmdFlags.addr, Handler: mux}
		serveErr := make(chan error, 1)
		go func() { serveErr <- srv.ListenAndServe() }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-serveErr:
			if err != nil && err != http.ErrServerClosed {
				return err
			}
		case <-sigCh:
			telemetry.LogKV("cli", "shutdown signal received, persisting fleet state")
			f.Runner.StopAll(serveCmdFlags.killOnExit)
			_ = srv.Close()
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveCmdFlags.addr, "addr", ":8080", "HTTP listen address")
	serveCmd.Flags().StringVar(&serveCmdFlags.backend, "backend", "claude", "CLI backend name")
	serveCmd.Flags().StringVar(&serveCmdFlags.natsURL, "nats-url", "", "optional NATS URL to republish envelopes to")
	serveCmd.Flags().StringVar(&serveCmdFlags.natsSubj, "nats-subject", "runnerd.fleet", "NATS subject for republished envelopes")
	serveCmd.Flags().IntVar(&serveCmdFlags.narrCap, "narrative-cap", 0, "per-agent narrative cap (0 = config file narrative_cap, else default)")
	serveCmd.Flags().BoolVar(&serveCmdFlags.killOnExit, "kill-on-exit", false, "kill children on shutdown instead of persisting them for recovery")

	rootCmd.AddCommand(serveCmd)
}

// watchConfigReload watches overridePath for changes and hot-reloads the
// supervisor's analysis prompt template. A missing or unwatchable file is
// not fatal; the watcher simply never fires.
func watchConfigReload(overridePath string, f *fleet.Fleet) func() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		telemetry.LogKV("cli", "config watcher unavailable", "error", err)
		return func() {}
	}
	if err := watcher.Add(filepath.Dir(overridePath)); err != nil {
		telemetry.LogKV("cli", "config watcher add failed", "path", overridePath, "error", err)
		watcher.Close()
		return func() {}
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != overridePath || (ev.Op&(fsnotify.Write|fsnotify.Create)) == 0 {
					continue
				}
				cfg, err := config.Load(overridePath)
				if err != nil {
					telemetry.LogKV("cli", "config reload failed", "error", err)
					continue
				}
				f.Supervisor.SetTemplate(cfg.SupervisorPromptTemplate)
				telemetry.LogKV("cli", "supervisor prompt template reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				telemetry.LogKV("cli", "config watcher error", "error", err)
			}
		}
	}()

	return func() { watcher.Close() }
}
