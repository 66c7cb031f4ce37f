// Package fleetserver is a thin external fan-out layer over
// fleet.Callbacks: it broadcasts normalized events/output/narratives/
// reports to connected websocket observers and, when configured,
// republishes the same envelopes to a NATS subject for other processes
// to consume. Its per-connection broadcast loop is generalized from a
// single-session pattern to cover the whole fleet.
package fleetserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/nats-io/nats.go"

	"github.com/fleetrunner/runnerd/internal/telemetry"
)

// Envelope is the wire shape broadcast to every connected observer and,
// optionally, the NATS subject.
type Envelope struct {
	Type      string `json:"type"`
	AgentID   string `json:"agentId,omitempty"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Server fans Envelopes out to websocket clients and an optional NATS
// connection. The zero value is not usable; construct with New.
type Server struct {
	component string

	mu      sync.Mutex
	clients map[*client]struct{}

	nc      *nats.Conn
	subject string
}

type client struct {
	ws   *websocket.Conn
	send chan Envelope
}

// New constructs a Server. If natsURL is non-empty, Broadcast also
// publishes each envelope to subject on that NATS connection; a dial
// failure is logged and does not prevent websocket fan-out from working.
func New(natsURL, subject string) *Server {
	s := &Server{
		component: "fleetserver",
		clients:   make(map[*client]struct{}),
		subject:   subject,
	}
	if natsURL != "" {
		nc, err := nats.Connect(natsURL, nats.Name("runnerd-fleetserver"))
		if err != nil {
			telemetry.LogKV(s.component, "nats connect failed, websocket-only", "url", natsURL, "error", err)
		} else {
			s.nc = nc
		}
	}
	return s
}

// Broadcast fans env out to every connected websocket client (dropping
// it for any client whose send buffer is full rather than blocking the
// caller) and republishes to NATS when configured.
func (s *Server) Broadcast(env Envelope) {
	env.Timestamp = time.Now().UnixNano()

	s.mu.Lock()
	for c := range s.clients {
		select {
		case c.send <- env:
		default:
			telemetry.LogKV(s.component, "dropped envelope for slow client", "type", env.Type, "agent_id", env.AgentID)
		}
	}
	s.mu.Unlock()

	if s.nc != nil {
		if data, err := json.Marshal(env); err == nil {
			if err := s.nc.Publish(s.subject, data); err != nil {
				telemetry.LogKV(s.component, "nats publish failed", "error", err)
			}
		}
	}
}

// HandleWebSocket upgrades r and streams every subsequent Broadcast call
// to it until the connection closes or ctx is canceled.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	c := &client{ws: ws, send: make(chan Envelope, 256)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			ws.Close(websocket.StatusNormalClosure, "context done")
			return
		case env, ok := <-c.send:
			if !ok {
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err = ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// Close drains and closes every connected client and the NATS connection.
func (s *Server) Close() {
	s.mu.Lock()
	for c := range s.clients {
		close(c.send)
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	if s.nc != nil {
		s.nc.Close()
	}
}
