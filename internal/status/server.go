// Package status serves the agent's local status endpoints.
//
// Routes:
//   - /health: loop phase and counts
//   - /state: upload records (?failed=1 for failing paths only)
//   - /metrics: Prometheus metrics, when a handler is configured
//   - /ws: a WebSocket stream of upload, heartbeat and sweep outcomes
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/cefsiem/cef-agent/internal/agent"
	"github.com/cefsiem/cef-agent/internal/state"
)

// MessageType identifies a stream message.
type MessageType string

const (
	MessageTypeHello         MessageType = "hello"
	MessageTypeUploadResult  MessageType = "upload_result"
	MessageTypeHeartbeat     MessageType = "heartbeat"
	MessageTypeSweepComplete MessageType = "sweep_complete"
)

// Message is one stream frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Agent is the view of the running loop the server reports on. *agent.Loop satisfies it.
type Agent interface {
	State() agent.State
	CurrentPath() string
	Store() *state.Store
}

// Health is the /health response body.
type Health struct {
	Status      string `json:"status"`
	Phase       string `json:"phase"`
	CurrentPath string `json:"current_path,omitempty"`
	Tracked     int    `json:"tracked"`
	Failed      int    `json:"failed"`
	Clients     int    `json:"clients"`
}

// DefaultAddr keeps the status server on loopback.
const DefaultAddr = "127.0.0.1:9464"

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: DefaultAddr). Port 0 picks a free port.
	Addr string

	// Metrics is mounted on /metrics when set.
	Metrics http.Handler

	// Logger for server activity (default: stderr with "[status] " prefix).
	Logger *log.Logger
}

// Server exposes agent status over HTTP.
type Server struct {
	config   Config
	listener net.Listener
	http     *http.Server
	hub      *hub
	agent    atomic.Pointer[Agent]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a Server. A nil config uses the defaults.
func NewServer(config *Config) *Server {
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[status] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config: cfg,
		hub:    newHub(cfg.Logger),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Attach sets the loop reported by /health and /state. Until then the
// server reports phase "starting" and no records.
func (s *Server) Attach(a Agent) {
	s.agent.Store(&a)
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.serveHealth)
	mux.HandleFunc("GET /state", s.serveState)
	mux.HandleFunc("GET /ws", s.serveStream)
	if s.config.Metrics != nil {
		mux.Handle("GET /metrics", s.config.Metrics)
	}

	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.config.Logger.Printf("Status server listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.config.Logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop closes stream clients and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.cancel()
	s.hub.closeAll("agent shutting down")

	if s.http == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}

	s.wg.Wait()
	s.config.Logger.Println("Status server stopped")
	return nil
}

// Broadcast sends msg to every stream client. Never blocks the caller.
func (s *Server) Broadcast(msg Message) {
	if s.ctx.Err() != nil {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		s.config.Logger.Printf("Failed to encode %s message: %v", msg.Type, err)
		return
	}
	s.hub.publish(data)
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"127.0.0.1:*", "localhost:*"},
	})
	if err != nil {
		s.config.Logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	sub := s.hub.add(conn)

	hello, _ := json.Marshal(Message{
		Type:      MessageTypeHello,
		Timestamp: time.Now(),
		Data:      encode(s.health()),
	})
	sub.queue <- hello

	// Clients never send; CloseRead ends ctx when the peer goes away.
	ctx := conn.CloseRead(s.ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := sub.pump(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.config.Logger.Printf("Stream write failed: %v", err)
		}
		s.hub.remove(sub, websocket.StatusNormalClosure, "")
	}()
}

func (s *Server) health() Health {
	h := Health{Status: "ok", Phase: "starting", Clients: s.hub.count()}

	if ap := s.agent.Load(); ap != nil {
		a := *ap
		h.Phase = a.State().String()
		h.CurrentPath = a.CurrentPath()
		h.Tracked = a.Store().Len()
		h.Failed = len(a.Store().SnapshotFailed())
	}
	return h
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.health())
}

func (s *Server) serveState(w http.ResponseWriter, r *http.Request) {
	records := []state.Record{}

	if ap := s.agent.Load(); ap != nil {
		failedOnly := r.URL.Query().Get("failed") != ""
		for _, rec := range (*ap).Store().Snapshot() {
			if failedOnly && !rec.UploadFailed {
				continue
			}
			records = append(records, rec)
		}
	}
	writeJSON(w, records)
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// ClientCount returns the number of connected stream clients.
func (s *Server) ClientCount() int {
	return s.hub.count()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func encode(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
