// Package control exposes the tool pipeline over a WebSocket endpoint.
// Clients push model or user text in; executed result batches come back on
// the same session. A /metrics endpoint serves the process counters.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tabpilot/internal/domain"
	"tabpilot/internal/metrics"
)

// Config configures the control server.
type Config struct {
	Port   int
	Path   string // WebSocket endpoint path (default: /ws)
	Logger *slog.Logger
}

// Server is the WebSocket control channel.
type Server struct {
	port   int
	path   string
	bus    domain.TextBus
	logger *slog.Logger
	server *http.Server

	mu      sync.RWMutex
	clients map[string]*client
}

// client tracks one connected WebSocket session.
type client struct {
	conn      *websocket.Conn
	sessionID string
	mu        sync.Mutex
}

// Frame is the JSON protocol on the wire.
type Frame struct {
	Type      string              `json:"type"` // "text" | "results" | "status"
	Source    string              `json:"source,omitempty"`
	Content   string              `json:"content,omitempty"`
	SessionID string              `json:"session_id,omitempty"`
	Results   []domain.ToolResult `json:"results,omitempty"`
	Errors    string              `json:"errors,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins (configure CORS for production)
	},
}

func NewServer(cfg Config) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Port == 0 {
		cfg.Port = 8081
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		port:    cfg.Port,
		path:    cfg.Path,
		logger:  cfg.Logger,
		clients: make(map[string]*client),
	}
}

func (s *Server) Name() string { return "websocket" }

// Start serves until ctx is canceled. Outbound batches from the bus are
// delivered to every client on the batch's session.
func (s *Server) Start(ctx context.Context, bus domain.TextBus) error {
	s.bus = bus

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleUpgrade)
	mux.HandleFunc("/metrics", metrics.Collector.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	bus.OnOutbound("websocket", func(batch domain.OutboundBatch) {
		s.deliver(batch.SessionID, Frame{
			Type:      "results",
			SessionID: batch.SessionID,
			Results:   batch.Results,
			Errors:    batch.ErrorSummary,
		})
	})

	s.logger.Info("control server starting", "port", s.port, "path", s.path)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.closeAllClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = "ws-" + uuid.NewString()
	}

	c := &client{conn: conn, sessionID: sessionID}
	clientID := sessionID + "-" + uuid.NewString()

	s.mu.Lock()
	s.clients[clientID] = c
	s.mu.Unlock()
	metrics.ActiveControlConns.Inc()

	s.logger.Info("control client connected", "client_id", clientID, "session", sessionID)
	c.send(Frame{Type: "status", Content: "connected", SessionID: sessionID})

	defer func() {
		s.mu.Lock()
		delete(s.clients, clientID)
		s.mu.Unlock()
		metrics.ActiveControlConns.Dec()
		conn.Close()
		s.logger.Info("control client disconnected", "client_id", clientID)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Error("websocket read error", "err", err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			s.logger.Warn("invalid control frame", "err", err)
			continue
		}

		if frame.Type != "text" || frame.Content == "" {
			continue
		}
		source := frame.Source
		if source != "model" {
			source = "user"
		}
		s.bus.Publish(domain.InboundText{
			Channel:   "websocket",
			SessionID: sessionID,
			Source:    source,
			Content:   frame.Content,
			Timestamp: time.Now(),
		})
	}
}

// deliver writes a frame to every client on the session; an empty session
// broadcasts.
func (s *Server) deliver(sessionID string, frame Frame) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	for _, c := range s.clients {
		if c.sessionID == sessionID || sessionID == "" {
			c.mu.Lock()
			err := c.conn.WriteMessage(websocket.TextMessage, data)
			c.mu.Unlock()
			if err != nil {
				s.logger.Debug("control write failed", "err", err)
			}
		}
	}
}

func (c *client) send(frame Frame) {
	data, _ := json.Marshal(frame)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) closeAllClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.clients {
		c.conn.Close()
		delete(s.clients, id)
	}
}
