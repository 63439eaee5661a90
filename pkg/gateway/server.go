package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/kindling-ai/kindling/internal/metrics"
	"github.com/kindling-ai/kindling/pkg/gate"
	"github.com/kindling-ai/kindling/pkg/service"
)

// Server exposes the service over a WebSocket JSON-RPC surface. Clients
// authenticate with a gate credential on their first frame, or implicitly
// as the local OS user when the listener runs in trusted-local mode.
type Server struct {
	addr         string
	trustedLocal bool
	gate         *gate.Gate
	service      *service.Service
	metrics      *metrics.Metrics
	logger       zerolog.Logger

	upgrader websocket.Upgrader
	server   *http.Server

	mu       sync.Mutex
	clients  map[string]*client
	shutdown bool
}

// client is one connected WebSocket peer
type client struct {
	id       string
	conn     *websocket.Conn
	identity *gate.Identity

	writeMu sync.Mutex
	seq     int64
}

// Config holds server configuration
type Config struct {
	ListenAddr string
	// TrustedLocal authenticates connections as the local OS user without
	// a credential. Only safe on loopback listeners.
	TrustedLocal bool
	Gate         *gate.Gate
	Service      *service.Service
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
}

// New creates a gateway server
func New(cfg Config) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if cfg.Gate == nil {
		return nil, fmt.Errorf("gate is required")
	}
	if cfg.Service == nil {
		return nil, fmt.Errorf("service is required")
	}

	return &Server{
		addr:         cfg.ListenAddr,
		trustedLocal: cfg.TrustedLocal,
		gate:         cfg.Gate,
		service:      cfg.Service,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}, nil
}

// Start begins serving. Blocks until the listener fails or Stop is called.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleConnection)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", s.addr).Bool("trusted_local", s.trustedLocal).Msg("Gateway listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway server failed: %w", err)
	}
	return nil
}

// Stop shuts the server down, closing all client connections
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	id, err := gonanoid.New()
	if err != nil {
		conn.Close()
		return
	}
	c := &client{id: id, conn: conn}

	if s.trustedLocal {
		identity, err := s.gate.AuthenticateLocal(r.Context())
		if err != nil {
			s.logger.Error().Err(err).Msg("Local identity resolution failed")
			conn.Close()
			return
		}
		c.identity = &identity
	}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.logger.Debug().Str("client_id", c.id).Str("remote", r.RemoteAddr).Msg("Client connected")
	go s.readLoop(c)
}

func (s *Server) readLoop(c *client) {
	defer func() {
		c.conn.Close()
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		s.logger.Debug().Str("client_id", c.id).Msg("Client disconnected")
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var req RPCRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.respondError(&RPCRequest{}, ParseError, "invalid JSON")
			continue
		}
		if req.Method == "" {
			c.respondError(&req, InvalidRequest, "method is required")
			continue
		}

		s.dispatch(c, &req)
	}
}

func (c *client) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *client) respond(req *RPCRequest, result interface{}) {
	c.writeJSON(RPCResponse{ID: req.ID, Result: result, JSONRPC: "2.0"})
}

func (c *client) respondError(req *RPCRequest, code int, message string) {
	c.writeJSON(RPCResponse{
		ID:      req.ID,
		Error:   &RPCError{Code: code, Message: message},
		JSONRPC: "2.0",
	})
}

// pushEvent delivers one server-initiated event with a per-client sequence
// number
func (c *client) pushEvent(event, sessionID string, data interface{}) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.seq++
	c.conn.WriteJSON(EventMessage{
		Event:     event,
		Seq:       c.seq,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}
