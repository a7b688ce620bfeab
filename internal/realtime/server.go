// Package realtime accepts WebSocket connections and bridges them to the
// session registry and message router.
package realtime

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"chatrelay/internal/protocol"
	"chatrelay/internal/router"
	"chatrelay/internal/session"
)

var (
	// ErrClosed is returned by Send after the connection began shutting down.
	ErrClosed = errors.New("connection closed")
	// ErrBufferFull is returned when a client cannot keep up with its
	// outbound queue. The registry treats it as a dead connection.
	ErrBufferFull = errors.New("send buffer full")
)

const sendQueueSize = 256

// Config holds the WebSocket server tunables.
type Config struct {
	// KeepaliveInterval is how often an idle-channel keepalive message is
	// written to each connection.
	KeepaliveInterval time.Duration
	ReadDeadline      time.Duration
	WriteDeadline     time.Duration
	MaxMessageSize    int64
}

func (c *Config) applyDefaults() {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.ReadDeadline <= 0 {
		c.ReadDeadline = 90 * time.Second
	}
	if c.WriteDeadline <= 0 {
		c.WriteDeadline = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
}

// Server upgrades HTTP requests to WebSocket connections and runs their
// read/write pumps.
type Server struct {
	cfg      Config
	registry *session.Registry
	router   *router.Router
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// New creates a realtime server.
func New(cfg Config, registry *session.Registry, rt *router.Router, logger zerolog.Logger) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:      cfg,
		registry: registry,
		router:   rt,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Browser clients connect from arbitrary origins.
			},
		},
		log: logger.With().Str("component", "realtime").Logger(),
	}
}

// Routes registers the server's endpoints on an echo instance.
func (s *Server) Routes(e *echo.Echo) {
	e.GET("/ws", s.handleWebSocket)
	e.GET("/healthz", s.handleHealth)
}

// handleWebSocket upgrades the request and performs the handshake. A client
// may request a prior session via the session_id query parameter to trigger
// buffered-message replay.
func (s *Server) handleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return err
	}

	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	// The send queue must be able to absorb a full buffer replay on top of
	// regular traffic, or a reconnect with a large backlog would overflow it
	// during registration.
	cl := &client{
		conn:      ws,
		send:      make(chan []byte, sendQueueSize+s.registry.BufferCapacity()),
		server:    s,
		sessionID: sessionID,
	}

	go cl.writePump()

	// The connected message precedes any replayed backlog; it confirms the
	// session identifier the client is bound to.
	if err := cl.Send(protocol.NewConnected(sessionID)); err != nil {
		cl.shutdown()
		return nil
	}
	if _, err := s.registry.Register(cl, sessionID); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("registration failed")
		cl.shutdown()
		return nil
	}

	go cl.readPump()
	return nil
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"sessions":    s.registry.Sessions(),
		"connections": s.registry.Connections(),
	})
}
