// Package realtime runs the WebSocket server: one read loop and one write
// loop per connection, joined through the session's send queue.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-chat-service/internal/bus"
	"github.com/tinywideclouds/go-chat-service/internal/degrade"
	"github.com/tinywideclouds/go-chat-service/internal/registry"
	"github.com/tinywideclouds/go-chat-service/internal/rooms"
	"github.com/tinywideclouds/go-chat-service/pkg/chat"
)

// Config holds the transport tunables.
type Config struct {
	Port              string
	HeartbeatInterval time.Duration // client ping cadence, default 30s
	QueueSize         int           // per-session send queue, default 256
	WriteTimeout      time.Duration // default 10s
}

func (c *Config) defaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Server accepts chat connections at /ws/{roomId}/{userId}.
type Server struct {
	server   *http.Server
	upgrader websocket.Upgrader

	cfg      Config
	registry *registry.Registry
	rooms    *rooms.Index
	bus      *bus.Bus
	degrade  *degrade.Controller

	logger zerolog.Logger
}

// New wires the WebSocket server. It does not listen until Start.
func New(cfg Config, reg *registry.Registry, ix *rooms.Index, b *bus.Bus, deg *degrade.Controller, logger zerolog.Logger) *Server {
	cfg.defaults()
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// TODO: restrict origins once the web front-end's domain is fixed
				return true
			},
		},
		cfg:      cfg,
		registry: reg,
		rooms:    ix,
		bus:      b,
		degrade:  deg,
		logger:   logger.With().Str("component", "RealtimeServer").Logger(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{roomId}/{userId}", s.serveWS)
	s.server = &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}
	return s
}

// Handler exposes the mux for in-process test servers.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start runs the HTTP server for WebSocket connections.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("WebSocket server starting...")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down WebSocket service...")
	return s.server.Shutdown(ctx)
}

// serveWS upgrades the request and manages the connection's lifecycle:
// admission, registration, room join, then the read loop. Unregistration
// cascades into room leave and lock cleanup via the registry hook.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	userID := r.PathValue("userId")
	if roomID == "" || userID == "" {
		http.Error(w, "room and user required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("error closing connection")
		}
	}()

	sess := registry.NewSession("conn-"+uuid.NewString(), userID, s.cfg.QueueSize, s.degrade.NewPublishLimiter())
	if err := s.registry.Register(sess); err != nil {
		if errors.Is(err, chat.ErrCapacityExceeded) {
			// Refused with an explicit reason, not a silent drop.
			s.closeWith(conn, websocket.CloseTryAgainLater, "server over capacity, retry later")
			s.logger.Warn().Str("user", userID).Msg("connection refused by admission policy")
			return
		}
		s.logger.Error().Err(err).Str("user", userID).Msg("registration failed")
		return
	}
	defer s.registry.Unregister(sess.ID)

	s.rooms.Join(sess.ID, userID, roomID)
	sess.SetRoom(roomID)
	s.logger.Info().Str("user", userID).Str("room", roomID).Msg("User connected via WebSocket.")

	go s.writeLoop(conn, sess)

	s.bus.Publish(r.Context(), roomID, &chat.Frame{
		Type:    chat.FrameSystem,
		Content: fmt.Sprintf("user %s joined the room", userID),
		UserID:  "system",
	})

	s.readLoop(r.Context(), conn, sess, roomID)

	s.bus.Publish(context.Background(), roomID, &chat.Frame{
		Type:    chat.FrameSystem,
		Content: fmt.Sprintf("user %s left the room", userID),
		UserID:  "system",
	})
}

func (s *Server) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
