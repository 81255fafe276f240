// Package api exposes the operator-facing read-only surface: health,
// room listing and room membership introspection.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-chat-service/internal/bus"
	"github.com/tinywideclouds/go-chat-service/internal/degrade"
	"github.com/tinywideclouds/go-chat-service/internal/failover"
	"github.com/tinywideclouds/go-chat-service/internal/registry"
	"github.com/tinywideclouds/go-chat-service/internal/rooms"
	"github.com/tinywideclouds/go-chat-service/pkg/chat"
)

// API holds the dependencies for the stateless HTTP handlers.
type API struct {
	registry *registry.Registry
	rooms    *rooms.Index
	bus      *bus.Bus
	degrade  *degrade.Controller
	failover *failover.Coordinator
	logger   zerolog.Logger
}

// NewAPI creates the handler set.
func NewAPI(reg *registry.Registry, ix *rooms.Index, b *bus.Bus, deg *degrade.Controller, fo *failover.Coordinator, logger zerolog.Logger) *API {
	return &API{
		registry: reg,
		rooms:    ix,
		bus:      b,
		degrade:  deg,
		failover: fo,
		logger:   logger.With().Str("component", "API").Logger(),
	}
}

// Register mounts the routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /api/rooms", a.handleRooms)
	mux.HandleFunc("GET /api/rooms/{roomId}/users", a.handleRoomUsers)
}

type healthResponse struct {
	Status           string `json:"status"`
	DegradationLevel string `json:"degradation_level"`
	Mode             string `json:"mode"`
	Connections      int    `json:"connections"`
	MaxConnections   int    `json:"max_connections"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	level := a.degrade.Level()
	resp := healthResponse{
		DegradationLevel: level.String(),
		Mode:             a.failover.Mode().String(),
		Connections:      a.registry.Len(),
		MaxConnections:   a.degrade.MaxConnections(),
	}
	code := http.StatusOK
	switch level {
	case chat.LevelNormal:
		resp.Status = "healthy"
	case chat.LevelHeavy:
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	default:
		resp.Status = "degraded"
	}
	a.writeJSON(w, code, resp)
}

type roomsResponse struct {
	Rooms []string `json:"rooms"`
	Mode  string   `json:"mode"`
}

func (a *API) handleRooms(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, roomsResponse{
		Rooms: a.bus.ClusterRooms(r.Context()),
		Mode:  a.failover.Mode().String(),
	})
}

type roomUsersResponse struct {
	RoomID string `json:"room_id"`
	// LocalUsers is authoritative for this node; RemoteCount is the
	// advisory, eventually consistent view of the rest of the cluster.
	LocalUsers  []string `json:"local_users"`
	RemoteCount int      `json:"remote_count"`
	Total       int      `json:"total"`
}

func (a *API) handleRoomUsers(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	users := a.rooms.ListLocalUsers(roomID)
	local, remote := a.rooms.UserCount(roomID)
	a.writeJSON(w, http.StatusOK, roomUsersResponse{
		RoomID:      roomID,
		LocalUsers:  users,
		RemoteCount: remote,
		Total:       local + remote,
	})
}

func (a *API) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error().Err(err).Msg("response encode failed")
	}
}
