package api

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/sparkgap/foxctl/internal/ws"
)

// WSHandler bridges the three websocket namespaces onto the router. Auth is
// decided by where each route is mounted: Admin behind the verified-session
// gate, Agent behind bearer auth, Public in the open.
type WSHandler struct {
	hub *ws.Hub
	log zerolog.Logger
}

func NewWSHandler(hub *ws.Hub, logger zerolog.Logger) *WSHandler {
	return &WSHandler{
		hub: hub,
		log: logger.With().Str("handler", "ws").Logger(),
	}
}

func (h *WSHandler) Admin(w http.ResponseWriter, r *http.Request) {
	h.hub.ServeAdmin(w, r)
}

func (h *WSHandler) Public(w http.ResponseWriter, r *http.Request) {
	h.hub.ServePublic(w, r)
}

// Agent serves the listener push channel. AgentAuth has already pinned the
// caller's identity; the hub keys the connection by that id.
func (h *WSHandler) Agent(w http.ResponseWriter, r *http.Request) {
	agent := AgentFrom(r.Context())
	if agent == nil {
		WriteErrorWithCode(w, http.StatusUnauthorized, ErrUnauthorized, "authentication required")
		return
	}
	h.hub.ServeAgent(w, r, agent.ID)
}
