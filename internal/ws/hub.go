// Package ws pushes controller events to websocket clients. Three
// namespaces share one hub: admin sees every event, public sees only
// public-topic events, and agents receive control and recording
// traffic addressed to them.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sparkgap/foxctl/internal/events"
)

// Namespaces.
const (
	NamespaceAdmin  = "admin"
	NamespacePublic = "public"
	NamespaceAgents = "agents"
)

// agentKinds lists the bus event types forwarded into the agents
// namespace. Recording assignments are pushed directly with SendToAgent
// so the coordinator can confirm a socket existed; everything else here
// is broadcast control traffic.
var agentKinds = map[string]bool{
	events.TypeSystemControl:    true,
	events.TypeChallengesUpdate: true,
}

// Hub owns all websocket clients and routes bus events to them.
type Hub struct {
	bus *events.Bus
	log zerolog.Logger

	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	clients map[*Client]bool
	byAgent map[string]map[*Client]bool

	upgrader websocket.Upgrader
}

func NewHub(bus *events.Bus, allowedOrigins []string, logger zerolog.Logger) *Hub {
	h := &Hub{
		bus:        bus,
		log:        logger.With().Str("component", "ws").Logger(),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		byAgent:    make(map[string]map[*Client]bool),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

// originChecker admits same-origin requests (no Origin header) and any
// origin on the allow list. An empty list admits everything.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return set["*"] || set[origin]
	}
}

// Run pumps registrations and bus events until ctx is done. Admin
// subscription sees all topics; per-namespace visibility is applied here.
func (h *Hub) Run(ctx context.Context) {
	busCh, cancel := h.bus.Subscribe(events.TopicAdmin, events.Filter{})
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if client.namespace == NamespaceAgents {
				if h.byAgent[client.agentID] == nil {
					h.byAgent[client.agentID] = make(map[*Client]bool)
				}
				h.byAgent[client.agentID][client] = true
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().
				Str("namespace", client.namespace).
				Str("agent_id", client.agentID).
				Int("clients", total).
				Msg("websocket client connected")

		case client := <-h.unregister:
			h.drop(client)

		case event := <-busCh:
			h.route(event)
		}
	}
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		if client.namespace == NamespaceAgents {
			if conns := h.byAgent[client.agentID]; conns != nil {
				delete(conns, client)
				if len(conns) == 0 {
					delete(h.byAgent, client.agentID)
				}
			}
		}
		close(client.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	h.log.Debug().
		Str("namespace", client.namespace).
		Int("clients", total).
		Msg("websocket client disconnected")
}

// route fans one bus event out to every client whose namespace may see it.
func (h *Hub) route(event events.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	for client := range h.clients {
		if !h.sees(client, event) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			// Slow client; the read pump will reap it
		}
	}
	h.mu.RUnlock()
}

func (h *Hub) sees(c *Client, e events.Event) bool {
	switch c.namespace {
	case NamespaceAdmin:
		return true
	case NamespacePublic:
		return e.Topic == events.TopicPublic
	case NamespaceAgents:
		if !agentKinds[e.Type] {
			return false
		}
		return e.AgentID == "" || e.AgentID == c.agentID
	}
	return false
}

// SendToAgent queues a payload for every live connection of one agent.
// Returns false when the agent has no websocket connected.
func (h *Hub) SendToAgent(agentID string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := h.byAgent[agentID]
	if len(conns) == 0 {
		return false
	}
	for client := range conns {
		select {
		case client.send <- data:
		default:
		}
	}
	return true
}

// AgentConnected reports whether an agent has at least one live socket.
func (h *Hub) AgentConnected(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byAgent[agentID]) > 0
}

// Counts returns connected client totals per namespace.
func (h *Hub) Counts() (admin, public, agents int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		switch client.namespace {
		case NamespaceAdmin:
			admin++
		case NamespacePublic:
			public++
		case NamespaceAgents:
			agents++
		}
	}
	return admin, public, agents
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.byAgent = make(map[string]map[*Client]bool)
}

// ServeAdmin upgrades an authenticated operator connection and replays
// buffered history so a fresh dashboard can paint without polling.
func (h *Hub) ServeAdmin(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("admin websocket upgrade failed")
		return
	}
	client := newClient(h, conn, NamespaceAdmin, "")
	h.replay(client)
	h.start(client)
}

// ServePublic upgrades an anonymous scoreboard connection.
func (h *Hub) ServePublic(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("public websocket upgrade failed")
		return
	}
	h.start(newClient(h, conn, NamespacePublic, ""))
}

// ServeAgent upgrades a key-authenticated agent connection. The caller
// has already verified the bearer key and host binding.
func (h *Hub) ServeAgent(w http.ResponseWriter, r *http.Request, agentID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("agent_id", agentID).Msg("agent websocket upgrade failed")
		return
	}
	h.start(newClient(h, conn, NamespaceAgents, agentID))
}

// replay queues ring-buffer history onto a not-yet-registered client.
// The send buffer is sized to hold both rings.
func (h *Hub) replay(client *Client) {
	for _, e := range h.bus.RecentLogs() {
		if data, err := json.Marshal(e); err == nil {
			select {
			case client.send <- data:
			default:
			}
		}
	}
	for _, e := range h.bus.RecentTransmissions(false) {
		if data, err := json.Marshal(e); err == nil {
			select {
			case client.send <- data:
			default:
			}
		}
	}
}

func (h *Hub) start(client *Client) {
	h.register <- client
	go client.writePump()
	go client.readPump()
}
