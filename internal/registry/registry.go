// Package registry tracks the agent fleet: registration, heartbeats,
// online/offline transitions, and the host-binding check that ties a
// runner API key to the machine it enrolled from.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sparkgap/foxctl/internal/database"
	"github.com/sparkgap/foxctl/internal/events"
	"github.com/sparkgap/foxctl/internal/vault"
)

// ErrUnauthorized covers every credential failure on the agent surface.
// Callers must not distinguish bad key, unknown key, and binding mismatch.
var ErrUnauthorized = errors.New("unauthorized")

// bindingFreshness is how recent a heartbeat must be for host binding to
// apply. Staler than this, the agent is presumed migrating and the key is
// accepted from a new host.
const bindingFreshness = 2 * time.Minute

// HostIdentity is what a request claims about its origin.
type HostIdentity struct {
	IP        string
	Hostname  string
	MAC       string
	MachineID string
}

type Registry struct {
	db    *database.DB
	vault *vault.Vault
	bus   *events.Bus
	log   zerolog.Logger
}

func New(db *database.DB, v *vault.Vault, bus *events.Bus, logger zerolog.Logger) *Registry {
	return &Registry{
		db:    db,
		vault: v,
		bus:   bus,
		log:   logger.With().Str("component", "registry").Logger(),
	}
}

// Register refreshes an enrolled agent's host identity and devices at
// session start and announces it online.
func (r *Registry) Register(ctx context.Context, id string, host HostIdentity, devices json.RawMessage) (*database.Agent, error) {
	agent, err := r.db.RegisterAgent(ctx, id, host.Hostname, host.IP, host.MAC, host.MachineID, devices)
	if err != nil {
		return nil, err
	}
	r.publishStatus(agent, database.AgentOnline)
	r.log.Info().
		Str("agent_id", agent.ID).
		Str("role", agent.Role).
		Str("hostname", agent.Hostname).
		Msg("agent registered")
	return agent, nil
}

// Heartbeat stamps liveness. A beat from an offline agent publishes the
// came-back-online transition.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	previous, err := r.db.HeartbeatAgent(ctx, id)
	if err != nil {
		return err
	}
	if previous != database.AgentOnline {
		agent, err := r.db.GetAgent(ctx, id)
		if err != nil {
			return err
		}
		r.publishStatus(agent, database.AgentOnline)
		r.log.Info().Str("agent_id", id).Msg("agent back online")
	}
	return nil
}

// SignOut marks an agent offline on its own request.
func (r *Registry) SignOut(ctx context.Context, id string) error {
	if err := r.db.SetAgentStatus(ctx, id, database.AgentOffline); err != nil {
		return err
	}
	agent, err := r.db.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	r.publishStatus(agent, database.AgentOffline)
	r.log.Info().Str("agent_id", id).Msg("agent signed out")
	return nil
}

func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return r.db.SetAgentEnabled(ctx, id, enabled)
}

// ReapStale flips agents whose heartbeat lapsed to offline and publishes
// a status event per agent. Run on a timer.
func (r *Registry) ReapStale(ctx context.Context, timeout time.Duration) (int, error) {
	ids, err := r.db.ReapStaleAgents(ctx, timeout)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		agent, gerr := r.db.GetAgent(ctx, id)
		if gerr != nil {
			continue
		}
		r.publishStatus(agent, database.AgentOffline)
		r.log.Warn().Str("agent_id", id).Dur("timeout", timeout).Msg("agent heartbeat lapsed, marked offline")
	}
	return len(ids), nil
}

// VerifyRequest authenticates a bearer API key and enforces host binding.
// While the agent is online with a fresh heartbeat, at least one claimed
// host identifier must match enrollment; once the heartbeat goes stale the
// check is skipped so a replacement host can take over the key.
func (r *Registry) VerifyRequest(ctx context.Context, apiKey string, host HostIdentity) (*database.Agent, error) {
	keyID, secret, ok := vault.ParseRunnerKey(apiKey)
	if !ok {
		r.vault.VerifyDummy(apiKey)
		return nil, ErrUnauthorized
	}

	agent, err := r.db.GetAgentByKeyID(ctx, keyID)
	if errors.Is(err, database.ErrNotFound) {
		r.vault.VerifyDummy(secret)
		r.securityEvent("unknown_api_key", "", host)
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}

	if !r.vault.VerifyKeySecret(agent.APIKeyHash, secret) {
		r.securityEvent("api_key_mismatch", agent.ID, host)
		return nil, ErrUnauthorized
	}

	if bound, checked := hostBindingOK(agent, host, time.Now()); checked && !bound {
		r.securityEvent("host_binding_mismatch", agent.ID, host)
		return nil, ErrUnauthorized
	}

	return agent, nil
}

// hostBindingOK applies the binding rule. checked=false means the agent
// was offline or its heartbeat stale, so the rule did not apply.
func hostBindingOK(agent *database.Agent, host HostIdentity, now time.Time) (bound, checked bool) {
	if agent.Status != database.AgentOnline {
		return true, false
	}
	if agent.LastHeartbeat == nil || now.Sub(*agent.LastHeartbeat) > bindingFreshness {
		return true, false
	}

	match := func(stored, claimed string) bool {
		return stored != "" && claimed != "" && strings.EqualFold(stored, claimed)
	}
	if match(agent.IP, host.IP) ||
		match(agent.Hostname, host.Hostname) ||
		match(agent.MAC, host.MAC) ||
		match(agent.MachineID, host.MachineID) {
		return true, true
	}
	return false, true
}

func (r *Registry) publishStatus(agent *database.Agent, status string) {
	eventType := events.TypeRunnerStatus
	if agent.Role == database.RoleListener {
		eventType = events.TypeListenerStatus
	}
	r.bus.Publish(eventType, events.TopicAdmin, agent.ID, map[string]any{
		"agent_id": agent.ID,
		"role":     agent.Role,
		"status":   status,
		"hostname": agent.Hostname,
	})
}

func (r *Registry) securityEvent(eventType, agentID string, host HostIdentity) {
	r.log.Warn().
		Str("event_type", eventType).
		Str("agent_id", agentID).
		Str("ip", host.IP).
		Str("hostname", host.Hostname).
		Str("mac", host.MAC).
		Str("machine_id", host.MachineID).
		Msg("agent credential check failed")
}
