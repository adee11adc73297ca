// Package enroll turns credentials into agents. Two doors: one-shot
// enrollment tokens presented by the host itself, and long-lived
// provisioning keys that imaging tooling uses to mint a complete runner
// configuration ahead of first boot.
package enroll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/sparkgap/foxctl/internal/database"
	"github.com/sparkgap/foxctl/internal/events"
	"github.com/sparkgap/foxctl/internal/vault"
)

// ErrUnauthorized covers bad tokens and bad provisioning keys without
// telling the caller which.
var ErrUnauthorized = errors.New("unauthorized")

// ErrBadRequest rejects malformed enrollment input (missing id, bad key
// shape, unknown role).
var ErrBadRequest = errors.New("invalid enrollment request")

const (
	// TokenTTL is the default life of an enrollment token.
	TokenTTL = 24 * time.Hour

	// Intervals embedded in provisioned runner configs.
	defaultHeartbeatS = 30
	defaultPollS      = 5
)

type Service struct {
	db        *database.DB
	vault     *vault.Vault
	bus       *events.Bus
	log       zerolog.Logger
	publicURL string
}

func New(db *database.DB, v *vault.Vault, bus *events.Bus, publicURL string, logger zerolog.Logger) *Service {
	return &Service{
		db:        db,
		vault:     v,
		bus:       bus,
		log:       logger.With().Str("component", "enroll").Logger(),
		publicURL: publicURL,
	}
}

// Request is what a host presents at the enrollment endpoint. The API key
// is minted host-side; only its hash survives the call.
type Request struct {
	Token     string
	APIKey    string
	AgentID   string
	Role      string
	Hostname  string
	IP        string
	MAC       string
	MachineID string
	Devices   json.RawMessage
}

// Enroll validates the token, binds the key to the agent, and announces
// the newcomer. Token problems surface as ErrUnauthorized or
// database.ErrConflict; the handler maps them to 401/409.
func (s *Service) Enroll(ctx context.Context, req Request) (*database.Agent, error) {
	if req.AgentID == "" {
		return nil, fmt.Errorf("%w: agent id required", ErrBadRequest)
	}
	role := req.Role
	if role == "" {
		role = database.RoleRunner
	}
	if role != database.RoleRunner && role != database.RoleListener {
		return nil, fmt.Errorf("%w: unknown role %q", ErrBadRequest, role)
	}

	keyID, secret, ok := vault.ParseRunnerKey(req.APIKey)
	if !ok {
		return nil, fmt.Errorf("%w: malformed api key", ErrBadRequest)
	}
	keyHash, err := s.vault.HashKeySecret(secret)
	if err != nil {
		return nil, err
	}

	agent := &database.Agent{
		ID:         req.AgentID,
		Role:       role,
		Hostname:   req.Hostname,
		IP:         req.IP,
		MAC:        req.MAC,
		MachineID:  req.MachineID,
		APIKeyID:   keyID,
		APIKeyHash: keyHash,
		Devices:    req.Devices,
	}

	token, err := s.db.EnrollWithToken(ctx, req.Token, agent)
	if errors.Is(err, database.ErrNotFound) {
		s.log.Warn().
			Str("event_type", "enrollment_token_rejected").
			Str("agent_id", req.AgentID).
			Str("ip", req.IP).
			Msg("enrollment refused")
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}

	s.bus.Publish(events.TypeRunnerEnrolled, events.TopicAdmin, agent.ID, map[string]any{
		"agent_id":  agent.ID,
		"role":      agent.Role,
		"hostname":  agent.Hostname,
		"re_enroll": token.ReEnrollID != nil,
	})
	s.log.Info().
		Str("agent_id", agent.ID).
		Str("role", agent.Role).
		Bool("re_enroll", token.ReEnrollID != nil).
		Msg("agent enrolled")

	return s.db.GetAgent(ctx, agent.ID)
}

// MintToken creates an enrollment token on behalf of an admin session.
// reEnrollID pins the token to an existing agent for host replacement.
func (s *Service) MintToken(ctx context.Context, agentName string, createdBy int64, reEnrollID string) (*database.EnrollmentToken, error) {
	if reEnrollID != "" {
		if _, err := s.db.GetAgent(ctx, reEnrollID); err != nil {
			return nil, err
		}
	}
	token, err := vault.NewToken()
	if err != nil {
		return nil, err
	}
	return s.db.CreateEnrollmentToken(ctx, token, agentName, &createdBy, TokenTTL, reEnrollID)
}

// RunnerConfig is the ready-to-paste document the provisioning flow
// returns. The agent ships it verbatim as its config file.
type RunnerConfig struct {
	ControllerURL      string `yaml:"controller_url"`
	RunnerID           string `yaml:"runner_id"`
	EnrollmentToken    string `yaml:"enrollment_token"`
	APIKey             string `yaml:"api_key"`
	HeartbeatIntervalS int    `yaml:"heartbeat_interval_s"`
	PollIntervalS      int    `yaml:"poll_interval_s"`
}

// ProvisionResult carries the document plus the raw pieces for callers
// that store them separately.
type ProvisionResult struct {
	RunnerID string
	Token    string
	APIKey   string
	YAML     string
}

// Provision authenticates a provisioning key and mints a full credential
// set for a new runner. The key only opens this one door; it cannot read
// or change anything else.
func (s *Service) Provision(ctx context.Context, bearerKey, runnerID string) (*ProvisionResult, error) {
	if runnerID == "" {
		return nil, fmt.Errorf("%w: runner id required", ErrBadRequest)
	}

	keyID, secret, ok := vault.ParseProvisionKey(bearerKey)
	if !ok {
		s.vault.VerifyDummy(bearerKey)
		return nil, ErrUnauthorized
	}
	key, err := s.db.GetProvisioningKey(ctx, keyID)
	if errors.Is(err, database.ErrNotFound) {
		s.vault.VerifyDummy(secret)
		s.log.Warn().Str("event_type", "provisioning_key_unknown").Str("key_id", keyID).Msg("provisioning refused")
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	if !s.vault.VerifyKeySecret(key.KeyHash, secret) {
		s.log.Warn().Str("event_type", "provisioning_key_mismatch").Str("key_id", keyID).Msg("provisioning refused")
		return nil, ErrUnauthorized
	}
	if !key.Enabled {
		s.log.Warn().Str("event_type", "provisioning_key_disabled").Str("key_id", keyID).Msg("provisioning refused")
		return nil, ErrUnauthorized
	}

	apiKey, err := s.vault.NewRunnerKey()
	if err != nil {
		return nil, err
	}
	token, err := vault.NewToken()
	if err != nil {
		return nil, err
	}
	if _, err := s.db.CreateEnrollmentToken(ctx, token, runnerID, key.CreatedBy, TokenTTL, ""); err != nil {
		return nil, err
	}
	if err := s.db.MarkProvisioningKeyUsed(ctx, keyID); err != nil {
		s.log.Error().Err(err).Str("key_id", keyID).Msg("use count update failed")
	}

	doc, err := yaml.Marshal(RunnerConfig{
		ControllerURL:      s.publicURL,
		RunnerID:           runnerID,
		EnrollmentToken:    token,
		APIKey:             apiKey.Full,
		HeartbeatIntervalS: defaultHeartbeatS,
		PollIntervalS:      defaultPollS,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("key_id", keyID).Str("runner_id", runnerID).Msg("runner credentials provisioned")
	return &ProvisionResult{
		RunnerID: runnerID,
		Token:    token,
		APIKey:   apiKey.Full,
		YAML:     string(doc),
	}, nil
}

// CreateProvisioningKey mints a long-lived key. The clear key is returned
// exactly once.
func (s *Service) CreateProvisioningKey(ctx context.Context, description string, createdBy int64) (*database.ProvisioningKey, string, error) {
	key, err := s.vault.NewProvisionKey()
	if err != nil {
		return nil, "", err
	}
	row, err := s.db.CreateProvisioningKey(ctx, key.ID, key.Hash, description, createdBy)
	if err != nil {
		return nil, "", err
	}
	return row, key.Full, nil
}
