package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	RoleRunner   = "runner"
	RoleListener = "listener"

	AgentOnline  = "online"
	AgentOffline = "offline"
)

type Agent struct {
	ID            string          `json:"id"`
	Role          string          `json:"role"`
	Status        string          `json:"status"`
	Enabled       bool            `json:"enabled"`
	Hostname      string          `json:"hostname,omitempty"`
	IP            string          `json:"ip,omitempty"`
	MAC           string          `json:"mac,omitempty"`
	MachineID     string          `json:"machine_id,omitempty"`
	APIKeyID      string          `json:"-"`
	APIKeyHash    string          `json:"-"`
	Devices       json.RawMessage `json:"devices"`
	LastHeartbeat *time.Time      `json:"last_heartbeat,omitempty"`
	EnrolledAt    time.Time       `json:"enrolled_at"`
}

// Device is one SDR attached to an agent, reported at registration.
// Listeners advertise the bands they can capture through FrequencyLimits.
type Device struct {
	ID              string           `json:"id"`
	Type            string           `json:"type,omitempty"`
	Label           string           `json:"label,omitempty"`
	FrequencyLimits []FrequencyLimit `json:"frequency_limits,omitempty"`
}

type FrequencyLimit struct {
	MinHz int64 `json:"min_hz"`
	MaxHz int64 `json:"max_hz"`
}

// ParseDevices decodes the devices column. Malformed JSON yields an empty
// list rather than an error; the column is agent-reported.
func (a *Agent) ParseDevices() []Device {
	if len(a.Devices) == 0 {
		return nil
	}
	var devices []Device
	if err := json.Unmarshal(a.Devices, &devices); err != nil {
		return nil
	}
	return devices
}

const agentColumns = `id, role, status, enabled, hostname, ip, mac, machine_id,
	COALESCE(api_key_id, ''), COALESCE(api_key_hash, ''), devices, last_heartbeat, enrolled_at`

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	err := row.Scan(&a.ID, &a.Role, &a.Status, &a.Enabled, &a.Hostname, &a.IP, &a.MAC,
		&a.MachineID, &a.APIKeyID, &a.APIKeyHash, &a.Devices, &a.LastHeartbeat, &a.EnrolledAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (db *DB) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a, err := scanAgent(db.Pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// GetAgentByKeyID looks up an agent by the clear-text half of its API key.
func (db *DB) GetAgentByKeyID(ctx context.Context, keyID string) (*Agent, error) {
	a, err := scanAgent(db.Pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE api_key_id = $1`, keyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListAgents returns the fleet, optionally filtered by role.
func (db *DB) ListAgents(ctx context.Context, role string) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	args := []any{}
	if role != "" {
		query += ` WHERE role = $1`
		args = append(args, role)
	}
	query += ` ORDER BY id`

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// EnrollAgent creates or re-keys an agent. Re-enrollment replaces the key
// and host identity while keeping history (same id).
func (db *DB) EnrollAgent(ctx context.Context, a *Agent) error {
	if a.Devices == nil {
		a.Devices = json.RawMessage(`[]`)
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO agents (id, role, status, enabled, hostname, ip, mac, machine_id, api_key_id, api_key_hash, devices)
		VALUES ($1, $2, 'offline', true, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			role         = EXCLUDED.role,
			hostname     = EXCLUDED.hostname,
			ip           = EXCLUDED.ip,
			mac          = EXCLUDED.mac,
			machine_id   = EXCLUDED.machine_id,
			api_key_id   = EXCLUDED.api_key_id,
			api_key_hash = EXCLUDED.api_key_hash,
			devices      = EXCLUDED.devices`,
		a.ID, a.Role, a.Hostname, a.IP, a.MAC, a.MachineID, a.APIKeyID, a.APIKeyHash, a.Devices)
	if err != nil {
		return fmt.Errorf("enroll agent %q: %w", a.ID, err)
	}
	return nil
}

// RegisterAgent refreshes host identity and devices at session start and
// marks the agent online.
func (db *DB) RegisterAgent(ctx context.Context, id, hostname, ip, mac, machineID string, devices json.RawMessage) (*Agent, error) {
	if devices == nil {
		devices = json.RawMessage(`[]`)
	}
	a, err := scanAgent(db.Pool.QueryRow(ctx, `
		UPDATE agents SET
			status         = 'online',
			hostname       = COALESCE(NULLIF($2, ''), hostname),
			ip             = COALESCE(NULLIF($3, ''), ip),
			mac            = COALESCE(NULLIF($4, ''), mac),
			machine_id     = COALESCE(NULLIF($5, ''), machine_id),
			devices        = $6,
			last_heartbeat = now()
		WHERE id = $1
		RETURNING `+agentColumns,
		id, hostname, ip, mac, machineID, devices))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// HeartbeatAgent stamps liveness and returns the status the agent had
// before this beat, so callers can publish online transitions.
func (db *DB) HeartbeatAgent(ctx context.Context, id string) (previous string, err error) {
	err = db.Pool.QueryRow(ctx, `
		UPDATE agents a SET status = 'online', last_heartbeat = now()
		FROM (SELECT id, status FROM agents WHERE id = $1 FOR UPDATE) prev
		WHERE a.id = prev.id
		RETURNING prev.status`,
		id).Scan(&previous)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return previous, err
}

func (db *DB) SetAgentStatus(ctx context.Context, id, status string) error {
	tag, err := db.Pool.Exec(ctx, `UPDATE agents SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) SetAgentEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := db.Pool.Exec(ctx, `UPDATE agents SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReapStaleAgents flips agents with no heartbeat inside the timeout to
// offline and returns their ids.
func (db *DB) ReapStaleAgents(ctx context.Context, timeout time.Duration) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `
		UPDATE agents SET status = 'offline'
		WHERE status = 'online' AND (last_heartbeat IS NULL OR last_heartbeat < now() - $1::interval)
		RETURNING id`,
		timeout.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// OnlineListeners returns online, enabled listeners for recording dispatch.
func (db *DB) OnlineListeners(ctx context.Context) ([]*Agent, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE role = 'listener' AND status = 'online' AND enabled = true
		 ORDER BY last_heartbeat DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}
