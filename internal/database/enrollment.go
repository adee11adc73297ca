package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

type EnrollmentToken struct {
	Token      string     `json:"token"`
	AgentName  string     `json:"agent_name,omitempty"`
	CreatedBy  *int64     `json:"created_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Used       bool       `json:"used"`
	UsedAt     *time.Time `json:"used_at,omitempty"`
	UsedBy     *string    `json:"used_by,omitempty"`
	ReEnrollID *string    `json:"re_enroll_id,omitempty"`
}

const enrollmentTokenColumns = `token, agent_name, created_by, created_at, expires_at,
	used, used_at, used_by, re_enroll_id`

func scanEnrollmentToken(row pgx.Row) (*EnrollmentToken, error) {
	t := &EnrollmentToken{}
	err := row.Scan(&t.Token, &t.AgentName, &t.CreatedBy, &t.CreatedAt, &t.ExpiresAt,
		&t.Used, &t.UsedAt, &t.UsedBy, &t.ReEnrollID)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// CreateEnrollmentToken mints a one-shot credential. createdBy is nil for
// tokens minted through the provisioning flow with no session behind them.
func (db *DB) CreateEnrollmentToken(ctx context.Context, token, agentName string, createdBy *int64, ttl time.Duration, reEnrollID string) (*EnrollmentToken, error) {
	var re *string
	if reEnrollID != "" {
		re = &reEnrollID
	}
	return scanEnrollmentToken(db.Pool.QueryRow(ctx, `
		INSERT INTO enrollment_tokens (token, agent_name, created_by, expires_at, re_enroll_id)
		VALUES ($1, $2, $3, now() + $4::interval, $5)
		RETURNING `+enrollmentTokenColumns,
		token, agentName, createdBy, ttl.String(), re))
}

// EnrollWithToken burns a token and upserts the agent in one transaction.
// Failure modes map to the API taxonomy: a missing or expired token is
// ErrNotFound (the caller reports it as a plain auth failure); a token
// already used, a re-enrollment for a different agent, or a fresh
// enrollment colliding with an existing agent id is ErrConflict.
func (db *DB) EnrollWithToken(ctx context.Context, token string, agent *Agent) (*EnrollmentToken, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	t, err := scanEnrollmentToken(tx.QueryRow(ctx,
		`SELECT `+enrollmentTokenColumns+` FROM enrollment_tokens WHERE token = $1 FOR UPDATE`,
		token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if t.Used {
		return nil, ErrConflict
	}
	if time.Now().After(t.ExpiresAt) {
		return nil, ErrNotFound
	}

	if t.ReEnrollID != nil {
		if *t.ReEnrollID != agent.ID {
			return nil, ErrConflict
		}
	} else {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT FROM agents WHERE id = $1)`, agent.ID).Scan(&exists); err != nil {
			return nil, err
		}
		if exists {
			return nil, ErrConflict
		}
	}

	if agent.Devices == nil {
		agent.Devices = []byte(`[]`)
	}
	if _, err := tx.Exec(ctx, `
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
		agent.ID, agent.Role, agent.Hostname, agent.IP, agent.MAC, agent.MachineID,
		agent.APIKeyID, agent.APIKeyHash, agent.Devices); err != nil {
		return nil, err
	}

	t, err = scanEnrollmentToken(tx.QueryRow(ctx, `
		UPDATE enrollment_tokens SET used = true, used_at = now(), used_by = $2
		WHERE token = $1
		RETURNING `+enrollmentTokenColumns,
		token, agent.ID))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// ListEnrollmentTokens returns outstanding and recently used tokens,
// newest first.
func (db *DB) ListEnrollmentTokens(ctx context.Context) ([]*EnrollmentToken, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+enrollmentTokenColumns+` FROM enrollment_tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*EnrollmentToken
	for rows.Next() {
		t, err := scanEnrollmentToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (db *DB) DeleteEnrollmentToken(ctx context.Context, token string) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM enrollment_tokens WHERE token = $1`, token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CleanupExpiredTokens removes expired, never-used tokens.
func (db *DB) CleanupExpiredTokens(ctx context.Context) (int64, error) {
	tag, err := db.Pool.Exec(ctx,
		`DELETE FROM enrollment_tokens WHERE used = false AND expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
