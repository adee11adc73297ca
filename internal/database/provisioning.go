package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// ProvisioningKey authenticates the zero-touch provisioning flow: imaging
// tooling presents it to mint an enrollment token plus runner config.
type ProvisioningKey struct {
	KeyID       string     `json:"key_id"`
	KeyHash     string     `json:"-"`
	Description string     `json:"description"`
	Enabled     bool       `json:"enabled"`
	CreatedBy   *int64     `json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
	UseCount    int64      `json:"use_count"`
}

func (db *DB) CreateProvisioningKey(ctx context.Context, keyID, keyHash, description string, createdBy int64) (*ProvisioningKey, error) {
	k := &ProvisioningKey{}
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO provisioning_keys (key_id, key_hash, description, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING key_id, key_hash, description, enabled, created_by, created_at, last_used, use_count`,
		keyID, keyHash, description, createdBy).Scan(
		&k.KeyID, &k.KeyHash, &k.Description, &k.Enabled, &k.CreatedBy, &k.CreatedAt, &k.LastUsed, &k.UseCount)
	if err != nil {
		return nil, err
	}
	return k, nil
}

func (db *DB) GetProvisioningKey(ctx context.Context, keyID string) (*ProvisioningKey, error) {
	k := &ProvisioningKey{}
	err := db.Pool.QueryRow(ctx, `
		SELECT key_id, key_hash, description, enabled, created_by, created_at, last_used, use_count
		FROM provisioning_keys WHERE key_id = $1`,
		keyID).Scan(
		&k.KeyID, &k.KeyHash, &k.Description, &k.Enabled, &k.CreatedBy, &k.CreatedAt, &k.LastUsed, &k.UseCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

func (db *DB) ListProvisioningKeys(ctx context.Context) ([]*ProvisioningKey, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT key_id, key_hash, description, enabled, created_by, created_at, last_used, use_count
		FROM provisioning_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*ProvisioningKey
	for rows.Next() {
		k := &ProvisioningKey{}
		if err := rows.Scan(&k.KeyID, &k.KeyHash, &k.Description, &k.Enabled,
			&k.CreatedBy, &k.CreatedAt, &k.LastUsed, &k.UseCount); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// SetProvisioningKeyEnabled disables or re-enables a key without revoking
// it; disabled keys keep their usage history.
func (db *DB) SetProvisioningKeyEnabled(ctx context.Context, keyID string, enabled bool) error {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE provisioning_keys SET enabled = $2 WHERE key_id = $1`, keyID, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) DeleteProvisioningKey(ctx context.Context, keyID string) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM provisioning_keys WHERE key_id = $1`, keyID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) MarkProvisioningKeyUsed(ctx context.Context, keyID string) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE provisioning_keys SET last_used = now(), use_count = use_count + 1 WHERE key_id = $1`,
		keyID)
	return err
}
