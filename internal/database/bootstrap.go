package database

import (
	"context"
	"fmt"
)

// Bootstrap creates the initial admin account on an empty users table and
// raises initial_setup_required. The account is created disabled; the auth
// layer only lets it in while the flag is up. Returns false when users
// already exist. The caller mints the password and is responsible for
// surfacing it to the operator.
func (db *DB) Bootstrap(ctx context.Context, username, passwordHash string) (bool, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin bootstrap: %w", err)
	}
	defer tx.Rollback(ctx)

	var n int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM users`).Scan(&n); err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO users (username, password_hash, enabled, is_temporary, password_change_required)
		VALUES ($1, $2, false, false, false)`,
		username, passwordHash); err != nil {
		return false, fmt.Errorf("create bootstrap user: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO system_state (key, value) VALUES ($1, 'true')
		ON CONFLICT (key) DO UPDATE SET value = 'true', updated_at = now()`,
		StateInitialSetupRequired); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit bootstrap: %w", err)
	}

	db.log.Warn().Str("username", username).Msg("no users found, bootstrap account created")
	return true, nil
}
