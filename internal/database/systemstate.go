package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// Runtime flags live in system_state as strings ('true'/'false' for the
// booleans) so operators can inspect and repair them with plain SQL.
const (
	StatePaused               = "paused"
	StateAutoPaused           = "auto_paused"
	StateInitialSetupRequired = "initial_setup_required"
	StateDayStart             = "day_start"
	StateEndOfDay             = "end_of_day"
	StateAutoPauseDaily       = "auto_pause_daily"
)

// GetState returns the value for key, or fallback when the key was never set.
func (db *DB) GetState(ctx context.Context, key, fallback string) (string, error) {
	var v string
	err := db.Pool.QueryRow(ctx,
		`SELECT value FROM system_state WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (db *DB) SetState(ctx context.Context, key, value string) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO system_state (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value)
	return err
}

// SetStateIfAbsent seeds a key without clobbering operator changes.
func (db *DB) SetStateIfAbsent(ctx context.Context, key, value string) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO system_state (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING`,
		key, value)
	return err
}

func (db *DB) GetStateBool(ctx context.Context, key string, fallback bool) (bool, error) {
	fb := "false"
	if fallback {
		fb = "true"
	}
	v, err := db.GetState(ctx, key, fb)
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

func (db *DB) SetStateBool(ctx context.Context, key string, value bool) error {
	v := "false"
	if value {
		v = "true"
	}
	return db.SetState(ctx, key, v)
}
