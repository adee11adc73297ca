package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

type Session struct {
	Token        string    `json:"-"`
	UserID       int64     `json:"user_id"`
	CSRFToken    string    `json:"-"`
	TOTPVerified bool      `json:"totp_verified"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	IP           string    `json:"ip"`
	UserAgent    string    `json:"user_agent"`
}

func (db *DB) CreateSession(ctx context.Context, s *Session) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO sessions (token, user_id, csrf_token, totp_verified, expires_at, ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.Token, s.UserID, s.CSRFToken, s.TOTPVerified, s.ExpiresAt, s.IP, s.UserAgent)
	return err
}

// GetSession returns a live session and its user in one round trip.
// Expired sessions are treated as missing.
func (db *DB) GetSession(ctx context.Context, token string) (*Session, *User, error) {
	var s Session
	var u User
	err := db.Pool.QueryRow(ctx, `
		SELECT s.token, s.user_id, s.csrf_token, s.totp_verified, s.created_at, s.expires_at, s.ip, s.user_agent,
		       u.id, u.username, u.password_hash, COALESCE(u.totp_secret, ''), u.enabled,
		       u.is_temporary, u.password_change_required, u.created_at, u.last_login
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.token = $1 AND s.expires_at > now()`,
		token).Scan(
		&s.Token, &s.UserID, &s.CSRFToken, &s.TOTPVerified, &s.CreatedAt, &s.ExpiresAt, &s.IP, &s.UserAgent,
		&u.ID, &u.Username, &u.PasswordHash, &u.TOTPSecret, &u.Enabled,
		&u.IsTemporary, &u.PasswordChangeRequired, &u.CreatedAt, &u.LastLogin)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	u.TOTPConfigured = u.TOTPSecret != ""
	return &s, &u, nil
}

// TouchSession slides the expiry window forward.
func (db *DB) TouchSession(ctx context.Context, token string, ttl time.Duration) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE sessions SET expires_at = now() + $2::interval WHERE token = $1`,
		token, ttl.String())
	return err
}

// MarkSessionVerified upgrades a pre-verified session after a TOTP check.
func (db *DB) MarkSessionVerified(ctx context.Context, token string) error {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE sessions SET totp_verified = true WHERE token = $1`, token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) DeleteSession(ctx context.Context, token string) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM sessions WHERE token = $1`, token)
	return err
}

// DeleteUserSessions removes every session of a user except the one given.
// Pass an empty exception to remove all of them.
func (db *DB) DeleteUserSessions(ctx context.Context, userID int64, exceptToken string) (int64, error) {
	tag, err := db.Pool.Exec(ctx,
		`DELETE FROM sessions WHERE user_id = $1 AND token <> $2`,
		userID, exceptToken)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (db *DB) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
