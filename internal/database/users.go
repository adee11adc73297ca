package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Permissions a user can hold beyond plain admin login.
const (
	PermCreateUsers           = "create_users"
	PermCreateProvisioningKey = "create_provisioning_key"
)

var KnownPermissions = map[string]bool{
	PermCreateUsers:           true,
	PermCreateProvisioningKey: true,
}

type User struct {
	ID                     int64      `json:"id"`
	Username               string     `json:"username"`
	PasswordHash           string     `json:"-"`
	TOTPSecret             string     `json:"-"`
	TOTPConfigured         bool       `json:"totp_configured"`
	Enabled                bool       `json:"enabled"`
	IsTemporary            bool       `json:"is_temporary"`
	PasswordChangeRequired bool       `json:"password_change_required"`
	CreatedAt              time.Time  `json:"created_at"`
	LastLogin              *time.Time `json:"last_login,omitempty"`
	Permissions            []string   `json:"permissions"`
}

const userColumns = `id, username, password_hash, COALESCE(totp_secret, ''), enabled,
	is_temporary, password_change_required, created_at, last_login`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.TOTPSecret, &u.Enabled,
		&u.IsTemporary, &u.PasswordChangeRequired, &u.CreatedAt, &u.LastLogin)
	if err != nil {
		return nil, err
	}
	u.TOTPConfigured = u.TOTPSecret != ""
	return &u, nil
}

func (db *DB) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u, err := scanUser(db.Pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

func (db *DB) GetUserByID(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(db.Pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

// ListUsers returns all users with their permissions, newest last.
func (db *DB) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		u.Permissions = []string{}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	perms, err := db.Pool.Query(ctx, `SELECT user_id, permission FROM user_permissions`)
	if err != nil {
		return nil, err
	}
	defer perms.Close()

	byID := make(map[int64]*User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	for perms.Next() {
		var id int64
		var p string
		if err := perms.Scan(&id, &p); err != nil {
			return nil, err
		}
		if u, ok := byID[id]; ok {
			u.Permissions = append(u.Permissions, p)
		}
	}
	return users, perms.Err()
}

// CreateUser inserts a new account. Duplicate usernames return ErrConflict.
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string, temporary, enabled bool) (*User, error) {
	u, err := scanUser(db.Pool.QueryRow(ctx, `
		INSERT INTO users (username, password_hash, is_temporary, enabled, password_change_required)
		VALUES ($1, $2, $3, $4, $3)
		ON CONFLICT (username) DO NOTHING
		RETURNING `+userColumns,
		username, passwordHash, temporary, enabled))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("create user %q: %w", username, err)
	}
	return u, nil
}

func (db *DB) SetUserEnabled(ctx context.Context, id int64, enabled bool) error {
	tag, err := db.Pool.Exec(ctx, `UPDATE users SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) DeleteUser(ctx context.Context, id int64) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPassword stores a new hash. changeRequired forces a change at next login.
func (db *DB) SetPassword(ctx context.Context, id int64, hash string, changeRequired bool) error {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE users SET password_hash = $2, password_change_required = $3 WHERE id = $1`,
		id, hash, changeRequired)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteSetup persists the credentials a user confirmed during two-step
// setup: new password hash, sealed TOTP secret, and clears the temporary
// and password-change flags in one statement.
func (db *DB) CompleteSetup(ctx context.Context, id int64, passwordHash, sealedSecret string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE users SET
			password_hash = $2,
			totp_secret = $3,
			is_temporary = false,
			password_change_required = false
		WHERE id = $1`,
		id, passwordHash, sealedSecret)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) ClearTOTPSecret(ctx context.Context, id int64) error {
	tag, err := db.Pool.Exec(ctx, `UPDATE users SET totp_secret = NULL WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) StampLastLogin(ctx context.Context, id int64) error {
	_, err := db.Pool.Exec(ctx, `UPDATE users SET last_login = now() WHERE id = $1`, id)
	return err
}

func (db *DB) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := db.Pool.QueryRow(ctx, `SELECT count(*) FROM users`).Scan(&n)
	return n, err
}

// CleanupExpiredTemporaryUsers removes temporary accounts that never
// completed setup within the deadline. Returns removed usernames.
func (db *DB) CleanupExpiredTemporaryUsers(ctx context.Context, deadline time.Duration) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `
		DELETE FROM users
		WHERE is_temporary = true AND created_at < now() - $1::interval
		RETURNING username`,
		deadline.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// ── Permissions ──

func (db *DB) GrantPermission(ctx context.Context, userID int64, permission string, grantedBy int64) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO user_permissions (user_id, permission, granted_by)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, permission) DO NOTHING`,
		userID, permission, grantedBy)
	return err
}

func (db *DB) RevokePermission(ctx context.Context, userID int64, permission string) error {
	tag, err := db.Pool.Exec(ctx,
		`DELETE FROM user_permissions WHERE user_id = $1 AND permission = $2`,
		userID, permission)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) GetPermissions(ctx context.Context, userID int64) ([]string, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT permission FROM user_permissions WHERE user_id = $1 ORDER BY permission`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	perms := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (db *DB) HasPermission(ctx context.Context, userID int64, permission string) (bool, error) {
	var ok bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM user_permissions WHERE user_id = $1 AND permission = $2)`,
		userID, permission).Scan(&ok)
	return ok, err
}
