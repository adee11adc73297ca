// Package auth is the operator-facing gate: password+TOTP login, sliding
// sessions, CSRF tokens, the two-step setup flow for fresh accounts, and
// the initial-setup bootstrap window.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sparkgap/foxctl/internal/database"
	"github.com/sparkgap/foxctl/internal/vault"
)

const (
	// BootstrapUsername is the disabled seed account created on an empty
	// store. It can only log in while initial_setup_required is up.
	BootstrapUsername = "admin"

	SessionTTL = 24 * time.Hour

	minPasswordLen = 8
	maxPasswordLen = 72 // bcrypt input limit; longer would truncate silently
)

// ErrInvalidCredentials covers every authentication failure on the human
// surface: unknown user, wrong password, bad or replayed TOTP, dead
// session. Deliberately undistinguished.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrPasswordPolicy rejects passwords outside the accepted length range.
var ErrPasswordPolicy = fmt.Errorf("password must be %d to %d characters", minPasswordLen, maxPasswordLen)

type Gateway struct {
	db     *database.DB
	vault  *vault.Vault
	log    zerolog.Logger
	issuer string

	replay  *replayTable
	pending *pendingTable
}

func New(db *database.DB, v *vault.Vault, issuer string, logger zerolog.Logger) *Gateway {
	if issuer == "" {
		issuer = "foxctl"
	}
	return &Gateway{
		db:      db,
		vault:   v,
		log:     logger.With().Str("component", "auth").Logger(),
		issuer:  issuer,
		replay:  newReplayTable(),
		pending: newPendingTable(),
	}
}

// LoginResult tells the handler which second step, if any, the client
// must complete before the session is usable.
type LoginResult struct {
	Session                *database.Session
	User                   *database.User
	TOTPRequired           bool
	SetupRequired          bool
	PasswordChangeRequired bool
}

// Login verifies a password and mints a session. The bcrypt comparison
// runs on every path, hit or miss, so response time does not reveal
// whether the username exists.
func (g *Gateway) Login(ctx context.Context, username, password, ip, userAgent string) (*LoginResult, error) {
	user, err := g.db.GetUserByUsername(ctx, username)
	if errors.Is(err, database.ErrNotFound) {
		g.vault.VerifyDummy(password)
		g.securityLog("login_unknown_user", username, ip, userAgent)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if !g.vault.VerifyPassword(user.PasswordHash, password) {
		g.securityLog("login_bad_password", username, ip, userAgent)
		return nil, ErrInvalidCredentials
	}

	if !user.Enabled && !g.bootstrapWindowOpen(ctx, user) {
		g.securityLog("login_disabled_user", username, ip, userAgent)
		return nil, ErrInvalidCredentials
	}

	token, err := vault.NewToken()
	if err != nil {
		return nil, err
	}
	csrf, err := vault.NewToken()
	if err != nil {
		return nil, err
	}

	result := &LoginResult{
		User:                   user,
		SetupRequired:          user.IsTemporary,
		TOTPRequired:           !user.IsTemporary && user.TOTPConfigured,
		PasswordChangeRequired: user.PasswordChangeRequired,
	}
	verified := !result.SetupRequired && !result.TOTPRequired

	session := &database.Session{
		Token:        token,
		UserID:       user.ID,
		CSRFToken:    csrf,
		TOTPVerified: verified,
		ExpiresAt:    time.Now().Add(SessionTTL),
		IP:           ip,
		UserAgent:    userAgent,
	}
	if err := g.db.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if verified {
		if err := g.db.StampLastLogin(ctx, user.ID); err != nil {
			g.log.Error().Err(err).Str("username", username).Msg("stamp last login failed")
		}
	}

	result.Session = session
	g.log.Info().
		Str("username", username).
		Str("ip", ip).
		Bool("totp_required", result.TOTPRequired).
		Bool("setup_required", result.SetupRequired).
		Msg("login accepted")
	return result, nil
}

// VerifyTOTP upgrades a pre-verified session. A code that already passed
// once is refused for the replay window even though the algorithm would
// still accept it.
func (g *Gateway) VerifyTOTP(ctx context.Context, session *database.Session, user *database.User, code, ip, userAgent string) error {
	if session.TOTPVerified {
		return nil
	}
	if !user.TOTPConfigured {
		return ErrInvalidCredentials
	}

	secret, ok := g.vault.Decrypt(user.TOTPSecret)
	if !ok {
		g.securityLog("totp_secret_unreadable", user.Username, ip, userAgent)
		return ErrInvalidCredentials
	}

	now := time.Now()
	if !validateTOTP(code, secret, now) {
		g.securityLog("totp_invalid", user.Username, ip, userAgent)
		return ErrInvalidCredentials
	}
	if !g.replay.checkAndRecord(user.Username, code, now) {
		g.securityLog("totp_replay_attempt", user.Username, ip, userAgent)
		return ErrInvalidCredentials
	}

	if err := g.db.MarkSessionVerified(ctx, session.Token); err != nil {
		return err
	}
	if err := g.db.StampLastLogin(ctx, user.ID); err != nil {
		g.log.Error().Err(err).Str("username", user.Username).Msg("stamp last login failed")
	}
	session.TOTPVerified = true
	return nil
}

// Authenticate resolves a session token, applies the enabled-user rule,
// and slides the expiry. Verification state is the caller's check.
func (g *Gateway) Authenticate(ctx context.Context, token string) (*database.Session, *database.User, error) {
	if token == "" {
		return nil, nil, ErrInvalidCredentials
	}
	session, user, err := g.db.GetSession(ctx, token)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, nil, err
	}
	if !user.Enabled && !g.bootstrapWindowOpen(ctx, user) {
		return nil, nil, ErrInvalidCredentials
	}

	if err := g.db.TouchSession(ctx, token, SessionTTL); err != nil {
		g.log.Error().Err(err).Msg("session slide failed")
	} else {
		session.ExpiresAt = time.Now().Add(SessionTTL)
	}
	return session, user, nil
}

func (g *Gateway) Logout(ctx context.Context, token string) error {
	return g.db.DeleteSession(ctx, token)
}

// ChangePassword swaps the caller's password and kills every other
// session they hold.
func (g *Gateway) ChangePassword(ctx context.Context, session *database.Session, user *database.User, current, proposed string) error {
	if !g.vault.VerifyPassword(user.PasswordHash, current) {
		g.securityLog("password_change_bad_current", user.Username, session.IP, session.UserAgent)
		return ErrInvalidCredentials
	}
	if err := ValidatePassword(proposed); err != nil {
		return err
	}
	hash, err := g.vault.HashPassword(proposed)
	if err != nil {
		return err
	}
	if err := g.db.SetPassword(ctx, user.ID, hash, false); err != nil {
		return err
	}
	n, err := g.db.DeleteUserSessions(ctx, user.ID, session.Token)
	if err != nil {
		return err
	}
	g.log.Info().Str("username", user.Username).Int64("sessions_revoked", n).Msg("password changed")
	return nil
}

// CreateUser makes a temporary account that must complete setup at first
// login. An empty password mints a random one, returned once for the admin
// to hand over; a supplied password is policy-checked and never echoed.
func (g *Gateway) CreateUser(ctx context.Context, username, password string) (*database.User, string, error) {
	minted := ""
	if password == "" {
		p, err := vault.NewPassword()
		if err != nil {
			return nil, "", err
		}
		password, minted = p, p
	} else if err := ValidatePassword(password); err != nil {
		return nil, "", err
	}
	hash, err := g.vault.HashPassword(password)
	if err != nil {
		return nil, "", err
	}
	user, err := g.db.CreateUser(ctx, username, hash, true, true)
	if err != nil {
		return nil, "", err
	}
	g.log.Info().Str("username", username).Msg("user created")
	return user, minted, nil
}

// AdminResetPassword issues a one-time random password, forces a change
// at next login, and revokes all of the target's sessions. The clear
// password is returned once for the admin to hand over.
func (g *Gateway) AdminResetPassword(ctx context.Context, targetID int64) (string, error) {
	password, err := vault.NewPassword()
	if err != nil {
		return "", err
	}
	hash, err := g.vault.HashPassword(password)
	if err != nil {
		return "", err
	}
	if err := g.db.SetPassword(ctx, targetID, hash, true); err != nil {
		return "", err
	}
	if _, err := g.db.DeleteUserSessions(ctx, targetID, ""); err != nil {
		return "", err
	}
	return password, nil
}

// AdminResetTOTP clears the target's TOTP secret and revokes their
// sessions. Their next login is password-only until they run setup again.
func (g *Gateway) AdminResetTOTP(ctx context.Context, targetID int64) error {
	if err := g.db.ClearTOTPSecret(ctx, targetID); err != nil {
		return err
	}
	_, err := g.db.DeleteUserSessions(ctx, targetID, "")
	return err
}

// CompleteSetup starts the two-step credential setup: the new password
// and a fresh TOTP secret are parked in the pending table and the
// provisioning URI is returned for the authenticator app. Nothing is
// persisted until VerifySetup proves enrollment.
func (g *Gateway) CompleteSetup(ctx context.Context, session *database.Session, user *database.User, proposed string) (string, error) {
	if err := ValidatePassword(proposed); err != nil {
		return "", err
	}
	hash, err := g.vault.HashPassword(proposed)
	if err != nil {
		return "", err
	}
	secret, uri, err := generateTOTP(g.issuer, user.Username)
	if err != nil {
		return "", fmt.Errorf("generate totp: %w", err)
	}
	sealed, err := g.vault.Encrypt(secret)
	if err != nil {
		return "", err
	}

	g.pending.put(session.Token, pendingSetup{
		userID:       user.ID,
		passwordHash: hash,
		totpSecret:   secret,
		sealedSecret: sealed,
		expires:      time.Now().Add(pendingTTL),
	})
	return uri, nil
}

// VerifySetup confirms the pending credentials with a code from the
// newly enrolled authenticator, persists them, and verifies the session.
func (g *Gateway) VerifySetup(ctx context.Context, session *database.Session, user *database.User, code, ip, userAgent string) error {
	now := time.Now()
	p, ok := g.pending.get(session.Token, now)
	if !ok || p.userID != user.ID {
		g.securityLog("setup_pending_missing", user.Username, ip, userAgent)
		return ErrInvalidCredentials
	}

	if !validateTOTP(code, p.totpSecret, now) {
		g.securityLog("setup_totp_invalid", user.Username, ip, userAgent)
		return ErrInvalidCredentials
	}
	if !g.replay.checkAndRecord(user.Username, code, now) {
		g.securityLog("totp_replay_attempt", user.Username, ip, userAgent)
		return ErrInvalidCredentials
	}

	if err := g.db.CompleteSetup(ctx, user.ID, p.passwordHash, p.sealedSecret); err != nil {
		return err
	}
	if err := g.db.MarkSessionVerified(ctx, session.Token); err != nil {
		return err
	}
	if err := g.db.StampLastLogin(ctx, user.ID); err != nil {
		g.log.Error().Err(err).Str("username", user.Username).Msg("stamp last login failed")
	}
	g.pending.drop(session.Token)
	if _, err := g.db.DeleteUserSessions(ctx, user.ID, session.Token); err != nil {
		return err
	}
	session.TOTPVerified = true
	g.log.Info().Str("username", user.Username).Msg("account setup completed")
	return nil
}

// Bootstrap seeds an empty deployment: it creates the disabled admin
// account, opens the initial-setup window, and returns the one-time
// password for the operator to use. On a populated database it is a no-op
// and returns an empty string.
func (g *Gateway) Bootstrap(ctx context.Context) (string, error) {
	n, err := g.db.CountUsers(ctx)
	if err != nil {
		return "", err
	}
	if n > 0 {
		return "", nil
	}
	password, err := vault.NewPassword()
	if err != nil {
		return "", err
	}
	hash, err := g.vault.HashPassword(password)
	if err != nil {
		return "", err
	}
	created, err := g.db.Bootstrap(ctx, BootstrapUsername, hash)
	if err != nil {
		return "", err
	}
	if !created {
		// Another instance won the startup race.
		return "", nil
	}
	return password, nil
}

// InitialSetupRequired reports whether the bootstrap window is open.
func (g *Gateway) InitialSetupRequired(ctx context.Context) (bool, error) {
	return g.db.GetStateBool(ctx, database.StateInitialSetupRequired, false)
}

// FinishInitialSetup closes the bootstrap window after the first real
// user exists: that user gets both grants, the seed account is disabled
// and logged out everywhere, and the flag comes down.
func (g *Gateway) FinishInitialSetup(ctx context.Context, firstUserID, actorID int64) error {
	if err := g.db.GrantPermission(ctx, firstUserID, database.PermCreateUsers, actorID); err != nil {
		return err
	}
	if err := g.db.GrantPermission(ctx, firstUserID, database.PermCreateProvisioningKey, actorID); err != nil {
		return err
	}

	bootstrap, err := g.db.GetUserByUsername(ctx, BootstrapUsername)
	if err == nil {
		if err := g.db.SetUserEnabled(ctx, bootstrap.ID, false); err != nil {
			return err
		}
		if _, err := g.db.DeleteUserSessions(ctx, bootstrap.ID, ""); err != nil {
			return err
		}
	} else if !errors.Is(err, database.ErrNotFound) {
		return err
	}

	if err := g.db.SetStateBool(ctx, database.StateInitialSetupRequired, false); err != nil {
		return err
	}
	g.log.Info().Int64("first_user_id", firstUserID).Msg("initial setup finished")
	return nil
}

// Sweep expires replay and pending entries. Run from the janitor loop.
func (g *Gateway) Sweep(now time.Time) {
	if n := g.replay.sweep(now); n > 0 {
		g.log.Debug().Int("removed", n).Msg("totp replay entries swept")
	}
	if n := g.pending.sweep(now); n > 0 {
		g.log.Debug().Int("removed", n).Msg("pending setups swept")
	}
}

// ValidatePassword applies the length policy shared by every path that
// accepts a new password.
func ValidatePassword(password string) error {
	if len(password) < minPasswordLen || len(password) > maxPasswordLen {
		return ErrPasswordPolicy
	}
	return nil
}

func (g *Gateway) bootstrapWindowOpen(ctx context.Context, user *database.User) bool {
	if user.Username != BootstrapUsername {
		return false
	}
	required, err := g.db.GetStateBool(ctx, database.StateInitialSetupRequired, false)
	if err != nil {
		g.log.Error().Err(err).Msg("initial setup flag read failed")
		return false
	}
	return required
}

func (g *Gateway) securityLog(eventType, username, ip, userAgent string) {
	g.log.Warn().
		Str("event_type", eventType).
		Str("username", username).
		Str("ip", ip).
		Str("user_agent", userAgent).
		Msg("authentication failure")
}
