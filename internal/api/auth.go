package api

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/sparkgap/foxctl/internal/auth"
	"github.com/sparkgap/foxctl/internal/database"
	"github.com/sparkgap/foxctl/internal/metrics"
)

// AuthHandler fronts the session lifecycle: login, second factor, setup,
// password changes, logout.
type AuthHandler struct {
	gateway *auth.Gateway
	db      *database.DB
	log     zerolog.Logger
}

func NewAuthHandler(gateway *auth.Gateway, db *database.DB, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		gateway: gateway,
		db:      db,
		log:     logger.With().Str("handler", "auth").Logger(),
	}
}

// Login checks the password and mints a session. The response status field
// tells the client which step comes next: totp_required for configured
// accounts, setup_required for temporary ones, authenticated otherwise.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteDecodeError(w, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "username and password are required")
		return
	}

	result, err := h.gateway.Login(r.Context(), req.Username, req.Password, clientIP(r), r.UserAgent())
	if errors.Is(err, auth.ErrInvalidCredentials) {
		metrics.AuthFailuresTotal.WithLabelValues("password").Inc()
		WriteErrorWithCode(w, http.StatusUnauthorized, ErrUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("login failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}

	auth.SetAuthCookies(w, r, result.Session.Token, result.Session.CSRFToken, result.Session.ExpiresAt)

	status := "authenticated"
	switch {
	case result.SetupRequired:
		status = "setup_required"
	case result.TOTPRequired:
		status = "totp_required"
	}
	resp := map[string]any{
		"status":   status,
		"username": result.User.Username,
	}
	if result.PasswordChangeRequired {
		resp["password_change_required"] = true
	}
	WriteJSON(w, http.StatusOK, resp)
}

// VerifyTOTP upgrades a password-only session to verified.
func (h *AuthHandler) VerifyTOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TOTPCode string `json:"totp_code"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteDecodeError(w, err)
		return
	}
	if req.TOTPCode == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "totp_code is required")
		return
	}

	session := SessionFrom(r.Context())
	user := UserFrom(r.Context())
	err := h.gateway.VerifyTOTP(r.Context(), session, user, req.TOTPCode, clientIP(r), r.UserAgent())
	if errors.Is(err, auth.ErrInvalidCredentials) {
		metrics.AuthFailuresTotal.WithLabelValues("totp").Inc()
		WriteErrorWithCode(w, http.StatusUnauthorized, ErrUnauthorized, "invalid code")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("totp verification failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": "authenticated"})
}

// Session reports who the caller is. Anonymous callers get a 200 with
// authenticated=false so the frontend can route without special-casing 401.
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	session := SessionFrom(r.Context())
	user := UserFrom(r.Context())

	setupRequired, err := h.gateway.InitialSetupRequired(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("setup flag read failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}

	if session == nil || user == nil {
		WriteJSON(w, http.StatusOK, map[string]any{
			"authenticated":          false,
			"initial_setup_required": setupRequired,
		})
		return
	}

	perms, err := h.db.GetPermissions(r.Context(), user.ID)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("permission lookup failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"authenticated":            session.TOTPVerified,
		"username":                 user.Username,
		"totp_verified":            session.TOTPVerified,
		"setup_required":           user.IsTemporary,
		"password_change_required": user.PasswordChangeRequired,
		"permissions":              perms,
		"initial_setup_required":   setupRequired,
		"expires_at":               session.ExpiresAt,
	})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	session := SessionFrom(r.Context())
	if err := h.gateway.Logout(r.Context(), session.Token); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("logout failed")
	}
	auth.ClearAuthCookies(w, r)
	WriteJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteDecodeError(w, err)
		return
	}

	session := SessionFrom(r.Context())
	user := UserFrom(r.Context())
	err := h.gateway.ChangePassword(r.Context(), session, user, req.CurrentPassword, req.NewPassword)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		metrics.AuthFailuresTotal.WithLabelValues("password").Inc()
		WriteErrorWithCode(w, http.StatusUnauthorized, ErrUnauthorized, "invalid credentials")
		return
	case errors.Is(err, auth.ErrPasswordPolicy):
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	case err != nil:
		hlog.FromRequest(r).Error().Err(err).Msg("password change failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": "password_changed"})
}

// CompleteSetup takes a temporary account through step one of first login:
// set a real password, receive the TOTP provisioning URI.
func (h *AuthHandler) CompleteSetup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewPassword string `json:"new_password"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteDecodeError(w, err)
		return
	}

	session := SessionFrom(r.Context())
	user := UserFrom(r.Context())
	uri, err := h.gateway.CompleteSetup(r.Context(), session, user, req.NewPassword)
	switch {
	case errors.Is(err, auth.ErrPasswordPolicy):
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		WriteErrorWithCode(w, http.StatusUnauthorized, ErrUnauthorized, "setup not available for this account")
		return
	case err != nil:
		hlog.FromRequest(r).Error().Err(err).Msg("setup failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":           "totp_setup",
		"provisioning_uri": uri,
	})
}

// VerifySetup is step two: confirm the enrolled authenticator works. Only
// then do the new credentials count.
func (h *AuthHandler) VerifySetup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TOTPCode string `json:"totp_code"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteDecodeError(w, err)
		return
	}
	if req.TOTPCode == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "totp_code is required")
		return
	}

	session := SessionFrom(r.Context())
	user := UserFrom(r.Context())
	err := h.gateway.VerifySetup(r.Context(), session, user, req.TOTPCode, clientIP(r), r.UserAgent())
	if errors.Is(err, auth.ErrInvalidCredentials) {
		metrics.AuthFailuresTotal.WithLabelValues("totp").Inc()
		WriteErrorWithCode(w, http.StatusUnauthorized, ErrUnauthorized, "invalid code")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("setup verification failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": "authenticated"})
}
