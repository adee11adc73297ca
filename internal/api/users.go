package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/sparkgap/foxctl/internal/auth"
	"github.com/sparkgap/foxctl/internal/database"
)

// UsersHandler is the operator account admin surface. Everything here
// needs the create_users grant, with one carve-out: while
// initial_setup_required is set, the bootstrap session may create the
// first real user without it.
type UsersHandler struct {
	db      *database.DB
	gateway *auth.Gateway
	log     zerolog.Logger
}

func NewUsersHandler(db *database.DB, gateway *auth.Gateway, logger zerolog.Logger) *UsersHandler {
	return &UsersHandler{
		db:      db,
		gateway: gateway,
		log:     logger.With().Str("handler", "users").Logger(),
	}
}

// canManage reports whether the caller holds create_users. Errors are
// already written; callers just return on false.
func (h *UsersHandler) canManage(w http.ResponseWriter, r *http.Request) bool {
	user := UserFrom(r.Context())
	ok, err := h.db.HasPermission(r.Context(), user.ID, database.PermCreateUsers)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("permission lookup failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return false
	}
	if !ok {
		WriteErrorWithCode(w, http.StatusForbidden, ErrForbidden, "permission denied")
		return false
	}
	return true
}

func (h *UsersHandler) List(w http.ResponseWriter, r *http.Request) {
	if !h.canManage(w, r) {
		return
	}
	users, err := h.db.ListUsers(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("user list failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"users": users,
		"total": len(users),
	})
}

// Create makes a temporary account. During the initial-setup window the
// permission check is bypassed and the first created user inherits both
// grants; that path also retires the bootstrap account.
func (h *UsersHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteDecodeError(w, err)
		return
	}
	if req.Username == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "username is required")
		return
	}
	if len(req.Username) > 64 {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "username too long")
		return
	}

	actor := UserFrom(r.Context())
	hasGrant, err := h.db.HasPermission(r.Context(), actor.ID, database.PermCreateUsers)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("permission lookup failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	setupWindow := false
	if !hasGrant {
		setupWindow, err = h.gateway.InitialSetupRequired(r.Context())
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("setup flag read failed")
			WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
			return
		}
		if !setupWindow {
			WriteErrorWithCode(w, http.StatusForbidden, ErrForbidden, "permission denied")
			return
		}
	}

	user, minted, err := h.gateway.CreateUser(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, database.ErrConflict):
		WriteErrorWithCode(w, http.StatusConflict, ErrConflict, "username already exists")
		return
	case errors.Is(err, auth.ErrPasswordPolicy):
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	case err != nil:
		hlog.FromRequest(r).Error().Err(err).Msg("user creation failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}

	if setupWindow {
		if err := h.gateway.FinishInitialSetup(r.Context(), user.ID, actor.ID); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("initial setup finish failed")
			WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
			return
		}
	}

	resp := map[string]any{"user": user}
	if minted != "" {
		resp["temporary_password"] = minted
	}
	WriteJSON(w, http.StatusCreated, resp)
}

// Update toggles an account. Disabling also revokes the target's sessions;
// disabling yourself is refused.
func (h *UsersHandler) Update(w http.ResponseWriter, r *http.Request) {
	if !h.canManage(w, r) {
		return
	}
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "invalid user id")
		return
	}
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteDecodeError(w, err)
		return
	}
	if req.Enabled == nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "enabled is required")
		return
	}

	actor := UserFrom(r.Context())
	if id == actor.ID && !*req.Enabled {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "cannot disable your own account")
		return
	}

	if err := h.db.SetUserEnabled(r.Context(), id, *req.Enabled); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "user not found")
			return
		}
		hlog.FromRequest(r).Error().Err(err).Msg("user update failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	if !*req.Enabled {
		if _, err := h.db.DeleteUserSessions(r.Context(), id, ""); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("session revocation failed")
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": "updated", "enabled": *req.Enabled})
}

func (h *UsersHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if !h.canManage(w, r) {
		return
	}
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "invalid user id")
		return
	}
	actor := UserFrom(r.Context())
	if id == actor.ID {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "cannot delete your own account")
		return
	}
	if err := h.db.DeleteUser(r.Context(), id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "user not found")
			return
		}
		hlog.FromRequest(r).Error().Err(err).Msg("user delete failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

func (h *UsersHandler) ResetTOTP(w http.ResponseWriter, r *http.Request) {
	if !h.canManage(w, r) {
		return
	}
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "invalid user id")
		return
	}
	if err := h.gateway.AdminResetTOTP(r.Context(), id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "user not found")
			return
		}
		hlog.FromRequest(r).Error().Err(err).Msg("totp reset failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": "totp_reset"})
}

// ResetPassword mints a one-time password for the target. It appears in
// this response and nowhere else.
func (h *UsersHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	if !h.canManage(w, r) {
		return
	}
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "invalid user id")
		return
	}
	password, err := h.gateway.AdminResetPassword(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "user not found")
			return
		}
		hlog.FromRequest(r).Error().Err(err).Msg("password reset failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":   "password_reset",
		"password": password,
	})
}

func (h *UsersHandler) Permissions(w http.ResponseWriter, r *http.Request) {
	if !h.canManage(w, r) {
		return
	}
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "invalid user id")
		return
	}
	perms, err := h.db.GetPermissions(r.Context(), id)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("permission list failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *UsersHandler) Grant(w http.ResponseWriter, r *http.Request) {
	if !h.canManage(w, r) {
		return
	}
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "invalid user id")
		return
	}
	var req struct {
		Permission string `json:"permission"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteDecodeError(w, err)
		return
	}
	if !database.KnownPermissions[req.Permission] {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "unknown permission")
		return
	}
	actor := UserFrom(r.Context())
	if err := h.db.GrantPermission(r.Context(), id, req.Permission, actor.ID); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("permission grant failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": "granted"})
}

// Revoke removes a grant. Revoking your own create_users would lock the
// fleet out of account admin, so it is refused.
func (h *UsersHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if !h.canManage(w, r) {
		return
	}
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "invalid user id")
		return
	}
	permission := chi.URLParam(r, "permission")
	actor := UserFrom(r.Context())
	if id == actor.ID && permission == database.PermCreateUsers {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "cannot revoke your own create_users permission")
		return
	}
	if err := h.db.RevokePermission(r.Context(), id, permission); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "permission not granted")
			return
		}
		hlog.FromRequest(r).Error().Err(err).Msg("permission revoke failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

// Routes registers user admin endpoints. The create route is also the
// initial-setup door, so the grant check lives in the handlers rather
// than a RequirePermission gate.
func (h *UsersHandler) Routes(r chi.Router) {
	r.Route("/users", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Put("/{id}", h.Update)
		r.Delete("/{id}", h.Delete)
		r.Post("/{id}/reset-totp", h.ResetTOTP)
		r.Post("/{id}/reset-password", h.ResetPassword)
		r.Get("/{id}/permissions", h.Permissions)
		r.Post("/{id}/permissions", h.Grant)
		r.Delete("/{id}/permissions/{permission}", h.Revoke)
	})
}
