package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/sparkgap/foxctl/internal/database"
	"github.com/sparkgap/foxctl/internal/enroll"
)

// EnrollmentHandler has two faces: token administration for operators, and
// the open enroll endpoint a new host calls with a token instead of a
// session. Only AdminRoutes sits behind auth; Enroll authenticates by token.
type EnrollmentHandler struct {
	svc *enroll.Service
	db  *database.DB
	log zerolog.Logger
}

func NewEnrollmentHandler(svc *enroll.Service, db *database.DB, logger zerolog.Logger) *EnrollmentHandler {
	return &EnrollmentHandler{
		svc: svc,
		db:  db,
		log: logger.With().Str("handler", "enrollment").Logger(),
	}
}

func (h *EnrollmentHandler) Mint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentName  string `json:"agent_name"`
		ReEnrollID string `json:"re_enroll_id"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteDecodeError(w, err)
		return
	}
	actor := UserFrom(r.Context())
	token, err := h.svc.MintToken(r.Context(), req.AgentName, actor.ID, req.ReEnrollID)
	if errors.Is(err, database.ErrNotFound) {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "agent not found")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("token mint failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusCreated, token)
}

func (h *EnrollmentHandler) ListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.db.ListEnrollmentTokens(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("token list failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"tokens": tokens,
		"total":  len(tokens),
	})
}

func (h *EnrollmentHandler) DeleteToken(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if err := h.db.DeleteEnrollmentToken(r.Context(), token); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "token not found")
			return
		}
		hlog.FromRequest(r).Error().Err(err).Msg("token delete failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

// ReEnroll mints a token pinned to an existing agent so a replacement host
// can take over its identity.
func (h *EnrollmentHandler) ReEnroll(w http.ResponseWriter, r *http.Request) {
	runnerID := chi.URLParam(r, "runner_id")
	actor := UserFrom(r.Context())
	token, err := h.svc.MintToken(r.Context(), "", actor.ID, runnerID)
	if errors.Is(err, database.ErrNotFound) {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "agent not found")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("re-enroll mint failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusCreated, token)
}

// Enroll converts a one-shot token plus a host-minted API key into an agent
// row. No session: the token is the credential.
func (h *EnrollmentHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token     string          `json:"token"`
		AgentID   string          `json:"agent_id"`
		APIKey    string          `json:"api_key"`
		Role      string          `json:"role"`
		Hostname  string          `json:"hostname"`
		MAC       string          `json:"mac"`
		MachineID string          `json:"machine_id"`
		Devices   json.RawMessage `json:"devices"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteDecodeError(w, err)
		return
	}

	agent, err := h.svc.Enroll(r.Context(), enroll.Request{
		Token:     req.Token,
		APIKey:    req.APIKey,
		AgentID:   req.AgentID,
		Role:      req.Role,
		Hostname:  req.Hostname,
		IP:        clientIP(r),
		MAC:       req.MAC,
		MachineID: req.MachineID,
		Devices:   req.Devices,
	})
	switch {
	case errors.Is(err, enroll.ErrBadRequest):
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	case errors.Is(err, enroll.ErrUnauthorized):
		WriteErrorWithCode(w, http.StatusUnauthorized, ErrUnauthorized, "invalid enrollment token")
		return
	case errors.Is(err, database.ErrConflict):
		WriteErrorWithCode(w, http.StatusConflict, ErrConflict, "token already used or agent exists")
		return
	case err != nil:
		hlog.FromRequest(r).Error().Err(err).Msg("enrollment failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusCreated, agent)
}

// AdminRoutes registers the token-management surface. Paths are flat so the
// open enroll endpoint can share the /enrollment prefix from another group.
func (h *EnrollmentHandler) AdminRoutes(r chi.Router) {
	r.Post("/enrollment/token", h.Mint)
	r.Get("/enrollment/tokens", h.ListTokens)
	r.Delete("/enrollment/token/{token}", h.DeleteToken)
	r.Post("/enrollment/re-enroll/{runner_id}", h.ReEnroll)
}
