package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/sparkgap/foxctl/internal/database"
	"github.com/sparkgap/foxctl/internal/enroll"
)

// ProvisioningHandler manages long-lived provisioning keys and serves the
// stateless provision endpoint those keys unlock. Key CRUD requires the
// create_provisioning_key permission; Provision authenticates by bearer key.
type ProvisioningHandler struct {
	svc *enroll.Service
	db  *database.DB
	log zerolog.Logger
}

func NewProvisioningHandler(svc *enroll.Service, db *database.DB, logger zerolog.Logger) *ProvisioningHandler {
	return &ProvisioningHandler{
		svc: svc,
		db:  db,
		log: logger.With().Str("handler", "provisioning").Logger(),
	}
}

func (h *ProvisioningHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.db.ListProvisioningKeys(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("key list failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"keys":  keys,
		"total": len(keys),
	})
}

// CreateKey mints a key and returns the clear value once. Only the hash is
// stored; there is no recovery path for a lost key.
func (h *ProvisioningHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string `json:"description"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteDecodeError(w, err)
		return
	}
	actor := UserFrom(r.Context())
	row, clearKey, err := h.svc.CreateProvisioningKey(r.Context(), req.Description, actor.ID)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("key create failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]any{
		"key_id":      row.KeyID,
		"key":         clearKey,
		"description": row.Description,
		"enabled":     row.Enabled,
		"created_at":  row.CreatedAt,
	})
}

func (h *ProvisioningHandler) UpdateKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "id")
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
	if err := h.db.SetProvisioningKeyEnabled(r.Context(), keyID, *req.Enabled); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "key not found")
			return
		}
		hlog.FromRequest(r).Error().Err(err).Msg("key update failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	status := "disabled"
	if *req.Enabled {
		status = "enabled"
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": status})
}

func (h *ProvisioningHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "id")
	if err := h.db.DeleteProvisioningKey(r.Context(), keyID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "key not found")
			return
		}
		hlog.FromRequest(r).Error().Err(err).Msg("key delete failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

// Provision mints a complete runner credential set. The bearer provisioning
// key is the whole handshake; no session or CSRF is involved.
func (h *ProvisioningHandler) Provision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunnerID string `json:"runner_id"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteDecodeError(w, err)
		return
	}

	result, err := h.svc.Provision(r.Context(), bearerToken(r), req.RunnerID)
	switch {
	case errors.Is(err, enroll.ErrBadRequest):
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	case errors.Is(err, enroll.ErrUnauthorized):
		WriteErrorWithCode(w, http.StatusUnauthorized, ErrUnauthorized, "invalid provisioning key")
		return
	case err != nil:
		hlog.FromRequest(r).Error().Err(err).Msg("provisioning failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]any{
		"runner_id":        result.RunnerID,
		"enrollment_token": result.Token,
		"api_key":          result.APIKey,
		"config_yaml":      result.YAML,
	})
}

// AdminRoutes mounts key CRUD; Provision is mounted separately outside the
// session gates.
func (h *ProvisioningHandler) AdminRoutes(r chi.Router) {
	r.Route("/provisioning/keys", func(r chi.Router) {
		r.Get("/", h.ListKeys)
		r.Post("/", h.CreateKey)
		r.Put("/{id}", h.UpdateKey)
		r.Delete("/{id}", h.DeleteKey)
	})
}
