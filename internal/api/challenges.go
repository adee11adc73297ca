package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/sparkgap/foxctl/internal/assign"
	"github.com/sparkgap/foxctl/internal/challenge"
	"github.com/sparkgap/foxctl/internal/config"
	"github.com/sparkgap/foxctl/internal/database"
	"github.com/sparkgap/foxctl/internal/scheduler"
)

// ChallengesHandler is the admin CRUD surface for challenge definitions,
// plus the import/reload paths that pull definitions from the event config.
type ChallengesHandler struct {
	db        *database.DB
	sched     *scheduler.Scheduler
	coord     *assign.Coordinator
	live      *config.Live
	eventPath string
	log       zerolog.Logger
}

func NewChallengesHandler(db *database.DB, sched *scheduler.Scheduler, coord *assign.Coordinator, live *config.Live, eventPath string, logger zerolog.Logger) *ChallengesHandler {
	return &ChallengesHandler{
		db:        db,
		sched:     sched,
		coord:     coord,
		live:      live,
		eventPath: eventPath,
		log:       logger.With().Str("handler", "challenges").Logger(),
	}
}

// challengeView decorates a stored row with the scheduler's next transmit
// time, which lives only in memory.
type challengeView struct {
	*database.Challenge
	NextTx *time.Time `json:"next_tx,omitempty"`
}

func (h *ChallengesHandler) view(c *database.Challenge) challengeView {
	v := challengeView{Challenge: c}
	if _, next, ok := h.sched.Timing(c.ID); ok && !next.IsZero() {
		v.NextTx = &next
	}
	return v
}

func (h *ChallengesHandler) List(w http.ResponseWriter, r *http.Request) {
	rows, err := h.db.ListChallenges(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("challenge list failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	views := make([]challengeView, 0, len(rows))
	for _, row := range rows {
		views = append(views, h.view(row))
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"challenges": views,
		"total":      len(views),
	})
}

// decode parses and validates a challenge document against the currently
// loaded frequency ranges. Validation detail goes back to the operator.
func (h *ChallengesHandler) decode(w http.ResponseWriter, r *http.Request) (*challenge.Config, json.RawMessage, bool) {
	var cfg challenge.Config
	if err := DecodeJSON(r, &cfg); err != nil {
		WriteDecodeError(w, err)
		return nil, nil, false
	}
	if err := cfg.Validate(h.live.Ranges()); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return nil, nil, false
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("config round-trip failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return nil, nil, false
	}
	return &cfg, raw, true
}

func (h *ChallengesHandler) Create(w http.ResponseWriter, r *http.Request) {
	cfg, raw, ok := h.decode(w, r)
	if !ok {
		return
	}
	enabled := cfg.Enabled == nil || *cfg.Enabled
	row, err := h.db.CreateChallenge(r.Context(), cfg.Name, cfg.Modulation, raw, enabled, cfg.Priority, cfg.MinDelayS, cfg.MaxDelayS)
	if errors.Is(err, database.ErrConflict) {
		WriteErrorWithCode(w, http.StatusConflict, ErrConflict, fmt.Sprintf("challenge %q already exists", cfg.Name))
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("challenge create failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	h.coord.PublishChallengesUpdate(r.Context())
	WriteJSON(w, http.StatusCreated, h.view(row))
}

func (h *ChallengesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "invalid challenge id")
		return
	}
	row, err := h.db.GetChallenge(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "challenge not found")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("challenge read failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, h.view(row))
}

func (h *ChallengesHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "invalid challenge id")
		return
	}
	cfg, raw, ok := h.decode(w, r)
	if !ok {
		return
	}
	enabled := cfg.Enabled == nil || *cfg.Enabled
	row, err := h.db.UpdateChallenge(r.Context(), id, cfg.Name, cfg.Modulation, raw, enabled, cfg.Priority, cfg.MinDelayS, cfg.MaxDelayS)
	if errors.Is(err, database.ErrNotFound) {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "challenge not found")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("challenge update failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	h.coord.PublishChallengesUpdate(r.Context())
	WriteJSON(w, http.StatusOK, h.view(row))
}

func (h *ChallengesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "invalid challenge id")
		return
	}
	if err := h.db.DeleteChallenge(r.Context(), id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "challenge not found")
			return
		}
		hlog.FromRequest(r).Error().Err(err).Msg("challenge delete failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	h.sched.Forget(id)
	h.coord.PublishChallengesUpdate(r.Context())
	WriteJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

func (h *ChallengesHandler) Enable(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "invalid challenge id")
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
	row, err := h.db.SetChallengeEnabled(r.Context(), id, *req.Enabled)
	if errors.Is(err, database.ErrNotFound) {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "challenge not found")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("challenge enable failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	h.coord.PublishChallengesUpdate(r.Context())
	WriteJSON(w, http.StatusOK, h.view(row))
}

// Trigger arms a challenge for immediate assignment. A currently assigned
// row cannot be triggered; the in-flight transmission must finish first.
func (h *ChallengesHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "invalid challenge id")
		return
	}
	row, err := h.sched.Trigger(r.Context(), id)
	switch {
	case errors.Is(err, database.ErrNotFound):
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "challenge not found")
		return
	case errors.Is(err, database.ErrConflict):
		WriteErrorWithCode(w, http.StatusConflict, ErrConflict, "challenge is currently assigned")
		return
	case err != nil:
		hlog.FromRequest(r).Error().Err(err).Msg("challenge trigger failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "triggered",
		"challenge": h.view(row),
	})
}

// Reload re-reads the event config from disk and re-imports its frequency
// ranges and challenge definitions. A rejected document changes nothing.
func (h *ChallengesHandler) Reload(w http.ResponseWriter, r *http.Request) {
	ef, err := config.LoadEventFile(h.eventPath)
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	}
	h.live.Swap(ef)

	created, updated, err := challenge.SyncFromEventFile(r.Context(), h.db, ef, h.log)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("event config sync failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	h.coord.PublishChallengesUpdate(r.Context())
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "reloaded",
		"created": created,
		"updated": updated,
		"ranges":  len(ef.Ranges),
	})
}

// Import upserts a batch of challenge documents by name. The batch is
// all-or-nothing on validation: one bad entry rejects the request before
// anything is written.
func (h *ChallengesHandler) Import(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Challenges []json.RawMessage `json:"challenges"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteDecodeError(w, err)
		return
	}
	if len(req.Challenges) == 0 {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "challenges is empty")
		return
	}

	ranges := h.live.Ranges()
	cfgs := make([]*challenge.Config, 0, len(req.Challenges))
	for i, raw := range req.Challenges {
		var cfg challenge.Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, fmt.Sprintf("entry %d: %v", i, err))
			return
		}
		if err := cfg.Validate(ranges); err != nil {
			WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, fmt.Sprintf("entry %d (%s): %v", i, cfg.Name, err))
			return
		}
		cfgs = append(cfgs, &cfg)
	}

	created, updated := 0, 0
	for _, cfg := range cfgs {
		raw, err := json.Marshal(cfg)
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("challenge", cfg.Name).Msg("config round-trip failed")
			WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
			return
		}
		enabled := cfg.Enabled == nil || *cfg.Enabled
		_, isNew, err := h.db.UpsertChallengeByName(r.Context(), cfg.Name, cfg.Modulation, raw, enabled, cfg.Priority, cfg.MinDelayS, cfg.MaxDelayS)
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("challenge", cfg.Name).Msg("import upsert failed")
			WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
			return
		}
		if isNew {
			created++
		} else {
			updated++
		}
	}

	h.coord.PublishChallengesUpdate(r.Context())
	h.log.Info().Int("created", created).Int("updated", updated).Msg("challenges imported")
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "imported",
		"created": created,
		"updated": updated,
	})
}

func (h *ChallengesHandler) Routes(r chi.Router) {
	r.Route("/challenges", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Post("/reload", h.Reload)
		r.Post("/import", h.Import)
		r.Get("/{id}", h.Get)
		r.Put("/{id}", h.Update)
		r.Delete("/{id}", h.Delete)
		r.Post("/{id}/enable", h.Enable)
		r.Post("/{id}/trigger", h.Trigger)
	})
}
