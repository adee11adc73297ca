package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/sparkgap/foxctl/internal/config"
	"github.com/sparkgap/foxctl/internal/database"
	"github.com/sparkgap/foxctl/internal/events"
	"github.com/sparkgap/foxctl/internal/scheduler"
)

// ControlHandler covers the operator's run-state switches and the read-only
// dashboard feeds: pause/resume, status, recent activity, agent and
// transmission listings.
type ControlHandler struct {
	db    *database.DB
	sched *scheduler.Scheduler
	bus   *events.Bus
	log   zerolog.Logger
}

func NewControlHandler(db *database.DB, sched *scheduler.Scheduler, bus *events.Bus, logger zerolog.Logger) *ControlHandler {
	return &ControlHandler{
		db:    db,
		sched: sched,
		bus:   bus,
		log:   logger.With().Str("handler", "control").Logger(),
	}
}

func (h *ControlHandler) Pause(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.Pause(r.Context()); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("pause failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": "paused"})
}

func (h *ControlHandler) Resume(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.Resume(r.Context()); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("resume failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": "resumed"})
}

func (h *ControlHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	manual, auto, err := h.sched.Paused(ctx)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("pause state read failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	dayStart, err := h.db.GetState(ctx, database.StateDayStart, "")
	if err == nil {
		var endOfDay string
		endOfDay, err = h.db.GetState(ctx, database.StateEndOfDay, "")
		if err == nil {
			var autoDaily bool
			autoDaily, err = h.db.GetStateBool(ctx, database.StateAutoPauseDaily, false)
			if err == nil {
				WriteJSON(w, http.StatusOK, map[string]any{
					"paused":           manual,
					"auto_paused":      auto,
					"day_start":        dayStart,
					"end_of_day":       endOfDay,
					"auto_pause_daily": autoDaily,
				})
				return
			}
		}
	}
	hlog.FromRequest(r).Error().Err(err).Msg("schedule state read failed")
	WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
}

// Dashboard is the single-shot snapshot the admin UI renders on load; the
// websocket stream keeps it current afterwards.
func (h *ControlHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts, err := h.db.ChallengeStatusCounts(ctx)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("status counts failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	agents, err := h.db.ListAgents(ctx, "")
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("agent list failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	tx24h, err := h.db.CountTransmissionsSince(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("transmission count failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	manual, auto, err := h.sched.Paused(ctx)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("pause state read failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}

	type roleCount struct {
		Online int `json:"online"`
		Total  int `json:"total"`
	}
	runners, listeners := roleCount{}, roleCount{}
	for _, a := range agents {
		rc := &runners
		if a.Role == database.RoleListener {
			rc = &listeners
		}
		rc.Total++
		if a.Status == database.AgentOnline {
			rc.Online++
		}
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"challenges":           counts,
		"runners":              runners,
		"listeners":            listeners,
		"transmissions_24h":    tx24h,
		"paused":               manual,
		"auto_paused":          auto,
		"recent_transmissions": h.bus.RecentTransmissions(false),
	})
}

// Logs serves the in-memory ring by default; with ?agent_id= it reads the
// persisted per-agent history instead.
func (h *ControlHandler) Logs(w http.ResponseWriter, r *http.Request) {
	agentID, ok := QueryString(r, "agent_id")
	if !ok {
		logs := h.bus.RecentLogs()
		WriteJSON(w, http.StatusOK, map[string]any{
			"logs":  logs,
			"total": len(logs),
		})
		return
	}

	p := ParsePagination(r)
	logs, err := h.db.ListAgentLogs(r.Context(), agentID, p.Limit, p.Offset)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("agent log list failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"logs":  logs,
		"total": len(logs),
	})
}

// Agents lists the fleet. The route keeps its historical /runners name but
// serves both roles; filter with ?role=runner or ?role=listener.
func (h *ControlHandler) Agents(w http.ResponseWriter, r *http.Request) {
	role, _ := QueryString(r, "role")
	if role != "" && role != database.RoleRunner && role != database.RoleListener {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "unknown role")
		return
	}
	agents, err := h.db.ListAgents(r.Context(), role)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("agent list failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"agents": agents,
		"total":  len(agents),
	})
}

// SetAgentEnabled toggles whether an agent may work. A disabled runner is
// refused at the next poll; its open assignment is left for the reaper.
func (h *ControlHandler) SetAgentEnabled(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
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
	if err := h.db.SetAgentEnabled(r.Context(), id, *req.Enabled); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "agent not found")
			return
		}
		hlog.FromRequest(r).Error().Err(err).Msg("agent enable failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	status := "disabled"
	if *req.Enabled {
		status = "enabled"
	}
	h.log.Info().Str("agent_id", id).Bool("enabled", *req.Enabled).Msg("agent toggled")
	WriteJSON(w, http.StatusOK, map[string]any{"status": status})
}

func (h *ControlHandler) Transmissions(w http.ResponseWriter, r *http.Request) {
	challengeID, _ := QueryInt64(r, "challenge_id")
	p := ParsePagination(r)
	list, err := h.db.ListTransmissions(r.Context(), challengeID, p.Limit, p.Offset)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("transmission list failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"transmissions": list,
		"total":         len(list),
	})
}

func (h *ControlHandler) Recordings(w http.ResponseWriter, r *http.Request) {
	challengeID, _ := QueryInt64(r, "challenge_id")
	p := ParsePagination(r)
	list, err := h.db.ListRecordings(r.Context(), challengeID, p.Limit, p.Offset)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("recording list failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"recordings": list,
		"total":      len(list),
	})
}

// Settings updates the transmit-window schedule. Only the fields present in
// the body change; the scheduler picks the new values up on its next tick.
func (h *ControlHandler) Settings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DayStart       *string `json:"day_start"`
		EndOfDay       *string `json:"end_of_day"`
		AutoPauseDaily *bool   `json:"auto_pause_daily"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteDecodeError(w, err)
		return
	}
	if req.DayStart == nil && req.EndOfDay == nil && req.AutoPauseDaily == nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "nothing to update")
		return
	}
	for _, clock := range []*string{req.DayStart, req.EndOfDay} {
		if clock == nil {
			continue
		}
		if err := config.ValidateClock(*clock); err != nil {
			WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
			return
		}
	}

	ctx := r.Context()
	if req.DayStart != nil {
		if err := h.db.SetState(ctx, database.StateDayStart, *req.DayStart); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("settings write failed")
			WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
			return
		}
	}
	if req.EndOfDay != nil {
		if err := h.db.SetState(ctx, database.StateEndOfDay, *req.EndOfDay); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("settings write failed")
			WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
			return
		}
	}
	if req.AutoPauseDaily != nil {
		if err := h.db.SetStateBool(ctx, database.StateAutoPauseDaily, *req.AutoPauseDaily); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("settings write failed")
			WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
			return
		}
	}

	h.bus.Publish(events.TypeSystemControl, events.TopicAdmin, "", map[string]any{
		"action": "settings",
	})
	h.log.Info().Msg("conference settings updated")
	h.Status(w, r)
}

func (h *ControlHandler) Routes(r chi.Router) {
	r.Route("/control", func(r chi.Router) {
		r.Post("/pause", h.Pause)
		r.Post("/resume", h.Resume)
		r.Get("/status", h.Status)
	})
	r.Get("/dashboard", h.Dashboard)
	r.Get("/logs", h.Logs)
	r.Get("/runners", h.Agents)
	r.Put("/runners/{id}/enable", h.SetAgentEnabled)
	r.Get("/transmissions", h.Transmissions)
	r.Get("/recordings", h.Recordings)
	r.Put("/conference/settings", h.Settings)
}
