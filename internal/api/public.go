package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/sparkgap/foxctl/internal/assign"
	"github.com/sparkgap/foxctl/internal/config"
	"github.com/sparkgap/foxctl/internal/database"
)

// MQTTStatus is the health slice of the optional broker bridge.
type MQTTStatus interface {
	IsConnected() bool
}

// PublicHandler serves the unauthenticated surface: health, the scoreboard
// challenge list, conference metadata, and the named frequency ranges.
type PublicHandler struct {
	db        *database.DB
	coord     *assign.Coordinator
	live      *config.Live
	mqtt      MQTTStatus
	version   string
	startTime time.Time
	log       zerolog.Logger
}

// NewPublicHandler creates the public handler. mqtt may be nil when no
// bridge is configured.
func NewPublicHandler(db *database.DB, coord *assign.Coordinator, live *config.Live, mqtt MQTTStatus, version string, startTime time.Time, logger zerolog.Logger) *PublicHandler {
	return &PublicHandler{
		db:        db,
		coord:     coord,
		live:      live,
		mqtt:      mqtt,
		version:   version,
		startTime: startTime,
		log:       logger.With().Str("handler", "public").Logger(),
	}
}

// HealthResponse reports component status for monitoring.
type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

func (h *PublicHandler) Health(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.HealthCheck(r.Context()); err != nil {
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.mqtt == nil {
		checks["mqtt"] = "not_configured"
	} else if h.mqtt.IsConnected() {
		checks["mqtt"] = "ok"
	} else {
		checks["mqtt"] = "disconnected"
		if status == "healthy" {
			status = "degraded"
		}
	}

	WriteJSON(w, httpStatus, HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: time.Since(h.startTime).Seconds(),
		Checks:        checks,
	})
}

// Challenges serves the public scoreboard: enabled challenges shaped by
// their public_view settings. Flags never appear here.
func (h *PublicHandler) Challenges(w http.ResponseWriter, r *http.Request) {
	list, err := h.coord.PublicChallenges(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("public challenge list failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"challenges": list,
		"total":      len(list),
	})
}

// Conference serves event metadata plus the effective transmit window.
// The window values come from the store so operator edits show up here.
func (h *PublicHandler) Conference(w http.ResponseWriter, r *http.Request) {
	ef := h.live.Snapshot()
	if ef == nil {
		ef = &config.EventFile{}
	}

	dayStart, err := h.db.GetState(r.Context(), database.StateDayStart, ef.Schedule.DayStart)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("schedule state read failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	endOfDay, err := h.db.GetState(r.Context(), database.StateEndOfDay, ef.Schedule.EndOfDay)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("schedule state read failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"conference": map[string]any{
			"name":       ef.Conference.Name,
			"location":   ef.Conference.Location,
			"start_date": ef.Conference.StartDate,
			"end_date":   ef.Conference.EndDate,
			"timezone":   ef.Conference.Timezone,
		},
		"schedule": map[string]any{
			"day_start":  dayStart,
			"end_of_day": endOfDay,
		},
	})
}

// FrequencyRanges serves the named bands challenges may draw from, so
// participants know where to listen.
func (h *PublicHandler) FrequencyRanges(w http.ResponseWriter, r *http.Request) {
	ranges := h.live.Ranges()
	if ranges == nil {
		ranges = map[string]config.FrequencyRange{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ranges": ranges})
}

// Routes registers the public endpoints.
func (h *PublicHandler) Routes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/public/challenges", h.Challenges)
	r.Get("/conference", h.Conference)
	r.Get("/frequency-ranges", h.FrequencyRanges)
}
