package api

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/sparkgap/foxctl/internal/database"
	"github.com/sparkgap/foxctl/internal/events"
	"github.com/sparkgap/foxctl/internal/filestore"
	"github.com/sparkgap/foxctl/internal/metrics"
)

// RecordingStore is the slice of the database the recording flow needs.
type RecordingStore interface {
	CreateRecording(ctx context.Context, rec *database.Recording) error
	CompleteRecording(ctx context.Context, id, listenerID string, durationS float64, failed bool, errorMessage string) (*database.Recording, error)
	AttachRecordingArtifact(ctx context.Context, id, listenerID, sha256 string, width, height int) (*database.Recording, error)
}

// RecordingsHandler takes capture reports from listeners: start when the
// pushed assignment is acted on, complete when the capture closes, upload
// for the rendered waterfall. Listeners may also start unsolicited captures
// with their own recording id.
type RecordingsHandler struct {
	db    RecordingStore
	store *filestore.Store
	bus   *events.Bus
	log   zerolog.Logger
}

func NewRecordingsHandler(db RecordingStore, store *filestore.Store, bus *events.Bus, logger zerolog.Logger) *RecordingsHandler {
	return &RecordingsHandler{
		db:    db,
		store: store,
		bus:   bus,
		log:   logger.With().Str("handler", "recordings").Logger(),
	}
}

func (h *RecordingsHandler) Start(w http.ResponseWriter, r *http.Request) {
	agent := AgentFrom(r.Context())
	if agent.Role != database.RoleListener {
		WriteErrorWithCode(w, http.StatusForbidden, ErrForbidden, "recording is for listeners")
		return
	}

	var req struct {
		RecordingID       string   `json:"recording_id"`
		ChallengeID       *int64   `json:"challenge_id"`
		TransmissionID    *int64   `json:"transmission_id"`
		FrequencyHz       int64    `json:"frequency_hz"`
		SampleRate        int      `json:"sample_rate"`
		ExpectedDurationS *float64 `json:"expected_duration_s"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteDecodeError(w, err)
		return
	}
	if req.RecordingID == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "recording_id is required")
		return
	}
	if req.FrequencyHz <= 0 {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "frequency_hz is required")
		return
	}

	rec := &database.Recording{
		ID:                req.RecordingID,
		TransmissionID:    req.TransmissionID,
		ChallengeID:       req.ChallengeID,
		ListenerID:        agent.ID,
		FrequencyHz:       req.FrequencyHz,
		SampleRate:        req.SampleRate,
		ExpectedDurationS: req.ExpectedDurationS,
	}
	if err := h.db.CreateRecording(r.Context(), rec); err != nil {
		if errors.Is(err, database.ErrConflict) {
			WriteErrorWithCode(w, http.StatusConflict, ErrConflict, "recording already exists")
			return
		}
		hlog.FromRequest(r).Error().Err(err).Str("recording_id", req.RecordingID).Msg("recording create failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}

	h.bus.Publish(events.TypeRecordingStarted, events.TopicAdmin, agent.ID, map[string]any{
		"recording_id": req.RecordingID,
		"listener_id":  agent.ID,
		"challenge_id": req.ChallengeID,
		"frequency_hz": req.FrequencyHz,
	})
	WriteJSON(w, http.StatusCreated, map[string]any{
		"status":       "recording",
		"recording_id": req.RecordingID,
	})
}

// Complete closes a capture. Only the owning listener can close it; a
// wrong or repeated id reads as not found.
func (h *RecordingsHandler) Complete(w http.ResponseWriter, r *http.Request) {
	agent := AgentFrom(r.Context())
	rid := chi.URLParam(r, "rid")

	var req struct {
		DurationS float64 `json:"duration_s"`
		Failed    bool    `json:"failed"`
		Error     string  `json:"error"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteDecodeError(w, err)
		return
	}

	rec, err := h.db.CompleteRecording(r.Context(), rid, agent.ID, req.DurationS, req.Failed, req.Error)
	if errors.Is(err, database.ErrNotFound) {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "recording not found")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("recording_id", rid).Msg("recording complete failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}

	metrics.RecordingsTotal.WithLabelValues(rec.Status).Inc()
	h.bus.Publish(events.TypeRecordingComplete, events.TopicAdmin, agent.ID, map[string]any{
		"recording_id": rec.ID,
		"listener_id":  agent.ID,
		"challenge_id": rec.ChallengeID,
		"status":       rec.Status,
		"duration_s":   req.DurationS,
	})
	WriteJSON(w, http.StatusOK, map[string]any{"status": rec.Status})
}

// Upload attaches the waterfall image. The bytes must decode as PNG; the
// blob lands in the content-addressed store and only its hash plus pixel
// dimensions are kept on the row.
func (h *RecordingsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	agent := AgentFrom(r.Context())
	rid := chi.URLParam(r, "rid")

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		WriteDecodeError(w, err)
		return
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "image file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		WriteDecodeError(w, err)
		return
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "image is not a png")
		return
	}

	sha, _, err := h.store.Save(r.Context(), data, "image/png")
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("recording_id", rid).Msg("waterfall store failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}

	rec, err := h.db.AttachRecordingArtifact(r.Context(), rid, agent.ID, sha, cfg.Width, cfg.Height)
	if errors.Is(err, database.ErrNotFound) {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "recording not found")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("recording_id", rid).Msg("artifact attach failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}

	h.log.Info().
		Str("recording_id", rec.ID).
		Str("listener_id", agent.ID).
		Str("sha256", sha).
		Int("width", cfg.Width).
		Int("height", cfg.Height).
		Msg("waterfall attached")
	WriteJSON(w, http.StatusOK, map[string]any{
		"sha256": sha,
		"width":  cfg.Width,
		"height": cfg.Height,
	})
}

// Routes registers the JSON recording endpoints relative to /agents/{id}.
// Upload is mounted separately with a larger body cap.
func (h *RecordingsHandler) Routes(r chi.Router) {
	r.With(RateLimit(1000, time.Minute)).Post("/recording/start", h.Start)
	r.With(RateLimit(1000, time.Minute)).Post("/recording/{rid}/complete", h.Complete)
}
