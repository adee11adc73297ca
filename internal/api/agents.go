package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/sparkgap/foxctl/internal/assign"
	"github.com/sparkgap/foxctl/internal/batch"
	"github.com/sparkgap/foxctl/internal/database"
	"github.com/sparkgap/foxctl/internal/events"
	"github.com/sparkgap/foxctl/internal/metrics"
	"github.com/sparkgap/foxctl/internal/registry"
)

// AgentRegistrar is the lifecycle slice of the registry the handler needs.
type AgentRegistrar interface {
	Register(ctx context.Context, id string, host registry.HostIdentity, devices json.RawMessage) (*database.Agent, error)
	Heartbeat(ctx context.Context, id string) error
	SignOut(ctx context.Context, id string) error
}

// TaskCoordinator hands out and closes transmissions. Implemented by
// assign.Coordinator.
type TaskCoordinator interface {
	NextTask(ctx context.Context, runnerID, deviceID string) (*assign.Task, error)
	CompleteTask(ctx context.Context, runnerID string, challengeID int64, success bool, errorMessage string) (*assign.CompleteResult, error)
}

// AgentsHandler serves the agent-facing REST surface. AgentAuth has
// already verified the caller; every handler trusts the context agent.
type AgentsHandler struct {
	registrar AgentRegistrar
	coord     TaskCoordinator
	bus       *events.Bus
	logs      *batch.Batcher[database.AgentLog]
	log       zerolog.Logger
}

func NewAgentsHandler(registrar AgentRegistrar, coord TaskCoordinator, bus *events.Bus, logs *batch.Batcher[database.AgentLog], logger zerolog.Logger) *AgentsHandler {
	return &AgentsHandler{
		registrar: registrar,
		coord:     coord,
		bus:       bus,
		logs:      logs,
		log:       logger.With().Str("handler", "agents").Logger(),
	}
}

// Register refreshes the caller's row: devices, host identity, online.
// Registration is idempotent; agents re-register on every boot. An empty
// body is fine, the host headers alone are enough.
func (h *AgentsHandler) Register(w http.ResponseWriter, r *http.Request) {
	agent := AgentFrom(r.Context())

	var req struct {
		Hostname string          `json:"hostname"`
		Devices  json.RawMessage `json:"devices"`
	}
	if err := DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		WriteDecodeError(w, err)
		return
	}

	host := hostIdentity(r)
	if req.Hostname != "" {
		host.Hostname = req.Hostname
	}

	updated, err := h.registrar.Register(r.Context(), agent.ID, host, req.Devices)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("agent_id", agent.ID).Msg("registration failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, updated)
}

func (h *AgentsHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	agent := AgentFrom(r.Context())
	if err := h.registrar.Heartbeat(r.Context(), agent.ID); err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("agent_id", agent.ID).Msg("heartbeat failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *AgentsHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	agent := AgentFrom(r.Context())
	if err := h.registrar.SignOut(r.Context(), agent.ID); err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("agent_id", agent.ID).Msg("signout failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// Task hands the polling runner its next transmission. An empty queue is
// not an error: {task: null} tells the runner to sleep and poll again.
func (h *AgentsHandler) Task(w http.ResponseWriter, r *http.Request) {
	agent := AgentFrom(r.Context())
	if agent.Role != database.RoleRunner {
		WriteErrorWithCode(w, http.StatusForbidden, ErrForbidden, "task polling is for runners")
		return
	}

	deviceID, _ := QueryString(r, "device_id")
	task, err := h.coord.NextTask(r.Context(), agent.ID, deviceID)
	if errors.Is(err, database.ErrNoneAvailable) {
		WriteJSON(w, http.StatusOK, map[string]any{"task": nil})
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("agent_id", agent.ID).Msg("task assignment failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"task": task})
}

// Complete takes the runner's transmission report. A duplicate report for
// a challenge that already cycled back is acknowledged the same way; the
// runner cannot tell and should not care.
func (h *AgentsHandler) Complete(w http.ResponseWriter, r *http.Request) {
	agent := AgentFrom(r.Context())

	var req struct {
		ChallengeID int64  `json:"challenge_id"`
		Success     *bool  `json:"success"`
		Error       string `json:"error"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteDecodeError(w, err)
		return
	}
	if req.ChallengeID == 0 {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "challenge_id is required")
		return
	}
	success := req.Success == nil || *req.Success

	result, err := h.coord.CompleteTask(r.Context(), agent.ID, req.ChallengeID, success, req.Error)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).
			Str("agent_id", agent.ID).
			Int64("challenge_id", req.ChallengeID).
			Msg("completion failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}

	resp := map[string]any{"status": "recorded"}
	if !result.Duplicate {
		resp["next_tx"] = result.NextTx.UTC().Format(time.RFC3339)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// Log ingests agent log lines, single or batched. Lines are buffered into
// grouped inserts and fanned out to the admin event stream.
func (h *AgentsHandler) Log(w http.ResponseWriter, r *http.Request) {
	agent := AgentFrom(r.Context())

	var req struct {
		Level   string `json:"level"`
		Message string `json:"message"`
		Lines   []struct {
			Level   string `json:"level"`
			Message string `json:"message"`
		} `json:"lines"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteDecodeError(w, err)
		return
	}

	lines := req.Lines
	if len(lines) == 0 && req.Message != "" {
		lines = append(lines, struct {
			Level   string `json:"level"`
			Message string `json:"message"`
		}{req.Level, req.Message})
	}
	if len(lines) == 0 {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "no log lines")
		return
	}

	now := time.Now()
	for _, line := range lines {
		level := line.Level
		if level == "" {
			level = "info"
		}
		h.logs.Add(database.AgentLog{
			AgentID:  agent.ID,
			Level:    level,
			Message:  line.Message,
			LoggedAt: now,
		})
		h.bus.Publish(events.TypeLog, events.TopicAdmin, agent.ID, map[string]any{
			"agent_id": agent.ID,
			"level":    level,
			"message":  line.Message,
		})
		metrics.AgentLogLinesTotal.Inc()
	}

	WriteJSON(w, http.StatusAccepted, map[string]any{
		"status":   "ok",
		"accepted": len(lines),
	})
}

// Routes registers the per-agent endpoints relative to the /agents/{id}
// subtree the server owns. Register is mounted there separately because it
// also answers on the legacy /runners/register path. Every endpoint carries
// its own request budget.
func (h *AgentsHandler) Routes(r chi.Router) {
	r.With(RateLimit(1000, time.Minute)).Post("/heartbeat", h.Heartbeat)
	r.With(RateLimit(1000, time.Minute)).Post("/signout", h.SignOut)
	r.With(RateLimit(1000, time.Minute)).Get("/task", h.Task)
	r.With(RateLimit(1000, time.Minute)).Post("/complete", h.Complete)
	r.With(RateLimit(1000, time.Minute)).Post("/log", h.Log)
}
