package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sparkgap/foxctl/internal/assign"
	"github.com/sparkgap/foxctl/internal/batch"
	"github.com/sparkgap/foxctl/internal/database"
	"github.com/sparkgap/foxctl/internal/events"
	"github.com/sparkgap/foxctl/internal/registry"
)

type stubRegistrar struct {
	agent      *database.Agent
	err        error
	heartbeats []string
	signouts   []string
	gotHost    registry.HostIdentity
	gotDevices json.RawMessage
}

func (s *stubRegistrar) Register(ctx context.Context, id string, host registry.HostIdentity, devices json.RawMessage) (*database.Agent, error) {
	s.gotHost = host
	s.gotDevices = devices
	return s.agent, s.err
}

func (s *stubRegistrar) Heartbeat(ctx context.Context, id string) error {
	s.heartbeats = append(s.heartbeats, id)
	return s.err
}

func (s *stubRegistrar) SignOut(ctx context.Context, id string) error {
	s.signouts = append(s.signouts, id)
	return s.err
}

type stubCoord struct {
	task   *assign.Task
	result *assign.CompleteResult
	err    error

	gotRunner    string
	gotDevice    string
	gotChallenge int64
	gotSuccess   bool
	gotError     string
}

func (s *stubCoord) NextTask(ctx context.Context, runnerID, deviceID string) (*assign.Task, error) {
	s.gotRunner = runnerID
	s.gotDevice = deviceID
	return s.task, s.err
}

func (s *stubCoord) CompleteTask(ctx context.Context, runnerID string, challengeID int64, success bool, errorMessage string) (*assign.CompleteResult, error) {
	s.gotRunner = runnerID
	s.gotChallenge = challengeID
	s.gotSuccess = success
	s.gotError = errorMessage
	return s.result, s.err
}

// withAgent stashes a verified agent on the request the way AgentAuth would.
func withAgent(r *http.Request, a *database.Agent) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), ctxAgent, a))
}

// captureBatcher buffers flushed log lines for assertions.
type captureBatcher struct {
	mu    sync.Mutex
	lines []database.AgentLog
}

func (c *captureBatcher) flush(lines []database.AgentLog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, lines...)
}

func newAgentsHandlerForTest(reg *stubRegistrar, coord *stubCoord) (*AgentsHandler, *captureBatcher, *batch.Batcher[database.AgentLog]) {
	capture := &captureBatcher{}
	logs := batch.NewBatcher(100, time.Hour, capture.flush)
	h := NewAgentsHandler(reg, coord, events.NewBus(), logs, zerolog.Nop())
	return h, capture, logs
}

func TestAgentsTask(t *testing.T) {
	runner := &database.Agent{ID: "fox-01", Role: database.RoleRunner, Status: "online", Enabled: true}

	t.Run("hands_out_task", func(t *testing.T) {
		coord := &stubCoord{task: &assign.Task{
			ChallengeID:    4,
			TransmissionID: 9,
			Name:           "cw-beacon",
			Modulation:     "cw",
			FrequencyHz:    146550000,
			Config:         json.RawMessage(`{"wpm":20}`),
		}}
		h, _, _ := newAgentsHandlerForTest(&stubRegistrar{}, coord)

		rec := httptest.NewRecorder()
		req := withAgent(httptest.NewRequest("GET", "/task?device_id=hackrf-0", nil), runner)
		h.Task(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var resp struct {
			Task *assign.Task `json:"task"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("JSON decode: %v", err)
		}
		if resp.Task == nil || resp.Task.ChallengeID != 4 || resp.Task.FrequencyHz != 146550000 {
			t.Errorf("task = %+v", resp.Task)
		}
		if coord.gotRunner != "fox-01" || coord.gotDevice != "hackrf-0" {
			t.Errorf("coordinator got runner=%q device=%q", coord.gotRunner, coord.gotDevice)
		}
	})

	t.Run("empty_queue_returns_null_task", func(t *testing.T) {
		coord := &stubCoord{err: database.ErrNoneAvailable}
		h, _, _ := newAgentsHandlerForTest(&stubRegistrar{}, coord)

		rec := httptest.NewRecorder()
		req := withAgent(httptest.NewRequest("GET", "/task", nil), runner)
		h.Task(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var resp map[string]json.RawMessage
		json.Unmarshal(rec.Body.Bytes(), &resp)
		if string(resp["task"]) != "null" {
			t.Errorf("task = %s, want null", resp["task"])
		}
	})

	t.Run("listener_gets_403", func(t *testing.T) {
		h, _, _ := newAgentsHandlerForTest(&stubRegistrar{}, &stubCoord{})

		rec := httptest.NewRecorder()
		listener := &database.Agent{ID: "ears-01", Role: database.RoleListener}
		req := withAgent(httptest.NewRequest("GET", "/task", nil), listener)
		h.Task(rec, req)

		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rec.Code)
		}
	})
}

func TestAgentsComplete(t *testing.T) {
	runner := &database.Agent{ID: "fox-01", Role: database.RoleRunner}

	t.Run("records_result_with_next_tx", func(t *testing.T) {
		next := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
		coord := &stubCoord{result: &assign.CompleteResult{NextTx: next}}
		h, _, _ := newAgentsHandlerForTest(&stubRegistrar{}, coord)

		rec := httptest.NewRecorder()
		body := `{"challenge_id": 4, "success": true}`
		req := withAgent(httptest.NewRequest("POST", "/complete", strings.NewReader(body)), runner)
		h.Complete(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var resp map[string]string
		json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp["status"] != "recorded" {
			t.Errorf("status = %q, want recorded", resp["status"])
		}
		if resp["next_tx"] != "2026-08-25T14:30:00Z" {
			t.Errorf("next_tx = %q", resp["next_tx"])
		}
		if !coord.gotSuccess || coord.gotChallenge != 4 {
			t.Errorf("coordinator got success=%v challenge=%d", coord.gotSuccess, coord.gotChallenge)
		}
	})

	t.Run("success_defaults_to_true", func(t *testing.T) {
		coord := &stubCoord{result: &assign.CompleteResult{NextTx: time.Now()}}
		h, _, _ := newAgentsHandlerForTest(&stubRegistrar{}, coord)

		rec := httptest.NewRecorder()
		req := withAgent(httptest.NewRequest("POST", "/complete", strings.NewReader(`{"challenge_id": 2}`)), runner)
		h.Complete(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if !coord.gotSuccess {
			t.Error("success should default to true")
		}
	})

	t.Run("failure_report_passes_error", func(t *testing.T) {
		coord := &stubCoord{result: &assign.CompleteResult{NextTx: time.Now()}}
		h, _, _ := newAgentsHandlerForTest(&stubRegistrar{}, coord)

		rec := httptest.NewRecorder()
		body := `{"challenge_id": 2, "success": false, "error": "PLL unlock"}`
		req := withAgent(httptest.NewRequest("POST", "/complete", strings.NewReader(body)), runner)
		h.Complete(rec, req)

		if coord.gotSuccess {
			t.Error("expected success=false")
		}
		if coord.gotError != "PLL unlock" {
			t.Errorf("error = %q", coord.gotError)
		}
	})

	t.Run("duplicate_omits_next_tx", func(t *testing.T) {
		coord := &stubCoord{result: &assign.CompleteResult{Duplicate: true}}
		h, _, _ := newAgentsHandlerForTest(&stubRegistrar{}, coord)

		rec := httptest.NewRecorder()
		req := withAgent(httptest.NewRequest("POST", "/complete", strings.NewReader(`{"challenge_id": 2}`)), runner)
		h.Complete(rec, req)

		var resp map[string]any
		json.Unmarshal(rec.Body.Bytes(), &resp)
		if _, ok := resp["next_tx"]; ok {
			t.Error("duplicate ack should not carry next_tx")
		}
	})

	t.Run("missing_challenge_id_400", func(t *testing.T) {
		h, _, _ := newAgentsHandlerForTest(&stubRegistrar{}, &stubCoord{})

		rec := httptest.NewRecorder()
		req := withAgent(httptest.NewRequest("POST", "/complete", strings.NewReader(`{}`)), runner)
		h.Complete(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestAgentsLog(t *testing.T) {
	runner := &database.Agent{ID: "fox-01", Role: database.RoleRunner}

	t.Run("single_line", func(t *testing.T) {
		h, capture, logs := newAgentsHandlerForTest(&stubRegistrar{}, &stubCoord{})

		rec := httptest.NewRecorder()
		body := `{"level": "warn", "message": "antenna VSWR high"}`
		req := withAgent(httptest.NewRequest("POST", "/log", strings.NewReader(body)), runner)
		h.Log(rec, req)

		if rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d, want 202", rec.Code)
		}
		logs.Stop()
		if len(capture.lines) != 1 {
			t.Fatalf("batched %d lines, want 1", len(capture.lines))
		}
		if capture.lines[0].Level != "warn" || capture.lines[0].AgentID != "fox-01" {
			t.Errorf("line = %+v", capture.lines[0])
		}
	})

	t.Run("batched_lines_with_default_level", func(t *testing.T) {
		h, capture, logs := newAgentsHandlerForTest(&stubRegistrar{}, &stubCoord{})

		rec := httptest.NewRecorder()
		body := `{"lines": [{"message": "tx start"}, {"level": "error", "message": "tx abort"}]}`
		req := withAgent(httptest.NewRequest("POST", "/log", strings.NewReader(body)), runner)
		h.Log(rec, req)

		if rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d, want 202", rec.Code)
		}
		var resp map[string]any
		json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp["accepted"] != float64(2) {
			t.Errorf("accepted = %v, want 2", resp["accepted"])
		}
		logs.Stop()
		if len(capture.lines) != 2 {
			t.Fatalf("batched %d lines, want 2", len(capture.lines))
		}
		if capture.lines[0].Level != "info" {
			t.Errorf("default level = %q, want info", capture.lines[0].Level)
		}
	})

	t.Run("empty_request_400", func(t *testing.T) {
		h, _, _ := newAgentsHandlerForTest(&stubRegistrar{}, &stubCoord{})

		rec := httptest.NewRecorder()
		req := withAgent(httptest.NewRequest("POST", "/log", strings.NewReader(`{}`)), runner)
		h.Log(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestAgentsLifecycle(t *testing.T) {
	agent := &database.Agent{ID: "fox-01", Role: database.RoleRunner}

	t.Run("heartbeat", func(t *testing.T) {
		reg := &stubRegistrar{}
		h, _, _ := newAgentsHandlerForTest(reg, &stubCoord{})

		rec := httptest.NewRecorder()
		req := withAgent(httptest.NewRequest("POST", "/heartbeat", nil), agent)
		h.Heartbeat(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if len(reg.heartbeats) != 1 || reg.heartbeats[0] != "fox-01" {
			t.Errorf("heartbeats = %v", reg.heartbeats)
		}
	})

	t.Run("signout", func(t *testing.T) {
		reg := &stubRegistrar{}
		h, _, _ := newAgentsHandlerForTest(reg, &stubCoord{})

		rec := httptest.NewRecorder()
		req := withAgent(httptest.NewRequest("POST", "/signout", nil), agent)
		h.SignOut(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if len(reg.signouts) != 1 {
			t.Errorf("signouts = %v", reg.signouts)
		}
	})

	t.Run("register_body_hostname_wins", func(t *testing.T) {
		reg := &stubRegistrar{agent: &database.Agent{ID: "fox-01", Role: database.RoleRunner, Hostname: "fox-pi"}}
		h, _, _ := newAgentsHandlerForTest(reg, &stubCoord{})

		rec := httptest.NewRecorder()
		body := `{"hostname": "fox-pi", "devices": [{"id": "hackrf-0"}]}`
		req := withAgent(httptest.NewRequest("POST", "/agents/register", strings.NewReader(body)), agent)
		req.Header.Set("X-Runner-Hostname", "stale-name")
		h.Register(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if reg.gotHost.Hostname != "fox-pi" {
			t.Errorf("hostname = %q, want body value", reg.gotHost.Hostname)
		}
		if string(reg.gotDevices) != `[{"id": "hackrf-0"}]` {
			t.Errorf("devices = %s", reg.gotDevices)
		}
	})

	t.Run("register_accepts_empty_body", func(t *testing.T) {
		reg := &stubRegistrar{agent: &database.Agent{ID: "fox-01", Role: database.RoleRunner}}
		h, _, _ := newAgentsHandlerForTest(reg, &stubCoord{})

		rec := httptest.NewRecorder()
		req := withAgent(httptest.NewRequest("POST", "/agents/register", strings.NewReader("")), agent)
		req.Header.Set("X-Runner-Hostname", "fox-pi")
		h.Register(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if reg.gotHost.Hostname != "fox-pi" {
			t.Errorf("hostname = %q, want header value", reg.gotHost.Hostname)
		}
	})
}
