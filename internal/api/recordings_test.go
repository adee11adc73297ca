package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/sparkgap/foxctl/internal/database"
	"github.com/sparkgap/foxctl/internal/events"
	"github.com/sparkgap/foxctl/internal/filestore"
)

type stubRecordingStore struct {
	created   *database.Recording
	completed *database.Recording
	attached  *database.Recording
	err       error

	gotID       string
	gotListener string
	gotSHA      string
	gotWidth    int
	gotHeight   int
	gotFailed   bool
}

func (s *stubRecordingStore) CreateRecording(ctx context.Context, rec *database.Recording) error {
	s.created = rec
	return s.err
}

func (s *stubRecordingStore) CompleteRecording(ctx context.Context, id, listenerID string, durationS float64, failed bool, errorMessage string) (*database.Recording, error) {
	s.gotID = id
	s.gotListener = listenerID
	s.gotFailed = failed
	return s.completed, s.err
}

func (s *stubRecordingStore) AttachRecordingArtifact(ctx context.Context, id, listenerID, sha256 string, width, height int) (*database.Recording, error) {
	s.gotID = id
	s.gotListener = listenerID
	s.gotSHA = sha256
	s.gotWidth = width
	s.gotHeight = height
	return s.attached, s.err
}

func newRecordingsHandlerForTest(t *testing.T, db *stubRecordingStore) *RecordingsHandler {
	t.Helper()
	store, err := filestore.New(t.TempDir(), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	return NewRecordingsHandler(db, store, events.NewBus(), zerolog.Nop())
}

func withRecordingID(r *http.Request, rid string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("rid", rid)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestRecordingsStart(t *testing.T) {
	listener := &database.Agent{ID: "ears-01", Role: database.RoleListener}

	t.Run("creates_recording", func(t *testing.T) {
		db := &stubRecordingStore{}
		h := newRecordingsHandlerForTest(t, db)

		body := `{"recording_id": "rec-7", "challenge_id": 4, "frequency_hz": 146550000, "sample_rate": 2400000, "expected_duration_s": 30}`
		rec := httptest.NewRecorder()
		req := withAgent(httptest.NewRequest("POST", "/recording/start", strings.NewReader(body)), listener)
		h.Start(rec, req)

		if rec.Code != http.StatusCreated {
			t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body)
		}
		if db.created == nil || db.created.ID != "rec-7" || db.created.ListenerID != "ears-01" {
			t.Errorf("created = %+v", db.created)
		}
		if db.created.ChallengeID == nil || *db.created.ChallengeID != 4 {
			t.Error("challenge_id not carried through")
		}
	})

	t.Run("runner_gets_403", func(t *testing.T) {
		h := newRecordingsHandlerForTest(t, &stubRecordingStore{})

		rec := httptest.NewRecorder()
		runner := &database.Agent{ID: "fox-01", Role: database.RoleRunner}
		body := `{"recording_id": "rec-7", "frequency_hz": 146550000}`
		req := withAgent(httptest.NewRequest("POST", "/recording/start", strings.NewReader(body)), runner)
		h.Start(rec, req)

		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rec.Code)
		}
	})

	t.Run("missing_recording_id_400", func(t *testing.T) {
		h := newRecordingsHandlerForTest(t, &stubRecordingStore{})

		rec := httptest.NewRecorder()
		req := withAgent(httptest.NewRequest("POST", "/recording/start", strings.NewReader(`{"frequency_hz": 146550000}`)), listener)
		h.Start(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("missing_frequency_400", func(t *testing.T) {
		h := newRecordingsHandlerForTest(t, &stubRecordingStore{})

		rec := httptest.NewRecorder()
		req := withAgent(httptest.NewRequest("POST", "/recording/start", strings.NewReader(`{"recording_id": "rec-7"}`)), listener)
		h.Start(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("duplicate_id_409", func(t *testing.T) {
		db := &stubRecordingStore{err: database.ErrConflict}
		h := newRecordingsHandlerForTest(t, db)

		rec := httptest.NewRecorder()
		body := `{"recording_id": "rec-7", "frequency_hz": 146550000}`
		req := withAgent(httptest.NewRequest("POST", "/recording/start", strings.NewReader(body)), listener)
		h.Start(rec, req)

		if rec.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", rec.Code)
		}
	})
}

func TestRecordingsComplete(t *testing.T) {
	listener := &database.Agent{ID: "ears-01", Role: database.RoleListener}

	t.Run("closes_recording", func(t *testing.T) {
		db := &stubRecordingStore{completed: &database.Recording{ID: "rec-7", Status: "complete"}}
		h := newRecordingsHandlerForTest(t, db)

		rec := httptest.NewRecorder()
		req := withAgent(httptest.NewRequest("POST", "/recording/rec-7/complete", strings.NewReader(`{"duration_s": 29.4}`)), listener)
		h.Complete(rec, withRecordingID(req, "rec-7"))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var resp map[string]string
		json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp["status"] != "complete" {
			t.Errorf("status = %q", resp["status"])
		}
		if db.gotID != "rec-7" || db.gotListener != "ears-01" {
			t.Errorf("store got id=%q listener=%q", db.gotID, db.gotListener)
		}
	})

	t.Run("failed_capture", func(t *testing.T) {
		db := &stubRecordingStore{completed: &database.Recording{ID: "rec-7", Status: "failed"}}
		h := newRecordingsHandlerForTest(t, db)

		rec := httptest.NewRecorder()
		body := `{"failed": true, "error": "SDR overrun"}`
		req := withAgent(httptest.NewRequest("POST", "/recording/rec-7/complete", strings.NewReader(body)), listener)
		h.Complete(rec, withRecordingID(req, "rec-7"))

		if !db.gotFailed {
			t.Error("failed flag not passed through")
		}
	})

	t.Run("wrong_owner_404", func(t *testing.T) {
		db := &stubRecordingStore{err: database.ErrNotFound}
		h := newRecordingsHandlerForTest(t, db)

		rec := httptest.NewRecorder()
		req := withAgent(httptest.NewRequest("POST", "/recording/rec-7/complete", strings.NewReader(`{}`)), listener)
		h.Complete(rec, withRecordingID(req, "rec-7"))

		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func imageUpload(t *testing.T, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", "waterfall.png")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write(data)
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestRecordingsUpload(t *testing.T) {
	listener := &database.Agent{ID: "ears-01", Role: database.RoleListener}

	t.Run("attaches_waterfall", func(t *testing.T) {
		db := &stubRecordingStore{attached: &database.Recording{ID: "rec-7"}}
		h := newRecordingsHandlerForTest(t, db)

		img := pngBytes(t, 640, 480)
		body, contentType := imageUpload(t, img)
		rec := httptest.NewRecorder()
		req := withAgent(httptest.NewRequest("POST", "/recording/rec-7/upload", body), listener)
		req.Header.Set("Content-Type", contentType)
		h.Upload(rec, withRecordingID(req, "rec-7"))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
		}
		if db.gotSHA != filestore.HashBytes(img) {
			t.Errorf("sha = %q, want content hash", db.gotSHA)
		}
		if db.gotWidth != 640 || db.gotHeight != 480 {
			t.Errorf("dimensions = %dx%d, want 640x480", db.gotWidth, db.gotHeight)
		}
	})

	t.Run("rejects_non_png", func(t *testing.T) {
		h := newRecordingsHandlerForTest(t, &stubRecordingStore{})

		body, contentType := imageUpload(t, []byte("JFIF not png"))
		rec := httptest.NewRecorder()
		req := withAgent(httptest.NewRequest("POST", "/recording/rec-7/upload", body), listener)
		req.Header.Set("Content-Type", contentType)
		h.Upload(rec, withRecordingID(req, "rec-7"))

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("unknown_recording_404", func(t *testing.T) {
		db := &stubRecordingStore{err: database.ErrNotFound}
		h := newRecordingsHandlerForTest(t, db)

		body, contentType := imageUpload(t, pngBytes(t, 8, 8))
		rec := httptest.NewRecorder()
		req := withAgent(httptest.NewRequest("POST", "/recording/rec-9/upload", body), listener)
		req.Header.Set("Content-Type", contentType)
		h.Upload(rec, withRecordingID(req, "rec-9"))

		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}
