package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/sparkgap/foxctl/internal/database"
	"github.com/sparkgap/foxctl/internal/filestore"
)

type stubFileMeta struct {
	files   map[string]*database.File
	upserts int
	err     error
}

func (s *stubFileMeta) UpsertFile(ctx context.Context, f *database.File) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	s.upserts++
	if s.files == nil {
		s.files = map[string]*database.File{}
	}
	if _, ok := s.files[f.SHA256]; ok {
		return false, nil
	}
	s.files[f.SHA256] = f
	return true, nil
}

func (s *stubFileMeta) GetFile(ctx context.Context, sha256 string) (*database.File, error) {
	if f, ok := s.files[sha256]; ok {
		return f, nil
	}
	return nil, database.ErrNotFound
}

func (s *stubFileMeta) ListFiles(ctx context.Context, limit, offset int) ([]*database.File, error) {
	out := make([]*database.File, 0, len(s.files))
	for _, f := range s.files {
		out = append(out, f)
	}
	return out, nil
}

func newFilesHandlerForTest(t *testing.T, meta *stubFileMeta) (*FilesHandler, *filestore.Store) {
	t.Helper()
	store, err := filestore.New(t.TempDir(), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	return NewFilesHandler(meta, store, zerolog.Nop()), store
}

func multipartBody(t *testing.T, filename string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatalf("part write: %v", err)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestFilesUpload(t *testing.T) {
	payload := []byte("CQ CQ CQ de FOXCTL")
	sha := filestore.HashBytes(payload)

	t.Run("stores_new_file", func(t *testing.T) {
		meta := &stubFileMeta{}
		h, store := newFilesHandlerForTest(t, meta)

		body, contentType := multipartBody(t, "beacon.wav", payload, nil)
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/files", body)
		req.Header.Set("Content-Type", contentType)
		h.Upload(rec, req)

		if rec.Code != http.StatusCreated {
			t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body)
		}
		var resp struct {
			SHA256  string `json:"sha256"`
			Created bool   `json:"created"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("JSON decode: %v", err)
		}
		if resp.SHA256 != sha || !resp.Created {
			t.Errorf("resp = %+v, want sha %s created", resp, sha)
		}
		if !store.Exists(context.Background(), sha) {
			t.Error("blob missing from store")
		}
		if meta.files[sha] == nil || meta.files[sha].Filename != "beacon.wav" {
			t.Errorf("metadata = %+v", meta.files[sha])
		}
	})

	t.Run("reupload_is_idempotent", func(t *testing.T) {
		meta := &stubFileMeta{}
		h, _ := newFilesHandlerForTest(t, meta)

		for i, want := range []int{http.StatusCreated, http.StatusOK} {
			body, contentType := multipartBody(t, "beacon.wav", payload, nil)
			rec := httptest.NewRecorder()
			req := httptest.NewRequest("POST", "/files", body)
			req.Header.Set("Content-Type", contentType)
			h.Upload(rec, req)
			if rec.Code != want {
				t.Fatalf("upload %d: status = %d, want %d", i+1, rec.Code, want)
			}
		}
	})

	t.Run("rejects_disallowed_extension", func(t *testing.T) {
		meta := &stubFileMeta{}
		h, store := newFilesHandlerForTest(t, meta)

		body, contentType := multipartBody(t, "payload.exe", payload, nil)
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/files", body)
		req.Header.Set("Content-Type", contentType)
		h.Upload(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if store.Exists(context.Background(), sha) {
			t.Error("rejected upload must not reach the store")
		}
	})

	t.Run("rejects_sha256_mismatch_before_write", func(t *testing.T) {
		meta := &stubFileMeta{}
		h, store := newFilesHandlerForTest(t, meta)

		wrong := strings.Repeat("a", 64)
		body, contentType := multipartBody(t, "beacon.wav", payload, map[string]string{"sha256": wrong})
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/files", body)
		req.Header.Set("Content-Type", contentType)
		h.Upload(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if store.Exists(context.Background(), sha) || meta.upserts != 0 {
			t.Error("mismatched upload must not be persisted")
		}
	})

	t.Run("accepts_matching_claimed_sha256", func(t *testing.T) {
		meta := &stubFileMeta{}
		h, _ := newFilesHandlerForTest(t, meta)

		body, contentType := multipartBody(t, "beacon.wav", payload, map[string]string{"sha256": strings.ToUpper(sha)})
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/files", body)
		req.Header.Set("Content-Type", contentType)
		h.Upload(rec, req)

		if rec.Code != http.StatusCreated {
			t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body)
		}
	})

	t.Run("missing_file_field", func(t *testing.T) {
		meta := &stubFileMeta{}
		h, _ := newFilesHandlerForTest(t, meta)

		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		mw.WriteField("sha256", sha)
		mw.Close()

		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/files", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		h.Upload(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestFilesDownload(t *testing.T) {
	payload := []byte("31337 flag bits")

	newDownloadRequest := func(sha string) *http.Request {
		req := httptest.NewRequest("GET", "/files/"+sha, nil)
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("sha256", sha)
		return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	}

	t.Run("roundtrip", func(t *testing.T) {
		meta := &stubFileMeta{}
		h, store := newFilesHandlerForTest(t, meta)

		sha, _, err := store.Save(context.Background(), payload, "audio/wav")
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
		meta.files = map[string]*database.File{sha: {
			SHA256:      sha,
			Filename:    "capture.wav",
			SizeBytes:   int64(len(payload)),
			ContentType: "audio/wav",
		}}

		rec := httptest.NewRecorder()
		h.Download(rec, newDownloadRequest(sha))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		got, _ := io.ReadAll(rec.Body)
		if !bytes.Equal(got, payload) {
			t.Errorf("body = %q, want %q", got, payload)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "audio/wav" {
			t.Errorf("Content-Type = %q", ct)
		}
		if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "capture.wav") {
			t.Errorf("Content-Disposition = %q", cd)
		}
		if rec.Header().Get("X-Content-SHA256") != sha {
			t.Error("missing X-Content-SHA256")
		}
	})

	t.Run("invalid_sha_400", func(t *testing.T) {
		h, _ := newFilesHandlerForTest(t, &stubFileMeta{})

		rec := httptest.NewRecorder()
		h.Download(rec, newDownloadRequest("not-a-hash"))

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("unknown_sha_404", func(t *testing.T) {
		h, _ := newFilesHandlerForTest(t, &stubFileMeta{})

		rec := httptest.NewRecorder()
		h.Download(rec, newDownloadRequest(strings.Repeat("b", 64)))

		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestFilesList(t *testing.T) {
	meta := &stubFileMeta{files: map[string]*database.File{
		strings.Repeat("1", 64): {SHA256: strings.Repeat("1", 64), Filename: "a.wav"},
		strings.Repeat("2", 64): {SHA256: strings.Repeat("2", 64), Filename: "b.bin"},
	}}
	h, _ := newFilesHandlerForTest(t, meta)

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest("GET", "/files", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 2 {
		t.Errorf("total = %d, want 2", resp.Total)
	}
}

func TestSessionOrAgent(t *testing.T) {
	agent := &database.Agent{ID: "fox-01", Role: database.RoleRunner, Enabled: true}

	t.Run("verified_session_passes", func(t *testing.T) {
		mw := SessionOrAgent(&stubVerifier{})
		rec := httptest.NewRecorder()
		req := withSession(httptest.NewRequest("GET", "/files", nil), &database.Session{TOTPVerified: true}, nil)
		mw(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("unverified_session_rejected", func(t *testing.T) {
		mw := SessionOrAgent(&stubVerifier{})
		rec := httptest.NewRecorder()
		req := withSession(httptest.NewRequest("GET", "/files", nil), &database.Session{TOTPVerified: false}, nil)
		mw(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("bearer_key_passes_agent_auth", func(t *testing.T) {
		mw := SessionOrAgent(&stubVerifier{key: "agent-key", agent: agent})
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/files", nil)
		req.Header.Set("Authorization", "Bearer agent-key")
		mw(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("bad_bearer_key_401", func(t *testing.T) {
		mw := SessionOrAgent(&stubVerifier{key: "agent-key", agent: agent})
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/files", nil)
		req.Header.Set("Authorization", "Bearer wrong-key")
		mw(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("anonymous_401", func(t *testing.T) {
		mw := SessionOrAgent(&stubVerifier{})
		rec := httptest.NewRecorder()
		mw(okHandler).ServeHTTP(rec, httptest.NewRequest("GET", "/files", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})
}
