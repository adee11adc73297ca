package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/sparkgap/foxctl/internal/database"
	"github.com/sparkgap/foxctl/internal/filestore"
)

// FileMetaStore is the metadata side of the file exchange. Implemented by
// database.DB.
type FileMetaStore interface {
	UpsertFile(ctx context.Context, f *database.File) (bool, error)
	GetFile(ctx context.Context, sha256 string) (*database.File, error)
	ListFiles(ctx context.Context, limit, offset int) ([]*database.File, error)
}

// FilesHandler is the content-addressed exchange between operators and
// agents: challenge payloads go up from the admin UI, runners fetch them by
// hash, listeners and runners upload artifacts the same way.
type FilesHandler struct {
	meta  FileMetaStore
	store *filestore.Store
	log   zerolog.Logger
}

func NewFilesHandler(meta FileMetaStore, store *filestore.Store, logger zerolog.Logger) *FilesHandler {
	return &FilesHandler{
		meta:  meta,
		store: store,
		log:   logger.With().Str("handler", "files").Logger(),
	}
}

// SessionOrAgent admits a verified operator session or a bearer-key agent.
// The session path is decided here; the agent path delegates to AgentAuth
// so host binding still applies.
func SessionOrAgent(verifier AgentVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		agentGate := AgentAuth(verifier)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s := SessionFrom(r.Context()); s != nil && s.TOTPVerified {
				next.ServeHTTP(w, r)
				return
			}
			if bearerToken(r) != "" {
				agentGate.ServeHTTP(w, r)
				return
			}
			WriteErrorWithCode(w, http.StatusUnauthorized, ErrUnauthorized, "authentication required")
		})
	}
}

// allowedFileExts is the upload whitelist: waveform payloads, flow graphs,
// scripts, and config documents. Everything else is refused by extension.
var allowedFileExts = map[string]bool{
	".wav":  true,
	".bin":  true,
	".txt":  true,
	".yml":  true,
	".yaml": true,
	".py":   true,
	".grc":  true,
}

// uploader names the principal for the uploaded_by column.
func uploader(r *http.Request) string {
	if u := UserFrom(r.Context()); u != nil {
		return u.Username
	}
	if a := AgentFrom(r.Context()); a != nil {
		return a.ID
	}
	return ""
}

// Upload stores a blob under its sha256. A client that precomputed the hash
// may send it in the sha256 form field; a mismatch fails the request before
// anything is written.
func (h *FilesHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteErrorWithCode(w, http.StatusRequestEntityTooLarge, ErrTooLarge, "request body too large")
			return
		}
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "malformed multipart body")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "file field is required")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedFileExts[ext] {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, fmt.Sprintf("file extension %q is not allowed", ext))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteErrorWithCode(w, http.StatusRequestEntityTooLarge, ErrTooLarge, "request body too large")
			return
		}
		hlog.FromRequest(r).Error().Err(err).Msg("upload read failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}

	if claimed := r.FormValue("sha256"); claimed != "" {
		if !strings.EqualFold(claimed, filestore.HashBytes(data)) {
			WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "sha256 does not match file content")
			return
		}
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	sha, _, err := h.store.Save(r.Context(), data, contentType)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("blob write failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}

	created, err := h.meta.UpsertFile(r.Context(), &database.File{
		SHA256:      sha,
		Filename:    filepath.Base(header.Filename),
		SizeBytes:   int64(len(data)),
		ContentType: contentType,
		UploadedBy:  uploader(r),
	})
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("file metadata write failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.log.Info().
			Str("sha256", sha).
			Str("filename", header.Filename).
			Int("size_bytes", len(data)).
			Str("uploaded_by", uploader(r)).
			Msg("file stored")
	}
	WriteJSON(w, status, map[string]any{
		"sha256":     sha,
		"filename":   filepath.Base(header.Filename),
		"size_bytes": len(data),
		"created":    created,
	})
}

func validSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}

// Download streams a blob by hash. The stored filename rides along as a
// disposition hint; agents verify the hash themselves after download.
func (h *FilesHandler) Download(w http.ResponseWriter, r *http.Request) {
	sha := strings.ToLower(chi.URLParam(r, "sha256"))
	if !validSHA256(sha) {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "invalid sha256")
		return
	}

	meta, err := h.meta.GetFile(r.Context(), sha)
	if errors.Is(err, database.ErrNotFound) {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "file not found")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("file metadata read failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}

	blob, err := h.store.Open(r.Context(), sha)
	if errors.Is(err, filestore.ErrNotFound) {
		hlog.FromRequest(r).Error().Str("sha256", sha).Msg("metadata row without blob")
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "file not found")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("blob open failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	defer blob.Close()

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", meta.SizeBytes))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.Filename))
	w.Header().Set("X-Content-SHA256", sha)
	if _, err := io.Copy(w, blob); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("sha256", sha).Msg("download interrupted")
	}
}

func (h *FilesHandler) List(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r)
	files, err := h.meta.ListFiles(r.Context(), p.Limit, p.Offset)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("file list failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"files": files,
		"total": len(files),
	})
}
