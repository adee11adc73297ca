package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// File is metadata for a content-addressed blob; the bytes live in the
// file store under their sha256.
type File struct {
	SHA256      string    `json:"sha256"`
	Filename    string    `json:"filename"`
	SizeBytes   int64     `json:"size_bytes"`
	ContentType string    `json:"content_type"`
	UploadedBy  string    `json:"uploaded_by,omitempty"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// UpsertFile records an upload. Re-uploading identical content is a no-op
// that keeps the original row; the bool reports whether the row is new.
func (db *DB) UpsertFile(ctx context.Context, f *File) (bool, error) {
	var created bool
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO files (sha256, filename, size_bytes, content_type, uploaded_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (sha256) DO UPDATE SET sha256 = EXCLUDED.sha256
		RETURNING (xmax = 0)`,
		f.SHA256, f.Filename, f.SizeBytes, f.ContentType, f.UploadedBy).Scan(&created)
	if err != nil {
		return false, err
	}
	return created, nil
}

func (db *DB) GetFile(ctx context.Context, sha256 string) (*File, error) {
	f := &File{}
	err := db.Pool.QueryRow(ctx, `
		SELECT sha256, filename, size_bytes, content_type, uploaded_by, uploaded_at
		FROM files WHERE sha256 = $1`,
		sha256).Scan(&f.SHA256, &f.Filename, &f.SizeBytes, &f.ContentType, &f.UploadedBy, &f.UploadedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (db *DB) ListFiles(ctx context.Context, limit, offset int) ([]*File, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT sha256, filename, size_bytes, content_type, uploaded_by, uploaded_at
		FROM files ORDER BY uploaded_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f := &File{}
		if err := rows.Scan(&f.SHA256, &f.Filename, &f.SizeBytes, &f.ContentType,
			&f.UploadedBy, &f.UploadedAt); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}
