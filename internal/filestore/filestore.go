// Package filestore is the content-addressed blob store backing challenge
// payload files and waterfall images. Every blob is named by the hex sha256
// of its bytes; re-uploading existing content is a no-op. An optional S3
// mirror keeps an off-host copy.
package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

var ErrNotFound = errors.New("blob not found")

type Store struct {
	dir    string
	mirror *Mirror
	log    zerolog.Logger
}

// New opens (creating if needed) the blob directory. mirror may be nil.
func New(dir string, mirror *Mirror, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Store{
		dir:    dir,
		mirror: mirror,
		log:    logger.With().Str("component", "filestore").Logger(),
	}, nil
}

// HashBytes returns the hex sha256 of data, which is the store key.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Save writes data under its own hash and returns the key. Existing
// content is left alone (created=false). The mirror copy is best-effort;
// local disk is the source of truth.
func (s *Store) Save(ctx context.Context, data []byte, contentType string) (sha string, created bool, err error) {
	sha = HashBytes(data)
	path := filepath.Join(s.dir, sha)

	if _, err := os.Stat(path); err == nil {
		return sha, false, nil
	}

	// Atomic write: temp file + rename
	tmp, err := os.CreateTemp(s.dir, ".blob-*.tmp")
	if err != nil {
		return "", false, fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", false, fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", false, fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", false, fmt.Errorf("rename: %w", err)
	}

	if s.mirror != nil {
		if err := s.mirror.Put(ctx, sha, data, contentType); err != nil {
			s.log.Warn().Err(err).Str("sha256", sha).Msg("mirror write failed")
		}
	}
	return sha, true, nil
}

// Open returns a reader for the blob. A local miss falls through to the
// mirror; fetched bytes are cached on disk for the next reader.
func (s *Store) Open(ctx context.Context, sha string) (io.ReadCloser, error) {
	path := filepath.Join(s.dir, sha)
	f, err := os.Open(path)
	if err == nil {
		return f, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	if s.mirror == nil {
		return nil, ErrNotFound
	}

	data, err := s.mirror.Get(ctx, sha)
	if err != nil {
		return nil, ErrNotFound
	}
	if HashBytes(data) != sha {
		s.log.Error().Str("sha256", sha).Msg("mirror returned corrupt blob")
		return nil, ErrNotFound
	}
	if _, _, err := s.Save(ctx, data, ""); err != nil {
		s.log.Warn().Err(err).Str("sha256", sha).Msg("cache of mirrored blob failed")
	}
	return os.Open(path)
}

// Exists reports local or mirrored presence.
func (s *Store) Exists(ctx context.Context, sha string) bool {
	if _, err := os.Stat(filepath.Join(s.dir, sha)); err == nil {
		return true
	}
	return s.mirror != nil && s.mirror.Exists(ctx, sha)
}

// Path returns the local path of a blob, or "" when it is not on disk.
func (s *Store) Path(sha string) string {
	full := filepath.Join(s.dir, sha)
	if _, err := os.Stat(full); err == nil {
		return full
	}
	return ""
}

// Dir returns the blob directory.
func (s *Store) Dir() string { return s.dir }
