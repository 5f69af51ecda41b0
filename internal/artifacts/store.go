// Package artifacts persists generated files (images, overflowed
// replies) under a flat directory and serves them over HTTP together
// with a health probe and a live event feed.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/config"
)

// Store writes artifacts as uuid-named files and hands out their
// public URLs.
type Store struct {
	dir       string
	urlPrefix string
}

// NewStore creates the artifact directory if needed.
func NewStore(cfg config.ArtifactsConfig) (*Store, error) {
	dir := config.ExpandHome(cfg.Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	return &Store{
		dir:       dir,
		urlPrefix: strings.TrimRight(cfg.URLPrefix, "/"),
	}, nil
}

// Dir returns the expanded artifact directory.
func (s *Store) Dir() string { return s.dir }

// SaveImage writes an image artifact and returns its public URL. An
// empty extension defaults to png.
func (s *Store) SaveImage(data []byte, ext string) (string, error) {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "png"
	}
	return s.save(data, ext)
}

// SaveText stores an overflowed reply as a text artifact.
func (s *Store) SaveText(text string) (string, error) {
	return s.save([]byte(text), "txt")
}

func (s *Store) save(data []byte, ext string) (string, error) {
	name := uuid.NewString() + "." + ext
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return s.URLFor(name), nil
}

// URLFor maps an artifact filename to its public URL. Without a
// configured urlPrefix the URL is server-relative.
func (s *Store) URLFor(name string) string {
	if s.urlPrefix == "" {
		return "/artifacts/" + name
	}
	return s.urlPrefix + "/" + name
}
