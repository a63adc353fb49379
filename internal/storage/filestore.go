// Package storage persists session documents as JSON files and keeps a
// SQLite summary index of them.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"live-transcription-service/internal/models"
	"live-transcription-service/internal/observability/logging"
	"live-transcription-service/internal/schema"
)

// ExportsDir is the subdirectory holding rendered exports.
const ExportsDir = "exports"

// FileStore keeps one <id>.json document per session in a directory.
type FileStore struct {
	dir       string
	validator *schema.Validator
	log       zerolog.Logger
}

// NewFileStore creates dir and its exports subdirectory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, ExportsDir), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create transcript directory: %v", models.ErrIO, err)
	}
	return &FileStore{
		dir:       dir,
		validator: schema.New(),
		log:       logging.WithComponent("storage"),
	}, nil
}

// Dir returns the storage directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(id string) (string, error) {
	if !schema.SessionIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: session %q", models.ErrNotFound, id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

// Save validates and writes rec, replacing any previous document atomically.
// It returns the size of the written file.
func (s *FileStore) Save(rec *models.SessionRecord) (int64, error) {
	if err := s.validator.ValidateSession(rec); err != nil {
		return 0, err
	}
	path, err := s.path(rec.ID)
	if err != nil {
		return 0, err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("%w: marshal session: %v", models.ErrIO, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return 0, fmt.Errorf("%w: write session: %v", models.ErrIO, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("%w: rename session: %v", models.ErrIO, err)
	}

	s.log.Info().Str("sessionId", rec.ID).Str("path", path).Int("bytes", len(data)).Msg("Session saved")
	return int64(len(data)), nil
}

// Load reads the document for id.
func (s *FileStore) Load(id string) (*models.SessionRecord, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: session %s", models.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: read session: %v", models.ErrIO, err)
	}
	var rec models.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: parse session %s: %v", models.ErrIO, id, err)
	}
	return &rec, nil
}

// List summarizes every stored session, newest first. Documents that cannot be
// parsed or fail validation are listed with Error set.
func (s *FileStore) List() ([]models.SessionSummary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []models.SessionSummary{}, nil
		}
		return nil, fmt.Errorf("%w: list sessions: %v", models.ErrIO, err)
	}

	out := make([]models.SessionSummary, 0, len(entries))
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		info, err := ent.Info()
		if err != nil {
			continue
		}

		rec, err := s.Load(id)
		if err == nil {
			err = s.validator.ValidateSession(rec)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("file", name).Msg("Unreadable session document")
			out = append(out, models.SessionSummary{
				ID:        id,
				StartTime: info.ModTime(),
				Size:      info.Size(),
				Error:     "unable to read session data",
			})
			continue
		}
		out = append(out, rec.Summary(info.Size()))
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out, nil
}

// Delete removes the document for id.
func (s *FileStore) Delete(id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: session %s", models.ErrNotFound, id)
		}
		return fmt.Errorf("%w: delete session: %v", models.ErrIO, err)
	}
	s.log.Info().Str("sessionId", id).Msg("Session deleted")
	return nil
}

// WriteExport stores rendered export data as exports/<id>_export.<ext>.
func (s *FileStore) WriteExport(id, ext string, data []byte) (string, error) {
	if _, err := s.path(id); err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, ExportsDir, fmt.Sprintf("%s_export.%s", id, ext))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("%w: write export: %v", models.ErrIO, err)
	}
	return path, nil
}
