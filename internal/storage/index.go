package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"live-transcription-service/internal/models"
)

// Index is a SQLite table of session summaries, used for fast recent-session
// listings without parsing every document.
type Index struct {
	db *sql.DB
}

// OpenIndex opens or creates the index database at path. Use ":memory:" for
// a throwaway index.
func OpenIndex(path string) (*Index, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("%w: create index directory: %v", models.ErrIO, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open index: %v", models.ErrIO, err)
	}
	db.SetMaxOpenConns(1)

	createTableSQL := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		start_time INTEGER NOT NULL,
		end_time INTEGER,
		duration REAL NOT NULL DEFAULT 0,
		streaming_count INTEGER NOT NULL DEFAULT 0,
		local_count INTEGER NOT NULL DEFAULT 0,
		streaming_model TEXT,
		local_model TEXT,
		recording_file TEXT,
		size INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_start_time ON sessions(start_time);
	`
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create index table: %v", models.ErrIO, err)
	}
	return &Index{db: db}, nil
}

// Upsert records or replaces the summary of rec.
func (ix *Index) Upsert(rec *models.SessionRecord, size int64) error {
	var end sql.NullInt64
	if rec.EndTime != nil {
		end = sql.NullInt64{Int64: rec.EndTime.UnixMilli(), Valid: true}
	}
	query := `
	INSERT INTO sessions (id, start_time, end_time, duration, streaming_count, local_count,
		streaming_model, local_model, recording_file, size, error_count)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		start_time = excluded.start_time,
		end_time = excluded.end_time,
		duration = excluded.duration,
		streaming_count = excluded.streaming_count,
		local_count = excluded.local_count,
		streaming_model = excluded.streaming_model,
		local_model = excluded.local_model,
		recording_file = excluded.recording_file,
		size = excluded.size,
		error_count = excluded.error_count
	`
	_, err := ix.db.Exec(query,
		rec.ID, rec.StartTime.UnixMilli(), end, rec.Metadata.DurationSec,
		len(rec.Transcripts[models.EngineStreaming]), len(rec.Transcripts[models.EngineLocal]),
		rec.StreamingModel, rec.LocalModel, rec.RecordingFile, size, len(rec.Metadata.Errors))
	if err != nil {
		return fmt.Errorf("%w: upsert session %s: %v", models.ErrIO, rec.ID, err)
	}
	return nil
}

// Remove deletes the summary for id. Missing rows are not an error.
func (ix *Index) Remove(id string) error {
	if _, err := ix.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: remove session %s: %v", models.ErrIO, id, err)
	}
	return nil
}

// Recent returns up to limit summaries, newest first.
func (ix *Index) Recent(limit int) ([]models.SessionSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
	SELECT id, start_time, end_time, duration, streaming_count, local_count, size
	FROM sessions ORDER BY start_time DESC LIMIT ?
	`
	rows, err := ix.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", models.ErrIO, err)
	}
	defer rows.Close()

	out := []models.SessionSummary{}
	for rows.Next() {
		var (
			id                string
			start             int64
			end               sql.NullInt64
			duration          float64
			streaming, localN int
			size              int64
		)
		if err := rows.Scan(&id, &start, &end, &duration, &streaming, &localN, &size); err != nil {
			continue
		}
		s := models.SessionSummary{
			ID:          id,
			StartTime:   time.UnixMilli(start).UTC(),
			DurationSec: duration,
			Counts: map[models.Engine]int{
				models.EngineStreaming: streaming,
				models.EngineLocal:     localN,
			},
			Size: size,
		}
		if end.Valid {
			t := time.UnixMilli(end.Int64).UTC()
			s.EndTime = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Count returns the number of indexed sessions.
func (ix *Index) Count() (int, error) {
	var n int
	if err := ix.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count sessions: %v", models.ErrIO, err)
	}
	return n, nil
}

// Close closes the database connection.
func (ix *Index) Close() error {
	return ix.db.Close()
}
