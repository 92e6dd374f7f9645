package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bdougie/framecache/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS videos (
    media_id      TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    total_frames  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS buffers (
    media_id     TEXT NOT NULL REFERENCES videos(media_id) ON DELETE CASCADE,
    start_frame  INTEGER NOT NULL,
    end_frame    INTEGER NOT NULL,
    frame_skip   INTEGER NOT NULL,
    status       TEXT NOT NULL,
    mode         TEXT NOT NULL,
    task_id      TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (media_id, start_frame, frame_skip)
);

CREATE TABLE IF NOT EXISTS frames (
    media_id      TEXT NOT NULL REFERENCES videos(media_id) ON DELETE CASCADE,
    frame_number  INTEGER NOT NULL,
    frame_path    TEXT NOT NULL,
    PRIMARY KEY (media_id, frame_number)
);

CREATE TABLE IF NOT EXISTS results (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    media_id      TEXT NOT NULL,
    frame_number  INTEGER NOT NULL,
    frame         TEXT NOT NULL,
    content       TEXT NOT NULL,
    embedding     TEXT
);

CREATE INDEX IF NOT EXISTS idx_results_frame ON results(media_id, frame_number);
`

// SQLiteStorage keeps buffer and frame metadata in a local SQLite database.
// Frame images are written under frameDir.
type SQLiteStorage struct {
	db       *sql.DB
	frameDir string
}

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(path, frameDir string) (*SQLiteStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStorage{db: db, frameDir: frameDir}, nil
}

func (s *SQLiteStorage) SaveBuffer(ctx context.Context, media models.MediaItem, buf models.Buffer, frames []models.Frame) error {
	written, err := WriteFrames(filepath.Join(s.frameDir, media.ID), frames)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO videos (media_id, name, total_frames) VALUES (?, ?, ?)
		ON CONFLICT(media_id) DO UPDATE SET name = excluded.name, total_frames = excluded.total_frames`,
		media.ID, media.Name, media.TotalFrames); err != nil {
		return fmt.Errorf("upsert video: %w", err)
	}

	for _, f := range written {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO frames (media_id, frame_number, frame_path) VALUES (?, ?, ?)
			ON CONFLICT(media_id, frame_number) DO UPDATE SET frame_path = excluded.frame_path`,
			media.ID, f.Number, f.Path); err != nil {
			return fmt.Errorf("insert frame %d: %w", f.Number, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO buffers (media_id, start_frame, end_frame, frame_skip, status, mode, task_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(media_id, start_frame, frame_skip) DO UPDATE SET
		    end_frame = excluded.end_frame, status = excluded.status,
		    mode = excluded.mode, task_id = excluded.task_id`,
		media.ID, buf.StartFrame, buf.EndFrame, buf.FrameSkip, string(buf.Status), string(buf.Mode), buf.SelectedTaskID); err != nil {
		return fmt.Errorf("upsert buffer: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStorage) Buffers(ctx context.Context, media models.MediaItem) ([]models.Buffer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT start_frame, end_frame, frame_skip, status, mode, task_id
		FROM buffers WHERE media_id = ? ORDER BY start_frame`, media.ID)
	if err != nil {
		return nil, fmt.Errorf("query buffers: %w", err)
	}
	defer rows.Close()

	var buffers []models.Buffer
	for rows.Next() {
		var (
			b            models.Buffer
			status, mode string
		)
		if err := rows.Scan(&b.StartFrame, &b.EndFrame, &b.FrameSkip, &status, &mode, &b.SelectedTaskID); err != nil {
			return nil, fmt.Errorf("scan buffer: %w", err)
		}
		if err := b.Status.UnmarshalText([]byte(status)); err != nil {
			return nil, err
		}
		if err := b.Mode.UnmarshalText([]byte(mode)); err != nil {
			return nil, err
		}
		buffers = append(buffers, b)
	}
	return buffers, rows.Err()
}

func (s *SQLiteStorage) AddResult(ctx context.Context, result models.AnalysisResult) error {
	var embedding sql.NullString
	if len(result.Embedding) > 0 {
		data, err := json.Marshal(result.Embedding)
		if err != nil {
			return fmt.Errorf("encode embedding: %w", err)
		}
		embedding = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO results (media_id, frame_number, frame, content, embedding)
		VALUES (?, ?, ?, ?, ?)`,
		result.MediaID, result.FrameNumber, result.Frame, result.Content, embedding)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// Results returns the stored analysis results for media ordered by frame.
func (s *SQLiteStorage) Results(ctx context.Context, media models.MediaItem) ([]models.AnalysisResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT media_id, frame_number, frame, content, embedding
		FROM results WHERE media_id = ? ORDER BY frame_number, id`, media.ID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var results []models.AnalysisResult
	for rows.Next() {
		var (
			r         models.AnalysisResult
			embedding sql.NullString
		)
		if err := rows.Scan(&r.MediaID, &r.FrameNumber, &r.Frame, &r.Content, &embedding); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if embedding.Valid {
			if err := json.Unmarshal([]byte(embedding.String), &r.Embedding); err != nil {
				return nil, fmt.Errorf("decode embedding: %w", err)
			}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Flush is a no-op; rows are written immediately.
func (s *SQLiteStorage) Flush() error {
	return nil
}

func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
