package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/bdougie/framecache/internal/config"
	"github.com/bdougie/framecache/internal/models"
)

// PostgresStorage manages interaction with PostgreSQL
type PostgresStorage struct {
	pool     *pgxpool.Pool
	frameDir string

	mu       sync.Mutex
	videoIDs map[string]int
}

// NewPostgresStorage creates a new PostgreSQL storage connection
func NewPostgresStorage(ctx context.Context, cfg config.PostgresConfig, frameDir string) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStorage{
		pool:     pool,
		frameDir: frameDir,
		videoIDs: map[string]int{},
	}, nil
}

// Close closes the database connection
func (s *PostgresStorage) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// videoID gets an existing video entry or creates a new one
func (s *PostgresStorage) videoID(ctx context.Context, media models.MediaItem) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.videoIDs[media.ID]; ok {
		return id, nil
	}

	var id int
	err := s.pool.QueryRow(ctx,
		"SELECT id FROM videos WHERE media_key = $1",
		media.ID).Scan(&id)

	switch {
	case err == nil:
	case errors.Is(err, pgx.ErrNoRows):
		err = s.pool.QueryRow(ctx,
			`INSERT INTO videos (media_key, name, total_frames, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (media_key) DO UPDATE SET total_frames = EXCLUDED.total_frames
			RETURNING id`,
			media.ID, media.Name, media.TotalFrames, time.Now()).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("failed to create video entry: %w", err)
		}
	default:
		return 0, fmt.Errorf("error checking for existing video: %w", err)
	}

	s.videoIDs[media.ID] = id
	return id, nil
}

// SaveBuffer stores the buffer's frames and status in one batch
func (s *PostgresStorage) SaveBuffer(ctx context.Context, media models.MediaItem, buf models.Buffer, frames []models.Frame) error {
	written, err := WriteFrames(filepath.Join(s.frameDir, media.ID), frames)
	if err != nil {
		return err
	}

	videoID, err := s.videoID(ctx, media)
	if err != nil {
		return err
	}

	now := time.Now()
	batch := &pgx.Batch{}
	for _, f := range written {
		batch.Queue(
			`INSERT INTO frames (video_id, frame_number, frame_path, timestamp_ms, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (video_id, frame_number) DO UPDATE SET frame_path = EXCLUDED.frame_path`,
			videoID, f.Number, f.Path, frameTimestampMs(media, f.Number), now)
	}
	batch.Queue(
		`INSERT INTO buffers (video_id, start_frame, end_frame, frame_skip, status, mode, task_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (video_id, start_frame, frame_skip) DO UPDATE SET
		    end_frame = EXCLUDED.end_frame, status = EXCLUDED.status,
		    mode = EXCLUDED.mode, task_id = EXCLUDED.task_id, updated_at = EXCLUDED.updated_at`,
		videoID, buf.StartFrame, buf.EndFrame, buf.FrameSkip, string(buf.Status), string(buf.Mode), buf.SelectedTaskID, now)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to store buffer %s: %w", buf, err)
	}
	return tx.Commit(ctx)
}

// Buffers returns the stored buffers for media
func (s *PostgresStorage) Buffers(ctx context.Context, media models.MediaItem) ([]models.Buffer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT b.start_frame, b.end_frame, b.frame_skip, b.status, b.mode, b.task_id
		FROM buffers b
		JOIN videos v ON b.video_id = v.id
		WHERE v.media_key = $1
		ORDER BY b.start_frame`, media.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query buffers: %w", err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Buffer, error) {
		var (
			b            models.Buffer
			status, mode string
		)
		if err := row.Scan(&b.StartFrame, &b.EndFrame, &b.FrameSkip, &status, &mode, &b.SelectedTaskID); err != nil {
			return b, err
		}
		if err := b.Mode.UnmarshalText([]byte(mode)); err != nil {
			return b, err
		}
		return b, b.Status.UnmarshalText([]byte(status))
	})
}

// AddResult adds a frame analysis result to the database
func (s *PostgresStorage) AddResult(ctx context.Context, result models.AnalysisResult) error {
	var frameID int
	err := s.pool.QueryRow(ctx,
		`SELECT f.id FROM frames f
		JOIN videos v ON f.video_id = v.id
		WHERE v.media_key = $1 AND f.frame_number = $2`,
		result.MediaID, result.FrameNumber).Scan(&frameID)
	if err != nil {
		return fmt.Errorf("failed to find frame %d: %w", result.FrameNumber, err)
	}

	var embedding any
	if len(result.Embedding) > 0 {
		embedding = pgvector.NewVector(result.Embedding)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO analyses
		(frame_id, content, embedding, created_at)
		VALUES ($1, $2, $3, $4)`,
		frameID, result.Content, embedding, time.Now())
	if err != nil {
		return fmt.Errorf("failed to store analysis: %w", err)
	}

	return nil
}

// Flush implements the Storage interface - no-op for Postgres as we save immediately
func (s *PostgresStorage) Flush() error {
	return nil
}

// SearchSimilarFrames finds frames of media whose analysis is closest to embedding
func (s *PostgresStorage) SearchSimilarFrames(ctx context.Context, media models.MediaItem, embedding []float32, limit int) ([]models.FrameSearchResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT f.frame_number, f.frame_path, a.content,
        1 - (a.embedding <=> $1) AS similarity
        FROM analyses a
        JOIN frames f ON a.frame_id = f.id
        JOIN videos v ON f.video_id = v.id
        WHERE v.media_key = $2 AND a.embedding IS NOT NULL
        ORDER BY a.embedding <=> $1
        LIMIT $3`,
		pgvector.NewVector(embedding), media.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar frames: %w", err)
	}
	defer rows.Close()

	var results []models.FrameSearchResult
	for rows.Next() {
		var result models.FrameSearchResult
		if err := rows.Scan(&result.FrameNumber, &result.FramePath,
			&result.Description, &result.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan search results: %w", err)
		}
		results = append(results, result)
	}

	return results, rows.Err()
}

func frameTimestampMs(media models.MediaItem, frameNumber int) int64 {
	if media.FPS <= 0 {
		return 0
	}
	return int64(float64(frameNumber) / media.FPS * 1000)
}

// InitSchema creates the database schema if it doesn't exist
func InitSchema(ctx context.Context, cfg config.PostgresConfig) error {
	conn, err := pgx.Connect(ctx, cfg.ConnString())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	_, err = conn.Exec(ctx, fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS videos (
            id SERIAL PRIMARY KEY,
            media_key VARCHAR(255) NOT NULL UNIQUE,
            name VARCHAR(255) NOT NULL,
            total_frames INTEGER NOT NULL,
            created_at TIMESTAMPTZ NOT NULL
        );

        CREATE TABLE IF NOT EXISTS buffers (
            video_id INTEGER REFERENCES videos(id) ON DELETE CASCADE,
            start_frame INTEGER NOT NULL,
            end_frame INTEGER NOT NULL,
            frame_skip INTEGER NOT NULL,
            status VARCHAR(16) NOT NULL,
            mode VARCHAR(32) NOT NULL,
            task_id VARCHAR(255) NOT NULL DEFAULT '',
            updated_at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (video_id, start_frame, frame_skip)
        );

        CREATE TABLE IF NOT EXISTS frames (
            id SERIAL PRIMARY KEY,
            video_id INTEGER REFERENCES videos(id) ON DELETE CASCADE,
            frame_number INTEGER NOT NULL,
            frame_path VARCHAR(1024) NOT NULL,
            timestamp_ms BIGINT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            UNIQUE(video_id, frame_number)
        );

        CREATE TABLE IF NOT EXISTS analyses (
            id SERIAL PRIMARY KEY,
            frame_id INTEGER REFERENCES frames(id) ON DELETE CASCADE,
            content TEXT NOT NULL,
            embedding vector(%d),
            created_at TIMESTAMPTZ NOT NULL
        );
    `, cfg.Dimensions))
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}

	_, err = conn.Exec(ctx, `
        CREATE INDEX IF NOT EXISTS idx_frames_video_id ON frames(video_id);
        CREATE INDEX IF NOT EXISTS idx_analyses_frame_id ON analyses(frame_id);
        CREATE INDEX IF NOT EXISTS idx_embedding_vector ON analyses USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);
    `)
	if err != nil {
		return fmt.Errorf("failed to create database indexes: %w", err)
	}

	return nil
}
