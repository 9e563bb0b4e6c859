package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/vzahanych/facetrace/internal/match"
	"github.com/vzahanych/facetrace/internal/state"
)

// Store implements state.Store on PostgreSQL.
type Store struct {
	pool PgxPool
}

// NewStore wraps an open pool.
func NewStore(pool PgxPool) *Store {
	return &Store{pool: pool}
}

// Open migrates the database named in the DSN and returns a ready store.
func Open(ctx context.Context, cfg PoolConfig) (*Store, error) {
	db, err := OpenSQL(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	dbName, err := currentDatabase(ctx, db)
	if err != nil {
		return nil, err
	}

	migrator, err := NewMigrator(db, dbName)
	if err != nil {
		return nil, err
	}
	if err := migrator.Up(); err != nil {
		migrator.Close()
		return nil, err
	}
	if err := migrator.Close(); err != nil {
		return nil, err
	}

	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewStore(pool), nil
}

func currentDatabase(ctx context.Context, db *sql.DB) (string, error) {
	var name string
	if err := db.QueryRowContext(ctx, "SELECT current_database()").Scan(&name); err != nil {
		return "", fmt.Errorf("get database name: %w", err)
	}
	return name, nil
}

func (s *Store) InsertDetection(ctx context.Context, d *state.Detection) error {
	query := `
		INSERT INTO detections (video_filename, frame_number, timestamp, similarity, match_image_path, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, processed_at
	`

	var embedding *pgvector.Vector
	if len(d.Embedding) > 0 {
		vec := pgvector.NewVector([]float32(d.Embedding))
		embedding = &vec
	}

	err := s.pool.QueryRow(ctx, query,
		d.VideoFilename,
		d.FrameNumber,
		d.Timestamp,
		d.Similarity,
		d.MatchImagePath,
		embedding,
	).Scan(&d.ID, &d.ProcessedAt)
	if err != nil {
		return fmt.Errorf("insert detection: %w", err)
	}

	return nil
}

func (s *Store) ListByVideo(ctx context.Context, videoFilename string) ([]state.Detection, error) {
	query := `
		SELECT id, video_filename, frame_number, timestamp, similarity, match_image_path, embedding, processed_at
		FROM detections
		WHERE video_filename = $1
		ORDER BY frame_number ASC, id ASC
	`

	rows, err := s.pool.Query(ctx, query, videoFilename)
	if err != nil {
		return nil, fmt.Errorf("list detections: %w", err)
	}
	defer rows.Close()

	detections := []state.Detection{}
	for rows.Next() {
		var d state.Detection
		var embedding *pgvector.Vector
		if err := rows.Scan(
			&d.ID,
			&d.VideoFilename,
			&d.FrameNumber,
			&d.Timestamp,
			&d.Similarity,
			&d.MatchImagePath,
			&embedding,
			&d.ProcessedAt,
		); err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		if embedding != nil && embedding.Slice() != nil {
			d.Embedding = match.Embedding(embedding.Slice())
		}
		detections = append(detections, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate detections: %w", err)
	}
	return detections, nil
}

func (s *Store) ListVideos(ctx context.Context) ([]state.VideoSummary, error) {
	query := `
		SELECT video_filename, COUNT(*), MAX(similarity), MIN(frame_number), MAX(frame_number)
		FROM detections
		GROUP BY video_filename
		ORDER BY video_filename ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}

	summaries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (state.VideoSummary, error) {
		var v state.VideoSummary
		err := row.Scan(&v.VideoFilename, &v.Detections, &v.BestSimilarity, &v.FirstFrame, &v.LastFrame)
		return v, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan video summary: %w", err)
	}
	if summaries == nil {
		summaries = []state.VideoSummary{}
	}
	return summaries, nil
}

func (s *Store) DeleteByVideo(ctx context.Context, videoFilename string) (int, error) {
	result, err := s.pool.Exec(ctx, `DELETE FROM detections WHERE video_filename = $1`, videoFilename)
	if err != nil {
		return 0, fmt.Errorf("delete detections: %w", err)
	}
	return int(result.RowsAffected()), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

var _ state.Store = (*Store)(nil)
