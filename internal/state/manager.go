package state

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/vzahanych/facetrace/internal/logger"
)

// Manager is the SQLite-backed detection store.
type Manager struct {
	db     *Database
	logger *logger.Logger
	mu     sync.RWMutex
}

// NewManager opens (or creates) the database at dbPath.
func NewManager(dbPath string, log *logger.Logger) (*Manager, error) {
	db, err := OpenDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	return &Manager{
		db:     db,
		logger: log,
	}, nil
}

// Close closes the state manager and database
func (m *Manager) Close() error {
	return m.db.Close()
}

// GetDB returns the database connection
func (m *Manager) GetDB() *sql.DB {
	return m.db.DB()
}

// Ping checks the database connection.
func (m *Manager) Ping(ctx context.Context) error {
	return m.db.DB().PingContext(ctx)
}

// InsertDetection appends a detection record.
func (m *Manager) InsertDetection(ctx context.Context, d *Detection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	processedAt := time.Now().UTC().Truncate(time.Second)
	query := `
		INSERT INTO detections (video_filename, frame_number, timestamp, similarity, match_image_path, processed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := m.db.DB().ExecContext(ctx, query,
		d.VideoFilename, d.FrameNumber, d.Timestamp, d.Similarity, d.MatchImagePath, processedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert detection: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read detection id: %w", err)
	}

	d.ID = id
	d.ProcessedAt = processedAt

	m.logger.Debug("Detection stored",
		"id", id,
		"video", d.VideoFilename,
		"frame", d.FrameNumber,
		"similarity", d.Similarity,
	)

	return nil
}

// ListByVideo returns the detections of one video ordered by frame.
func (m *Manager) ListByVideo(ctx context.Context, videoFilename string) ([]Detection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	query := `
		SELECT id, video_filename, frame_number, timestamp, similarity, match_image_path, processed_at
		FROM detections
		WHERE video_filename = ?
		ORDER BY frame_number ASC, id ASC
	`

	rows, err := m.db.DB().QueryContext(ctx, query, videoFilename)
	if err != nil {
		return nil, fmt.Errorf("failed to list detections: %w", err)
	}
	defer rows.Close()

	detections := []Detection{}
	for rows.Next() {
		var d Detection
		var processedAt sql.NullTime
		if err := rows.Scan(
			&d.ID, &d.VideoFilename, &d.FrameNumber, &d.Timestamp,
			&d.Similarity, &d.MatchImagePath, &processedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		if processedAt.Valid {
			d.ProcessedAt = processedAt.Time
		}
		detections = append(detections, d)
	}

	return detections, rows.Err()
}

// ListVideos summarises detections per video.
func (m *Manager) ListVideos(ctx context.Context) ([]VideoSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	query := `
		SELECT video_filename, COUNT(*), MAX(similarity), MIN(frame_number), MAX(frame_number)
		FROM detections
		GROUP BY video_filename
		ORDER BY video_filename ASC
	`

	rows, err := m.db.DB().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}
	defer rows.Close()

	summaries := []VideoSummary{}
	for rows.Next() {
		var s VideoSummary
		if err := rows.Scan(&s.VideoFilename, &s.Detections, &s.BestSimilarity, &s.FirstFrame, &s.LastFrame); err != nil {
			return nil, fmt.Errorf("failed to scan video summary: %w", err)
		}
		summaries = append(summaries, s)
	}

	return summaries, rows.Err()
}

// DeleteByVideo removes all detections of a video.
func (m *Manager) DeleteByVideo(ctx context.Context, videoFilename string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result, err := m.db.DB().ExecContext(ctx, `DELETE FROM detections WHERE video_filename = ?`, videoFilename)
	if err != nil {
		return 0, fmt.Errorf("failed to delete detections: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted detections: %w", err)
	}

	m.logger.Info("Detections cleared", "video", videoFilename, "deleted", n)
	return int(n), nil
}

var _ Store = (*Manager)(nil)
