// Package state persists detection records.
package state

import (
	"context"
	"time"

	"github.com/vzahanych/facetrace/internal/match"
)

// Detection is one logged match: the best face of one sampled frame whose
// similarity reached the threshold.
type Detection struct {
	ID             int64           `json:"id"`
	VideoFilename  string          `json:"video_filename"`
	FrameNumber    int             `json:"frame_number"`
	Timestamp      string          `json:"timestamp"`
	Similarity     float64         `json:"similarity"`
	MatchImagePath string          `json:"match_image_path"`
	ProcessedAt    time.Time       `json:"processed_at"`
	Embedding      match.Embedding `json:"-"`
}

// VideoSummary aggregates the detections of one source.
type VideoSummary struct {
	VideoFilename  string  `json:"video_filename"`
	Detections     int     `json:"detections"`
	BestSimilarity float64 `json:"best_similarity"`
	FirstFrame     int     `json:"first_frame"`
	LastFrame      int     `json:"last_frame"`
}

// Store is the detection log. Implementations are safe for concurrent use.
type Store interface {
	// InsertDetection appends a record and fills in ID and ProcessedAt.
	InsertDetection(ctx context.Context, d *Detection) error
	// ListByVideo returns records for a video ordered by frame number.
	ListByVideo(ctx context.Context, videoFilename string) ([]Detection, error)
	// ListVideos returns one summary per video with detections.
	ListVideos(ctx context.Context) ([]VideoSummary, error)
	// DeleteByVideo removes every record of a video and returns the count.
	DeleteByVideo(ctx context.Context, videoFilename string) (int, error)
	Ping(ctx context.Context) error
	Close() error
}
