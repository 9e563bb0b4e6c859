package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/vzahanych/facetrace/internal/logger"
	"github.com/vzahanych/facetrace/internal/match"
	"github.com/vzahanych/facetrace/internal/service"
	"github.com/vzahanych/facetrace/internal/state"
)

// CropStore saves face crops. storage.Service implements it.
type CropStore interface {
	// SaveCrop writes the crop under a name unique per video, frame and
	// call, and returns that name.
	SaveCrop(ctx context.Context, videoID string, frame int, data []byte) (string, error)
	// RemoveCrops deletes the named crops and returns how many existed.
	RemoveCrops(names []string) (int, error)
}

type eventPublisher interface {
	PublishEvent(eventType service.EventType, data map[string]interface{})
}

// Recorder persists detections: first the crop, then the record that points
// at it. A record is never inserted without its crop.
type Recorder struct {
	crops  CropStore
	store  state.Store
	logger *logger.Logger
	events eventPublisher
}

// NewRecorder creates a recorder. events may be nil.
func NewRecorder(crops CropStore, store state.Store, events eventPublisher, log *logger.Logger) *Recorder {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Recorder{crops: crops, store: store, events: events, logger: log}
}

// Log records a detection from its crop bytes.
func (r *Recorder) Log(ctx context.Context, videoID string, frame int, ts time.Duration, score float64, crop []byte) (*state.Detection, error) {
	return r.LogFace(ctx, videoID, frame, ts, score, match.FaceCandidate{Crop: crop})
}

// LogFace records the best face of a frame, keeping its embedding with the
// record. Failures wrap ErrPersistence, are logged and published as a
// warning, and leave nothing behind in the store.
func (r *Recorder) LogFace(ctx context.Context, videoID string, frame int, ts time.Duration, score float64, face match.FaceCandidate) (*state.Detection, error) {
	name, err := r.crops.SaveCrop(ctx, videoID, frame, face.Crop)
	if err != nil {
		return nil, r.fail(videoID, frame, fmt.Errorf("%w: save crop: %v", ErrPersistence, err))
	}

	d := &state.Detection{
		VideoFilename:  videoID,
		FrameNumber:    frame,
		Timestamp:      FormatTimestamp(ts),
		Similarity:     score,
		MatchImagePath: name,
		Embedding:      face.Embedding,
	}
	if err := r.store.InsertDetection(ctx, d); err != nil {
		return nil, r.fail(videoID, frame, fmt.Errorf("%w: insert detection: %v", ErrPersistence, err))
	}

	r.logger.Info("Detection logged",
		"video", videoID,
		"frame", frame,
		"timestamp", d.Timestamp,
		"similarity", fmt.Sprintf("%.4f", score),
		"crop", name,
	)
	if r.events != nil {
		r.events.PublishEvent(service.EventTypeDetectionLogged, map[string]interface{}{
			"video":      videoID,
			"frame":      frame,
			"similarity": score,
			"crop":       name,
			"record_id":  d.ID,
		})
	}
	return d, nil
}

func (r *Recorder) fail(videoID string, frame int, err error) error {
	r.logger.Warn("Failed to log detection", "video", videoID, "frame", frame, "error", err)
	if r.events != nil {
		r.events.PublishEvent(service.EventTypeDetectionWarning, map[string]interface{}{
			"video": videoID,
			"frame": frame,
			"kind":  KindPersistence,
			"error": err.Error(),
		})
	}
	return err
}
