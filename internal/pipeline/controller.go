// Package pipeline runs the match-detection pipeline: bounded batch runs
// over video files and cancellable live runs over cameras, both built from
// frame sampling, detection, per-frame best-match selection and detection
// logging.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vzahanych/facetrace/internal/annotate"
	"github.com/vzahanych/facetrace/internal/detector"
	"github.com/vzahanych/facetrace/internal/logger"
	"github.com/vzahanych/facetrace/internal/service"
	"github.com/vzahanych/facetrace/internal/session"
	"github.com/vzahanych/facetrace/internal/state"
)

const eventBuffer = 16

// Options are the matching defaults applied when a request leaves a knob at
// zero.
type Options struct {
	Threshold        float64
	FrameSkip        int
	ProgressInterval int
	LiveFrameSkip    int
	DefaultFPS       float64
	MaxWidth         int // live annotation width, 0 keeps the source size
}

func (o Options) withDefaults() Options {
	if o.Threshold == 0 {
		o.Threshold = 0.70
	}
	if o.FrameSkip < 1 {
		o.FrameSkip = 1
	}
	if o.ProgressInterval < 1 {
		o.ProgressInterval = 50
	}
	if o.LiveFrameSkip < 1 {
		o.LiveFrameSkip = 1
	}
	if o.DefaultFPS <= 0 {
		o.DefaultFPS = 25
	}
	return o
}

// Controller owns the runs. It is safe for concurrent use; the session cache
// is the only state shared between runs.
type Controller struct {
	*service.ServiceBase

	detector detector.Detector
	store    state.Store
	crops    CropStore
	sessions *session.Cache
	sources  SourceOpener
	recorder *Recorder

	optsMu sync.RWMutex
	opts   Options

	runsMu  sync.Mutex
	runs    map[uint64]*activeRun
	nextRun uint64
	closed  bool
}

type activeRun struct {
	kind   string
	key    string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewController wires a controller.
func NewController(
	det detector.Detector,
	store state.Store,
	crops CropStore,
	sessions *session.Cache,
	sources SourceOpener,
	opts Options,
	log *logger.Logger,
) *Controller {
	c := &Controller{
		ServiceBase: service.NewServiceBase("pipeline", log),
		detector:    det,
		store:       store,
		crops:       crops,
		sessions:    sessions,
		sources:     sources,
		opts:        opts.withDefaults(),
		runs:        make(map[uint64]*activeRun),
	}
	c.recorder = NewRecorder(crops, store, c, c.Logger())
	return c
}

func (c *Controller) Name() string {
	return "pipeline"
}

// Start implements service.Service.
func (c *Controller) Start(ctx context.Context) error {
	c.runsMu.Lock()
	c.closed = false
	c.runsMu.Unlock()

	c.GetStatus().SetStatus(service.StatusRunning)
	c.LogInfo("Pipeline ready", "threshold", c.Options().Threshold, "frame_skip", c.Options().FrameSkip)
	return nil
}

// Stop cancels every active run and waits for them to release their sources.
func (c *Controller) Stop(ctx context.Context) error {
	c.GetStatus().SetStatus(service.StatusStopping)

	c.runsMu.Lock()
	c.closed = true
	runs := make([]*activeRun, 0, len(c.runs))
	for _, r := range c.runs {
		runs = append(runs, r)
	}
	c.runsMu.Unlock()

	for _, r := range runs {
		r.cancel()
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			c.GetStatus().SetStatus(service.StatusError)
			return fmt.Errorf("timed out waiting for %s run %s: %w", r.kind, r.key, ctx.Err())
		}
	}

	c.GetStatus().SetStatus(service.StatusStopped)
	return nil
}

// Options returns the current defaults.
func (c *Controller) Options() Options {
	c.optsMu.RLock()
	defer c.optsMu.RUnlock()
	return c.opts
}

// SetOptions replaces the defaults. Runs already started keep theirs.
func (c *Controller) SetOptions(opts Options) {
	c.optsMu.Lock()
	c.opts = opts.withDefaults()
	c.optsMu.Unlock()
	c.LogInfo("Matching options updated", "threshold", opts.Threshold, "frame_skip", opts.FrameSkip)
}

// Recorder returns the detection recorder shared by runs.
func (c *Controller) Recorder() *Recorder {
	return c.recorder
}

func (c *Controller) annotator() annotate.Annotator {
	return annotate.Annotator{MaxWidth: c.Options().MaxWidth}
}

// track registers a run and derives its cancellable context.
func (c *Controller) track(ctx context.Context, kind, key string) (context.Context, func(), error) {
	runCtx, cancel := context.WithCancel(ctx)

	c.runsMu.Lock()
	defer c.runsMu.Unlock()
	if c.closed {
		cancel()
		return nil, nil, errors.New("pipeline is stopped")
	}
	c.nextRun++
	id := c.nextRun
	r := &activeRun{kind: kind, key: key, cancel: cancel, done: make(chan struct{})}
	c.runs[id] = r

	finish := func() {
		cancel()
		c.runsMu.Lock()
		delete(c.runs, id)
		c.runsMu.Unlock()
		close(r.done)
	}
	return runCtx, finish, nil
}

// ActiveRuns returns the number of batch and live runs in flight.
func (c *Controller) ActiveRuns() int {
	c.runsMu.Lock()
	defer c.runsMu.Unlock()
	return len(c.runs)
}

// RegisterReference builds a reference embedding and stores it as a new
// live session.
func (c *Controller) RegisterReference(ctx context.Context, refs []detector.ReferenceImage) (string, error) {
	emb, skipped, err := detector.BuildReference(ctx, c.detector, refs)
	for _, s := range skipped {
		c.LogWarn("Reference image skipped", "reference", s.Name, "reason", s.Reason)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("%w: %v", ErrReferenceUnresolvable, err)
	}

	id := c.sessions.Create(emb)
	c.LogInfo("Reference registered", "session_id", id, "references", len(refs), "skipped", len(skipped))
	return id, nil
}

// RemoveSession drops a live session. Streams already running keep their
// borrowed embedding until they stop.
func (c *Controller) RemoveSession(id string) bool {
	return c.sessions.Remove(id)
}

// ClearSession deletes every detection of a video and its crops, returning
// the number of records removed.
func (c *Controller) ClearSession(ctx context.Context, videoID string) (int, error) {
	removed, crops, err := ClearVideo(ctx, c.store, c.crops, videoID)
	if err != nil {
		return removed, err
	}
	c.LogInfo("Cleared video results", "video", videoID, "records", removed, "crops", crops)
	return removed, nil
}

// ClearVideo deletes the records of a video and exactly the crops those
// records point at.
func ClearVideo(ctx context.Context, store state.Store, crops CropStore, videoID string) (records, files int, err error) {
	rows, err := store.ListByVideo(ctx, videoID)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: list detections: %v", ErrPersistence, err)
	}
	names := make([]string, 0, len(rows))
	for _, d := range rows {
		if d.MatchImagePath != "" {
			names = append(names, d.MatchImagePath)
		}
	}

	records, err = store.DeleteByVideo(ctx, videoID)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: delete detections: %v", ErrPersistence, err)
	}
	files, err = crops.RemoveCrops(names)
	if err != nil {
		return records, files, fmt.Errorf("%w: delete crops: %v", ErrPersistence, err)
	}
	return records, files, nil
}

// Results returns the detections of a video ordered by frame number.
func (c *Controller) Results(ctx context.Context, videoID string) ([]state.Detection, error) {
	return c.store.ListByVideo(ctx, videoID)
}

// Videos returns one summary per video with detections.
func (c *Controller) Videos(ctx context.Context) ([]state.VideoSummary, error) {
	return c.store.ListVideos(ctx)
}
