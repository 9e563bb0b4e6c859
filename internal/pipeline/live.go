package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vzahanych/facetrace/internal/annotate"
	"github.com/vzahanych/facetrace/internal/match"
	"github.com/vzahanych/facetrace/internal/service"
	"github.com/vzahanych/facetrace/internal/state"
	"github.com/vzahanych/facetrace/internal/video"
)

// LiveOptions tune one live run. Zero values and a nil Threshold use the
// controller defaults.
type LiveOptions struct {
	FrameSkip int
	Threshold *float64
	// Record logs each frame's best match like a batch run would.
	Record bool
	// SkipAnnotation leaves LiveFrame.JPEG empty for consumers that only
	// want structured results.
	SkipAnnotation bool
}

// LiveFace is one scored face of a live frame.
type LiveFace struct {
	Box        match.Box `json:"box"`
	Similarity float64   `json:"similarity"`
	Matched    bool      `json:"matched"`
	Confidence float64   `json:"confidence"`
}

// LiveFrame is the result of one sampled live frame.
type LiveFrame struct {
	Index     int              `json:"frame"`
	Timestamp string           `json:"timestamp"`
	JPEG      []byte           `json:"-"`
	Faces     []LiveFace       `json:"faces"`
	Best      *LiveFace        `json:"best,omitempty"`
	Record    *state.Detection `json:"record,omitempty"`
	Warning   string           `json:"warning,omitempty"`
}

// StreamLive opens the capture source and streams results for the session's
// reference until the source ends or ctx is cancelled. The session is held
// for the duration so it cannot expire mid-stream, and the source is closed
// on every exit path before the channel is closed.
func (c *Controller) StreamLive(ctx context.Context, sessionID string, spec video.CaptureSpec, opts LiveOptions) (<-chan LiveFrame, error) {
	reference, ok := c.sessions.Acquire(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	defaults := c.Options()
	if opts.FrameSkip == 0 {
		opts.FrameSkip = defaults.LiveFrameSkip
	}
	threshold := defaults.Threshold
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}
	sampler, err := match.NewSampler(opts.FrameSkip)
	if err != nil {
		c.sessions.Release(sessionID)
		return nil, err
	}

	runCtx, finish, err := c.track(ctx, "live", sessionID)
	if err != nil {
		c.sessions.Release(sessionID)
		return nil, err
	}

	src, err := c.sources.OpenCapture(runCtx, spec)
	if err != nil {
		finish()
		c.sessions.Release(sessionID)
		c.LogWarn("Live source unavailable", "session_id", sessionID, "source", spec.Source, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	l := &liveRun{
		c:         c,
		sessionID: sessionID,
		videoID:   liveVideoID(sessionID),
		reference: reference,
		threshold: threshold,
		sampler:   sampler,
		opts:      opts,
		annotator: c.annotator(),
		src:       src,
	}

	out := make(chan LiveFrame, 1)
	c.PublishEvent(service.EventTypeLiveStarted, map[string]interface{}{
		"session_id": sessionID,
		"source":     spec.Source,
		"video":      l.videoID,
	})
	c.LogInfo("Live stream started", "session_id", sessionID, "source", spec.Source, "frame_skip", opts.FrameSkip)

	go func() {
		defer close(out)
		defer finish()
		defer c.sessions.Release(sessionID)
		defer src.Close()

		frames, reason := l.run(runCtx, out)

		c.PublishEvent(service.EventTypeLiveStopped, map[string]interface{}{
			"session_id": sessionID,
			"frames":     frames,
			"reason":     reason,
		})
		c.LogInfo("Live stream stopped", "session_id", sessionID, "frames", frames, "reason", reason)
	}()

	return out, nil
}

type liveRun struct {
	c         *Controller
	sessionID string
	videoID   string
	reference match.Embedding
	threshold float64
	sampler   match.Sampler
	opts      LiveOptions
	annotator annotate.Annotator
	src       video.Source
}

// run is the capture loop. Next is the only blocking call and no lock is
// held across it.
func (l *liveRun) run(ctx context.Context, out chan<- LiveFrame) (int, string) {
	started := time.Now()
	emitted := 0

	for {
		frame, err := l.src.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			return emitted, "source_exhausted"
		case ctx.Err() != nil:
			return emitted, KindCancelled
		case err != nil:
			l.c.LogWarn("Live source failed", "session_id", l.sessionID, "error", err)
			return emitted, KindSourceUnavailable
		}

		if !l.sampler.Accept(frame.Index) {
			continue
		}

		lf, err := l.process(ctx, frame, time.Since(started))
		if err != nil {
			return emitted, KindCancelled
		}

		select {
		case out <- lf:
			emitted++
		case <-ctx.Done():
			return emitted, KindCancelled
		}
	}
}

func (l *liveRun) process(ctx context.Context, frame video.Frame, elapsed time.Duration) (LiveFrame, error) {
	lf := LiveFrame{
		Index:     frame.Index,
		Timestamp: FormatTimestamp(elapsed),
		Faces:     []LiveFace{},
	}

	candidates, err := l.c.detector.DetectAndEmbed(ctx, frame.Data)
	if err != nil {
		if ctx.Err() != nil {
			return lf, ctx.Err()
		}
		l.c.LogDebug("Live detection failed", "session_id", l.sessionID, "frame", frame.Index, "error", err)
		lf.Warning = fmt.Sprintf("detection failed: %v", err)
		candidates = nil
	}

	scored := match.ScoreAll(candidates, l.reference, l.threshold)
	boxes := make([]annotate.Face, 0, len(scored))
	for _, s := range scored {
		lf.Faces = append(lf.Faces, LiveFace{
			Box:        s.Candidate.Box,
			Similarity: s.Score,
			Matched:    s.Matched,
			Confidence: s.Candidate.Confidence,
		})
		boxes = append(boxes, annotate.Face{Box: s.Candidate.Box, Score: s.Score, Matched: s.Matched})
	}

	if best, ok := match.SelectBestScored(scored, l.threshold); ok {
		face := lf.Faces[best.Index]
		lf.Best = &face

		if l.opts.Record {
			rec, err := l.c.recorder.LogFace(ctx, l.videoID, frame.Index, elapsed, best.Score, best.Candidate)
			if err != nil {
				lf.Warning = err.Error()
			} else {
				lf.Record = rec
			}
		}
	}

	if !l.opts.SkipAnnotation {
		jpeg, err := l.annotator.Annotate(frame.Data, boxes)
		if err != nil {
			l.c.LogDebug("Annotation failed", "session_id", l.sessionID, "frame", frame.Index, "error", err)
			jpeg = frame.Data
		}
		lf.JPEG = jpeg
	}
	return lf, nil
}

// liveVideoID names the records of one live run. Each run gets its own id
// because frame indices restart at 0 on every stream.
func liveVideoID(sessionID string) string {
	run := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return "live-" + shortID(sessionID) + "-" + run
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
