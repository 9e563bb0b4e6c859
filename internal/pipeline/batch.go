package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/vzahanych/facetrace/internal/detector"
	"github.com/vzahanych/facetrace/internal/match"
	"github.com/vzahanych/facetrace/internal/service"
)

// BatchState is the lifecycle of a batch run.
type BatchState string

const (
	StateOpening        BatchState = "opening"
	StateReferenceReady BatchState = "reference_ready"
	StateRunning        BatchState = "running"
	StateCompleted      BatchState = "completed"
	StateFailed         BatchState = "failed"
)

// BatchRequest describes one batch run. A nil Threshold or zero FrameSkip
// use the controller defaults; an empty VideoID uses the file name.
type BatchRequest struct {
	VideoPath  string
	VideoID    string
	References []detector.ReferenceImage
	Threshold  *float64
	FrameSkip  int
}

// Float returns a pointer to v, for the optional Threshold fields.
func Float(v float64) *float64 { return &v }

// BatchResult summarises a finished run.
type BatchResult struct {
	Video           string
	State           BatchState
	FramesProcessed int
	MatchesFound    int
	// Kind is the error kind of a failed run.
	Kind string
	Err  error
}

// RunBatch processes a video file and streams its events. The channel is
// closed after exactly one completed or error event. Cancelling ctx stops the
// run at the next frame with an error event of kind cancelled.
func (c *Controller) RunBatch(ctx context.Context, req BatchRequest) <-chan Event {
	out := make(chan Event, eventBuffer)
	video := req.VideoID
	if video == "" {
		video = filepath.Base(req.VideoPath)
	}

	runCtx, finish, err := c.track(ctx, "batch", video)
	if err != nil {
		out <- Event{Type: EventError, Video: video, Kind: KindInternal, Message: err.Error()}
		close(out)
		return out
	}

	go func() {
		defer close(out)
		defer finish()
		c.runBatch(runCtx, video, req, out)
	}()
	return out
}

// Wait drains a batch event channel and returns the outcome.
func Wait(events <-chan Event) BatchResult {
	var res BatchResult
	for ev := range events {
		res.Video = ev.Video
		switch ev.Type {
		case EventProgress:
			res.FramesProcessed = ev.FramesProcessed
			res.MatchesFound = ev.MatchesFound
		case EventCompleted:
			res.State = StateCompleted
			res.FramesProcessed = ev.FramesProcessed
			res.MatchesFound = ev.MatchesFound
		case EventError:
			res.State = StateFailed
			res.Kind = ev.Kind
			res.Err = fmt.Errorf("%s: %s", ev.Kind, ev.Message)
		}
	}
	return res
}

type batchRun struct {
	c         *Controller
	ctx       context.Context
	out       chan<- Event
	video     string
	state     BatchState
	threshold float64
	interval  int
	defFPS    float64
}

func (c *Controller) runBatch(ctx context.Context, video string, req BatchRequest, out chan<- Event) {
	opts := c.Options()
	threshold := opts.Threshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	skip := req.FrameSkip
	if skip == 0 {
		skip = opts.FrameSkip
	}

	r := &batchRun{
		c:         c,
		ctx:       ctx,
		out:       out,
		video:     video,
		state:     StateOpening,
		threshold: threshold,
		interval:  opts.ProgressInterval,
		defFPS:    opts.DefaultFPS,
	}

	sampler, err := match.NewSampler(skip)
	if err != nil {
		r.fail(err)
		return
	}

	c.LogInfo("Starting batch run", "video", video, "threshold", threshold, "frame_skip", skip)

	src, err := c.sources.OpenFile(ctx, req.VideoPath)
	if err != nil {
		r.fail(fmt.Errorf("%w: %v", ErrSourceUnavailable, err))
		return
	}
	defer src.Close()

	reference, skipped, err := detector.BuildReference(ctx, c.detector, req.References)
	for _, s := range skipped {
		c.LogWarn("Reference image skipped", "video", video, "reference", s.Name, "reason", s.Reason)
	}
	if err != nil {
		if ctx.Err() != nil {
			r.fail(ctx.Err())
		} else {
			r.fail(fmt.Errorf("%w: %v", ErrReferenceUnresolvable, err))
		}
		return
	}
	r.state = StateReferenceReady

	total := src.TotalFrames()
	if !r.emit(Event{Type: EventStart, Video: video, FPS: src.FPS(), TotalFrames: total}) {
		r.fail(ctx.Err())
		return
	}
	r.state = StateRunning

	processed, matches, lastProgress := 0, 0, 0
	for {
		if err := ctx.Err(); err != nil {
			r.fail(err)
			return
		}

		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				r.fail(ctx.Err())
			} else {
				r.fail(fmt.Errorf("%w: read frame %d: %v", ErrSourceUnavailable, processed, err))
			}
			return
		}
		processed = frame.Index + 1

		if sampler.Accept(frame.Index) {
			matched, ok := r.processFrame(frame.Index, frame.Data, src.FPS(), reference)
			if !ok {
				return
			}
			if matched {
				matches++
			}
		}

		if processed%r.interval == 0 || processed == total {
			lastProgress = processed
			if !r.emit(Event{Type: EventProgress, Video: video, Frame: frame.Index,
				FramesProcessed: processed, TotalFrames: total, MatchesFound: matches}) {
				r.fail(ctx.Err())
				return
			}
		}
	}

	if processed > 0 && lastProgress != processed {
		if !r.emit(Event{Type: EventProgress, Video: video, Frame: processed - 1,
			FramesProcessed: processed, TotalFrames: total, MatchesFound: matches}) {
			r.fail(ctx.Err())
			return
		}
	}

	r.state = StateCompleted
	r.emit(Event{Type: EventCompleted, Video: video, FramesProcessed: processed, MatchesFound: matches})
	c.PublishEvent(service.EventTypeBatchCompleted, map[string]interface{}{
		"video":            video,
		"frames_processed": processed,
		"matches_found":    matches,
	})
	c.LogInfo("Batch run completed", "video", video, "frames_processed", processed, "matches_found", matches)
}

// processFrame runs detection and best-match selection on one sampled frame
// and logs the winner. It reports whether a detection was logged, and false
// for ok when the run must stop.
func (r *batchRun) processFrame(index int, data []byte, fps float64, reference match.Embedding) (matched bool, ok bool) {
	faces, err := r.c.detector.DetectAndEmbed(r.ctx, data)
	if err != nil {
		if r.ctx.Err() != nil {
			r.fail(r.ctx.Err())
			return false, false
		}
		r.c.LogWarn("Face detection failed", "video", r.video, "frame", index, "error", err)
		return false, r.send(Event{Type: EventWarning, Video: r.video, Frame: index,
			Kind: KindInternal, Message: fmt.Sprintf("detection failed: %v", err)})
	}

	best, found := match.SelectBest(faces, reference, r.threshold)
	if !found {
		return false, true
	}

	offset := FrameOffset(index, fps, r.defFPS)
	rec, err := r.c.recorder.LogFace(r.ctx, r.video, index, offset, best.Score, best.Candidate)
	if err != nil {
		if r.ctx.Err() != nil {
			r.fail(r.ctx.Err())
			return false, false
		}
		return false, r.send(Event{Type: EventWarning, Video: r.video, Frame: index,
			Kind: KindOf(err), Message: err.Error()})
	}

	return true, r.send(Event{
		Type:       EventMatch,
		Video:      r.video,
		Frame:      index,
		Timestamp:  rec.Timestamp,
		Similarity: best.Score,
		CropName:   rec.MatchImagePath,
		RecordID:   rec.ID,
	})
}

// emit delivers an event unless the run's context ends first.
func (r *batchRun) emit(ev Event) bool {
	select {
	case r.out <- ev:
		return true
	case <-r.ctx.Done():
		return false
	}
}

// send is emit for processFrame, which must end the run itself when the
// context ends.
func (r *batchRun) send(ev Event) bool {
	if r.emit(ev) {
		return true
	}
	r.fail(r.ctx.Err())
	return false
}

// fail ends the run with an error event. A cancelled run only delivers it
// when the buffer has room, so a departed consumer never blocks the run.
func (r *batchRun) fail(err error) {
	if err == nil {
		err = context.Canceled
	}
	from := r.state
	r.state = StateFailed
	ev := Event{Type: EventError, Video: r.video, Kind: KindOf(err), Message: err.Error()}

	select {
	case r.out <- ev:
	default:
		select {
		case r.out <- ev:
		case <-r.ctx.Done():
		}
	}

	r.c.LogError("Batch run failed", err, "video", r.video, "state", string(from), "kind", ev.Kind)
	r.c.PublishEvent(service.EventTypeBatchFailed, map[string]interface{}{
		"video": r.video,
		"kind":  ev.Kind,
		"error": err.Error(),
	})
}
