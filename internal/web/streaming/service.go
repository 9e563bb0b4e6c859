// Package streaming keeps at most one live stream per reference session.
package streaming

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vzahanych/facetrace/internal/logger"
	"github.com/vzahanych/facetrace/internal/pipeline"
	"github.com/vzahanych/facetrace/internal/video"
)

// replaceTimeout bounds how long a new stream waits for the one it replaces.
const replaceTimeout = 5 * time.Second

// LiveStreamer starts a live run for a session.
type LiveStreamer interface {
	StreamLive(ctx context.Context, sessionID string, spec video.CaptureSpec, opts pipeline.LiveOptions) (<-chan pipeline.LiveFrame, error)
}

// Service manages live streams for the web UI
type Service struct {
	logger   *logger.Logger
	streamer LiveStreamer
	streams  map[string]*Stream // Active streams by session ID
	mu       sync.Mutex
	startMu  sync.Mutex
}

// Stream represents an active live stream
type Stream struct {
	SessionID string
	Source    string
	FrameChan chan pipeline.LiveFrame
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	lastFrame   pipeline.LiveFrame
	hasFrame    bool
	lastFrameMu sync.RWMutex
}

// Done returns a channel that's closed once the stream has fully stopped
// and its source is released.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Stop cancels the stream.
func (s *Stream) Stop() {
	s.cancel()
}

// NewService creates a new streaming service
func NewService(streamer LiveStreamer, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Service{
		logger:   log.Named("streaming"),
		streamer: streamer,
		streams:  make(map[string]*Stream),
	}
}

// StartStream starts a live stream for a session. An existing stream of the
// same session is cancelled and waited for first. The stream ends when ctx
// is cancelled, the source is exhausted or it is replaced.
func (s *Service) StartStream(ctx context.Context, sessionID string, spec video.CaptureSpec, opts pipeline.LiveOptions) (*Stream, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if old := s.take(sessionID); old != nil {
		s.logger.Info("Replacing live stream", "session_id", sessionID, "previous_source", old.Source)
		old.cancel()
		select {
		case <-old.done:
		case <-time.After(replaceTimeout):
			return nil, fmt.Errorf("previous stream for session %s did not stop", sessionID)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	frames, err := s.streamer.StreamLive(streamCtx, sessionID, spec, opts)
	if err != nil {
		cancel()
		return nil, err
	}

	stream := &Stream{
		SessionID: sessionID,
		Source:    spec.Source,
		FrameChan: make(chan pipeline.LiveFrame, 1),
		ctx:       streamCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.streams[sessionID] = stream
	s.mu.Unlock()

	go s.forward(stream, frames)

	s.logger.Info("Started live stream", "session_id", sessionID, "source", spec.Source)
	return stream, nil
}

// StopStream stops the session's stream if it is still the given one. A
// nil stream stops whatever is running.
func (s *Service) StopStream(sessionID string, stream *Stream) {
	s.mu.Lock()
	current, ok := s.streams[sessionID]
	if !ok || (stream != nil && current != stream) {
		s.mu.Unlock()
		if stream != nil {
			stream.cancel()
		}
		return
	}
	delete(s.streams, sessionID)
	s.mu.Unlock()

	current.cancel()
	s.logger.Info("Stopped live stream", "session_id", sessionID)
}

// GetStream gets an active stream
func (s *Service) GetStream(sessionID string) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[sessionID]
	if !ok {
		return nil, fmt.Errorf("no live stream for session %s", sessionID)
	}
	return stream, nil
}

// ActiveStreams returns the number of running streams.
func (s *Service) ActiveStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// StopAll cancels every stream and waits for them until ctx ends.
func (s *Service) StopAll(ctx context.Context) error {
	s.mu.Lock()
	streams := make([]*Stream, 0, len(s.streams))
	for id, st := range s.streams {
		streams = append(streams, st)
		delete(s.streams, id)
	}
	s.mu.Unlock()

	for _, st := range streams {
		st.cancel()
	}
	for _, st := range streams {
		select {
		case <-st.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Service) take(sessionID string) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[sessionID]
	if ok {
		delete(s.streams, sessionID)
	}
	return st
}

// forward copies pipeline frames to the stream consumer. Frames keep being
// drained after cancellation so the run can close its source.
func (s *Service) forward(stream *Stream, frames <-chan pipeline.LiveFrame) {
	defer close(stream.done)
	defer close(stream.FrameChan)

	for frame := range frames {
		stream.lastFrameMu.Lock()
		stream.lastFrame = frame
		stream.hasFrame = true
		stream.lastFrameMu.Unlock()

		select {
		case stream.FrameChan <- frame:
		case <-stream.ctx.Done():
		}
	}

	s.mu.Lock()
	if s.streams[stream.SessionID] == stream {
		delete(s.streams, stream.SessionID)
	}
	s.mu.Unlock()
	stream.cancel()
}

// GetLastFrame returns the most recent frame of the stream.
func (s *Stream) GetLastFrame() (pipeline.LiveFrame, bool) {
	s.lastFrameMu.RLock()
	defer s.lastFrameMu.RUnlock()
	return s.lastFrame, s.hasFrame
}
