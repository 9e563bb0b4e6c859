package web

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vzahanych/facetrace/internal/config"
	"github.com/vzahanych/facetrace/internal/detector"
	"github.com/vzahanych/facetrace/internal/health"
	"github.com/vzahanych/facetrace/internal/logger"
	"github.com/vzahanych/facetrace/internal/pipeline"
	"github.com/vzahanych/facetrace/internal/state"
	"github.com/vzahanych/facetrace/internal/storage"
	"github.com/vzahanych/facetrace/internal/video"
)

// requireEventStream checks the media type only; gin appends a charset.
func requireEventStream(t *testing.T, resp *http.Response) {
	t.Helper()
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "text/event-stream", mediaType)
}

// fakePipeline records calls and replays canned results.
type fakePipeline struct {
	mu sync.Mutex

	detections map[string][]state.Detection
	videos     []state.VideoSummary
	resultsErr error

	batchEvents []pipeline.Event
	batchReqs   []pipeline.BatchRequest

	sessions    map[string]bool
	refErr      error
	lastRefs    []detector.ReferenceImage
	liveFrames  []pipeline.LiveFrame
	liveErr     error
	liveSpecs   []video.CaptureSpec
	liveOptions []pipeline.LiveOptions

	cleared []string
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		detections: make(map[string][]state.Detection),
		sessions:   make(map[string]bool),
	}
}

func (f *fakePipeline) RunBatch(ctx context.Context, req pipeline.BatchRequest) <-chan pipeline.Event {
	f.mu.Lock()
	f.batchReqs = append(f.batchReqs, req)
	events := f.batchEvents
	f.mu.Unlock()

	out := make(chan pipeline.Event, len(events))
	for _, ev := range events {
		ev.Video = req.VideoID
		out <- ev
	}
	close(out)
	return out
}

func (f *fakePipeline) RegisterReference(ctx context.Context, refs []detector.ReferenceImage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRefs = refs
	if f.refErr != nil {
		return "", f.refErr
	}
	id := "session-1"
	f.sessions[id] = true
	return id, nil
}

func (f *fakePipeline) StreamLive(ctx context.Context, sessionID string, spec video.CaptureSpec, opts pipeline.LiveOptions) (<-chan pipeline.LiveFrame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.liveErr != nil {
		return nil, f.liveErr
	}
	if !f.sessions[sessionID] {
		return nil, pipeline.ErrSessionNotFound
	}
	f.liveSpecs = append(f.liveSpecs, spec)
	f.liveOptions = append(f.liveOptions, opts)

	frames := f.liveFrames
	out := make(chan pipeline.LiveFrame)
	go func() {
		defer close(out)
		for _, fr := range frames {
			select {
			case out <- fr:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (f *fakePipeline) RemoveSession(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ok := f.sessions[id]
	delete(f.sessions, id)
	return ok
}

func (f *fakePipeline) ClearSession(ctx context.Context, videoID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, videoID)
	n := len(f.detections[videoID])
	delete(f.detections, videoID)
	return n, nil
}

func (f *fakePipeline) Results(ctx context.Context, videoID string) ([]state.Detection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resultsErr != nil {
		return nil, f.resultsErr
	}
	return f.detections[videoID], nil
}

func (f *fakePipeline) Videos(ctx context.Context) ([]state.VideoSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.videos, nil
}

type fakeReports struct {
	path string
	err  error
}

func (r *fakeReports) GenerateCSV(ctx context.Context, videoFilename string) (string, error) {
	return r.path, r.err
}

type staticChecker struct {
	status health.Status
}

func (c staticChecker) Name() string { return "static" }

func (c staticChecker) Check(ctx context.Context) health.Check {
	return health.Check{Name: "static", Status: c.status}
}

type testRig struct {
	server   *Server
	pipeline *fakePipeline
	files    *storage.Service
	reports  *fakeReports
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	dir := t.TempDir()

	files, err := storage.NewService(storage.Config{
		UploadsDir:          dir + "/uploads",
		MatchesDir:          dir + "/matches",
		ReportsDir:          dir + "/reports",
		MaxDiskUsagePercent: 100,
	}, logger.NewNopLogger())
	require.NoError(t, err)

	p := newFakePipeline()
	reports := &fakeReports{}
	srv := NewServer(&config.WebConfig{Host: "127.0.0.1", Port: 0}, Deps{
		Pipeline: p,
		Files:    files,
		Reports:  reports,
		Camera:   config.CameraConfig{DefaultSource: "0", Width: 640, Height: 480},
		DevDir:   t.TempDir(),
	}, logger.NewNopLogger())

	return &testRig{server: srv, pipeline: p, files: files, reports: reports}
}

func (r *testRig) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.server.Handler().ServeHTTP(w, req)
	return w
}

var errBoom = errors.New("boom")

func (f *fakePipeline) liveCalls() ([]video.CaptureSpec, []pipeline.LiveOptions) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]video.CaptureSpec(nil), f.liveSpecs...), append([]pipeline.LiveOptions(nil), f.liveOptions...)
}
