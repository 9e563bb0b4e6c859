package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/vzahanych/facetrace/internal/logger"
	"github.com/vzahanych/facetrace/internal/match"
	"github.com/vzahanych/facetrace/internal/session"
	"github.com/vzahanych/facetrace/internal/state"
	"github.com/vzahanych/facetrace/internal/video"
)

var unitX = match.Embedding{1, 0}

// withScore returns a unit vector whose similarity to unitX is s.
func withScore(s float64) match.Embedding {
	return match.Embedding{float32(s), float32(math.Sqrt(1 - s*s))}
}

func face(score float64) match.FaceCandidate {
	return match.FaceCandidate{
		Box:       match.Box{X1: 10, Y1: 10, X2: 50, Y2: 50},
		Embedding: withScore(score),
		Crop:      []byte("crop"),
	}
}

func frameData(i int) []byte {
	return []byte(fmt.Sprintf("frame-%d", i))
}

// fakeDetector answers by image content.
type fakeDetector struct {
	mu    sync.Mutex
	faces map[string][]match.FaceCandidate
	calls int
}

func (d *fakeDetector) DetectAndEmbed(ctx context.Context, img []byte) ([]match.FaceCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.faces[string(img)], nil
}

// fakeSource yields n frames, or frames forever when n < 0.
type fakeSource struct {
	n      int
	fps    float64
	total  int
	next   int
	closed chan struct{}
	once   sync.Once
}

func newFakeSource(n int, fps float64) *fakeSource {
	total := n
	if n < 0 {
		total = 0
	}
	return &fakeSource{n: n, fps: fps, total: total, closed: make(chan struct{})}
}

func (s *fakeSource) Next(ctx context.Context) (video.Frame, error) {
	if err := ctx.Err(); err != nil {
		return video.Frame{}, err
	}
	select {
	case <-s.closed:
		return video.Frame{}, io.EOF
	default:
	}
	if s.n >= 0 && s.next >= s.n {
		return video.Frame{}, io.EOF
	}
	if s.n < 0 {
		// Pace endless sources like a camera.
		select {
		case <-ctx.Done():
			return video.Frame{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	f := video.Frame{Index: s.next, Data: frameData(s.next)}
	s.next++
	return f, nil
}

func (s *fakeSource) FPS() float64     { return s.fps }
func (s *fakeSource) TotalFrames() int { return s.total }

func (s *fakeSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSource) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeOpener struct {
	mu      sync.Mutex
	sources []*fakeSource
	make    func() *fakeSource
	err     error
}

func (o *fakeOpener) open() (video.Source, error) {
	if o.err != nil {
		return nil, o.err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.make()
	o.sources = append(o.sources, s)
	return s, nil
}

func (o *fakeOpener) OpenFile(ctx context.Context, path string) (video.Source, error) {
	return o.open()
}

func (o *fakeOpener) OpenCapture(ctx context.Context, spec video.CaptureSpec) (video.Source, error) {
	return o.open()
}

func (o *fakeOpener) last() *fakeSource {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.sources) == 0 {
		return nil
	}
	return o.sources[len(o.sources)-1]
}

// memStore is an in-memory state.Store.
type memStore struct {
	mu     sync.Mutex
	rows   []state.Detection
	nextID int64
	err    error
}

func (m *memStore) InsertDetection(ctx context.Context, d *state.Detection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.nextID++
	d.ID = m.nextID
	d.ProcessedAt = time.Now().UTC()
	m.rows = append(m.rows, *d)
	return nil
}

func (m *memStore) ListByVideo(ctx context.Context, video string) ([]state.Detection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []state.Detection{}
	for _, r := range m.rows {
		if r.VideoFilename == video {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FrameNumber < out[j].FrameNumber })
	return out, nil
}

func (m *memStore) ListVideos(ctx context.Context) ([]state.VideoSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byVideo := map[string]*state.VideoSummary{}
	var order []string
	for _, r := range m.rows {
		s, ok := byVideo[r.VideoFilename]
		if !ok {
			s = &state.VideoSummary{VideoFilename: r.VideoFilename, FirstFrame: r.FrameNumber}
			byVideo[r.VideoFilename] = s
			order = append(order, r.VideoFilename)
		}
		s.Detections++
		s.LastFrame = r.FrameNumber
		if r.Similarity > s.BestSimilarity {
			s.BestSimilarity = r.Similarity
		}
	}
	out := make([]state.VideoSummary, 0, len(order))
	for _, v := range order {
		out = append(out, *byVideo[v])
	}
	return out, nil
}

func (m *memStore) DeleteByVideo(ctx context.Context, video string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.rows[:0]
	removed := 0
	for _, r := range m.rows {
		if r.VideoFilename == video {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	m.rows = kept
	return removed, nil
}

func (m *memStore) Ping(ctx context.Context) error { return nil }
func (m *memStore) Close() error                   { return nil }

// memCrops stores crops in memory and fails for the listed frames.
type memCrops struct {
	mu       sync.Mutex
	saved    map[string][]byte
	failures map[int]bool
}

func newMemCrops() *memCrops {
	return &memCrops{saved: map[string][]byte{}, failures: map[int]bool{}}
}

func (c *memCrops) SaveCrop(ctx context.Context, videoID string, frame int, data []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures[frame] {
		return "", errors.New("disk full")
	}
	if len(data) == 0 {
		return "", errors.New("empty crop")
	}
	name := fmt.Sprintf("%s_F%d_%08x.jpg", videoID, frame, len(c.saved))
	c.saved[name] = data
	return name, nil
}

func (c *memCrops) RemoveCrops(names []string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, name := range names {
		if _, ok := c.saved[name]; ok {
			delete(c.saved, name)
			n++
		}
	}
	return n, nil
}

type testRig struct {
	ctrl     *Controller
	detector *fakeDetector
	opener   *fakeOpener
	store    *memStore
	crops    *memCrops
	sessions *session.Cache
}

func newTestRig(t *testing.T, frames int, fps float64) *testRig {
	t.Helper()
	det := &fakeDetector{faces: map[string][]match.FaceCandidate{
		"ref": {{Box: match.Box{X1: 0, Y1: 0, X2: 10, Y2: 10}, Embedding: unitX}},
	}}
	opener := &fakeOpener{make: func() *fakeSource { return newFakeSource(frames, fps) }}
	store := &memStore{}
	crops := newMemCrops()
	sessions := session.NewCache(session.Config{TTL: time.Minute}, logger.NewNopLogger())

	ctrl := NewController(det, store, crops, sessions, opener, Options{
		Threshold:        0.70,
		FrameSkip:        10,
		ProgressInterval: 50,
		LiveFrameSkip:    1,
		DefaultFPS:       25,
	}, logger.NewNopLogger())
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start controller: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ctrl.Stop(ctx)
	})

	return &testRig{ctrl: ctrl, detector: det, opener: opener, store: store, crops: crops, sessions: sessions}
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("Timed out collecting events, got %d so far", len(out))
		}
	}
}
