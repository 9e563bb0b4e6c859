package integration

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vzahanych/facetrace/internal/detector"
	"github.com/vzahanych/facetrace/internal/pipeline"
	"github.com/vzahanych/facetrace/internal/video"
)

func TestLiveStream_RecordsMatchesForSession(t *testing.T) {
	env := SetupTestEnvironment(t)
	env.Start(t)

	ctx, cancel := ContextWithTimeout(10 * time.Second)
	defer cancel()

	sessionID, err := env.Controller.RegisterReference(ctx, []detector.ReferenceImage{
		detector.FromBytes("ref.jpg", SolidJPEG(t, Bright)),
	})
	if err != nil {
		t.Fatalf("RegisterReference failed: %v", err)
	}

	source := env.WriteVideo(t, "camera.mjpeg", Bright, Dim, Dark, Bright)
	frames, err := env.Controller.StreamLive(ctx, sessionID, video.CaptureSpec{Source: source}, pipeline.LiveOptions{
		Record:         true,
		SkipAnnotation: true,
	})
	if err != nil {
		t.Fatalf("StreamLive failed: %v", err)
	}

	var got []pipeline.LiveFrame
	for f := range frames {
		got = append(got, f)
	}
	if len(got) != 4 {
		t.Fatalf("Expected 4 live frames, got %d", len(got))
	}

	matched := 0
	for _, f := range got {
		if f.Best != nil && f.Best.Matched {
			matched++
			if f.Record == nil {
				t.Errorf("Frame %d matched but was not recorded", f.Index)
			}
		}
		if len(f.JPEG) != 0 {
			t.Errorf("Frame %d carries an annotated image despite SkipAnnotation", f.Index)
		}
	}
	if matched != 2 {
		t.Errorf("Expected 2 matched frames, got %d", matched)
	}
	if len(got[2].Faces) != 0 {
		t.Errorf("Dark frame should have no faces, got %+v", got[2].Faces)
	}

	videos, err := env.Store.ListVideos(ctx)
	if err != nil {
		t.Fatalf("ListVideos failed: %v", err)
	}
	if len(videos) != 1 || !strings.HasPrefix(videos[0].VideoFilename, "live-") || videos[0].Detections != 2 {
		t.Errorf("Unexpected live summary %+v", videos)
	}

	if !WaitForCondition(2*time.Second, func() bool { return env.Controller.ActiveRuns() == 0 }) {
		t.Error("Live run still registered after the source ended")
	}
}

func TestLiveStream_RemovedSession(t *testing.T) {
	env := SetupTestEnvironment(t)
	env.Start(t)

	ctx, cancel := ContextWithTimeout(10 * time.Second)
	defer cancel()

	sessionID, err := env.Controller.RegisterReference(ctx, []detector.ReferenceImage{
		detector.FromBytes("ref.jpg", SolidJPEG(t, Bright)),
	})
	if err != nil {
		t.Fatalf("RegisterReference failed: %v", err)
	}
	if !env.Controller.RemoveSession(sessionID) {
		t.Fatal("RemoveSession returned false for a live session")
	}

	source := env.WriteVideo(t, "camera.mjpeg", Bright)
	_, err = env.Controller.StreamLive(ctx, sessionID, video.CaptureSpec{Source: source}, pipeline.LiveOptions{})
	if !errors.Is(err, pipeline.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestRegisterReference_NoFace(t *testing.T) {
	env := SetupTestEnvironment(t)
	env.Start(t)

	ctx, cancel := ContextWithTimeout(10 * time.Second)
	defer cancel()

	_, err := env.Controller.RegisterReference(ctx, []detector.ReferenceImage{
		detector.FromBytes("dark.jpg", SolidJPEG(t, Dark)),
	})
	if !errors.Is(err, pipeline.ErrReferenceUnresolvable) {
		t.Errorf("Expected ErrReferenceUnresolvable, got %v", err)
	}
	if env.Sessions.Len() != 0 {
		t.Errorf("Expected no sessions, got %d", env.Sessions.Len())
	}
}
