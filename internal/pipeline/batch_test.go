package pipeline

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/vzahanych/facetrace/internal/detector"
	"github.com/vzahanych/facetrace/internal/match"
)

func refs() []detector.ReferenceImage {
	return []detector.ReferenceImage{detector.FromBytes("ref.jpg", []byte("ref"))}
}

func TestRunBatch_HundredFrameScenario(t *testing.T) {
	rig := newTestRig(t, 100, 25)
	rig.detector.faces[string(frameData(20))] = []match.FaceCandidate{face(0.85)}
	rig.detector.faces[string(frameData(30))] = []match.FaceCandidate{face(0.40)}
	rig.detector.faces[string(frameData(50))] = []match.FaceCandidate{face(0.92)}
	rig.detector.faces[string(frameData(55))] = []match.FaceCandidate{face(0.99)} // not sampled

	events := collect(t, rig.ctrl.RunBatch(context.Background(), BatchRequest{
		VideoPath:  "/videos/clip.mp4",
		References: refs(),
		Threshold:  Float(0.70),
		FrameSkip:  10,
	}))

	if len(events) == 0 {
		t.Fatal("Expected events")
	}
	if events[0].Type != EventStart || events[0].TotalFrames != 100 || events[0].Video != "clip.mp4" {
		t.Errorf("Unexpected start event %+v", events[0])
	}

	last := events[len(events)-1]
	if last.Type != EventCompleted {
		t.Fatalf("Expected completed event, got %+v", last)
	}
	if last.FramesProcessed != 100 || last.MatchesFound != 2 {
		t.Errorf("Expected 100 frames and 2 matches, got %d and %d", last.FramesProcessed, last.MatchesFound)
	}

	var matchFrames []int
	terminal := 0
	prevFrame := -1
	for _, ev := range events {
		if ev.Terminal() {
			terminal++
		}
		switch ev.Type {
		case EventMatch:
			matchFrames = append(matchFrames, ev.Frame)
			fallthrough
		case EventProgress, EventWarning:
			if ev.Frame <= prevFrame {
				t.Errorf("Events out of frame order: %d after %d", ev.Frame, prevFrame)
			}
			prevFrame = ev.Frame
		}
	}
	if terminal != 1 {
		t.Errorf("Expected exactly one terminal event, got %d", terminal)
	}
	if len(matchFrames) != 2 || matchFrames[0] != 20 || matchFrames[1] != 50 {
		t.Errorf("Expected matches at frames 20 and 50, got %v", matchFrames)
	}

	records, err := rig.ctrl.Results(context.Background(), "clip.mp4")
	if err != nil {
		t.Fatalf("Results failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	want := []struct {
		frame int
		sim   float64
		ts    string
	}{{20, 0.85, "0:00:00"}, {50, 0.92, "0:00:02"}}
	for i, w := range want {
		r := records[i]
		if r.FrameNumber != w.frame {
			t.Errorf("Record %d: expected frame %d, got %d", i, w.frame, r.FrameNumber)
		}
		if math.Abs(r.Similarity-w.sim) > 1e-4 {
			t.Errorf("Record %d: expected similarity %.4f, got %.4f", i, w.sim, r.Similarity)
		}
		if r.Timestamp != w.ts {
			t.Errorf("Record %d: expected timestamp %s, got %s", i, w.ts, r.Timestamp)
		}
		if r.MatchImagePath == "" {
			t.Errorf("Record %d has no crop", i)
		}
	}

	if !rig.opener.last().isClosed() {
		t.Error("Source should be closed after the run")
	}
}

func TestRunBatch_ProgressCadence(t *testing.T) {
	rig := newTestRig(t, 120, 25)

	var progress []int
	for _, ev := range collect(t, rig.ctrl.RunBatch(context.Background(), BatchRequest{
		VideoPath:  "clip.mp4",
		References: refs(),
	})) {
		if ev.Type == EventProgress {
			progress = append(progress, ev.FramesProcessed)
		}
	}

	want := []int{50, 100, 120}
	if len(progress) != len(want) {
		t.Fatalf("Expected progress at %v, got %v", want, progress)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Errorf("Expected progress at %v, got %v", want, progress)
		}
	}
}

func TestRunBatch_NoReferenceFace(t *testing.T) {
	rig := newTestRig(t, 100, 25)
	rig.detector.faces[string(frameData(20))] = []match.FaceCandidate{face(0.85)}

	events := collect(t, rig.ctrl.RunBatch(context.Background(), BatchRequest{
		VideoPath:  "clip.mp4",
		References: []detector.ReferenceImage{detector.FromBytes("empty.jpg", []byte("landscape"))},
	}))

	if len(events) != 1 {
		t.Fatalf("Expected a single event, got %d: %+v", len(events), events)
	}
	if events[0].Type != EventError || events[0].Kind != KindReferenceUnresolvable {
		t.Errorf("Expected reference_unresolvable error, got %+v", events[0])
	}

	records, _ := rig.ctrl.Results(context.Background(), "clip.mp4")
	if len(records) != 0 {
		t.Errorf("Expected no records, got %d", len(records))
	}
	if src := rig.opener.last(); src == nil || src.next != 0 {
		t.Error("No frame should be read before the reference is resolved")
	}
}

func TestRunBatch_SourceUnavailable(t *testing.T) {
	rig := newTestRig(t, 10, 25)
	rig.opener.err = errors.New("no such file")

	events := collect(t, rig.ctrl.RunBatch(context.Background(), BatchRequest{
		VideoPath:  "missing.mp4",
		References: refs(),
	}))

	if len(events) != 1 || events[0].Kind != KindSourceUnavailable {
		t.Fatalf("Expected a single source_unavailable error, got %+v", events)
	}
	if rig.detector.calls != 0 {
		t.Errorf("Detector should not be called, got %d calls", rig.detector.calls)
	}
}

func TestRunBatch_CropFailureSkipsInsert(t *testing.T) {
	rig := newTestRig(t, 100, 25)
	rig.detector.faces[string(frameData(20))] = []match.FaceCandidate{face(0.85)}
	rig.detector.faces[string(frameData(50))] = []match.FaceCandidate{face(0.92)}
	rig.crops.failures[20] = true

	events := collect(t, rig.ctrl.RunBatch(context.Background(), BatchRequest{
		VideoPath:  "clip.mp4",
		References: refs(),
		FrameSkip:  10,
	}))

	var warnings []Event
	for _, ev := range events {
		if ev.Type == EventWarning {
			warnings = append(warnings, ev)
		}
	}
	if len(warnings) != 1 || warnings[0].Frame != 20 || warnings[0].Kind != KindPersistence {
		t.Errorf("Expected one persistence warning at frame 20, got %+v", warnings)
	}

	last := events[len(events)-1]
	if last.Type != EventCompleted || last.MatchesFound != 1 || last.FramesProcessed != 100 {
		t.Errorf("Expected completion with one match, got %+v", last)
	}

	records, _ := rig.ctrl.Results(context.Background(), "clip.mp4")
	if len(records) != 1 || records[0].FrameNumber != 50 {
		t.Errorf("Expected only frame 50 recorded, got %+v", records)
	}
}

func TestRunBatch_InsertFailureContinues(t *testing.T) {
	rig := newTestRig(t, 30, 25)
	rig.detector.faces[string(frameData(10))] = []match.FaceCandidate{face(0.9)}
	rig.store.err = errors.New("database is locked")

	events := collect(t, rig.ctrl.RunBatch(context.Background(), BatchRequest{
		VideoPath:  "clip.mp4",
		References: refs(),
		FrameSkip:  10,
	}))

	last := events[len(events)-1]
	if last.Type != EventCompleted || last.MatchesFound != 0 || last.FramesProcessed != 30 {
		t.Errorf("Expected completion without matches, got %+v", last)
	}
}

func TestRunBatch_Cancelled(t *testing.T) {
	rig := newTestRig(t, -1, 25)
	ctx, cancel := context.WithCancel(context.Background())

	events := rig.ctrl.RunBatch(ctx, BatchRequest{VideoPath: "cam.mp4", References: refs()})

	first := <-events
	if first.Type != EventStart {
		t.Fatalf("Expected start event, got %+v", first)
	}
	cancel()

	rest := collect(t, events)
	if len(rest) == 0 {
		t.Fatal("Expected a terminal event")
	}
	last := rest[len(rest)-1]
	if last.Type != EventError || last.Kind != KindCancelled {
		t.Errorf("Expected cancelled error, got %+v", last)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !rig.opener.last().isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("Source was not closed after cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWait(t *testing.T) {
	rig := newTestRig(t, 40, 25)
	rig.detector.faces[string(frameData(0))] = []match.FaceCandidate{face(0.8), face(0.95)}

	res := Wait(rig.ctrl.RunBatch(context.Background(), BatchRequest{VideoPath: "clip.mp4", References: refs()}))
	if res.State != StateCompleted || res.FramesProcessed != 40 || res.MatchesFound != 1 {
		t.Errorf("Unexpected result %+v", res)
	}

	records, _ := rig.ctrl.Results(context.Background(), "clip.mp4")
	if len(records) != 1 || math.Abs(records[0].Similarity-0.95) > 1e-4 {
		t.Errorf("Expected the best face of frame 0, got %+v", records)
	}
}

func TestClearSession(t *testing.T) {
	rig := newTestRig(t, 20, 25)
	rig.detector.faces[string(frameData(0))] = []match.FaceCandidate{face(0.9)}
	rig.detector.faces[string(frameData(10))] = []match.FaceCandidate{face(0.9)}

	Wait(rig.ctrl.RunBatch(context.Background(), BatchRequest{VideoPath: "clip.mp4", References: refs()}))
	other, err := rig.ctrl.Recorder().Log(context.Background(), "clip.avi", 0, 0, 0.9, []byte("crop"))
	if err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	removed, err := rig.ctrl.ClearSession(context.Background(), "clip.mp4")
	if err != nil {
		t.Fatalf("ClearSession failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 removed records, got %d", removed)
	}
	if len(rig.crops.saved) != 1 {
		t.Errorf("Expected only the clip.avi crop left, %d left", len(rig.crops.saved))
	}
	if _, ok := rig.crops.saved[other.MatchImagePath]; !ok {
		t.Errorf("Crop %s of clip.avi was removed", other.MatchImagePath)
	}
	videos, _ := rig.ctrl.Videos(context.Background())
	if len(videos) != 1 || videos[0].VideoFilename != "clip.avi" {
		t.Errorf("Expected only clip.avi left, got %+v", videos)
	}
}

func TestBatchRun_FailUnblocksWhenContextEnds(t *testing.T) {
	rig := newTestRig(t, 1, 25)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &batchRun{c: rig.ctrl, ctx: ctx, out: make(chan Event), video: "clip.mp4", state: StateRunning}
	done := make(chan struct{})
	go func() {
		r.fail(errors.New("decoder crashed"))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("fail gave up on a consumer that is still there")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fail stayed blocked after the context ended")
	}
	if r.state != StateFailed {
		t.Errorf("Expected state %s, got %s", StateFailed, r.state)
	}
}

func TestRunBatch_ExplicitZeroThreshold(t *testing.T) {
	rig := newTestRig(t, 2, 25)
	rig.detector.faces[string(frameData(0))] = []match.FaceCandidate{face(0.40)}

	res := Wait(rig.ctrl.RunBatch(context.Background(), BatchRequest{
		VideoPath: "zero.mp4", References: refs(), Threshold: Float(0), FrameSkip: 1,
	}))
	if res.Err != nil || res.MatchesFound != 1 {
		t.Errorf("Expected a match at threshold 0, got %+v", res)
	}

	res = Wait(rig.ctrl.RunBatch(context.Background(), BatchRequest{
		VideoPath: "default.mp4", References: refs(), FrameSkip: 1,
	}))
	if res.Err != nil || res.MatchesFound != 0 {
		t.Errorf("Expected no match at the default threshold, got %+v", res)
	}
}
