package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"time"
)

// Snapshot is a single frame grabbed from a capture source.
type Snapshot struct {
	JPEG     []byte
	Width    int
	Height   int
	Duration time.Duration // time to the first frame
}

// ErrNoFrame is returned when ffmpeg exits without producing a frame.
var ErrNoFrame = errors.New("no frame captured")

// CaptureSnapshot grabs one frame of spec scaled like a live capture, so the
// result shows what a live run would see.
func (f *FFmpegWrapper) CaptureSnapshot(ctx context.Context, spec CaptureSpec) (*Snapshot, error) {
	input, format, kind := ResolveCapture(spec.Source)
	if input == "" {
		return nil, fmt.Errorf("empty capture source")
	}

	opts := DecodeOptions{InputFormat: format, Quality: defaultQuality, MaxFrames: 1}
	if kind == KindRTSP {
		opts.InputArgs = []string{"-rtsp_transport", "tcp"}
	}
	if kind != KindDevice {
		opts.Width, opts.Height = spec.Width, spec.Height
	}

	var stdout, stderr bytes.Buffer
	cmd := f.BuildCommand(ctx, DecodeArgs(input, opts))
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("ffmpeg capture failed: %w (%s)", err, bytes.TrimSpace(stderr.Bytes()))
	}
	if stdout.Len() == 0 {
		return nil, ErrNoFrame
	}

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(stdout.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("invalid frame data: %w", err)
	}

	return &Snapshot{
		JPEG:     stdout.Bytes(),
		Width:    cfg.Width,
		Height:   cfg.Height,
		Duration: time.Since(started),
	}, nil
}
