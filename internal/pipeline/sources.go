package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/vzahanych/facetrace/internal/camera"
	"github.com/vzahanych/facetrace/internal/logger"
	"github.com/vzahanych/facetrace/internal/video"
)

// SourceOpener opens frame sources for runs. Each call returns a source owned
// exclusively by the caller.
type SourceOpener interface {
	OpenFile(ctx context.Context, path string) (video.Source, error)
	OpenCapture(ctx context.Context, spec video.CaptureSpec) (video.Source, error)
}

// FFmpegSources opens sources through ffmpeg. RTSP URLs are optionally
// described with a native client before ffmpeg is started, which fails fast
// on bad credentials or silent cameras.
type FFmpegSources struct {
	FFmpeg       *video.FFmpegWrapper
	PrimeTimeout time.Duration
	ProbeRTSP    bool
	Logger       *logger.Logger
}

func (s *FFmpegSources) log() *logger.Logger {
	if s.Logger == nil {
		return logger.NewNopLogger()
	}
	return s.Logger
}

func (s *FFmpegSources) OpenFile(ctx context.Context, path string) (video.Source, error) {
	src, err := video.OpenFile(ctx, s.FFmpeg, path, s.log())
	if err != nil {
		return nil, err
	}
	return src, nil
}

func (s *FFmpegSources) OpenCapture(ctx context.Context, spec video.CaptureSpec) (video.Source, error) {
	if _, _, kind := video.ResolveCapture(spec.Source); kind == video.KindRTSP && s.ProbeRTSP {
		res, err := camera.ProbeRTSP(ctx, spec.Source, camera.ProbeConfig{Timeout: s.PrimeTimeout}, s.log())
		if err != nil {
			return nil, fmt.Errorf("rtsp probe: %w", err)
		}
		s.log().Debug("RTSP probe passed", "codec", res.VideoCodec, "medias", res.Medias)
	}

	src, err := video.OpenCapture(ctx, s.FFmpeg, spec, s.PrimeTimeout, s.log())
	if err != nil {
		return nil, err
	}
	return src, nil
}
