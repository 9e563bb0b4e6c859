package video

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vzahanych/facetrace/internal/logger"
)

const (
	megabyte       = 1024 * 1024
	maxFrameBytes  = 64 * megabyte
	defaultQuality = 3
)

// Frame is one decoded JPEG frame. Index counts every frame read from the
// source, starting at 0.
type Frame struct {
	Index int
	Data  []byte
}

// Source yields frames in order. Next returns io.EOF once the source is
// exhausted and ctx.Err() when the context ends first.
type Source interface {
	Next(ctx context.Context) (Frame, error)
	// FPS is the native frame rate, or 0 when unknown.
	FPS() float64
	// TotalFrames is the expected frame count, or 0 when unknown.
	TotalFrames() int
	Close() error
}

// SourceKind classifies a capture source string.
type SourceKind string

const (
	KindDevice SourceKind = "device"
	KindRTSP   SourceKind = "rtsp"
	KindHTTP   SourceKind = "http"
	KindFile   SourceKind = "file"
)

// CaptureSpec describes a live capture source. Source is a device index
// ("0"), a device path, an RTSP/HTTP URL or a file path.
type CaptureSpec struct {
	Source string
	Width  int
	Height int
	FPS    float64
}

// ResolveCapture maps a capture source to an ffmpeg input and format.
func ResolveCapture(source string) (input string, format string, kind SourceKind) {
	s := strings.TrimSpace(source)
	switch {
	case s != "" && isDigits(s):
		return "/dev/video" + s, "v4l2", KindDevice
	case strings.HasPrefix(s, "/dev/video"):
		return s, "v4l2", KindDevice
	case strings.HasPrefix(s, "rtsp://"), strings.HasPrefix(s, "rtsps://"):
		return s, "", KindRTSP
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		return s, "", KindHTTP
	default:
		return s, "", KindFile
	}
}

func isDigits(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil && !strings.HasPrefix(s, "-")
}

// PipeSource reads JPEG frames from an ffmpeg image2pipe stream, or from any
// reader carrying concatenated JPEGs.
type PipeSource struct {
	logger *logger.Logger
	name   string
	fps    float64
	total  int

	cmd    *exec.Cmd
	reader io.ReadCloser
	stderr *bytes.Buffer

	frames    chan Frame
	done      chan struct{}
	readDone  chan struct{}
	dropStale bool
	pending   *Frame
	endErr    error

	closeOnce sync.Once
}

// NewStreamSource wraps a reader of concatenated JPEG images.
func NewStreamSource(name string, r io.ReadCloser, fps float64, total int, log *logger.Logger) *PipeSource {
	s := newPipeSource(name, fps, total, false, log)
	s.reader = r
	go s.readLoop()
	return s
}

func newPipeSource(name string, fps float64, total int, dropStale bool, log *logger.Logger) *PipeSource {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &PipeSource{
		logger:    log,
		name:      name,
		fps:       fps,
		total:     total,
		frames:    make(chan Frame, 1),
		done:      make(chan struct{}),
		readDone:  make(chan struct{}),
		dropStale: dropStale,
	}
}

// OpenFile decodes a video file. The file is probed first, so an unreadable
// file fails here rather than on the first Next.
func OpenFile(ctx context.Context, ff *FFmpegWrapper, path string, log *logger.Logger) (*PipeSource, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("cannot open video: %w", err)
	}

	var fps float64
	var total int
	if ff.ffprobePath != "" {
		info, err := ff.Probe(ctx, path, "")
		if err != nil {
			return nil, fmt.Errorf("cannot open video %s: %w", path, err)
		}
		fps, total = info.FPS, info.TotalFrames
	}

	s := newPipeSource(path, fps, total, false, log)
	if err := s.start(ff, path, DecodeOptions{Quality: defaultQuality}); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenCapture starts a live capture. It waits up to primeTimeout for the first
// frame so that a dead device or unreachable stream fails here. Frames the
// consumer is too slow for are dropped, oldest first.
func OpenCapture(ctx context.Context, ff *FFmpegWrapper, spec CaptureSpec, primeTimeout time.Duration, log *logger.Logger) (*PipeSource, error) {
	input, format, kind := ResolveCapture(spec.Source)
	if input == "" {
		return nil, fmt.Errorf("empty capture source")
	}

	opts := DecodeOptions{InputFormat: format, Quality: defaultQuality}
	switch kind {
	case KindDevice:
		if _, err := os.Stat(input); err != nil {
			return nil, fmt.Errorf("cannot open camera %s: %w", input, err)
		}
		if spec.Width > 0 && spec.Height > 0 {
			opts.InputArgs = append(opts.InputArgs, "-video_size", fmt.Sprintf("%dx%d", spec.Width, spec.Height))
		}
		if spec.FPS > 0 {
			opts.InputArgs = append(opts.InputArgs, "-framerate", strconv.FormatFloat(spec.FPS, 'f', -1, 64))
		}
	case KindRTSP:
		opts.InputArgs = append(opts.InputArgs, "-rtsp_transport", "tcp")
		opts.Width, opts.Height = spec.Width, spec.Height
	case KindFile:
		if _, err := os.Stat(input); err != nil {
			return nil, fmt.Errorf("cannot open capture file: %w", err)
		}
		opts.InputArgs = append(opts.InputArgs, "-re")
		opts.Width, opts.Height = spec.Width, spec.Height
	default:
		opts.Width, opts.Height = spec.Width, spec.Height
	}

	s := newPipeSource(input, spec.FPS, 0, true, log)
	if err := s.start(ff, input, opts); err != nil {
		return nil, err
	}
	if err := s.prime(ctx, primeTimeout); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *PipeSource) start(ff *FFmpegWrapper, input string, opts DecodeOptions) error {
	cmd := exec.Command(ff.ffmpegPath, DecodeArgs(input, opts)...)
	s.stderr = &bytes.Buffer{}
	cmd.Stderr = s.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	s.cmd = cmd
	s.reader = stdout
	go s.readLoop()

	s.logger.Debug("Decoder started", "input", input, "format", opts.InputFormat)
	return nil
}

// prime waits for the first frame and keeps it for the first Next.
func (s *PipeSource) prime(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f, ok := <-s.frames:
		if !ok {
			if s.endErr != nil {
				return s.endErr
			}
			return fmt.Errorf("source %s produced no frames", s.name)
		}
		s.pending = &f
		return nil
	case <-timer.C:
		return fmt.Errorf("no frame from %s within %s", s.name, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *PipeSource) readLoop() {
	defer close(s.readDone)
	defer close(s.frames)

	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, megabyte), maxFrameBytes)
	scanner.Split(SplitJPEG)

	index := 0
	for scanner.Scan() {
		f := Frame{Index: index, Data: append([]byte(nil), scanner.Bytes()...)}
		index++
		if !s.push(f) {
			s.finish(nil)
			return
		}
	}
	s.finish(scanner.Err())
}

func (s *PipeSource) push(f Frame) bool {
	if s.dropStale {
		select {
		case s.frames <- f:
			return true
		case <-s.done:
			return false
		default:
		}
		select {
		case <-s.frames:
			s.logger.Debug("Frame buffer full, dropped oldest frame", "source", s.name)
		default:
		}
	}
	select {
	case s.frames <- f:
		return true
	case <-s.done:
		return false
	}
}

func (s *PipeSource) finish(readErr error) {
	var waitErr error
	if s.cmd != nil {
		waitErr = s.cmd.Wait()
	}

	select {
	case <-s.done:
		return
	default:
	}

	switch {
	case readErr != nil:
		s.endErr = fmt.Errorf("failed to read frames from %s: %w", s.name, readErr)
	case waitErr != nil:
		s.endErr = fmt.Errorf("decoder for %s failed: %w (%s)", s.name, waitErr, strings.TrimSpace(s.stderr.String()))
	}
}

// Next returns the next frame.
func (s *PipeSource) Next(ctx context.Context) (Frame, error) {
	if s.pending != nil {
		f := *s.pending
		s.pending = nil
		return f, nil
	}

	select {
	case f, ok := <-s.frames:
		if !ok {
			if s.endErr != nil {
				return Frame{}, s.endErr
			}
			return Frame{}, io.EOF
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-s.done:
		return Frame{}, errors.New("source closed")
	}
}

func (s *PipeSource) FPS() float64 {
	return s.fps
}

func (s *PipeSource) TotalFrames() int {
	return s.total
}

// Close stops the decoder and waits for the reader goroutine. It is safe to
// call more than once.
func (s *PipeSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cmd != nil && s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		} else if s.reader != nil {
			_ = s.reader.Close()
		}
		<-s.readDone
		s.logger.Debug("Source closed", "source", s.name)
	})
	return nil
}
