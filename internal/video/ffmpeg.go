// Package video decodes video files and live capture devices into JPEG frames
// by piping them through ffmpeg.
package video

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/vzahanych/facetrace/internal/logger"
)

// FFmpegWrapper wraps FFmpeg functionality
type FFmpegWrapper struct {
	logger      *logger.Logger
	ffmpegPath  string
	ffprobePath string
}

// ProbeInfo describes the first video stream of an input.
type ProbeInfo struct {
	Codec       string
	Width       int
	Height      int
	FPS         float64
	TotalFrames int // 0 when unknown
	Duration    float64
}

// NewFFmpegWrapper creates a new FFmpeg wrapper
func NewFFmpegWrapper(log *logger.Logger) (*FFmpegWrapper, error) {
	wrapper := &FFmpegWrapper{logger: log}

	ffmpegPath, err := detectBinary("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	wrapper.ffmpegPath = ffmpegPath

	ffprobePath, err := detectBinary("ffprobe")
	if err != nil {
		log.Warn("ffprobe not found, frame rate and frame count will be unknown", "error", err)
	}
	wrapper.ffprobePath = ffprobePath

	log.Info("FFmpeg wrapper initialized",
		"ffmpeg", wrapper.ffmpegPath,
		"ffprobe", wrapper.ffprobePath,
	)

	return wrapper, nil
}

func detectBinary(name string) (string, error) {
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	for _, path := range []string{"/usr/bin/" + name, "/usr/local/bin/" + name} {
		if err := exec.Command(path, "-version").Run(); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%s not found in PATH or common locations", name)
}

// BuildCommand builds an FFmpeg command
func (f *FFmpegWrapper) BuildCommand(ctx context.Context, args []string) *exec.Cmd {
	return exec.CommandContext(ctx, f.ffmpegPath, args...)
}

// GetVersion returns FFmpeg version
func (f *FFmpegWrapper) GetVersion() (string, error) {
	output, err := exec.Command(f.ffmpegPath, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("failed to get ffmpeg version: %w", err)
	}

	lines := strings.Split(string(output), "\n")
	if len(lines) > 0 {
		return strings.TrimSpace(lines[0]), nil
	}

	return "unknown", nil
}

type ffprobeOutput struct {
	Streams []struct {
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Duration     string `json:"duration"`
	} `json:"streams"`
}

// Probe reads stream metadata with ffprobe. Inputs ffprobe cannot open fail.
func (f *FFmpegWrapper) Probe(ctx context.Context, input string, inputFormat string) (*ProbeInfo, error) {
	if f.ffprobePath == "" {
		return nil, fmt.Errorf("ffprobe not available")
	}

	args := []string{"-v", "error"}
	if inputFormat != "" {
		args = append(args, "-f", inputFormat)
	}
	args = append(args,
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_name,width,height,r_frame_rate,avg_frame_rate,nb_frames,duration",
		"-of", "json",
		input,
	)

	cmd := exec.CommandContext(ctx, f.ffprobePath, args...)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("ffprobe failed: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	return parseProbeOutput(out)
}

func parseProbeOutput(out []byte) (*ProbeInfo, error) {
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 {
		return nil, fmt.Errorf("no video stream found")
	}

	s := res.Streams[0]
	info := &ProbeInfo{
		Codec:  s.CodecName,
		Width:  s.Width,
		Height: s.Height,
		FPS:    parseRate(s.AvgFrameRate),
	}
	if info.FPS == 0 {
		info.FPS = parseRate(s.RFrameRate)
	}
	if n, err := strconv.Atoi(s.NbFrames); err == nil && n > 0 {
		info.TotalFrames = n
	}
	if d, err := strconv.ParseFloat(s.Duration, 64); err == nil {
		info.Duration = d
	}
	return info, nil
}

// parseRate parses ffprobe rates such as "30000/1001" or "25".
func parseRate(rate string) float64 {
	num, den, found := strings.Cut(rate, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// DecodeOptions controls the MJPEG pipe ffmpeg writes.
type DecodeOptions struct {
	InputFormat string   // e.g. "v4l2"; empty lets ffmpeg guess
	InputArgs   []string // extra options placed before -i
	Width       int      // scale width, 0 keeps source size
	Height      int
	Quality     int // mjpeg qscale, 2 (best) to 31
	MaxFrames   int // 0 decodes until the input ends
}

// DecodeArgs returns the ffmpeg arguments that decode input into a stream of
// concatenated JPEG images on stdout.
func DecodeArgs(input string, opts DecodeOptions) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if opts.InputFormat != "" {
		args = append(args, "-f", opts.InputFormat)
	}
	args = append(args, opts.InputArgs...)
	args = append(args, "-i", input, "-an")

	if opts.Width > 0 || opts.Height > 0 {
		w, h := opts.Width, opts.Height
		if w == 0 {
			w = -2
		}
		if h == 0 {
			h = -2
		}
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", w, h))
	}

	if opts.MaxFrames > 0 {
		args = append(args, "-frames:v", strconv.Itoa(opts.MaxFrames))
	}

	quality := opts.Quality
	if quality < 2 || quality > 31 {
		quality = 3
	}
	args = append(args,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", strconv.Itoa(quality),
		"-",
	)
	return args
}
