// Package camera inspects live sources before a stream is opened: an RTSP
// pre-flight that describes the stream and waits for its first packet, and a
// lister for local V4L2 capture devices.
package camera

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"

	"github.com/vzahanych/facetrace/internal/logger"
)

// ErrNoVideo is returned when the stream carries no decodable video track.
var ErrNoVideo = errors.New("no H.264 or MJPEG video track in stream")

// ErrNoPackets is returned when the stream was set up but stayed silent.
var ErrNoPackets = errors.New("no RTP packets received")

// ProbeResult describes an RTSP stream.
type ProbeResult struct {
	URL         string        `json:"url"`
	Medias      []string      `json:"medias"`
	VideoCodec  string        `json:"video_codec"`
	FirstPacket time.Duration `json:"first_packet"`
	Packets     int           `json:"packets"`
}

// ProbeConfig contains RTSP probe configuration
type ProbeConfig struct {
	Username string
	Password string
	Timeout  time.Duration
}

// ProbeRTSP connects to an RTSP url, sets up its video track and waits for
// the first RTP packet. The connection is always closed before returning.
func ProbeRTSP(ctx context.Context, rawURL string, cfg ProbeConfig, log *logger.Logger) (*ProbeResult, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	u, err := base.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	if u.Scheme != "rtsp" && u.Scheme != "rtsps" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if cfg.Username != "" && u.User == nil {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}

	transport := gortsplib.TransportTCP
	client := &gortsplib.Client{
		Transport:    &transport,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}

	log.Debug("Probing RTSP stream", "url", redact(u))

	if err := client.Start(u.Scheme, u.Host); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	defer client.Close()

	// Close unblocks any pending request when ctx ends first.
	stop := context.AfterFunc(ctx, client.Close)
	defer stop()

	desc, _, err := client.Describe(u)
	if err != nil {
		return nil, fmt.Errorf("failed to describe stream: %w", err)
	}

	result := &ProbeResult{URL: redact(u)}
	for _, media := range desc.Medias {
		for _, forma := range media.Formats {
			result.Medias = append(result.Medias, fmt.Sprintf("%s/%s", media.Type, forma.Codec()))
		}
	}

	videoMedia, videoFormat := findVideo(desc)
	if videoMedia == nil {
		return result, ErrNoVideo
	}
	result.VideoCodec = videoFormat.Codec()

	if _, err := client.Setup(desc.BaseURL, videoMedia, 0, 0); err != nil {
		return result, fmt.Errorf("failed to setup stream: %w", err)
	}

	var mu sync.Mutex
	first := make(chan struct{})
	var once sync.Once
	started := time.Now()

	client.OnPacketRTP(videoMedia, videoFormat, func(pkt *rtp.Packet) {
		mu.Lock()
		result.Packets++
		mu.Unlock()
		once.Do(func() {
			mu.Lock()
			result.FirstPacket = time.Since(started)
			mu.Unlock()
			close(first)
		})
	})

	if _, err := client.Play(nil); err != nil {
		return result, fmt.Errorf("failed to play stream: %w", err)
	}

	timer := time.NewTimer(cfg.Timeout)
	defer timer.Stop()

	select {
	case <-first:
	case <-timer.C:
		return result, ErrNoPackets
	case <-ctx.Done():
		return result, ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	out := *result
	log.Debug("RTSP stream ready",
		"url", out.URL,
		"codec", out.VideoCodec,
		"first_packet_ms", out.FirstPacket.Milliseconds(),
	)
	return &out, nil
}

// findVideo returns the first H.264 track, falling back to MJPEG.
func findVideo(desc *description.Session) (*description.Media, format.Format) {
	var mjpegMedia *description.Media
	var mjpegFormat format.Format

	for _, media := range desc.Medias {
		for _, forma := range media.Formats {
			switch f := forma.(type) {
			case *format.H264:
				return media, f
			case *format.MJPEG:
				if mjpegMedia == nil {
					mjpegMedia, mjpegFormat = media, f
				}
			}
		}
	}
	return mjpegMedia, mjpegFormat
}

func redact(u *base.URL) string {
	cp := *u
	if cp.User != nil {
		cp.User = url.User(cp.User.Username())
	}
	return cp.String()
}
