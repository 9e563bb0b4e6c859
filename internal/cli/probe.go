package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vzahanych/facetrace/internal/camera"
	"github.com/vzahanych/facetrace/internal/logger"
	"github.com/vzahanych/facetrace/internal/report"
	"github.com/vzahanych/facetrace/internal/video"
)

type probeOptions struct {
	list     bool
	snapshot string
	devDir   string
	username string
	password string
	timeout  time.Duration
}

func newProbeCommand(cc *commandContext) *cobra.Command {
	opts := &probeOptions{}
	cmd := &cobra.Command{
		Use:   "probe [source]",
		Short: "Check that a camera, stream or video file can be read",
		Long: "Probe describes a capture source before it is used for live matching.\n" +
			"Sources are a device index, a /dev/video path, an rtsp:// or http:// URL, or a file.\n" +
			"Without a source the configured default camera is probed.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.list {
				return listDevices(out, opts.devDir)
			}

			source := cfg.Camera.DefaultSource
			if len(args) == 1 {
				source = args[0]
			}
			if source == "" {
				return errors.New("no source given and camera.default_source is empty")
			}
			if opts.timeout == 0 {
				opts.timeout = cfg.Camera.RTSPTimeout
			}
			return runProbe(cmd.Context(), cc, source, opts, out)
		},
	}
	cmd.Flags().BoolVar(&opts.list, "list", false, "list local capture devices")
	cmd.Flags().StringVar(&opts.snapshot, "snapshot", "", "also save one captured frame to this JPEG file")
	cmd.Flags().StringVar(&opts.devDir, "dev-dir", "/dev", "directory searched for video devices")
	cmd.Flags().StringVar(&opts.username, "username", "", "RTSP username")
	cmd.Flags().StringVar(&opts.password, "password", "", "RTSP password")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "RTSP probe timeout (default from config)")
	return cmd
}

func listDevices(out io.Writer, devDir string) error {
	devices, err := camera.ListDevices(devDir)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Fprintln(out, "No capture devices found")
		return nil
	}
	fmt.Fprintln(out, report.DevicesTable(devices))
	return nil
}

func runProbe(ctx context.Context, cc *commandContext, source string, opts *probeOptions, out io.Writer) error {
	log, err := cc.ensureLogger()
	if err != nil {
		return err
	}

	if err := describeSource(ctx, log, source, opts, out); err != nil {
		return err
	}
	if opts.snapshot == "" {
		return nil
	}

	cfg, err := cc.ensureConfig()
	if err != nil {
		return err
	}
	ff, err := video.NewFFmpegWrapper(log.Named("ffmpeg"))
	if err != nil {
		return err
	}
	snap, err := ff.CaptureSnapshot(ctx, video.CaptureSpec{
		Source: source,
		Width:  cfg.Camera.Width,
		Height: cfg.Camera.Height,
	})
	if err != nil {
		return fmt.Errorf("snapshot failed: %w", err)
	}
	if err := os.WriteFile(opts.snapshot, snap.JPEG, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	fmt.Fprintf(out, "Snapshot:     %s (%dx%d, %s)\n", opts.snapshot, snap.Width, snap.Height, snap.Duration.Round(time.Millisecond))
	return nil
}

func describeSource(ctx context.Context, log *logger.Logger, source string, opts *probeOptions, out io.Writer) error {
	input, format, kind := video.ResolveCapture(source)
	if kind == video.KindRTSP {
		res, err := camera.ProbeRTSP(ctx, input, camera.ProbeConfig{
			Username: opts.username,
			Password: opts.password,
			Timeout:  opts.timeout,
		}, log.Named("rtsp"))
		if err != nil {
			return fmt.Errorf("rtsp probe failed: %w", err)
		}
		fmt.Fprintf(out, "URL:          %s\n", res.URL)
		fmt.Fprintf(out, "Medias:       %v\n", res.Medias)
		fmt.Fprintf(out, "Video codec:  %s\n", res.VideoCodec)
		fmt.Fprintf(out, "First packet: %s\n", res.FirstPacket.Round(time.Millisecond))
		fmt.Fprintf(out, "Packets:      %d\n", res.Packets)
		return nil
	}

	ff, err := video.NewFFmpegWrapper(log.Named("ffmpeg"))
	if err != nil {
		return err
	}
	info, err := ff.Probe(ctx, input, format)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Source:       %s (%s)\n", input, kind)
	fmt.Fprintf(out, "Codec:        %s\n", info.Codec)
	fmt.Fprintf(out, "Resolution:   %dx%d\n", info.Width, info.Height)
	fmt.Fprintf(out, "FPS:          %.2f\n", info.FPS)
	if info.TotalFrames > 0 {
		fmt.Fprintf(out, "Frames:       %d\n", info.TotalFrames)
	}
	if info.Duration > 0 {
		fmt.Fprintf(out, "Duration:     %.1fs\n", info.Duration)
	}
	return nil
}
