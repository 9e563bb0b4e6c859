package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/vzahanych/facetrace/internal/detector"
	"github.com/vzahanych/facetrace/internal/logger"
	"github.com/vzahanych/facetrace/internal/pipeline"
	"github.com/vzahanych/facetrace/internal/report"
)

type scanOptions struct {
	references []string
	threshold  float64
	setThresh  bool
	frameSkip  int
	noReport   bool
	keep       bool
}

func newScanCommand(cc *commandContext) *cobra.Command {
	opts := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan <video>",
		Short: "Search a video file for the person in the reference images",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(opts.references) == 0 {
				return errors.New("at least one --reference image is required")
			}
			opts.setThresh = cmd.Flags().Changed("threshold")
			return runScan(cmd.Context(), cc, args[0], opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringSliceVarP(&opts.references, "reference", "r", nil, "reference image (repeatable)")
	cmd.Flags().Float64Var(&opts.threshold, "threshold", 0, "similarity threshold (default from config)")
	cmd.Flags().IntVar(&opts.frameSkip, "skip", 0, "process every Nth frame (default from config)")
	cmd.Flags().BoolVar(&opts.noReport, "no-report", false, "do not write a CSV report")
	cmd.Flags().BoolVar(&opts.keep, "keep", false, "keep detections from earlier scans of the same video")
	return cmd
}

func runScan(ctx context.Context, cc *commandContext, videoPath string, opts *scanOptions, out io.Writer) error {
	if _, err := os.Stat(videoPath); err != nil {
		return fmt.Errorf("video: %w", err)
	}

	a, err := buildApp(ctx, cc)
	if err != nil {
		return err
	}
	defer a.close()

	videoID := filepath.Base(videoPath)
	if !opts.keep {
		if _, err := a.controller.ClearSession(ctx, videoID); err != nil {
			return err
		}
	}

	refs := make([]detector.ReferenceImage, 0, len(opts.references))
	for _, p := range opts.references {
		refs = append(refs, detector.FromPath(p))
	}

	req := pipeline.BatchRequest{
		VideoPath:  videoPath,
		VideoID:    videoID,
		References: refs,
		FrameSkip:  opts.frameSkip,
	}
	if opts.setThresh {
		req.Threshold = pipeline.Float(opts.threshold)
	}
	events := a.controller.RunBatch(ctx, req)
	res := pipeline.Wait(trackProgress(events, a.log))
	if res.Err != nil {
		return fmt.Errorf("scan failed: %w", res.Err)
	}

	fmt.Fprintf(out, "%s: %d frames processed, %d matches\n", res.Video, res.FramesProcessed, res.MatchesFound)
	if res.MatchesFound == 0 {
		return nil
	}

	detections, err := a.controller.Results(ctx, videoID)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, report.DetectionsTable(detections))

	if opts.noReport {
		return nil
	}
	path, err := a.reports.GenerateCSV(ctx, videoID)
	if err != nil {
		return err
	}
	if path != "" {
		fmt.Fprintf(out, "Report: %s\n", path)
	}
	return nil
}

// trackProgress renders batch events as a progress bar on a terminal and as
// log lines otherwise. The returned channel carries the same events.
func trackProgress(events <-chan pipeline.Event, log *logger.Logger) <-chan pipeline.Event {
	out := make(chan pipeline.Event, cap(events))
	interactive := stderrIsTerminal()

	go func() {
		defer close(out)
		var bar *progressbar.ProgressBar
		matches := 0
		for ev := range events {
			switch ev.Type {
			case pipeline.EventStart:
				if interactive {
					total := ev.TotalFrames
					if total <= 0 {
						total = -1
					}
					bar = progressbar.NewOptions(total,
						progressbar.OptionSetDescription(ev.Video),
						progressbar.OptionSetWriter(os.Stderr),
						progressbar.OptionShowCount(),
						progressbar.OptionClearOnFinish(),
					)
				}
				log.Info("Scan started", "video", ev.Video, "fps", ev.FPS, "total_frames", ev.TotalFrames)
			case pipeline.EventProgress:
				if bar != nil {
					bar.Set(ev.Frame)
				} else {
					log.Info("Scan progress", "frame", ev.Frame, "matches", ev.MatchesFound)
				}
			case pipeline.EventMatch:
				matches++
				if bar != nil {
					bar.Describe(fmt.Sprintf("%s (%d matches)", ev.Video, matches))
				}
				log.Debug("Match", "frame", ev.Frame, "timestamp", ev.Timestamp,
					"similarity", report.FormatSimilarity(ev.Similarity))
			case pipeline.EventWarning:
				log.Warn("Scan warning", "frame", ev.Frame, "kind", ev.Kind, "message", ev.Message)
			case pipeline.EventCompleted, pipeline.EventError:
				if bar != nil {
					bar.Finish()
				}
			}
			out <- ev
		}
	}()
	return out
}

func stderrIsTerminal() bool {
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
