// Package report renders detection logs as CSV files and terminal tables.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/vzahanych/facetrace/internal/logger"
	"github.com/vzahanych/facetrace/internal/state"
)

// DetectionLister is the part of state.Store reports read from.
type DetectionLister interface {
	ListByVideo(ctx context.Context, videoFilename string) ([]state.Detection, error)
}

// Generator writes per-video reports into a directory.
type Generator struct {
	store  DetectionLister
	dir    string
	logger *logger.Logger
}

// NewGenerator creates a report generator writing to dir.
func NewGenerator(store DetectionLister, dir string, log *logger.Logger) *Generator {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Generator{store: store, dir: dir, logger: log.Named("report")}
}

// CSVName returns the report file name for a video: report_<name up to the
// first dot>.csv.
func CSVName(videoFilename string) string {
	base := filepath.Base(videoFilename)
	if i := strings.Index(base, "."); i > 0 {
		base = base[:i]
	}
	return fmt.Sprintf("report_%s.csv", base)
}

// GenerateCSV writes the CSV report for a video and returns its path. It
// returns "" and no error when the video has no detections.
func (g *Generator) GenerateCSV(ctx context.Context, videoFilename string) (string, error) {
	detections, err := g.store.ListByVideo(ctx, videoFilename)
	if err != nil {
		return "", fmt.Errorf("failed to load detections: %w", err)
	}
	if len(detections) == 0 {
		g.logger.Info("No detections for CSV report", "video", videoFilename)
		return "", nil
	}

	if err := os.MkdirAll(g.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create reports directory: %w", err)
	}

	path := filepath.Join(g.dir, CSVName(videoFilename))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(RenderCSV(detections)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write report: %w", err)
	}

	g.logger.Info("CSV report written", "video", videoFilename, "rows", len(detections), "path", path)
	return path, nil
}

// RenderCSV renders detections with the columns
// frame_number,timestamp,similarity,match_image_path.
func RenderCSV(detections []state.Detection) string {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"frame_number", "timestamp", "similarity", "match_image_path"})
	for _, d := range detections {
		tw.AppendRow(table.Row{
			strconv.Itoa(d.FrameNumber),
			d.Timestamp,
			FormatSimilarity(d.Similarity),
			d.MatchImagePath,
		})
	}
	return tw.RenderCSV()
}

// FormatSimilarity renders a score with four decimals.
func FormatSimilarity(score float64) string {
	return strconv.FormatFloat(score, 'f', 4, 64)
}
