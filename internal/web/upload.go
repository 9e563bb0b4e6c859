package web

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vzahanych/facetrace/internal/detector"
	"github.com/vzahanych/facetrace/internal/pipeline"
)

// handleUpload stores a video and its reference images, clears earlier
// results for the video name and runs the batch pipeline. Clients asking for
// text/event-stream get the run's events as SSE; everyone else waits for the
// summary and report link.
func (s *Server) handleUpload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid multipart form: " + err.Error()})
		return
	}

	videos := form.File["video"]
	if len(videos) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No video file provided"})
		return
	}
	refs := append(form.File["reference_images"], form.File["reference_images[]"]...)
	if len(refs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No reference images provided"})
		return
	}

	videoName := filepath.Base(videos[0].Filename)
	if videoName == "" || videoName == "." || videoName == string(filepath.Separator) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid video file name"})
		return
	}

	threshold, err := formFloat(c, "threshold")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	frameSkip, err := formInt(c, "frame_skip")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	subdir := uuid.NewString()

	videoPath, err := s.saveUpload(ctx, subdir, videoName, videos[0])
	if err != nil {
		s.respondError(c, err, "Failed to save video")
		return
	}

	references := make([]detector.ReferenceImage, 0, len(refs))
	for i, fh := range refs {
		name := fmt.Sprintf("ref_%d_%s", i, filepath.Base(fh.Filename))
		path, err := s.saveUpload(ctx, subdir, name, fh)
		if err != nil {
			s.respondError(c, err, "Failed to save reference image")
			return
		}
		references = append(references, detector.FromPath(path))
	}

	if _, err := s.deps.Pipeline.ClearSession(ctx, videoName); err != nil {
		s.respondError(c, err, "Failed to clear previous results")
		return
	}

	s.LogInfo("Processing upload", "video", videoName, "references", len(references))
	events := s.deps.Pipeline.RunBatch(ctx, pipeline.BatchRequest{
		VideoPath:  videoPath,
		VideoID:    videoName,
		References: references,
		Threshold:  threshold,
		FrameSkip:  frameSkip,
	})

	if wantsEventStream(c) {
		s.streamBatch(c, videoName, events)
		return
	}

	res := pipeline.Wait(events)
	if res.State != pipeline.StateCompleted {
		details := "run ended without a result"
		if res.Err != nil {
			details = res.Err.Error()
		}
		c.JSON(statusForKind(res.Kind), gin.H{
			"error":      "Processing failed",
			"details":    details,
			"kind":       res.Kind,
			"video_name": videoName,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":     "Processing complete",
		"video_name":  videoName,
		"report_urls": s.reportURLs(ctx, videoName),
		"details": gin.H{
			"status":           string(res.State),
			"frames_processed": res.FramesProcessed,
			"matches_found":    res.MatchesFound,
		},
	})
}

// streamBatch forwards batch events as SSE. After the completed event a
// report event carries the CSV link.
func (s *Server) streamBatch(c *gin.Context, videoName string, events <-chan pipeline.Event) {
	setSSEHeaders(c)
	c.Status(http.StatusOK)

	c.Stream(func(w io.Writer) bool {
		ev, ok := <-events
		if !ok {
			return false
		}
		c.SSEvent(string(ev.Type), ev.Payload())
		if ev.Type == pipeline.EventCompleted {
			c.SSEvent("report", gin.H{
				"video_name":  videoName,
				"report_urls": s.reportURLs(c.Request.Context(), videoName),
			})
		}
		return true
	})
}

func (s *Server) reportURLs(ctx context.Context, videoName string) gin.H {
	urls := gin.H{}
	path, err := s.deps.Reports.GenerateCSV(ctx, videoName)
	if err != nil {
		s.LogWarn("Failed to write CSV report", "video", videoName, "error", err)
		return urls
	}
	if path != "" {
		urls["csv"] = reportsURLPrefix + filepath.Base(path)
	}
	return urls
}

func (s *Server) saveUpload(ctx context.Context, subdir, name string, fh *multipart.FileHeader) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open upload %s: %w", fh.Filename, err)
	}
	defer f.Close()
	return s.deps.Files.SaveUpload(ctx, subdir, name, f)
}

func wantsEventStream(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "text/event-stream")
}

// formFloat returns nil when the field is absent.
func formFloat(c *gin.Context, key string) (*float64, error) {
	raw := strings.TrimSpace(c.PostForm(key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < -1 || v > 1 {
		return nil, fmt.Errorf("invalid %s %q: must be a number in [-1, 1]", key, raw)
	}
	return &v, nil
}

func formInt(c *gin.Context, key string) (int, error) {
	raw := strings.TrimSpace(c.PostForm(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("invalid %s %q: must be a positive integer", key, raw)
	}
	return v, nil
}
