package web

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vzahanych/facetrace/internal/health"
	"github.com/vzahanych/facetrace/internal/pipeline"
	"github.com/vzahanych/facetrace/internal/report"
	"github.com/vzahanych/facetrace/internal/state"
	"github.com/vzahanych/facetrace/internal/storage"
)

const (
	matchesURLPrefix = "/api/static/matches/"
	reportsURLPrefix = "/api/static/reports/"
)

// statusForError maps pipeline and storage failures to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrReferenceUnresolvable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrSourceUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, storage.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrDiskFull):
		return http.StatusInsufficientStorage
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// statusForKind is statusForError for the kind carried by an error event.
func statusForKind(kind string) int {
	switch kind {
	case pipeline.KindSessionNotFound:
		return http.StatusNotFound
	case pipeline.KindReferenceUnresolvable:
		return http.StatusUnprocessableEntity
	case pipeline.KindSourceUnavailable:
		return http.StatusBadGateway
	case pipeline.KindCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondError(c *gin.Context, err error, message string) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.LogError(message, err, "path", c.Request.URL.Path)
	}
	c.JSON(status, gin.H{
		"error":   message,
		"details": err.Error(),
		"kind":    pipeline.KindOf(err),
	})
}

// handleHealth returns the full health report
func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": health.StatusHealthy, "service": "web-server"})
		return
	}
	hr := s.deps.Health.Check(c.Request.Context())
	status := http.StatusOK
	if !hr.Ready() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, hr)
}

// handleLiveness reports that the process is serving requests.
func (s *Server) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// handleReadiness reports whether dependencies allow serving traffic.
func (s *Server) handleReadiness(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}
	hr := s.deps.Health.Check(c.Request.Context())
	if !hr.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": hr.Checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "health": hr.Status})
}

// handleStatus handles the system status endpoint
func (s *Server) handleStatus(c *gin.Context) {
	uptime := time.Since(s.startTime)

	resp := gin.H{
		"status":         "running",
		"uptime":         uptime.Truncate(time.Second).String(),
		"uptime_seconds": int64(uptime.Seconds()),
		"version":        s.version,
		"live_streams":   s.streams.ActiveStreams(),
		"timestamp":      time.Now().Format(time.RFC3339),
	}
	if s.deps.Health != nil {
		resp["services"] = s.deps.Health.Services()
	}
	if s.deps.Files != nil {
		if stats, err := s.deps.Files.GetStorageStats(c.Request.Context()); err == nil {
			resp["storage"] = stats
		} else {
			s.logger.Debug("Storage stats unavailable", "error", err)
		}
	}
	c.JSON(http.StatusOK, resp)
}

// resultJSON is one row of GET /api/results/:video.
type resultJSON struct {
	Frame      int    `json:"frame"`
	Timestamp  string `json:"timestamp"`
	Similarity string `json:"similarity"`
	ImageURL   string `json:"image_url"`
}

func toResults(detections []state.Detection) []resultJSON {
	results := make([]resultJSON, 0, len(detections))
	for _, d := range detections {
		results = append(results, resultJSON{
			Frame:      d.FrameNumber,
			Timestamp:  d.Timestamp,
			Similarity: report.FormatSimilarity(d.Similarity),
			ImageURL:   matchesURLPrefix + d.MatchImagePath,
		})
	}
	return results
}

// handleGetResults returns the detections of a video ordered by frame.
func (s *Server) handleGetResults(c *gin.Context) {
	videoName := c.Param("video")

	detections, err := s.deps.Pipeline.Results(c.Request.Context(), videoName)
	if err != nil {
		s.respondError(c, err, "Failed to load results")
		return
	}
	c.JSON(http.StatusOK, toResults(detections))
}

// handleClearResults deletes every detection and crop of a video.
func (s *Server) handleClearResults(c *gin.Context) {
	videoName := c.Param("video")

	removed, err := s.deps.Pipeline.ClearSession(c.Request.Context(), videoName)
	if err != nil {
		s.respondError(c, err, "Failed to clear results")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":    "Results cleared",
		"video_name": videoName,
		"removed":    removed,
	})
}

// handleListVideos returns the processed videos with their match counts.
func (s *Server) handleListVideos(c *gin.Context) {
	videos, err := s.deps.Pipeline.Videos(c.Request.Context())
	if err != nil {
		s.respondError(c, err, "Failed to list videos")
		return
	}

	response := make([]gin.H, 0, len(videos))
	for _, v := range videos {
		response = append(response, gin.H{
			"video_name":      v.VideoFilename,
			"matches":         v.Detections,
			"best_similarity": report.FormatSimilarity(v.BestSimilarity),
			"first_frame":     v.FirstFrame,
			"last_frame":      v.LastFrame,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"videos": response,
		"count":  len(response),
	})
}

// handleGenerateReport (re)writes the CSV report of a video.
func (s *Server) handleGenerateReport(c *gin.Context) {
	videoName := c.Param("video")

	path, err := s.deps.Reports.GenerateCSV(c.Request.Context(), videoName)
	if err != nil {
		s.respondError(c, err, "Failed to generate report")
		return
	}
	if path == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "No detections for video", "video_name": videoName})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"video_name": videoName,
		"report_url": reportsURLPrefix + filepath.Base(path),
	})
}

// handleMatchImage serves a saved face crop.
func (s *Server) handleMatchImage(c *gin.Context) {
	path, err := s.deps.Files.CropPath(c.Param("file"))
	if err != nil {
		s.respondError(c, err, "Invalid file name")
		return
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Match image not found"})
		return
	}
	c.File(path)
}

// handleReportFile serves a CSV report as a download.
func (s *Server) handleReportFile(c *gin.Context) {
	name := c.Param("file")
	path, err := s.deps.Files.ReportPath(name)
	if err != nil {
		s.respondError(c, err, "Invalid file name")
		return
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Report not found"})
		return
	}
	c.FileAttachment(path, name)
}

// handleEvents streams bus events as server-sent events until the client
// disconnects.
func (s *Server) handleEvents(c *gin.Context) {
	if s.deps.Bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Event bus not available"})
		return
	}

	events := s.deps.Bus.SubscribeAll()
	defer s.deps.Bus.Unsubscribe(events)

	setSSEHeaders(c)
	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-keepAlive.C:
			c.SSEvent("ping", gin.H{"timestamp": time.Now().Format(time.RFC3339)})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func setSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}
