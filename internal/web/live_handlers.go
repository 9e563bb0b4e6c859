package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vzahanych/facetrace/internal/camera"
	"github.com/vzahanych/facetrace/internal/detector"
	"github.com/vzahanych/facetrace/internal/pipeline"
	"github.com/vzahanych/facetrace/internal/video"
)

const (
	mjpegBoundary   = "frame"
	snapshotTimeout = 15 * time.Second
)

// handleListDevices lists local capture devices usable as live sources.
func (s *Server) handleListDevices(c *gin.Context) {
	devices, err := camera.ListDevices(s.deps.DevDir)
	if err != nil {
		s.respondError(c, err, "Failed to list capture devices")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"devices":        devices,
		"count":          len(devices),
		"default_source": s.deps.Camera.DefaultSource,
	})
}

// handleRegisterReference embeds reference images into a new live session.
// It accepts multipart reference_images or JSON {"paths": [...]}.
func (s *Server) handleRegisterReference(c *gin.Context) {
	var refs []detector.ReferenceImage

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid multipart form: " + err.Error()})
			return
		}
		files := append(form.File["reference_images"], form.File["reference_images[]"]...)
		for _, fh := range files {
			f, err := fh.Open()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Failed to read %s: %v", fh.Filename, err)})
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Failed to read %s: %v", fh.Filename, err)})
				return
			}
			refs = append(refs, detector.FromBytes(filepath.Base(fh.Filename), data))
		}
	} else {
		var req struct {
			Paths []string `json:"paths" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
			return
		}
		for _, p := range req.Paths {
			refs = append(refs, detector.FromPath(p))
		}
	}

	if len(refs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No reference images provided"})
		return
	}

	sessionID, err := s.deps.Pipeline.RegisterReference(c.Request.Context(), refs)
	if err != nil {
		s.respondError(c, err, "Failed to register reference")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"references": len(refs),
	})
}

// handleLiveStream serves annotated frames as an MJPEG stream.
func (s *Server) handleLiveStream(c *gin.Context) {
	sessionID := c.Param("session")
	spec, opts, err := s.liveRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	stream, err := s.streams.StartStream(c.Request.Context(), sessionID, spec, opts)
	if err != nil {
		s.respondError(c, err, "Failed to start stream")
		return
	}
	defer s.streams.StopStream(sessionID, stream)

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Pragma", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.Stream(func(w io.Writer) bool {
		select {
		case frame, ok := <-stream.FrameChan:
			if !ok {
				return false
			}
			if len(frame.JPEG) == 0 {
				return true
			}
			fmt.Fprintf(w, "--%s\r\n", mjpegBoundary)
			fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
			fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(frame.JPEG))
			w.Write(frame.JPEG)
			fmt.Fprintf(w, "\r\n")
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// handleLiveEvents serves per-frame match results as server-sent events.
func (s *Server) handleLiveEvents(c *gin.Context) {
	sessionID := c.Param("session")
	spec, opts, err := s.liveRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	opts.SkipAnnotation = true

	stream, err := s.streams.StartStream(c.Request.Context(), sessionID, spec, opts)
	if err != nil {
		s.respondError(c, err, "Failed to start stream")
		return
	}
	defer s.streams.StopStream(sessionID, stream)

	setSSEHeaders(c)
	c.Status(http.StatusOK)

	c.Stream(func(w io.Writer) bool {
		select {
		case frame, ok := <-stream.FrameChan:
			if !ok {
				c.SSEvent("end", gin.H{"session_id": sessionID})
				return false
			}
			c.SSEvent("frame", frame)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// handleLiveSnapshot returns one annotated frame for a session: the latest
// frame of its running stream, or else a single frame captured from source.
func (s *Server) handleLiveSnapshot(c *gin.Context) {
	sessionID := c.Param("session")
	if stream, err := s.streams.GetStream(sessionID); err == nil {
		if frame, ok := stream.GetLastFrame(); ok && len(frame.JPEG) > 0 {
			c.Data(http.StatusOK, "image/jpeg", frame.JPEG)
			return
		}
	}

	spec, opts, err := s.liveRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	opts.Record = false
	opts.SkipAnnotation = false

	ctx, cancel := context.WithTimeout(c.Request.Context(), snapshotTimeout)
	defer cancel()

	frames, err := s.deps.Pipeline.StreamLive(ctx, sessionID, spec, opts)
	if err != nil {
		s.respondError(c, err, "Failed to capture snapshot")
		return
	}
	defer func() {
		cancel()
		for range frames {
		}
	}()

	for frame := range frames {
		if len(frame.JPEG) == 0 {
			continue
		}
		c.Header("X-Frame-Index", strconv.Itoa(frame.Index))
		c.Data(http.StatusOK, "image/jpeg", frame.JPEG)
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "No frame captured"})
}

// handleDeleteSession stops the session's stream and forgets its reference.
func (s *Server) handleDeleteSession(c *gin.Context) {
	sessionID := c.Param("session")
	s.streams.StopStream(sessionID, nil)

	if !s.deps.Pipeline.RemoveSession(sessionID) {
		s.respondError(c, fmt.Errorf("%w: %s", pipeline.ErrSessionNotFound, sessionID), "Session not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Session removed", "session_id": sessionID})
}

// liveRequest reads the capture source and run options from the query.
func (s *Server) liveRequest(c *gin.Context) (video.CaptureSpec, pipeline.LiveOptions, error) {
	spec := video.CaptureSpec{
		Source: c.DefaultQuery("source", s.deps.Camera.DefaultSource),
		Width:  s.deps.Camera.Width,
		Height: s.deps.Camera.Height,
	}
	if spec.Source == "" {
		return spec, pipeline.LiveOptions{}, fmt.Errorf("no source given and no default source configured")
	}

	var opts pipeline.LiveOptions
	if raw := c.Query("frame_skip"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return spec, opts, fmt.Errorf("invalid frame_skip %q", raw)
		}
		opts.FrameSkip = n
	}
	if raw := c.Query("threshold"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < -1 || v > 1 {
			return spec, opts, fmt.Errorf("invalid threshold %q", raw)
		}
		opts.Threshold = &v
	}
	if raw := c.Query("fps"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 {
			return spec, opts, fmt.Errorf("invalid fps %q", raw)
		}
		spec.FPS = v
	}
	opts.Record = c.Query("record") == "true"
	return spec, opts, nil
}
