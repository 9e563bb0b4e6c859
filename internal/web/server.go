// Package web serves the upload, results and live streaming HTTP API.
package web

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vzahanych/facetrace/internal/config"
	"github.com/vzahanych/facetrace/internal/detector"
	"github.com/vzahanych/facetrace/internal/health"
	"github.com/vzahanych/facetrace/internal/logger"
	"github.com/vzahanych/facetrace/internal/pipeline"
	"github.com/vzahanych/facetrace/internal/service"
	"github.com/vzahanych/facetrace/internal/state"
	"github.com/vzahanych/facetrace/internal/storage"
	"github.com/vzahanych/facetrace/internal/video"
	"github.com/vzahanych/facetrace/internal/web/streaming"
)

// Pipeline is the controller surface the handlers use.
type Pipeline interface {
	RunBatch(ctx context.Context, req pipeline.BatchRequest) <-chan pipeline.Event
	RegisterReference(ctx context.Context, refs []detector.ReferenceImage) (string, error)
	StreamLive(ctx context.Context, sessionID string, spec video.CaptureSpec, opts pipeline.LiveOptions) (<-chan pipeline.LiveFrame, error)
	RemoveSession(id string) bool
	ClearSession(ctx context.Context, videoID string) (int, error)
	Results(ctx context.Context, videoID string) ([]state.Detection, error)
	Videos(ctx context.Context) ([]state.VideoSummary, error)
}

// FileStore resolves and stores the files served by the API.
type FileStore interface {
	SaveUpload(ctx context.Context, subdir, name string, r io.Reader) (string, error)
	CropPath(name string) (string, error)
	ReportPath(name string) (string, error)
	GetStorageStats(ctx context.Context) (*storage.Stats, error)
}

// ReportWriter writes the CSV report of a video.
type ReportWriter interface {
	GenerateCSV(ctx context.Context, videoFilename string) (string, error)
}

// Deps are the collaborators of the server. Health and Bus may be nil.
type Deps struct {
	Pipeline Pipeline
	Files    FileStore
	Reports  ReportWriter
	Health   *health.Manager
	Bus      *service.EventBus
	Camera   config.CameraConfig
	// DevDir is where capture devices are listed from; defaults to /dev.
	DevDir string
}

// Server represents the web server service
type Server struct {
	*service.ServiceBase
	config     *config.WebConfig
	logger     *logger.Logger
	httpServer *http.Server
	listener   net.Listener
	router     *gin.Engine
	deps       Deps
	streams    *streaming.Service
	version    string
	startTime  time.Time
	mu         sync.Mutex
}

// NewServer creates a new web server service
func NewServer(cfg *config.WebConfig, deps Deps, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNopLogger()
	}
	// Debug mode can be enabled via GIN_MODE environment variable
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	if deps.DevDir == "" {
		deps.DevDir = "/dev"
	}

	s := &Server{
		ServiceBase: service.NewServiceBase("web-server", log),
		config:      cfg,
		logger:      log,
		router:      router,
		deps:        deps,
		streams:     streaming.NewService(deps.Pipeline, log),
		version:     "dev",
		startTime:   time.Now(),
	}
	s.setupRoutes()
	return s
}

// SetVersion sets the application version
func (s *Server) SetVersion(version string) {
	s.version = version
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	}
	return s.listener.Addr().String()
}

// Start starts the web server
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("web server already started")
	}

	// WriteTimeout and IdleTimeout stay disabled: streaming endpoints end
	// through request context cancellation.
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.LogError("Web server error", err, "address", addr)
			s.GetStatus().SetError(err)
		}
	}()

	s.GetStatus().SetStatus(service.StatusRunning)
	s.LogInfo("Web server started", "address", listener.Addr().String())
	return nil
}

// Stop stops the live streams and then the web server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	if err := s.streams.StopAll(ctx); err != nil {
		s.LogWarn("Live streams did not stop in time", "error", err)
	}
	if httpServer == nil {
		return nil
	}

	s.LogInfo("Stopping web server")
	err := httpServer.Shutdown(ctx)
	s.GetStatus().SetStatus(service.StatusStopped)
	return err
}

// Name returns the service name
func (s *Server) Name() string {
	return "web-server"
}

// setupRoutes sets up all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/health/live", s.handleLiveness)
	s.router.GET("/health/ready", s.handleReadiness)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/events", s.handleEvents)

		api.POST("/upload", s.handleUpload)

		api.GET("/videos", s.handleListVideos)
		api.GET("/results/:video", s.handleGetResults)
		api.DELETE("/results/:video", s.handleClearResults)
		api.GET("/reports/:video/csv", s.handleGenerateReport)

		static := api.Group("/static")
		{
			static.GET("/matches/:file", s.handleMatchImage)
			static.GET("/reports/:file", s.handleReportFile)
		}

		live := api.Group("/live")
		{
			live.GET("/devices", s.handleListDevices)
			live.POST("/reference", s.handleRegisterReference)
			live.GET("/:session/stream", s.handleLiveStream)
			live.GET("/:session/events", s.handleLiveEvents)
			live.GET("/:session/snapshot", s.handleLiveSnapshot)
			live.DELETE("/:session", s.handleDeleteSession)
		}
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}

// ginLogger creates a Gin middleware for logging
func ginLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency", latency,
			"client_ip", c.ClientIP(),
		)
	}
}

// corsMiddleware creates a CORS middleware for local network access
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
