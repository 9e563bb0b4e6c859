package health

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vzahanych/facetrace/internal/logger"
	"github.com/vzahanych/facetrace/internal/service"
)

// ServiceName is the gRPC health service name reported for the pipeline.
const ServiceName = "facetrace.Pipeline"

// GRPCServer exposes the aggregated report over the standard gRPC health
// protocol so orchestrators can probe the process without HTTP.
type GRPCServer struct {
	*service.ServiceBase

	manager  *Manager
	addr     string
	interval time.Duration

	server   *grpc.Server
	health   *grpchealth.Server
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewGRPCServer creates the health server. Port 0 picks a free port.
func NewGRPCServer(manager *Manager, port int, interval time.Duration, log *logger.Logger) *GRPCServer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &GRPCServer{
		ServiceBase: service.NewServiceBase("grpc-health", log),
		manager:     manager,
		addr:        fmt.Sprintf(":%d", port),
		interval:    interval,
	}
}

func (s *GRPCServer) Name() string {
	return "grpc-health"
}

// Start listens and begins mirroring the health report.
func (s *GRPCServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("gRPC health server already started")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.health = grpchealth.NewServer()
	s.server = grpc.NewServer()
	healthpb.RegisterHealthServer(s.server, s.health)
	s.listener = listener

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.update(loopCtx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil && err != grpc.ErrServerStopped {
			s.LogError("gRPC health server error", err)
			s.GetStatus().SetError(err)
		}
	}()
	go s.watch(loopCtx)

	s.GetStatus().SetStatus(service.StatusRunning)
	s.LogInfo("gRPC health server started", "addr", listener.Addr().String())
	return nil
}

// Stop drains in-flight RPCs, falling back to a hard stop when ctx ends.
func (s *GRPCServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	server, cancel, health := s.server, s.cancel, s.health
	s.server = nil
	s.cancel = nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}

	cancel()
	health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.LogWarn("gRPC graceful stop timed out, forcing stop")
		server.Stop()
	}

	s.wg.Wait()
	s.GetStatus().SetStatus(service.StatusStopped)
	s.LogInfo("gRPC health server stopped")
	return nil
}

// Addr returns the bound address once started.
func (s *GRPCServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *GRPCServer) watch(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.update(ctx)
		}
	}
}

func (s *GRPCServer) update(ctx context.Context) {
	report := s.manager.Check(ctx)
	if ctx.Err() != nil {
		return
	}

	status := healthpb.HealthCheckResponse_SERVING
	if !report.Ready() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	s.LogDebug("Updated gRPC health status", "status", status.String())
}
