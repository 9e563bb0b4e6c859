package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/vzahanych/facetrace/internal/config"
	"github.com/vzahanych/facetrace/internal/health"
	"github.com/vzahanych/facetrace/internal/service"
	"github.com/vzahanych/facetrace/internal/web"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API for uploads, results and live streams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cc)
		},
	}
}

func runServe(ctx context.Context, cc *commandContext) error {
	cfg, err := cc.ensureConfig()
	if err != nil {
		return err
	}

	lockPath := filepath.Join(cfg.Storage.DataDir, "facetrace.lock")
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another facetrace server is using %s", cfg.Storage.DataDir)
	}
	defer lock.Unlock()

	a, err := buildApp(ctx, cc)
	if err != nil {
		return err
	}
	defer a.close()
	log := a.log

	log.Info("Starting facetrace",
		"version", cc.build.Version,
		"build_time", cc.build.BuildTime,
		"git_commit", cc.build.GitCommit,
		"database", cfg.Database.Driver,
		"face_service", cfg.Detector.ServiceURL,
	)

	svcMgr := service.NewManager(log)

	healthMgr := health.NewManager(log, svcMgr)
	healthMgr.RegisterChecker(health.NewDatabaseChecker(a.store, cfg.Database.Driver))
	healthMgr.RegisterChecker(health.NewFaceServiceChecker(a.detector))
	healthMgr.RegisterChecker(health.NewStorageChecker(map[string]string{
		"uploads": cfg.Storage.UploadsDir,
		"matches": cfg.Storage.MatchesDir,
		"reports": cfg.Storage.ReportsDir,
	}))
	healthMgr.RegisterChecker(health.NewDiskChecker(a.files, cfg.Storage.MaxDiskUsagePercent))
	healthMgr.RegisterChecker(health.NewFFmpegChecker(a.ffmpeg))

	server := web.NewServer(&cfg.Web, web.Deps{
		Pipeline: a.controller,
		Files:    a.files,
		Reports:  a.reports,
		Health:   healthMgr,
		Bus:      svcMgr.GetEventBus(),
		Camera:   cfg.Camera,
	}, log)
	server.SetVersion(cc.build.Version)

	svcMgr.Register(a.files)
	svcMgr.Register(a.sessions)
	svcMgr.Register(a.controller)
	svcMgr.Register(server)
	if cfg.GRPC.Enabled {
		svcMgr.Register(health.NewGRPCServer(healthMgr, cfg.GRPC.Port, 10*time.Second, log))
	}

	cfgSvc := config.NewServiceFrom(cfg, cc.configFlag, cc.applyOverrides, log)
	cfgSvc.Watch(func(ctx context.Context, oldCfg, newCfg *config.Config) error {
		if oldCfg.Matching != newCfg.Matching || oldCfg.Camera.MaxWidth != newCfg.Camera.MaxWidth {
			a.controller.SetOptions(pipelineOptions(newCfg))
		}
		return nil
	})

	if err := svcMgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start services: %w", err)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for running := true; running; {
		select {
		case <-hup:
			log.Info("Received SIGHUP, reloading configuration")
			if err := cfgSvc.Reload(ctx); err != nil {
				log.Error("Configuration reload failed", "error", err)
			}
		case <-ctx.Done():
			running = false
		}
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := svcMgr.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("Shutdown complete")
	return nil
}
