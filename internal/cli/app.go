package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/vzahanych/facetrace/internal/config"
	"github.com/vzahanych/facetrace/internal/detector"
	"github.com/vzahanych/facetrace/internal/logger"
	"github.com/vzahanych/facetrace/internal/pipeline"
	"github.com/vzahanych/facetrace/internal/report"
	"github.com/vzahanych/facetrace/internal/session"
	"github.com/vzahanych/facetrace/internal/state"
	"github.com/vzahanych/facetrace/internal/state/postgres"
	"github.com/vzahanych/facetrace/internal/storage"
	"github.com/vzahanych/facetrace/internal/video"
)

// app holds the wired components shared by serve and the offline commands.
type app struct {
	cfg        *config.Config
	log        *logger.Logger
	store      state.Store
	files      *storage.Service
	detector   *detector.Client
	sessions   *session.Cache
	ffmpeg     *video.FFmpegWrapper
	controller *pipeline.Controller
	reports    *report.Generator
}

// openStore opens the configured detection store.
func openStore(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (state.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		store, err := state.NewManager(cfg.Path, log.Named("state"))
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		store, err := postgres.Open(ctx, postgres.PoolConfig{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// openStoreOnly is enough for commands that only read or delete records.
func openStoreOnly(ctx context.Context, cc *commandContext) (*app, error) {
	cfg, err := cc.ensureConfig()
	if err != nil {
		return nil, err
	}
	log, err := cc.ensureLogger()
	if err != nil {
		return nil, err
	}
	store, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:     cfg,
		log:     log,
		store:   store,
		reports: report.NewGenerator(store, cfg.Storage.ReportsDir, log),
	}, nil
}

// buildApp wires the full pipeline. ffmpeg is required since every run
// decodes through it.
func buildApp(ctx context.Context, cc *commandContext) (*app, error) {
	a, err := openStoreOnly(ctx, cc)
	if err != nil {
		return nil, err
	}
	cfg, log := a.cfg, a.log

	a.files, err = storage.NewService(storage.Config{
		UploadsDir:          cfg.Storage.UploadsDir,
		MatchesDir:          cfg.Storage.MatchesDir,
		ReportsDir:          cfg.Storage.ReportsDir,
		MaxDiskUsagePercent: cfg.Storage.MaxDiskUsagePercent,
		UploadRetention:     cfg.Storage.UploadRetention,
	}, log)
	if err != nil {
		a.close()
		return nil, err
	}

	a.ffmpeg, err = video.NewFFmpegWrapper(log.Named("ffmpeg"))
	if err != nil {
		a.close()
		return nil, err
	}

	a.detector = detector.NewClient(detector.ClientConfig{
		ServiceURL: cfg.Detector.ServiceURL,
		Timeout:    cfg.Detector.Timeout,
		MaxRetries: cfg.Detector.MaxRetries,
		RetryDelay: cfg.Detector.RetryDelay,
	}, log.Named("detector"))

	a.sessions = session.NewCache(session.Config{
		TTL:           cfg.Sessions.TTL,
		SweepInterval: cfg.Sessions.SweepInterval,
	}, log)

	sources := &pipeline.FFmpegSources{
		FFmpeg:       a.ffmpeg,
		PrimeTimeout: cfg.Camera.RTSPTimeout,
		ProbeRTSP:    cfg.Camera.ShouldProbeRTSP(),
		Logger:       log.Named("sources"),
	}
	a.controller = pipeline.NewController(a.detector, a.store, a.files, a.sessions, sources, pipelineOptions(cfg), log)
	return a, nil
}

func pipelineOptions(cfg *config.Config) pipeline.Options {
	return pipeline.Options{
		Threshold:        cfg.Matching.Threshold,
		FrameSkip:        cfg.Matching.FrameSkip,
		ProgressInterval: cfg.Matching.ProgressInterval,
		LiveFrameSkip:    cfg.Matching.LiveFrameSkip,
		DefaultFPS:       cfg.Matching.DefaultFPS,
		MaxWidth:         cfg.Camera.MaxWidth,
	}
}

func (a *app) close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.log != nil {
		a.log.Sync()
	}
	return errors.Join(errs...)
}
