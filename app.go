// visionaid/app.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"visionaid/api"
	"visionaid/config"
	"visionaid/logging"
	"visionaid/pipeline"
	"visionaid/speech"
	"visionaid/storage"
	"visionaid/task"
	"visionaid/vision"
)

// app holds the components shared by every command.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	dirs      *storage.Dirs
	sweeper   *storage.Sweeper
	converter *pipeline.Converter
	closers   []func() error
}

// newApp loads configuration and builds the components. Remote clients are
// only constructed, and their credentials only required, when remote is set.
func newApp(remote bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if remote {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	} else if cfg.ArtifactLifetime <= 0 {
		return nil, errors.New("invalid configuration: ARTIFACT_LIFETIME must be positive")
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	dirs, err := storage.New(cfg.UploadDir, cfg.OutputDir, cfg.MinFreeDisk, logger.Named("storage"))
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		logger:  logger,
		dirs:    dirs,
		sweeper: storage.NewSweeper(dirs, cfg.ArtifactLifetime, logger.Named("sweeper")),
	}
	a.closers = append(a.closers, func() error { _ = logger.Sync(); return nil })
	if !remote {
		return a, nil
	}

	vc, err := vision.New(vision.Options{
		APIKey:  cfg.GeminiAPIKey,
		Model:   cfg.GeminiModel,
		BaseURL: cfg.GeminiBaseURL,
		Timeout: cfg.VisionTimeout,
	}, logger.Named("vision"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vision client: %w", err)
	}
	sc, err := speech.New(speech.Options{
		APIKey:   cfg.FPTAPIKey,
		Endpoint: cfg.FPTTTSURL,
		Speed:    cfg.FPTSpeed,
		Timeout:  cfg.SpeechTimeout,
	}, logger.Named("speech"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize speech client: %w", err)
	}
	a.converter = pipeline.NewConverter(vc, sc, dirs, cfg.MaxImageDimension, logger.Named("pipeline"))
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
}

func (a *app) openStore(ctx context.Context) (task.Store, error) {
	switch a.cfg.TaskBackend {
	case "redis":
		rs, err := task.ConnectRedis(ctx, a.cfg.RedisAddr, a.cfg.TaskRetention)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis task store: %w", err)
		}
		a.closers = append(a.closers, rs.Close)
		a.logger.Info("using redis task store", zap.String("addr", a.cfg.RedisAddr))
		return rs, nil
	default:
		return task.NewMemoryStore(), nil
	}
}

// serve runs the HTTP API until ctx is done.
func (a *app) serve(ctx context.Context) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	taskManager, err := task.NewManager(a.cfg, store, a.converter, a.logger.Named("task"))
	if err != nil {
		return fmt.Errorf("failed to initialize task manager: %w", err)
	}

	if a.cfg.TaskRetention > 0 {
		retention := a.cfg.TaskRetention
		a.sweeper.OnSweep(func(ctx context.Context, now time.Time) {
			taskManager.EvictBefore(ctx, now.Add(-retention))
		})
	}

	handler := api.NewHandler(taskManager, a.converter, a.dirs, a.cfg, a.logger.Named("api"))
	router := api.SetupRouter(handler, a.logger.Named("http"))
	srv := &http.Server{
		Addr:    ":" + a.cfg.Port,
		Handler: router,
	}

	taskManager.Start(ctx)
	go a.sweeper.Run(ctx, a.cfg.SweepInterval)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", zap.String("port", a.cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down gracefully")
	// The server has 5 seconds to finish the requests it is currently handling.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("server exiting")
	return nil
}

// convert runs one conversion and prints the result as JSON. The audio is
// moved from the output directory to outPath on success.
func (a *app) convert(ctx context.Context, w io.Writer, imagePath, outPath, voice, wait string) error {
	if voice == "" {
		voice = a.cfg.DefaultVoice
	}
	if !speech.KnownVoice(voice) {
		return fmt.Errorf("unknown voice %q", voice)
	}
	waitTime := a.cfg.DefaultWaitTime
	if wait != "" {
		d, err := config.ParseSeconds(wait)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid wait %q", wait)
		}
		waitTime = d
	}

	result := a.converter.Convert(ctx, pipeline.Request{
		ImagePath: imagePath,
		Voice:     voice,
		WaitTime:  waitTime,
		OutputID:  storage.NewID(),
	})
	if result.OK() {
		if err := moveFile(result.Success.AudioPath, outPath); err != nil {
			return fmt.Errorf("failed to write %s: %w", outPath, err)
		}
		result.Success.AudioPath = outPath
		result.Success.AudioFilename = filepath.Base(outPath)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	return result.Err()
}

func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return err
	}
	return os.Remove(src)
}
