package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/avatarforge/avatar-gateway/internal/animation"
	"github.com/avatarforge/avatar-gateway/internal/artifact"
	"github.com/avatarforge/avatar-gateway/internal/avatar"
	"github.com/avatarforge/avatar-gateway/internal/config"
	"github.com/avatarforge/avatar-gateway/internal/gateway"
	"github.com/avatarforge/avatar-gateway/internal/observability"
	"github.com/avatarforge/avatar-gateway/internal/pipeline"
	"github.com/avatarforge/avatar-gateway/internal/progress"
	"github.com/avatarforge/avatar-gateway/internal/store"
	"github.com/avatarforge/avatar-gateway/internal/tts"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()
	logger.Info().
		Str("port", cfg.Port).
		Str("tts_engine", cfg.TTSEngine).
		Str("avatar_engine", cfg.AvatarEngine).
		Str("quality", cfg.Quality).
		Msg("Starting avatar gateway")

	ctx := context.Background()

	artifacts, err := artifact.NewStore(cfg.ArtifactRoot)
	if err != nil {
		logger.Fatal().Err(err).Str("root", cfg.ArtifactRoot).Msg("Failed to initialize artifact store")
	}

	sweeper := artifact.NewSweeper(artifacts, cfg.ArtifactKeep, logger)
	if err := sweeper.Start(cfg.SweepSchedule); err != nil {
		logger.Fatal().Err(err).Str("schedule", cfg.SweepSchedule).Msg("Failed to start retention sweeper")
	}

	snapshots, redisStore, err := buildSnapshotStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect snapshot store")
	}

	stages, err := buildStages(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build stage adapters")
	}

	hub := progress.NewHub()
	orch := pipeline.New(stages, artifacts, hub, snapshots, pipeline.Options{
		AudioTimeout:     time.Duration(cfg.AudioTimeout) * time.Second,
		ImageTimeout:     time.Duration(cfg.ImageTimeout) * time.Second,
		AnimationTimeout: time.Duration(cfg.AnimationTimeout) * time.Second,
		Retention:        time.Duration(cfg.RunRetentionSecs) * time.Second,
		DefaultStyle:     cfg.AvatarStyle,
		DefaultSeed:      cfg.AvatarSeed,
		Quality:          cfg.Quality,
	})

	api := gateway.NewServer(orch)

	mux := http.NewServeMux()
	mux.HandleFunc("/generate-video", api.HandleGenerateVideo)
	mux.HandleFunc("/runs/", api.HandleRuns)
	mux.HandleFunc("/ws", progress.ServeWS(hub, logger))
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(readinessChecks(cfg, redisStore)))
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.HandleFunc("/", api.HandleIndex)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  60 * time.Second,
		WriteTimeout: 0, // sync generation and WebSocket pushes outlive any fixed write deadline
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	sweeper.Stop()
	if redisStore != nil {
		if err := redisStore.Close(); err != nil {
			logger.Warn().Err(err).Msg("Redis close error")
		}
	}
	logger.Info().Msg("Shutdown complete")
}

// buildStages selects the configured engine for each stage.
func buildStages(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (pipeline.Stages, error) {
	var stages pipeline.Stages

	switch cfg.TTSEngine {
	case config.TTSEngineDeepgram:
		stages.Audio = tts.NewDeepgramClient(cfg, logger)
	default:
		stages.Audio = tts.NewGTTSClient(cfg, logger)
	}

	var enricher *avatar.Enricher
	if cfg.GeminiAPIKey != "" {
		var err error
		enricher, err = avatar.NewEnricher(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return stages, fmt.Errorf("gemini enricher: %w", err)
		}
	}
	switch cfg.AvatarEngine {
	case config.AvatarEngineArk:
		stages.Avatar = avatar.NewArkClient(cfg, enricher, logger)
	default:
		stages.Avatar = avatar.NewDiffusionClient(cfg, enricher, logger)
	}

	stages.Animation = animation.NewSadTalkerClient(cfg, logger)
	return stages, nil
}

// buildSnapshotStore returns a Redis-backed store when configured, and an
// in-memory one otherwise. The second return value is non-nil only for
// Redis, so main can wire readiness and shutdown.
func buildSnapshotStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (pipeline.SnapshotStore, *store.RedisStore, error) {
	if cfg.RedisAddr == "" {
		logger.Info().Msg("Using in-memory snapshot store")
		return store.NewMemoryStore(), nil, nil
	}

	rs, err := store.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB,
		time.Duration(cfg.SnapshotTTL)*time.Second)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Str("addr", cfg.RedisAddr).Msg("Using Redis snapshot store")
	return rs, rs, nil
}

func readinessChecks(cfg *config.Config, redisStore *store.RedisStore) map[string]observability.HealthCheckFunc {
	checks := map[string]observability.HealthCheckFunc{
		"artifact_root": func(ctx context.Context) (bool, error) {
			info, err := os.Stat(cfg.ArtifactRoot)
			if err != nil {
				return false, err
			}
			return info.IsDir(), nil
		},
		"python": func(ctx context.Context) (bool, error) {
			if _, err := exec.LookPath(cfg.PythonBin); err != nil {
				return false, err
			}
			return true, nil
		},
		"sadtalker": func(ctx context.Context) (bool, error) {
			info, err := os.Stat(cfg.SadTalkerDir)
			if err != nil {
				return false, err
			}
			return info.IsDir(), nil
		},
	}
	if redisStore != nil {
		checks["redis"] = func(ctx context.Context) (bool, error) {
			if err := redisStore.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return checks
}
