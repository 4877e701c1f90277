package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nextcloud/talk-transcription-bridge/internal/config"
	"github.com/nextcloud/talk-transcription-bridge/internal/handler"
	"github.com/nextcloud/talk-transcription-bridge/internal/nextcloud"
	"github.com/nextcloud/talk-transcription-bridge/internal/room"
	"github.com/nextcloud/talk-transcription-bridge/internal/watchdog"
	"github.com/nextcloud/talk-transcription-bridge/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	if _, err := logger.Init(os.Getenv("LOG_ENV")); err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Base().Fatal("invalid configuration", zap.Error(err))
	}
	if !cfg.STTConfigured() {
		logger.Base().Warn("STT credentials missing, transcription requests will be refused")
	}

	ncClient := nextcloud.NewClient(cfg.NextcloudURL, cfg.SkipCertVerify)
	registry := room.NewRegistry(cfg, ncClient)
	memory := watchdog.New(cfg.MemoryLimitMB, registry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go memory.Run(ctx)

	router := mux.NewRouter()
	handler.SetupRoutes(router, handler.NewTranscriptionHandler(cfg, registry, memory))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Base().Info("transcription bridge listening", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Base().Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Base().Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Base().Error("failed to leave calls cleanly", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Base().Error("server shutdown failed", zap.Error(err))
	}
}
