package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/audioworks/volcasr/internal/api"
	"github.com/audioworks/volcasr/internal/asr"
	"github.com/audioworks/volcasr/internal/config"
	"github.com/audioworks/volcasr/internal/storage/sqlite"
	"github.com/audioworks/volcasr/internal/tasks"
	"github.com/audioworks/volcasr/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.toml", "path to config file")
	flag.Parse()

	// The provider API key lives in the environment; a .env file is the
	// simplest way to provide it in development.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Info("Starting volcasr",
		logger.String("db_path", cfg.Storage.Path),
		logger.Int("poll_interval_secs", cfg.Poller.IntervalSecs),
	)

	db, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := sqlite.NewTaskStorage(db, log)
	if err != nil {
		return err
	}

	client := asr.NewClient(asr.Config{
		BaseURL:    cfg.ASR.BaseURL,
		APIKey:     cfg.ASR.APIKey,
		ResourceID: cfg.ASR.ResourceID,
		UserID:     cfg.ASR.UserID,
		ModelName:  cfg.ASR.ModelName,
		Timeout:    cfg.ASRTimeout(),
	}, log)

	service := tasks.NewService(store, client, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var poller *tasks.Poller
	if cfg.Poller.Enabled {
		poller = tasks.NewPoller(ctx, service, store, cfg.PollInterval(), log)
		if err := poller.Start(); err != nil {
			return err
		}
	} else {
		log.Warn("Background poller is disabled; tasks are only reconciled by the sync endpoint")
	}

	router := api.NewRouter(service, store, cfg, log)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", logger.Error(err))
	}

	if poller != nil {
		if err := poller.Stop(); err != nil {
			log.Error("Poller shutdown failed", logger.Error(err))
		}
	}

	return nil
}
