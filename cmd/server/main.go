package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"twitch-relay/internal/platform/config"
	"twitch-relay/internal/platform/logger"
	"twitch-relay/internal/platform/metrics"
	"twitch-relay/internal/relay"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "61616")
	baseURL := config.GetEnv("BASE_URL", "http://127.0.0.1:"+port)
	scratchDir := config.GetEnv("SCRATCH_DIR", filepath.Join(os.TempDir(), "twitch-relay"))
	usherURL := config.GetEnv("USHER_URL", relay.DefaultUsherURL)
	windowSize := config.GetEnvInt("WINDOW_SIZE", relay.DefaultWindowSize)
	pollInterval := config.GetEnvDuration("POLL_INTERVAL", relay.DefaultPollInterval)
	fetchWorkers := config.GetEnvInt("FETCH_WORKERS", relay.DefaultFetchWorkers)
	fetchQueue := config.GetEnvInt("FETCH_QUEUE", relay.DefaultFetchQueue)
	keepCache := config.GetEnvBool("KEEP_CACHE", false)
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	log := logger.New(logLevel, logFormat)

	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		log.Error("create scratch directory", "error", err)
		os.Exit(1)
	}

	upstream := relay.NewHTTPUpstream(usherURL)
	fetcher := relay.NewFetcher(fetchWorkers, fetchQueue)
	met := metrics.New()
	registry := relay.NewRegistry(relay.SessionConfig{
		BaseURL:      baseURL,
		ScratchDir:   scratchDir,
		KeepCache:    keepCache,
		PollInterval: pollInterval,
		WindowSize:   windowSize,
	}, upstream, fetcher, log, met)
	h := relay.NewHandler(registry, upstream, scratchDir, log, met)

	r := chi.NewRouter()
	r.Use(relay.CORS)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() { met.SetActiveChannels(registry.ActiveCount()) }).ServeHTTP(w, req)
	})
	h.Mount(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("relay starting",
		"port", port,
		"base_url", baseURL,
		"scratch_dir", scratchDir,
		"window_size", windowSize,
		"poll_interval", pollInterval.String(),
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	registry.Shutdown()
	fetcher.Close()

	if !keepCache {
		if err := os.RemoveAll(scratchDir); err != nil {
			log.Warn("remove scratch directory", "error", err)
		}
	}

	log.Info("relay stopped")
}
