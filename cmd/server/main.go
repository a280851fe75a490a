package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"speaker-diarizer/internal/bootstrap"
	"speaker-diarizer/internal/orchestrator"
	"speaker-diarizer/internal/platform/config"
	"speaker-diarizer/internal/platform/logger"
	"speaker-diarizer/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	uploadDir := config.GetEnv("UPLOAD_DIR", os.TempDir())

	log := logger.New(logLevel, logFormat)

	norm, err := bootstrap.Normalizer()
	if err != nil {
		log.Error("invalid normalizer configuration", "error", err)
		os.Exit(1)
	}
	provider, err := bootstrap.Provider(log)
	if err != nil {
		log.Error("invalid provider configuration", "error", err)
		os.Exit(1)
	}
	capture, err := bootstrap.CaptureSource(norm, log)
	if err != nil {
		log.Error("invalid capture configuration", "error", err)
		os.Exit(1)
	}

	met := metrics.New()
	orch, err := bootstrap.Orchestrator(provider, norm, log, met)
	if err != nil {
		log.Error("invalid engine configuration", "error", err)
		os.Exit(1)
	}
	files := bootstrap.FileSource(norm, log)
	h := orchestrator.NewHandler(orch, files, capture, log, met, uploadDir)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			if capture != nil {
				met.SetCaptureSamples(capture.Status().Samples)
			}
		}).ServeHTTP(w, r)
	})
	r.Get("/state", h.GetState)
	r.Get("/segments", h.GetSegments)
	r.Get("/statistics", h.GetStatistics)
	r.Get("/events", h.Events)
	r.Post("/clear", h.Clear)
	r.Route("/runs", func(r chi.Router) {
		r.Post("/", h.CreateRun)
		r.Get("/", h.ListRuns)
		r.Get("/{run_id}", h.GetRun)
	})
	r.Route("/capture", func(r chi.Router) {
		r.Get("/", h.GetCapture)
		r.Post("/start", h.StartCapture)
		r.Post("/stop", h.StopCapture)
		r.Post("/clear", h.ClearCapture)
		r.Post("/diarize", h.DiarizeCapture)
	})

	// Request contexts derive from baseCtx so event streams end on shutdown.
	baseCtx, stopStreams := context.WithCancel(context.Background())
	addr := ":" + port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(stopStreams)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"provider", provider.Name(),
		"capture", capture != nil,
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if capture != nil {
		if err := capture.Stop(); err != nil {
			log.Warn("capture stop failed", "error", err)
		}
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("waiting for in-flight diarization run")
	orch.Close()
	log.Info("server stopped")
}
