package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"audio-relay/internal/platform/config"
	"audio-relay/internal/platform/logger"
	"audio-relay/internal/platform/metrics"
	"audio-relay/internal/relay"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	dataDir := config.GetEnv("DATA_DIR", "sessions")
	judgeURL := config.GetEnv("JUDGE_BASE_URL", "http://127.0.0.1:9000")
	askTimeout := config.GetEnvDuration("JUDGE_ASK_TIMEOUT", relay.DefaultAskTimeout)
	finalTimeout := config.GetEnvDuration("JUDGE_FINAL_TIMEOUT", relay.DefaultFinalTimeout)
	ffmpegTimeout := config.GetEnvDuration("FFMPEG_TIMEOUT", relay.DefaultTranscodeTimeout)
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	log := logger.New(logLevel, logFormat)

	store, err := relay.NewDiskStore(dataDir)
	if err != nil {
		log.Error("storage init failed", "error", err)
		os.Exit(1)
	}

	ffmpegBin := relay.ResolveFFmpeg()
	if ffmpegBin == "" {
		log.Warn("ffmpeg not found; assembly will fail until it is installed or FFMPEG_PATH is set")
	}
	norm := relay.NewFFmpeg(ffmpegBin, ffmpegTimeout)
	asm := relay.NewAssembler(store, norm)
	judge := relay.NewJudgeClient(judgeURL, askTimeout, finalTimeout)
	svc := relay.NewService(store, judge, asm, log)
	met := metrics.New()
	h := relay.NewHandler(svc, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(store.ActiveSessionCount()) }).ServeHTTP(w, r)
	})
	h.Routes(r)

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
		"data_dir", dataDir,
		"judge_base_url", judgeURL,
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

	log.Info("relay stopped")
}
