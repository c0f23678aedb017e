package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"audio-relay/internal/judge"
	"audio-relay/internal/platform/config"
	"audio-relay/internal/platform/logger"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("JUDGE_PORT", "9000")
	dataDir := config.GetEnv("JUDGE_DATA_DIR", "judge-data")
	startAfter := config.GetEnvInt("JUDGE_START_AFTER", judge.DefaultStartAfter)
	endAfter := config.GetEnvInt("JUDGE_END_AFTER", judge.DefaultEndAfter)
	sessionTTL := config.GetEnvDuration("JUDGE_SESSION_TTL", judge.DefaultSessionTTL)
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	log := logger.New(logLevel, logFormat)

	policy := judge.NewPolicy(startAfter, endAfter, sessionTTL)
	h := judge.NewHandler(policy, dataDir, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	h.Routes(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("decision authority starting",
		"port", port,
		"start_after", startAfter,
		"end_after", endAfter,
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

	log.Info("decision authority stopped")
}
