package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ferry-ci/ferry/internal/coordinator"
	"github.com/ferry-ci/ferry/internal/platform/env"
	"github.com/ferry-ci/ferry/internal/platform/httpserver"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "ferry-mock-server")

	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := env.String("FERRY_MOCK_HTTP_ADDR", ":8111")
	shutdownTimeout, err := env.Duration("FERRY_MOCK_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	username := env.String("FERRY_MOCK_USERNAME", "")
	password := env.String("FERRY_MOCK_PASSWORD", "")

	api, err := coordinator.NewAPI(logger, coordinator.NewStore(), username, password)
	if err != nil {
		logger.Error("api init failed", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("ferry-mock-server"))
	mux.HandleFunc("/readyz", httpserver.Readyz("ferry-mock-server"))
	api.Register(mux)

	cfg := httpserver.Config{
		Service:         "ferry-mock-server",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "ferry-mock-server", mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
