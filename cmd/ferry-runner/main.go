package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ferry-ci/ferry/internal/logrelay"
	"github.com/ferry-ci/ferry/internal/platform/env"
	"github.com/ferry-ci/ferry/internal/remoterun"
	"github.com/ferry-ci/ferry/internal/run"
	"github.com/ferry-ci/ferry/internal/transfer"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "ferry-runner")

	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	payloadPath := flag.String("payload", "-", "Run payload path; - reads stdin")
	flag.Parse()

	flushInterval, err := env.Duration("FERRY_FLUSH_INTERVAL", logrelay.DefaultFlushInterval)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	var in io.Reader = os.Stdin
	if *payloadPath != "-" {
		f, err := os.Open(*payloadPath)
		if err != nil {
			logger.Error("open payload", "error", err)
			os.Exit(2)
		}
		defer f.Close()
		in = f
	}
	details, err := run.DecodePayload(in)
	if err != nil {
		logger.Error("decode payload", "error", err)
		os.Exit(2)
	}

	runner, err := remoterun.New(
		transfer.NewRetriever(logger),
		remoterun.NewRelayFactory(flushInterval, logger),
		logger,
	)
	if err != nil {
		logger.Error("runner init failed", "error", err)
		os.Exit(2)
	}

	// A nonzero script exit is a completed run: the code was already
	// relayed to the server as build output. Only infrastructure
	// failures exit nonzero here.
	code, err := runner.Run(ctx, details)
	if err != nil {
		logger.Error("run failed", "build_id", details.BuildID, "error", err)
		os.Exit(1)
	}
	logger.Info("run complete", "build_id", details.BuildID, "exit_code", code)
}
